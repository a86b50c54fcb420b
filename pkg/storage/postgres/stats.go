package postgres

import (
	"context"
	"fmt"
)

// Stats is the aggregate debug view combining row counts, cursor positions
// and recent run outcomes.
type Stats struct {
	RawRecords       map[string]int64 `json:"raw_records"`
	NormalizedAssets map[string]int64 `json:"normalized_assets"`
	AssetMappings    int64            `json:"asset_mappings"`
	Checkpoints      []Checkpoint     `json:"checkpoints"`
	RecentRuns       []RunRecord      `json:"recent_runs"`
}

type sourceCount struct {
	Source string
	Count  int64
}

// GetStats assembles the aggregate view in one pass per table.
func (p *PostgresClient) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RawRecords:       map[string]int64{},
		NormalizedAssets: map[string]int64{},
	}

	var rawCounts []sourceCount
	err := p.DB.WithContext(ctx).
		Model(&RawRecord{}).
		Select("source, COUNT(*) AS count").
		Group("source").
		Scan(&rawCounts).Error
	if err != nil {
		return nil, fmt.Errorf("count raw records: %w", err)
	}
	for _, c := range rawCounts {
		stats.RawRecords[c.Source] = c.Count
	}

	var normCounts []sourceCount
	err = p.DB.WithContext(ctx).
		Model(&NormalizedAsset{}).
		Select("source, COUNT(*) AS count").
		Group("source").
		Scan(&normCounts).Error
	if err != nil {
		return nil, fmt.Errorf("count normalized assets: %w", err)
	}
	for _, c := range normCounts {
		stats.NormalizedAssets[c.Source] = c.Count
	}

	err = p.DB.WithContext(ctx).Model(&AssetMapping{}).Count(&stats.AssetMappings).Error
	if err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}

	stats.Checkpoints, err = p.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	stats.RecentRuns, err = p.ListRuns(ctx, "", 10, 0)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	return stats, nil
}
