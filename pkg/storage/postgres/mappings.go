package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertAssetMappings replaces mapping rows by asset_uid. Used by the
// registry bootstrap, which already merged both authoritative sources.
func (p *PostgresClient) UpsertAssetMappings(ctx context.Context, mappings []AssetMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "asset_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"coin_gecko_id",
			"coin_paprika_id",
			"symbol",
			"name",
			"rank",
		}),
	}).CreateInBatches(mappings, 500).Error
}

// CreateMappingIfAbsent inserts a newly minted mapping. When a concurrent
// writer already created a row for the same asset (same asset_uid or same
// source-native ID), the insert is a no-op and the winner's row is returned
// so the caller adopts its asset_uid instead of forking the identity.
func (p *PostgresClient) CreateMappingIfAbsent(ctx context.Context, mapping AssetMapping) (AssetMapping, error) {
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(&mapping)
	if tx.Error != nil {
		return AssetMapping{}, fmt.Errorf("insert mapping: %w", tx.Error)
	}

	if tx.RowsAffected > 0 {
		return mapping, nil
	}

	// Lost the race. Find the row we collided with, preferring the
	// source-native IDs over the minted UID.
	if mapping.CoinGeckoID != nil {
		if existing, err := p.GetMappingByCoinGeckoID(ctx, *mapping.CoinGeckoID); err == nil {
			return *existing, nil
		}
	}
	if mapping.CoinPaprikaID != nil {
		if existing, err := p.GetMappingByCoinPaprikaID(ctx, *mapping.CoinPaprikaID); err == nil {
			return *existing, nil
		}
	}

	var existing AssetMapping
	err := p.DB.WithContext(ctx).
		Where("asset_uid = ?", mapping.AssetUID).
		First(&existing).Error
	if err != nil {
		return AssetMapping{}, fmt.Errorf("read back conflicting mapping: %w", err)
	}
	return existing, nil
}

func (p *PostgresClient) GetMappingByCoinGeckoID(ctx context.Context, id string) (*AssetMapping, error) {
	var mapping AssetMapping
	err := p.DB.WithContext(ctx).
		Where("coin_gecko_id = ?", id).
		First(&mapping).Error
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (p *PostgresClient) GetMappingByCoinPaprikaID(ctx context.Context, id string) (*AssetMapping, error) {
	var mapping AssetMapping
	err := p.DB.WithContext(ctx).
		Where("coin_paprika_id = ?", id).
		First(&mapping).Error
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// EnrichMappingSourceIDs records newly discovered source-native IDs on an
// existing mapping without ever overwriting an ID already present.
func (p *PostgresClient) EnrichMappingSourceIDs(ctx context.Context, assetUID string, coinGeckoID, coinPaprikaID *string) error {
	updates := map[string]interface{}{}
	if coinGeckoID != nil {
		updates["coin_gecko_id"] = *coinGeckoID
	}
	if coinPaprikaID != nil {
		updates["coin_paprika_id"] = *coinPaprikaID
	}
	if len(updates) == 0 {
		return nil
	}

	q := p.DB.WithContext(ctx).
		Model(&AssetMapping{}).
		Where("asset_uid = ?", assetUID)
	if coinGeckoID != nil {
		q = q.Where("coin_gecko_id IS NULL OR coin_gecko_id = ?", *coinGeckoID)
	}
	if coinPaprikaID != nil {
		q = q.Where("coin_paprika_id IS NULL OR coin_paprika_id = ?", *coinPaprikaID)
	}
	err := q.Updates(updates).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return nil
}

// ListAssetMappings returns every mapping for registry reload and auditing.
func (p *PostgresClient) ListAssetMappings(ctx context.Context) ([]AssetMapping, error) {
	var mappings []AssetMapping
	err := p.DB.WithContext(ctx).
		Order("asset_uid ASC").
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}
