package postgres

import (
	"context"
)

// InsertRawRecords appends fetched payloads. Raw rows are audit data and are
// never updated, so conflicts on the generated ID are not expected.
func (p *PostgresClient) InsertRawRecords(ctx context.Context, records []RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	return p.DB.WithContext(ctx).CreateInBatches(records, 500).Error
}

// ListRawRecords returns raw payloads for one source, newest first.
func (p *PostgresClient) ListRawRecords(ctx context.Context, source string, limit, offset int) ([]RawRecord, error) {
	var records []RawRecord
	err := p.DB.WithContext(ctx).
		Where("source = ?", source).
		Order("source_updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresClient) CountRawRecords(ctx context.Context, source string) (int64, error) {
	var count int64
	q := p.DB.WithContext(ctx).Model(&RawRecord{})
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
