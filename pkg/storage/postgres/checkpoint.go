package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCheckpoint returns the cursor for a source. A source that never ran
// has no row; the zero cursor is returned so the first run ingests everything.
func (p *PostgresClient) GetCheckpoint(ctx context.Context, source string) (Checkpoint, error) {
	var cp Checkpoint
	err := p.DB.WithContext(ctx).
		Where("source = ?", source).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{Source: source}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// AdvanceCheckpoint moves the cursor forward. The guard in the update keeps
// last_source_updated_at monotonically non-decreasing even if a replayed run
// observes older data.
func (p *PostgresClient) AdvanceCheckpoint(ctx context.Context, source string, cursor, ranAt time.Time) error {
	cp := Checkpoint{
		Source:              source,
		LastSourceUpdatedAt: cursor,
		LastRunAt:           ranAt,
	}

	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_source_updated_at": gorm.Expr(
				"GREATEST(etl_checkpoints.last_source_updated_at, excluded.last_source_updated_at)"),
			"last_run_at": ranAt,
		}),
	}).Create(&cp).Error
}

// ListCheckpoints returns the cursor snapshot across all sources.
func (p *PostgresClient) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	var cps []Checkpoint
	err := p.DB.WithContext(ctx).
		Order("source ASC").
		Find(&cps).Error
	if err != nil {
		return nil, err
	}
	return cps, nil
}
