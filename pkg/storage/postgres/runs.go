package postgres

import (
	"context"
	"time"
)

// CreateRun opens a RunRecord in the "running" state.
func (p *PostgresClient) CreateRun(ctx context.Context, run RunRecord) error {
	return p.DB.WithContext(ctx).Create(&run).Error
}

// FinalizeRun records the terminal status and counters for a run. This is
// the only mutation a RunRecord ever receives.
func (p *PostgresClient) FinalizeRun(ctx context.Context, run RunRecord) error {
	return p.DB.WithContext(ctx).
		Model(&RunRecord{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{
			"status":              run.Status,
			"finished_at":         run.FinishedAt,
			"records_fetched":     run.RecordsFetched,
			"records_written":     run.RecordsWritten,
			"records_quarantined": run.RecordsQuarantined,
			"error_detail":        run.ErrorDetail,
		}).Error
}

// ReconcileStaleRuns marks runs left "running" by a crashed process as
// failed. Called once at startup before any new run is admitted.
func (p *PostgresClient) ReconcileStaleRuns(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	detail := "reconciled at startup: process exited mid-run"

	tx := p.DB.WithContext(ctx).
		Model(&RunRecord{}).
		Where("status = ?", RunStatusRunning).
		Updates(map[string]interface{}{
			"status":       RunStatusFailed,
			"finished_at":  now,
			"error_detail": detail,
		})
	return tx.RowsAffected, tx.Error
}

// ListRuns returns run history, newest first, optionally filtered by source.
func (p *PostgresClient) ListRuns(ctx context.Context, source string, limit, offset int) ([]RunRecord, error) {
	q := p.DB.WithContext(ctx).Model(&RunRecord{})
	if source != "" {
		q = q.Where("source = ?", source)
	}

	var runs []RunRecord
	err := q.Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// LastRun returns the most recent run across all sources, or nil when the
// service has never run.
func (p *PostgresClient) LastRun(ctx context.Context) (*RunRecord, error) {
	var runs []RunRecord
	err := p.DB.WithContext(ctx).
		Order("started_at DESC").
		Limit(1).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
