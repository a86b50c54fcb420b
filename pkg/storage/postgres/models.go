package postgres

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses as persisted in etl_runs.status.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusPartial = "partial"
)

// RawRecord is one fetched payload, kept verbatim for audit and replay.
// Rows are append-only and never mutated after insert.
type RawRecord struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Source     string `gorm:"type:text;not null;index:idx_raw_source"`
	ExternalID string `gorm:"type:text;not null"`

	Payload string `gorm:"type:jsonb;not null"`

	SourceUpdatedAt time.Time `gorm:"not null;index:idx_raw_source_updated"`
	FetchedAt       time.Time `gorm:"not null"`
}

func (RawRecord) TableName() string {
	return "raw_records"
}

// AssetMapping links every source-local identifier of one real-world asset
// to its canonical asset_uid. Populated at bootstrap, grown opportunistically
// when a source presents a never-seen asset, never deleted.
type AssetMapping struct {
	AssetUID string `gorm:"type:varchar(100);primaryKey"`

	CoinGeckoID   *string `gorm:"type:varchar(100);uniqueIndex:idx_mapping_coingecko"`
	CoinPaprikaID *string `gorm:"type:varchar(100);uniqueIndex:idx_mapping_coinpaprika"`

	Symbol string `gorm:"type:varchar(20);not null;index:idx_mapping_symbol"`
	Name   string `gorm:"type:varchar(200);not null"`
	Rank   *int

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (AssetMapping) TableName() string {
	return "asset_mappings"
}

// NormalizedAsset is the canonical per-source row served to readers.
// At most one row exists per (asset_uid, source); the latest write wins.
type NormalizedAsset struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	AssetUID string `gorm:"type:varchar(100);not null;index:idx_normalized_uid;index:idx_normalized_uid_source,unique"`
	Source   string `gorm:"type:text;not null;index:idx_normalized_uid_source,unique"`

	Symbol string `gorm:"type:varchar(20);not null;index:idx_normalized_symbol"`
	Name   string `gorm:"type:varchar(200);not null"`

	PriceUSD     *float64 `gorm:"type:numeric"`
	MarketCapUSD *float64 `gorm:"type:numeric"`
	Rank         *int

	SourceUpdatedAt time.Time `gorm:"not null"`
	NormalizedAt    time.Time `gorm:"not null"`
}

func (NormalizedAsset) TableName() string {
	return "normalized_assets"
}

// Checkpoint bounds what has already been ingested for one source.
// Advanced only after the run's writes are committed, never backward.
type Checkpoint struct {
	Source string `gorm:"type:text;primaryKey"`

	LastSourceUpdatedAt time.Time `gorm:"not null"`
	LastRunAt           time.Time `gorm:"not null"`
}

func (Checkpoint) TableName() string {
	return "etl_checkpoints"
}

// RunRecord is one ETL invocation. Created at run start with status
// "running" and finalized exactly once with the terminal status.
type RunRecord struct {
	RunID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Source string `gorm:"type:text;not null;index:idx_runs_source"`
	Status string `gorm:"type:varchar(20);not null"`

	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time

	RecordsFetched     int `gorm:"not null;default:0"`
	RecordsWritten     int `gorm:"not null;default:0"`
	RecordsQuarantined int `gorm:"not null;default:0"`

	ErrorDetail *string `gorm:"type:text"`
}

func (RunRecord) TableName() string {
	return "etl_runs"
}
