package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinsync/internal/registry"
	"coinsync/internal/source"
	"coinsync/pkg/storage/postgres"

	"go.uber.org/zap"
)

// ErrQuarantined marks a single malformed record. The run skips it, counts
// it, and continues; it never fails the enclosing run on its own.
var ErrQuarantined = errors.New("record quarantined")

// Normalizer converts one raw record into the canonical shape with identity
// resolved through the registry.
type Normalizer struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func NewNormalizer(reg *registry.Registry, logger *zap.Logger) *Normalizer {
	return &Normalizer{registry: reg, logger: logger}
}

// Normalize resolves the record's canonical identity and builds the row to
// upsert. Records the registry cannot identify, and records without a
// source timestamp, are quarantined. Registry unavailability is a run-fatal
// error, not a quarantine.
func (n *Normalizer) Normalize(ctx context.Context, src string, rec source.Record) (postgres.NormalizedAsset, error) {
	if rec.ExternalID == "" && rec.Symbol == "" && rec.Name == "" {
		return postgres.NormalizedAsset{}, fmt.Errorf("%w: record carries no identifier", ErrQuarantined)
	}
	if rec.SourceUpdatedAt.IsZero() {
		return postgres.NormalizedAsset{}, fmt.Errorf("%w: missing source timestamp", ErrQuarantined)
	}

	uid, ok, err := n.registry.Resolve(src, rec.ExternalID, rec.Symbol, rec.Name)
	if err != nil {
		return postgres.NormalizedAsset{}, err
	}

	if !ok {
		uid, err = n.registry.Mint(ctx, src, rec.ExternalID, rec.Symbol, rec.Name, rec.Rank)
		if errors.Is(err, registry.ErrNotReady) {
			return postgres.NormalizedAsset{}, err
		}
		if err != nil {
			return postgres.NormalizedAsset{}, fmt.Errorf("%w: %v", ErrQuarantined, err)
		}
	}

	// The record may carry a native ID the mapping does not know yet, e.g.
	// when it resolved via symbol+name or adopted a concurrent mint.
	if err := n.registry.RecordSourceID(ctx, uid, src, rec.ExternalID); err != nil {
		n.logger.Warn("failed to enrich asset mapping",
			zap.String("asset_uid", uid),
			zap.String("source", src),
			zap.Error(err))
	}

	return postgres.NormalizedAsset{
		AssetUID:        uid,
		Source:          src,
		Symbol:          registry.NormalizeSymbol(rec.Symbol),
		Name:            rec.Name,
		PriceUSD:        rec.PriceUSD,
		MarketCapUSD:    rec.MarketCapUSD,
		Rank:            rec.Rank,
		SourceUpdatedAt: rec.SourceUpdatedAt.UTC(),
		NormalizedAt:    time.Now().UTC(),
	}, nil
}

// dedupeLatest keeps, for each asset_uid, only the record with the latest
// source timestamp. This is what prevents duplicate writes when one fetch
// reports the same asset more than once.
func dedupeLatest(assets []postgres.NormalizedAsset) []postgres.NormalizedAsset {
	latest := make(map[string]int, len(assets))
	out := make([]postgres.NormalizedAsset, 0, len(assets))

	for _, asset := range assets {
		if i, seen := latest[asset.AssetUID]; seen {
			if asset.SourceUpdatedAt.After(out[i].SourceUpdatedAt) {
				out[i] = asset
			}
			continue
		}
		latest[asset.AssetUID] = len(out)
		out = append(out, asset)
	}
	return out
}
