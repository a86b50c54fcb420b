package source

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Source names as persisted in raw_records.source and etl_checkpoints.source.
const (
	CoinGecko   = "coingecko"
	CoinPaprika = "coinpaprika"
	CSVFeed     = "csvfeed"
)

// All lists every configured source in the order run-all executes them.
var All = []string{CoinGecko, CoinPaprika, CSVFeed}

// ErrUnavailable marks transport-level failures (unreachable host, non-2xx
// status, auth rejection). The runner treats it as fatal for the current run
// but distinct from "no new data".
var ErrUnavailable = errors.New("source unavailable")

// Record is one source-shaped market record plus the verbatim payload it was
// parsed from. Numeric fields are nil when the source value was absent or
// unparseable; identity and timestamp problems are left for the normalizer
// to quarantine.
type Record struct {
	ExternalID      string
	Symbol          string
	Name            string
	PriceUSD        *float64
	MarketCapUSD    *float64
	Rank            *int
	SourceUpdatedAt time.Time
	Payload         json.RawMessage
}

// Source fetches raw records since a cursor. Implementations may return a
// superset of the requested window; deduplication happens downstream.
// Fetch must be safe to call repeatedly with the same cursor.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]Record, error)
}

// FilterSince drops records at or before the checkpoint cursor. Records
// without a source timestamp are kept so the normalizer can count them
// as quarantined rather than silently losing them.
func FilterSince(records []Record, since time.Time) []Record {
	if since.IsZero() {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.SourceUpdatedAt.IsZero() || rec.SourceUpdatedAt.After(since) {
			out = append(out, rec)
		}
	}
	return out
}

// toFloat coerces a source-reported string to a float, nil on failure.
func toFloat(val string) *float64 {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil
	}
	return &f
}

// toInt coerces a source-reported string to an int, nil on failure.
func toInt(val string) *int {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return nil
	}
	return &n
}
