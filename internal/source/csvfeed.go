package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jszwec/csvutil"
)

// CSVFeedSource reads the periodically regenerated market feed file. The
// feed writer replaces the file via atomic rename, but a reader racing an
// unexpected partial write still gets one retry before giving up.
type CSVFeedSource struct {
	path string
}

func NewCSVFeed(path string) *CSVFeedSource {
	return &CSVFeedSource{path: path}
}

func (s *CSVFeedSource) Name() string { return CSVFeed }

// FeedRow is the CSV schema shared with the feed writer.
type FeedRow struct {
	Symbol          string `csv:"symbol" json:"symbol"`
	Name            string `csv:"name" json:"name"`
	PriceUSD        string `csv:"price_usd" json:"price_usd"`
	MarketCapUSD    string `csv:"market_cap_usd" json:"market_cap_usd"`
	Rank            string `csv:"rank" json:"rank"`
	SourceUpdatedAt string `csv:"source_updated_at" json:"source_updated_at"`
}

// Fetch parses the feed file into records. A missing file means the feed
// writer has not produced a snapshot yet; that is "no new data", not an
// error.
func (s *CSVFeedSource) Fetch(ctx context.Context, since time.Time) ([]Record, error) {
	rows, err := s.readRows()
	if err != nil {
		// Retry once: the writer may have been mid-replace.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		rows, err = s.readRows()
	}
	if err != nil {
		return nil, fmt.Errorf("csvfeed: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			continue
		}

		records = append(records, Record{
			ExternalID:      row.Symbol,
			Symbol:          row.Symbol,
			Name:            row.Name,
			PriceUSD:        toFloat(row.PriceUSD),
			MarketCapUSD:    toFloat(row.MarketCapUSD),
			Rank:            toInt(row.Rank),
			SourceUpdatedAt: parseTimestamp(row.SourceUpdatedAt),
			Payload:         payload,
		})
	}

	return records, nil
}

func (s *CSVFeedSource) readRows() ([]FeedRow, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feed file: %w", err)
	}

	var rows []FeedRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode feed file: %w", err)
	}
	return rows, nil
}
