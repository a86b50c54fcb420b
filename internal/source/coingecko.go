package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coinsync/config"

	"golang.org/x/time/rate"
)

// CoinGeckoSource fetches ranked market data from the CoinGecko REST API.
type CoinGeckoSource struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	topAssets  int
}

func NewCoinGecko(cfg config.RESTSourceConfig, topAssets int) *CoinGeckoSource {
	return &CoinGeckoSource{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    newLimiter(cfg.RateLimit),
		topAssets:  topAssets,
	}
}

func (s *CoinGeckoSource) Name() string { return CoinGecko }

// coinGeckoAsset mirrors one element of /api/v3/coins/markets.
type coinGeckoAsset struct {
	ID          string   `json:"id"`
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name"`
	Price       *float64 `json:"current_price"`
	MarketCap   *float64 `json:"market_cap"`
	Rank        *int     `json:"market_cap_rank"`
	LastUpdated string   `json:"last_updated"`
}

// Fetch returns the top-ranked assets. CoinGecko reports a full snapshot,
// so the result is a superset of anything newer than since; the runner
// filters by cursor downstream.
func (s *CoinGeckoSource) Fetch(ctx context.Context, since time.Time) ([]Record, error) {
	endpoint := fmt.Sprintf(
		"%s/api/v3/coins/markets?vs_currency=usd&order=market_cap_desc&per_page=%d&page=1&sparkline=false",
		s.baseURL, s.topAssets,
	)

	items, err := fetchJSONArray(ctx, s.httpClient, s.limiter, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coingecko: %w", err)
	}

	records := make([]Record, 0, len(items))
	for _, raw := range items {
		var asset coinGeckoAsset
		if err := json.Unmarshal(raw, &asset); err != nil {
			// Keep the payload; the normalizer quarantines records it
			// cannot identify.
			records = append(records, Record{Payload: raw})
			continue
		}

		records = append(records, Record{
			ExternalID:      asset.ID,
			Symbol:          asset.Symbol,
			Name:            asset.Name,
			PriceUSD:        asset.Price,
			MarketCapUSD:    asset.MarketCap,
			Rank:            asset.Rank,
			SourceUpdatedAt: parseTimestamp(asset.LastUpdated),
			Payload:         raw,
		})
	}

	return records, nil
}

// newLimiter builds a per-source request limiter. Zero means unlimited.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// fetchJSONArray performs a rate-limited GET and decodes a top-level JSON
// array while preserving each element verbatim for the raw audit table.
func fetchJSONArray(ctx context.Context, client *http.Client, limiter *rate.Limiter,
	endpoint string, header http.Header) ([]json.RawMessage, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for key, vals := range header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return items, nil
}

// parseTimestamp parses a source-reported RFC3339 timestamp, zero on failure.
func parseTimestamp(val string) time.Time {
	if val == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
