package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"coinsync/config"

	"golang.org/x/time/rate"
)

// CoinPaprikaSource fetches ticker data from the CoinPaprika REST API.
// An API key is optional; without one the public tier applies.
type CoinPaprikaSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	topAssets  int
}

func NewCoinPaprika(cfg config.RESTSourceConfig, env string, topAssets int) *CoinPaprikaSource {
	return &CoinPaprikaSource{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.ResolveAPIKey(env),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    newLimiter(cfg.RateLimit),
		topAssets:  topAssets,
	}
}

func (s *CoinPaprikaSource) Name() string { return CoinPaprika }

// coinPaprikaTicker mirrors one element of /v1/tickers.
type coinPaprikaTicker struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Rank        *int   `json:"rank"`
	LastUpdated string `json:"last_updated"`
	Quotes      struct {
		USD struct {
			Price     *float64 `json:"price"`
			MarketCap *float64 `json:"market_cap"`
		} `json:"USD"`
	} `json:"quotes"`
}

// Fetch returns tickers sorted by rank, truncated to the top-N budget.
// /v1/tickers has no server-side ordering guarantee, so rank sorting is
// applied client-side before truncation.
func (s *CoinPaprikaSource) Fetch(ctx context.Context, since time.Time) ([]Record, error) {
	endpoint := s.baseURL + "/v1/tickers"
	if s.apiKey != "" {
		endpoint += "?api_key=" + s.apiKey
	}

	items, err := fetchJSONArray(ctx, s.httpClient, s.limiter, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coinpaprika: %w", err)
	}

	type parsed struct {
		rec  Record
		rank int
	}
	all := make([]parsed, 0, len(items))
	for _, raw := range items {
		var ticker coinPaprikaTicker
		if err := json.Unmarshal(raw, &ticker); err != nil {
			all = append(all, parsed{rec: Record{Payload: raw}, rank: 1 << 30})
			continue
		}

		rank := 1 << 30 // unranked sorts last
		if ticker.Rank != nil && *ticker.Rank > 0 {
			rank = *ticker.Rank
		}

		all = append(all, parsed{
			rec: Record{
				ExternalID:      ticker.ID,
				Symbol:          ticker.Symbol,
				Name:            ticker.Name,
				PriceUSD:        ticker.Quotes.USD.Price,
				MarketCapUSD:    ticker.Quotes.USD.MarketCap,
				Rank:            ticker.Rank,
				SourceUpdatedAt: parseTimestamp(ticker.LastUpdated),
				Payload:         raw,
			},
			rank: rank,
		})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].rank < all[j].rank })
	if len(all) > s.topAssets {
		all = all[:s.topAssets]
	}

	records := make([]Record, 0, len(all))
	for _, p := range all {
		records = append(records, p.rec)
	}
	return records, nil
}
