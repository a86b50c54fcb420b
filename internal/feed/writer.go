package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"coinsync/config"
	"coinsync/internal/source"

	"github.com/jszwec/csvutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Writer regenerates the CSV market feed from the CoinCap-style REST API.
// The csvfeed source reads the file this writer produces; replacement is by
// temp-file-plus-rename so a concurrent reader never sees a torn snapshot.
type Writer struct {
	baseURL    string
	path       string
	topAssets  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewWriter(cfg config.SourcesConfig, logger *zap.Logger) *Writer {
	limit := rate.Inf
	if cfg.CoinCap.RateLimit > 0 {
		limit = rate.Limit(cfg.CoinCap.RateLimit)
	}
	return &Writer{
		baseURL:    cfg.CoinCap.BaseURL,
		path:       cfg.FeedFile,
		topAssets:  cfg.TopAssets,
		httpClient: &http.Client{Timeout: cfg.CoinCap.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// coinCapEnvelope mirrors the /v2/assets response wrapper.
type coinCapEnvelope struct {
	Data []coinCapAsset `json:"data"`
}

type coinCapAsset struct {
	ID           string `json:"id"`
	Rank         string `json:"rank"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	PriceUSD     string `json:"priceUsd"`
	MarketCapUSD string `json:"marketCapUsd"`
}

// Generate fetches the current asset list and atomically replaces the feed
// file. Rows are stamped with the fetch time because the upstream API does
// not report per-asset update timestamps.
func (w *Writer) Generate(ctx context.Context) error {
	assets, err := w.fetchAssets(ctx)
	if err != nil {
		return fmt.Errorf("fetch feed assets: %w", err)
	}
	if len(assets) == 0 {
		w.logger.Warn("feed API returned no assets, keeping previous snapshot")
		return nil
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	rows := make([]source.FeedRow, 0, len(assets))
	for _, asset := range assets {
		rows = append(rows, source.FeedRow{
			Symbol:          asset.Symbol,
			Name:            asset.Name,
			PriceUSD:        asset.PriceUSD,
			MarketCapUSD:    asset.MarketCapUSD,
			Rank:            asset.Rank,
			SourceUpdatedAt: stamp,
		})
	}

	data, err := csvutil.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode feed csv: %w", err)
	}

	if err := w.replaceFile(data); err != nil {
		return err
	}

	w.logger.Info("regenerated market feed",
		zap.String("path", w.path),
		zap.Int("assets", len(rows)))
	return nil
}

func (w *Writer) fetchAssets(ctx context.Context) ([]coinCapAsset, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := w.baseURL + "/v2/assets?limit=" + strconv.Itoa(w.topAssets)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("feed API error: status %d: %s", resp.StatusCode, body)
	}

	var envelope coinCapEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return envelope.Data, nil
}

// replaceFile writes the snapshot next to the target and renames it into
// place. Rename on the same filesystem is atomic, so readers see either the
// old snapshot or the new one, never a partial write.
func (w *Writer) replaceFile(data []byte) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create feed directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".feed-*.csv")
	if err != nil {
		return fmt.Errorf("create temp feed file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp feed file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp feed file: %w", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace feed file: %w", err)
	}
	return nil
}
