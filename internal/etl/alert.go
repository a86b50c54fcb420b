package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"coinsync/config"

	"go.uber.org/zap"
)

// Alerter posts failed-run notifications to a configured webhook. A nil
// Alerter disables alerting.
type Alerter struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAlerter returns nil when no webhook is configured.
func NewAlerter(cfg config.AlertConfig, logger *zap.Logger) *Alerter {
	if cfg.WebhookURL == "" {
		return nil
	}
	return &Alerter{
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// NotifyFailure delivers a best-effort alert. Delivery failures are logged,
// never propagated into the run outcome.
func (a *Alerter) NotifyFailure(ctx context.Context, res Result) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":  "etl_run_failed",
		"run_id": res.RunID.String(),
		"source": res.Source,
		"error":  res.ErrorDetail,
	})
	if err != nil {
		a.logger.Error("failed to encode alert payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		a.logger.Error("failed to build alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("alert webhook unreachable", zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Warn("alert webhook rejected notification",
			zap.Int("status", resp.StatusCode))
	}
}
