package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookNotifier posts messages to a push provider over HTTP.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
	limiter  *rate.Limiter
}

func NewWebhookNotifier(endpoint string, ratePerSec float64, burst int) *WebhookNotifier {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if burst <= 0 {
		burst = int(ratePerSec)
	}
	return &WebhookNotifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, recipientID, kind string, payload map[string]string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	b, err := json.Marshal(map[string]any{
		"recipient_id": recipientID,
		"kind":         kind,
		"payload":      payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
