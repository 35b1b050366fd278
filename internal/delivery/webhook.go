package delivery

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/domain"
)

// WebhookDeliverer POSTs the rendered message body to a subscriber's
// platform_identity URL, the one delivery channel spec.md keeps in scope
// (chat-platform clients are named external collaborators).
type WebhookDeliverer struct {
	http *retryablehttp.Client
	log  zerolog.Logger
}

// NewWebhookDeliverer builds a webhook deliverer over a retrying HTTP client.
func NewWebhookDeliverer(log zerolog.Logger) *WebhookDeliverer {
	client := retryablehttp.NewClient()
	client.RetryMax = 0 // DF already owns the retry/backoff schedule
	client.Logger = nil
	return &WebhookDeliverer{http: client, log: log.With().Str("component", "webhook_deliverer").Logger()}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, subscriber domain.Subscriber, rendered string) (Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, subscriber.PlatformIdentity, bytes.NewBufferString(rendered))
	if err != nil {
		return Result{Outcome: OutcomeDrop}, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := d.http.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeRetry}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Outcome: OutcomeOK}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{Outcome: OutcomeRetry, RetryAfter: 2 * time.Second}, nil
	default:
		d.log.Warn().Int("status", resp.StatusCode).Str("subscriber", subscriber.ID).Msg("webhook delivery rejected")
		return Result{Outcome: OutcomeDrop}, nil
	}
}
