package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fxsignal/internal/domain"
)

func TestWebhookDeliverer_SuccessReturnsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(zerolog.Nop())
	sub := domain.Subscriber{ID: "s1", Kind: domain.SubscriberWebhook, PlatformIdentity: srv.URL}

	result, err := d.Deliver(context.Background(), sub, "signal changed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestWebhookDeliverer_ServerErrorReturnsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(zerolog.Nop())
	sub := domain.Subscriber{ID: "s1", Kind: domain.SubscriberWebhook, PlatformIdentity: srv.URL}

	result, err := d.Deliver(context.Background(), sub, "signal changed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, result.Outcome)
	assert.Positive(t, result.RetryAfter)
}

func TestWebhookDeliverer_TooManyRequestsReturnsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(zerolog.Nop())
	sub := domain.Subscriber{ID: "s1", Kind: domain.SubscriberWebhook, PlatformIdentity: srv.URL}

	result, err := d.Deliver(context.Background(), sub, "signal changed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, result.Outcome)
}

func TestWebhookDeliverer_ClientErrorReturnsDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(zerolog.Nop())
	sub := domain.Subscriber{ID: "s1", Kind: domain.SubscriberWebhook, PlatformIdentity: srv.URL}

	result, err := d.Deliver(context.Background(), sub, "signal changed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDrop, result.Outcome)
}

func TestWebhookDeliverer_UnreachableURLReturnsRetryWithError(t *testing.T) {
	d := NewWebhookDeliverer(zerolog.Nop())
	sub := domain.Subscriber{ID: "s1", Kind: domain.SubscriberWebhook, PlatformIdentity: "http://127.0.0.1:0"}

	result, err := d.Deliver(context.Background(), sub, "signal changed")
	assert.Error(t, err)
	assert.Equal(t, OutcomeRetry, result.Outcome)
}
