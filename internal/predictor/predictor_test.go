package predictor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fxsignal/internal/domain"
)

func TestClient_Predict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "EUR/USD", req.Pair)
		assert.Len(t, req.Closes, 3)

		_ = json.NewEncoder(w).Encode(predictResponse{Direction: "long", Confidence: 0.82, ModelVersion: "v3"})
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	candles := []domain.Candle{{Close: 1.10}, {Close: 1.11}, {Close: 1.12}}

	pred, err := c.Predict(context.Background(), inst, candles)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionLong, pred.Direction)
	assert.Equal(t, 0.82, pred.Confidence)
	assert.Equal(t, "v3", pred.ModelVersion)
}

func TestClient_Predict_NonOKStatusIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}

	_, err := c.Predict(context.Background(), inst, []domain.Candle{{Close: 1.1}})
	assert.Error(t, err)
}

func TestClient_Predict_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(predictResponse{Direction: "neutral", Confidence: 0.4})
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Predict(ctx, domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}, []domain.Candle{{Close: 1.1}})
	assert.Error(t, err)
}

func TestClient_Predict_UnknownDirectionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(predictResponse{Direction: "sideways", Confidence: 0.5})
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	_, err := c.Predict(context.Background(), domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}, []domain.Candle{{Close: 1.1}})
	assert.Error(t, err)
}
