// Package predictor implements the Predictor Client (PC): a stateless,
// typed client to the remote ML predictor service (spec §4.2 step 3).
package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// callTimeout is PC's fixed outbound deadline (spec §4.2 step 3, §5).
const callTimeout = 5 * time.Second

// Client calls the remote ML predictor over HTTP.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	log     zerolog.Logger
}

// New builds PC pointed at the predictor service's base URL. Retries are
// disabled (RetryMax 0): a predictor failure falls straight through to
// SG's TA fallback (spec §4.2 step 3) rather than being retried here.
func New(baseURL string, log zerolog.Logger) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = callTimeout
	client.Logger = nil
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		log:     log.With().Str("component", "predictor").Logger(),
	}
}

type predictRequest struct {
	Pair      string `json:"pair"`
	Timeframe string `json:"timeframe"`
	// Closes is the ascending-by-time close series HHP returned; the
	// predictor is assumed to recompute its own features from it.
	Closes []float64 `json:"closes"`
}

type predictResponse struct {
	Direction    string   `json:"direction"`
	Confidence   float64  `json:"confidence"`
	ModelVersion string   `json:"model_version"`
	Stage1Prob   *float64 `json:"stage1_prob"`
	Stage2Prob   *float64 `json:"stage2_prob"`
}

// Predict calls the remote predictor for instrument, deriving its request
// from the candle series' closing prices. Any network error, non-2xx
// response, or malformed body is wrapped as an Upstream apperr so SG's
// fallback-to-TA path (§4.2 step 3) can recognize it uniformly.
func (c *Client) Predict(ctx context.Context, inst domain.Instrument, candles []domain.Candle) (domain.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	closes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
	}

	body, err := json.Marshal(predictRequest{Pair: inst.Pair, Timeframe: string(inst.Timeframe), Closes: closes})
	if err != nil {
		return domain.Prediction{}, apperr.Wrap(apperr.Internal, err, "failed to marshal predictor request")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", strings.NewReader(string(body)))
	if err != nil {
		return domain.Prediction{}, apperr.Wrap(apperr.Internal, err, "failed to build predictor request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Prediction{}, apperr.Wrap(apperr.Upstream, err, "predictor call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Prediction{}, apperr.New(apperr.Upstream, fmt.Sprintf("predictor returned status %d", resp.StatusCode))
	}

	var parsed predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.Prediction{}, apperr.Wrap(apperr.Upstream, err, "failed to decode predictor response")
	}

	direction, err := parseDirection(parsed.Direction)
	if err != nil {
		return domain.Prediction{}, apperr.Wrap(apperr.Upstream, err, "predictor returned unrecognized direction")
	}

	return domain.Prediction{
		Instrument:   inst,
		ModelVersion: parsed.ModelVersion,
		Direction:    direction,
		Confidence:   parsed.Confidence,
		Stage1Prob:   parsed.Stage1Prob,
		Stage2Prob:   parsed.Stage2Prob,
	}, nil
}

func parseDirection(s string) (domain.Direction, error) {
	switch domain.Direction(s) {
	case domain.DirectionLong, domain.DirectionShort, domain.DirectionNeutral:
		return domain.Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}
