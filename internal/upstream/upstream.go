// Package upstream implements the Upstream Fetcher (UF): a rate-limited,
// retrying, circuit-broken adapter over the remote quote provider that
// backs HHP's "1 latest candle" call and DC's incremental/backfill sync.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/metrics"
)

// Config configures the Fetcher.
type Config struct {
	BaseURL string
	APIKey  string
	// DailyTokenBudget is the global token-bucket size (spec §4.8, default 800).
	DailyTokenBudget int
}

// waitBudget bounds how long a caller blocks for a token before the
// request fails with RateLimited (spec §5's "wait_budget = 500 ms").
const waitBudget = 500 * time.Millisecond

// Fetcher is UF. One Fetcher is shared process-wide so its token bucket
// and circuit breaker reflect the true upstream load.
type Fetcher struct {
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	baseURL string
	apiKey  string
	log     zerolog.Logger
	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry for token-bucket and circuit
// breaker observability. Nil-safe: unset, Fetcher records nothing.
func (f *Fetcher) SetMetrics(m *metrics.Registry) {
	f.metrics = m
}

// NewFetcher builds UF with a retrying HTTP client, a circuit breaker
// tripped on sustained failure, and a daily token bucket shared across all
// callers (DC and HHP alike, per spec §4.8).
func NewFetcher(cfg Config, log zerolog.Logger) *Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil // zerolog handles our own request logging below

	budget := cfg.DailyTokenBudget
	if budget <= 0 {
		budget = 800
	}
	// Refill continuously over 24h so the bucket behaves like a daily quota
	// rather than a single burst at midnight.
	refillPerSecond := rate.Limit(float64(budget) / (24 * 60 * 60))
	limiter := rate.NewLimiter(refillPerSecond, budget)

	f := &Fetcher{}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-fetcher",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("upstream circuit breaker state change")
			if f.metrics != nil {
				state := 0.0
				if to == gobreaker.StateOpen {
					state = 1.0
				}
				f.metrics.UpstreamCircuitOpen.Set(state)
			}
		},
	})

	f.http = retryClient
	f.breaker = breaker
	f.limiter = limiter
	f.baseURL = cfg.BaseURL
	f.apiKey = cfg.APIKey
	f.log = log.With().Str("component", "upstream").Logger()
	return f
}

// quote is the wire shape returned by the remote quote provider for a
// single latest-candle request.
type quote struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// acquireToken blocks up to waitBudget for a token, translating exhaustion
// into a RateLimited apperr so callers can surface Retry-After semantics.
func (f *Fetcher) acquireToken(ctx context.Context) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, waitBudget)
	defer cancel()
	err := f.limiter.Wait(waitCtx)
	if f.metrics != nil {
		f.metrics.UpstreamTokenWaitSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if f.metrics != nil {
			f.metrics.UpstreamTokenExhausted.Inc()
		}
		return apperr.New(apperr.RateLimited, "upstream token bucket exhausted")
	}
	return nil
}

// FetchLatest retrieves the single most recent candle for an instrument.
// Callers (HHP) are expected to apply their own 1-2s sub-deadline via ctx;
// this method itself honors a 5s deadline per spec §5.
func (f *Fetcher) FetchLatest(ctx context.Context, inst domain.Instrument) (domain.Candle, error) {
	if err := f.acquireToken(ctx); err != nil {
		return domain.Candle{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/candles/latest?pair=%s&timeframe=%s", f.baseURL, inst.Pair, inst.Timeframe)
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.doFetch(ctx, url)
	})
	if err != nil {
		return domain.Candle{}, apperr.Wrap(apperr.Upstream, err, "upstream latest-candle fetch failed")
	}

	q := result.(quote)
	return domain.Candle{
		Timestamp: q.Timestamp,
		Pair:      inst.Pair,
		Timeframe: inst.Timeframe,
		Source:    "upstream",
		Open:      q.Open,
		High:      q.High,
		Low:       q.Low,
		Close:     q.Close,
		Volume:    q.Volume,
	}, nil
}

// FetchRange pages through the remote provider's history endpoint for a
// backfill window, used by DC's backfill command. The provider is assumed
// to paginate by (from, to) with a provider-side page-size cap; the caller
// drives successive windows.
func (f *Fetcher) FetchRange(ctx context.Context, inst domain.Instrument, from, to time.Time) ([]domain.Candle, error) {
	if err := f.acquireToken(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/candles/range?pair=%s&timeframe=%s&from=%s&to=%s",
		f.baseURL, inst.Pair, inst.Timeframe, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.doFetchRange(ctx, url)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, err, "upstream range fetch failed")
	}

	quotes := result.([]quote)
	candles := make([]domain.Candle, 0, len(quotes))
	for _, q := range quotes {
		candles = append(candles, domain.Candle{
			Timestamp: q.Timestamp,
			Pair:      inst.Pair,
			Timeframe: inst.Timeframe,
			Source:    "upstream",
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			Close:     q.Close,
			Volume:    q.Volume,
		})
	}
	return candles, nil
}

func (f *Fetcher) doFetch(ctx context.Context, url string) (interface{}, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	f.authorize(req)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(body))
	}

	var q quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("failed to decode upstream quote: %w", err)
	}
	return q, nil
}

func (f *Fetcher) doFetchRange(ctx context.Context, url string) (interface{}, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	f.authorize(req)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(body))
	}

	var quotes []quote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("failed to decode upstream quotes: %w", err)
	}
	return quotes, nil
}

func (f *Fetcher) authorize(req *retryablehttp.Request) {
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
}
