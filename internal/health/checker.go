package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/edvin/bluegreen/internal/model"
)

// Prober performs a single health observation of an endpoint.
type Prober interface {
	Probe(ctx context.Context, url string) model.HealthState
}

// HTTPProber probes an HTTP health endpoint. Any non-2xx response or
// transport failure counts as fail.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with a bounded per-attempt timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) model.HealthState {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.HealthState{Pass: false, Detail: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return model.HealthState{Pass: false, Detail: err.Error()}
	}
	resp.Body.Close()
	return model.HealthState{
		Pass:       resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
}

// Gate polls a health endpoint with a fixed attempt budget and interval.
// The same gate shape serves the pre-switch check (direct target port)
// and the post-switch confirmation (live routing path).
type Gate struct {
	logger   zerolog.Logger
	prober   Prober
	attempts int
	interval time.Duration
	warmup   time.Duration
}

// NewGate creates a gate. warmup is an initial delay before the first
// attempt; zero skips it.
func NewGate(logger zerolog.Logger, prober Prober, attempts int, interval, warmup time.Duration) *Gate {
	return &Gate{
		logger:   logger.With().Str("component", "health-gate").Logger(),
		prober:   prober,
		attempts: attempts,
		interval: interval,
		warmup:   warmup,
	}
}

// Await polls until the endpoint reports pass or the attempt budget is
// exhausted. It returns the last observation; err is non-nil when the
// budget ran out or the context was cancelled.
func (g *Gate) Await(ctx context.Context, url string) (model.HealthState, error) {
	if g.warmup > 0 {
		select {
		case <-ctx.Done():
			return model.HealthState{Pass: false, Detail: ctx.Err().Error()}, ctx.Err()
		case <-time.After(g.warmup):
		}
	}

	var last model.HealthState
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(g.attempts-1), retry.NewConstant(g.interval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		last = g.prober.Probe(ctx, url)
		if last.Pass {
			g.logger.Info().Str("url", url).Int("attempt", attempt).Msg("health check passed")
			return nil
		}
		g.logger.Debug().
			Str("url", url).
			Int("attempt", attempt).
			Int("max_attempts", g.attempts).
			Str("observation", last.String()).
			Msg("health check failed, retrying")
		return retry.RetryableError(fmt.Errorf("health %s: %s", url, last))
	})
	if err != nil {
		return last, fmt.Errorf("health not reached after %d attempts: %w", attempt, err)
	}
	return last, nil
}
