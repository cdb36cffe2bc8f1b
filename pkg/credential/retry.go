package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// RetryConfig configures a Retrying provider.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         zerolog.Logger
}

// DefaultRetryConfig returns three attempts with 1s, 2s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	}
}

// Retrying wraps a provider with exponential backoff on transient failures.
type Retrying struct {
	next   Provider
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetrying wraps next.
func NewRetrying(next Provider, cfg RetryConfig) (*Retrying, error) {
	if next == nil {
		return nil, fmt.Errorf("provider is required")
	}
	defaults := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "credential").Logger(),
	}, nil
}

// Fetch calls the wrapped provider until it succeeds, fails permanently, or
// runs out of attempts.
func (r *Retrying) Fetch(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		token, err := r.next.Fetch(ctx)
		if err == nil {
			if token == "" {
				return "", ErrEmptyToken
			}
			return token, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return "", err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying credential fetch")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return "", fmt.Errorf("credential fetch failed after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Retrying) backoff(attempt int) time.Duration {
	delay := r.cfg.InitialBackoff << attempt
	if delay <= 0 || delay > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return delay
}

// IsRetryable reports whether a fetch error is worth another attempt:
// timeouts, network errors, throttling and server errors. Rejected client
// credentials and cancellation are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyToken) {
		return false
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
