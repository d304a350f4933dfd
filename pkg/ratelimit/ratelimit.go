package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chambrid/storylink/pkg/config"
)

// RateLimiter defines the interface for rate limiting operations
type RateLimiter interface {
	// Wait blocks until it's safe to make a request based on rate limiting rules
	Wait(ctx context.Context) error

	// HandleResponse processes a response to adjust backoff state
	HandleResponse(response *http.Response) error

	// AcquireSlot attempts to acquire a concurrency slot for parallel requests
	AcquireSlot(ctx context.Context) error

	// ReleaseSlot releases a concurrency slot
	ReleaseSlot()
}

// Settings holds the pacing knobs of an APIRateLimiter
type Settings struct {
	Delay         time.Duration
	MaxConcurrent int
	BackoffBase   time.Duration
	MaxBackoff    time.Duration
}

// SettingsFromConfig extracts limiter settings from the application config
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Delay:         cfg.RateLimitDelay,
		MaxConcurrent: cfg.MaxConcurrentRequests,
		BackoffBase:   cfg.ExponentialBackoffBase,
		MaxBackoff:    cfg.MaxBackoffDelay,
	}
}

// APIRateLimiter paces requests to the story tracker. It keeps a minimum
// delay between requests, caps in-flight requests and backs off
// exponentially after 429 responses.
type APIRateLimiter struct {
	settings Settings

	lastRequest time.Time
	mutex       sync.Mutex

	consecutiveErrors int
	backoffUntil      time.Time

	semaphore chan struct{}
}

// NewRateLimiter creates a new rate limiter with the provided configuration
func NewRateLimiter(cfg *config.Config) RateLimiter {
	return NewWithSettings(SettingsFromConfig(cfg))
}

// NewWithSettings creates a rate limiter from explicit settings
func NewWithSettings(s Settings) *APIRateLimiter {
	if s.MaxConcurrent < 1 {
		s.MaxConcurrent = 1
	}
	return &APIRateLimiter{
		settings:  s,
		semaphore: make(chan struct{}, s.MaxConcurrent),
	}
}

// Wait blocks until it's safe to make a request
func (r *APIRateLimiter) Wait(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// sleeps with the mutex released so HandleResponse is never blocked
	waitWithUnlock := func(waitTime time.Duration) error {
		r.mutex.Unlock()
		defer r.mutex.Lock()

		timer := time.NewTimer(waitTime)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if time.Now().Before(r.backoffUntil) {
		if err := waitWithUnlock(time.Until(r.backoffUntil)); err != nil {
			return err
		}
	}

	if since := time.Since(r.lastRequest); since < r.settings.Delay {
		if err := waitWithUnlock(r.settings.Delay - since); err != nil {
			return err
		}
	}

	r.lastRequest = time.Now()
	return nil
}

// HandleResponse processes response status and headers to adjust backoff
func (r *APIRateLimiter) HandleResponse(response *http.Response) error {
	if response == nil {
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if response.StatusCode == http.StatusTooManyRequests {
		r.consecutiveErrors++

		backoffDelay := r.calculateBackoffDelay()
		r.backoffUntil = time.Now().Add(backoffDelay)

		if retryAfterStr := response.Header.Get("Retry-After"); retryAfterStr != "" {
			if retryAfter, err := strconv.Atoi(retryAfterStr); err == nil {
				suggested := time.Duration(retryAfter) * time.Second
				if suggested > backoffDelay {
					r.backoffUntil = time.Now().Add(suggested)
				}
			}
		}

		return &RateLimitError{
			StatusCode: response.StatusCode,
			RetryAfter: time.Until(r.backoffUntil),
			Message:    "rate limit exceeded, backing off",
		}
	}

	if response.StatusCode >= 200 && response.StatusCode < 400 {
		r.consecutiveErrors = 0
	}

	return nil
}

// AcquireSlot attempts to acquire a concurrency slot
func (r *APIRateLimiter) AcquireSlot(ctx context.Context) error {
	select {
	case r.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSlot releases a concurrency slot
func (r *APIRateLimiter) ReleaseSlot() {
	select {
	case <-r.semaphore:
	default:
	}
}

// ConsecutiveErrors returns the number of 429 responses since the last success
func (r *APIRateLimiter) ConsecutiveErrors() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.consecutiveErrors
}

// calculateBackoffDelay returns base * 2^(errors-1), capped at MaxBackoff
func (r *APIRateLimiter) calculateBackoffDelay() time.Duration {
	if r.consecutiveErrors <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(r.consecutiveErrors-1))
	delay := time.Duration(float64(r.settings.BackoffBase) * multiplier)

	if delay > r.settings.MaxBackoff {
		delay = r.settings.MaxBackoff
	}

	return delay
}

// RateLimitError represents a rate limiting error
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error (HTTP %d): %s (retry after %v)",
		e.StatusCode, e.Message, e.RetryAfter)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}
