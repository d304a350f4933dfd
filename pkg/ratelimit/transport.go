package ratelimit

import (
	"net/http"
)

// TokenHeader is the header the story tracker reads its API token from
const TokenHeader = "Shortcut-Token"

// DefaultMaxRetries bounds how often a throttled idempotent request is replayed
const DefaultMaxRetries = 2

// TokenTransport adds the tracker token header and applies rate limiting.
// Throttled GET and HEAD requests are replayed after the limiter's backoff.
type TokenTransport struct {
	Token       string
	Header      string
	RateLimiter RateLimiter
	Base        http.RoundTripper
	MaxRetries  int
}

// NewTokenTransport creates a new transport with both auth and rate limiting
func NewTokenTransport(token string, rateLimiter RateLimiter, base http.RoundTripper) *TokenTransport {
	if base == nil {
		base = http.DefaultTransport
	}

	return &TokenTransport{
		Token:       token,
		Header:      TokenHeader,
		RateLimiter: rateLimiter,
		Base:        base,
		MaxRetries:  DefaultMaxRetries,
	}
}

// RoundTrip implements http.RoundTripper with auth and rate limiting
func (t *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := t.RateLimiter.AcquireSlot(ctx); err != nil {
		return nil, err
	}
	defer t.RateLimiter.ReleaseSlot()

	// RoundTrippers must not modify the caller's request
	out := req.Clone(ctx)
	header := t.Header
	if header == "" {
		header = TokenHeader
	}
	out.Header.Set(header, t.Token)

	var (
		response *http.Response
		err      error
	)
	for attempt := 0; ; attempt++ {
		if err = t.RateLimiter.Wait(ctx); err != nil {
			break
		}

		response, err = t.Base.RoundTrip(out)
		if response == nil {
			break
		}

		handleErr := t.RateLimiter.HandleResponse(response)
		if handleErr == nil || !IsRateLimitError(handleErr) || !replayable(out) || attempt >= t.MaxRetries {
			break
		}

		_ = response.Body.Close()
		response = nil
	}

	return response, err
}

func replayable(req *http.Request) bool {
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}
