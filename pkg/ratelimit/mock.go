package ratelimit

import (
	"context"
	"net/http"
	"sync"
)

// MockRateLimiter provides a mock implementation for testing
type MockRateLimiter struct {
	mu sync.Mutex

	WaitFunc           func(ctx context.Context) error
	HandleResponseFunc func(response *http.Response) error

	WaitCalls           int
	HandleResponseCalls int
	AcquireSlotCalls    int
	ReleaseSlotCalls    int
}

// NewMockRateLimiter creates a mock that never delays and never reports errors
func NewMockRateLimiter() *MockRateLimiter {
	return &MockRateLimiter{}
}

// Wait implements RateLimiter interface
func (m *MockRateLimiter) Wait(ctx context.Context) error {
	m.mu.Lock()
	m.WaitCalls++
	fn := m.WaitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return ctx.Err()
}

// HandleResponse implements RateLimiter interface
func (m *MockRateLimiter) HandleResponse(response *http.Response) error {
	m.mu.Lock()
	m.HandleResponseCalls++
	fn := m.HandleResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(response)
	}
	return nil
}

// AcquireSlot implements RateLimiter interface
func (m *MockRateLimiter) AcquireSlot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AcquireSlotCalls++
	return ctx.Err()
}

// ReleaseSlot implements RateLimiter interface
func (m *MockRateLimiter) ReleaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseSlotCalls++
}

// ThrottleStatus makes HandleResponse report a RateLimitError for 429 responses
func (m *MockRateLimiter) ThrottleStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HandleResponseFunc = func(response *http.Response) error {
		if response != nil && response.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{StatusCode: response.StatusCode, Message: "mock rate limit exceeded"}
		}
		return nil
	}
}
