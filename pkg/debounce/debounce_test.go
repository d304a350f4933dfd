package debounce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrigger_CoalescesBurst(t *testing.T) {
	d := New(20 * time.Millisecond)
	var runs atomic.Int32
	var last atomic.Uint64

	for i := 0; i < 5; i++ {
		d.Trigger(context.Background(), "search", func(_ context.Context, tok Token) {
			runs.Add(1)
			last.Store(tok.Generation)
		})
	}
	d.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, uint64(5), last.Load())
	assert.False(t, d.Pending("search"))
}

func TestTrigger_KeysAreIndependent(t *testing.T) {
	d := New(10 * time.Millisecond)
	var mu sync.Mutex
	seen := map[string]int{}

	for _, key := range []string{"a", "b", "a"} {
		key := key
		d.Trigger(context.Background(), key, func(context.Context, Token) {
			mu.Lock()
			seen[key]++
			mu.Unlock()
		})
	}
	d.Wait()

	assert.Equal(t, map[string]int{"a": 1, "b": 1}, seen)
	assert.Equal(t, uint64(2), d.Generation("a"))
	assert.Equal(t, uint64(1), d.Generation("b"))
}

func TestToken_StaleAfterNewerTrigger(t *testing.T) {
	d := New(0)
	started := make(chan Token, 1)
	release := make(chan struct{})

	d.Trigger(context.Background(), "q", func(_ context.Context, tok Token) {
		started <- tok
		<-release
	})
	tok := <-started
	assert.True(t, tok.Current())

	// a newer trigger arrives while the first is still in flight
	d.Trigger(context.Background(), "q", func(context.Context, Token) {})
	assert.False(t, tok.Current())

	close(release)
	d.Wait()
	assert.False(t, Token{}.Current())
}

func TestStop_DropsPending(t *testing.T) {
	d := New(time.Hour)
	var runs atomic.Int32
	d.Trigger(context.Background(), "k", func(context.Context, Token) { runs.Add(1) })
	assert.True(t, d.Pending("k"))

	d.Stop()
	d.Trigger(context.Background(), "k", func(context.Context, Token) { runs.Add(1) })
	d.Wait()

	assert.Equal(t, int32(0), runs.Load())
	assert.False(t, d.Pending("k"))
	assert.Equal(t, uint64(2), d.Generation("k"))
}
