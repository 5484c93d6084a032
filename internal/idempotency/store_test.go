package idempotency

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)}
	return NewStore(ttl, zap.NewNop(), WithClock(clock.Now)), clock
}

func TestGenerateKey(t *testing.T) {
	target := "https://vendor.example.com/rfq/Quote.aspx?id=42"

	assert.Equal(t, GenerateKey("RFQ-1", target, true), GenerateKey("RFQ-1", target, true))
	assert.Equal(t, GenerateKey("RFQ-1", target, false), GenerateKey("RFQ-1", target, false))
	assert.NotEqual(t, GenerateKey("RFQ-1", target, true), GenerateKey("RFQ-1", target, false))
	assert.NotEqual(t, GenerateKey("RFQ-1", target, true), GenerateKey("RFQ-2", target, true))
	assert.NotEqual(t, GenerateKey("RFQ-1", target, true), GenerateKey("RFQ-1", target+"&x=1", true))
}

func TestGenerateKey_SeparatorInComponents(t *testing.T) {
	dryRun := GenerateKey("E|commit|https://v.example.com/p", "https://w.example.com", false)
	commit := GenerateKey("E", "https://v.example.com/p|dry-run|https://w.example.com", true)

	assert.NotEqual(t, dryRun, commit)
	assert.NotEqual(t, GenerateKey("a|b", "c", true), GenerateKey("a", "b|c", true))
	assert.NotEqual(t, GenerateKey("a%7Cb", "c", true), GenerateKey("a|b", "c", true))
}

func TestBegin_SecondClaimFails(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	key := GenerateKey("e", "https://t", true)

	assert.True(t, s.Begin(key))
	assert.False(t, s.Begin(key))

	rec, ok := s.Check(key)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, rec.Status)
}

func TestBegin_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	key := GenerateKey("e", "https://t", true)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Begin(key) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestLifecycle_RemoveAllowsReclaim(t *testing.T) {
	t.Run("after complete", func(t *testing.T) {
		s, _ := newTestStore(time.Hour)
		key := GenerateKey("e", "https://t", false)

		require.True(t, s.Begin(key))
		s.Complete(key, json.RawMessage(`{"outcome":"OK"}`))

		rec, ok := s.Check(key)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.JSONEq(t, `{"outcome":"OK"}`, string(rec.Result))

		s.Remove(key)
		assert.True(t, s.Begin(key))
	})

	t.Run("after fail", func(t *testing.T) {
		s, _ := newTestStore(time.Hour)
		key := GenerateKey("e", "https://t", true)

		require.True(t, s.Begin(key))
		s.Fail(key, "navigation failed")

		rec, ok := s.Check(key)
		require.True(t, ok)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "navigation failed", rec.Error)
		assert.Nil(t, rec.Result)

		s.Remove(key)
		assert.True(t, s.Begin(key))
	})
}

func TestReclaim(t *testing.T) {
	t.Run("observed record is replaced", func(t *testing.T) {
		s, clock := newTestStore(time.Hour)
		key := GenerateKey("e", "https://t", true)
		require.True(t, s.Begin(key))
		s.Fail(key, "boom")
		observed, ok := s.Check(key)
		require.True(t, ok)

		clock.Advance(time.Minute)
		assert.True(t, s.Reclaim(key, observed))

		rec, ok := s.Check(key)
		require.True(t, ok)
		assert.Equal(t, StatusProcessing, rec.Status)
		assert.Empty(t, rec.Error)
		assert.True(t, rec.CreatedAt.After(observed.CreatedAt))
	})

	t.Run("second reclaim of the same observation loses", func(t *testing.T) {
		s, clock := newTestStore(time.Hour)
		key := GenerateKey("e", "https://t", true)
		require.True(t, s.Begin(key))
		s.Fail(key, "boom")
		observed, _ := s.Check(key)

		clock.Advance(time.Second)
		require.True(t, s.Reclaim(key, observed))
		assert.False(t, s.Reclaim(key, observed), "processing record must not be taken over")

		// the winner fails again; the stale observation still cannot reclaim it
		clock.Advance(time.Second)
		s.Fail(key, "boom again")
		assert.False(t, s.Reclaim(key, observed))
	})

	t.Run("status changed since check", func(t *testing.T) {
		s, _ := newTestStore(time.Hour)
		key := GenerateKey("e", "https://t", false)
		require.True(t, s.Begin(key))
		s.Fail(key, "boom")
		observed, _ := s.Check(key)

		s.Complete(key, json.RawMessage(`{}`))
		assert.False(t, s.Reclaim(key, observed))
	})

	t.Run("absent or expired key is claimed", func(t *testing.T) {
		s, clock := newTestStore(time.Minute)
		assert.True(t, s.Reclaim("gone", Record{Status: StatusFailed}))

		require.True(t, s.Begin("old"))
		s.Fail("old", "x")
		clock.Advance(time.Minute)
		assert.True(t, s.Reclaim("old", Record{Status: StatusCompleted}))
	})

	t.Run("concurrent reclaims have one winner", func(t *testing.T) {
		s, clock := newTestStore(time.Hour)
		key := GenerateKey("e", "https://t", true)
		require.True(t, s.Begin(key))
		s.Fail(key, "boom")
		observed, _ := s.Check(key)
		clock.Advance(time.Second)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.Reclaim(key, observed) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestCheck_ExpiredRecordIsAbsent(t *testing.T) {
	for _, status := range []Status{StatusProcessing, StatusCompleted, StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			s, clock := newTestStore(10 * time.Minute)
			key := GenerateKey("e", "https://t", true)

			require.True(t, s.Begin(key))
			switch status {
			case StatusCompleted:
				s.Complete(key, json.RawMessage(`{}`))
			case StatusFailed:
				s.Fail(key, "boom")
			}

			clock.Advance(10 * time.Minute)

			_, ok := s.Check(key)
			assert.False(t, ok)
			assert.Equal(t, 0, s.Stats().Total)
			assert.True(t, s.Begin(key), "expired key should be claimable")
		})
	}
}

func TestFinish_UnknownKeyIsNoop(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewStore(time.Hour, zap.New(core))

	s.Complete("missing", json.RawMessage(`{}`))
	s.Fail("missing", "x")

	_, ok := s.Check("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, logs.FilterMessage("Finalizing unknown idempotency key.").Len())
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	s.Begin("a")
	s.Begin("b")
	s.Begin("c")
	s.Complete("b", json.RawMessage(`{}`))
	s.Fail("c", "err")

	assert.Equal(t, Stats{Processing: 1, Completed: 1, Failed: 1, Total: 3}, s.Stats())
}

func TestSweep(t *testing.T) {
	s, clock := newTestStore(time.Minute)

	s.Begin("old")
	clock.Advance(45 * time.Second)
	s.Begin("new")
	clock.Advance(20 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	_, ok := s.Check("new")
	assert.True(t, ok)
}

func TestStartStop_NoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(time.Millisecond, zap.NewNop())
	s.Begin("k")
	s.Start(2 * time.Millisecond)

	assert.Eventually(t, func() bool { return s.records.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Stop()
}
