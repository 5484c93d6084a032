package ratelimit

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/store"
)

// Window is the admission state of one client
type Window struct {
	Count   int
	ResetAt time.Time
}

// Decision is the outcome of a single admission check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // whole seconds until the window resets; set only when rejected
	ResetAt    time.Time
}

// Limiter applies a fixed window per client identifier
type Limiter struct {
	windows     store.Store[Window]
	window      time.Duration
	maxRequests int
	now         func() time.Time
	logger      *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithStore swaps the in-memory window store for another backend
func WithStore(s store.Store[Window]) Option {
	return func(l *Limiter) { l.windows = s }
}

// NewLimiter creates a limiter allowing maxRequests per window for each client
func NewLimiter(window time.Duration, maxRequests int, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		windows:     store.NewMemory[Window](),
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
		logger:      logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow checks the configured window for a client
func (l *Limiter) Allow(clientID string) Decision {
	return l.Admit(clientID, l.window, l.maxRequests)
}

// Admit checks and records one request from clientID against the given window.
func (l *Limiter) Admit(clientID string, window time.Duration, maxRequests int) Decision {
	now := l.now()
	var decision Decision

	l.windows.Compute(clientID, func(w Window, ok bool) (Window, bool) {
		if !ok || !now.Before(w.ResetAt) {
			w = Window{Count: 1, ResetAt: now.Add(window)}
			decision = Decision{Allowed: true, Remaining: maxRequests - 1, ResetAt: w.ResetAt}
			return w, true
		}

		if w.Count >= maxRequests {
			decision = Decision{
				Allowed:    false,
				RetryAfter: retryAfterSeconds(w.ResetAt.Sub(now)),
				ResetAt:    w.ResetAt,
			}
			return w, true
		}

		w.Count++
		decision = Decision{Allowed: true, Remaining: maxRequests - w.Count, ResetAt: w.ResetAt}
		return w, true
	})

	return decision
}

// Sweep removes windows whose deadline has passed and returns how many were removed
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0

	l.windows.Range(func(clientID string, _ Window) bool {
		// Re-check under the store lock so a window renewed concurrently survives.
		l.windows.Compute(clientID, func(w Window, ok bool) (Window, bool) {
			if ok && !now.Before(w.ResetAt) {
				removed++
				return w, false
			}
			return w, ok
		})
		return true
	})

	return removed
}

// Start runs Sweep on the given interval until Stop is called
func (l *Limiter) Start(interval time.Duration) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("Swept expired rate windows.", zap.Int("removed", n))
				}
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop halts the background sweeper started by Start
func (l *Limiter) Stop() {
	if l.stop == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}

// Clients returns the number of tracked windows
func (l *Limiter) Clients() int {
	return l.windows.Len()
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
