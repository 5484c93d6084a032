package idempotency

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/store"
)

// Status is the lifecycle state of a logical submission
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	modeCommit = "commit"
	modeDryRun = "dry-run"
	separator  = "|"
)

// Record tracks one logical submission
type Record struct {
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Stats counts live records by status
type Stats struct {
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Store guards submissions so each logical job runs at most once at a time.
// Records expire a fixed TTL after creation whatever their status.
type Store struct {
	records store.Store[Record]
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBackend swaps the in-memory record map for another backend
func WithBackend(b store.Store[Record]) Option {
	return func(s *Store) { s.records = b }
}

// NewStore creates an idempotency store with the given record TTL
func NewStore(ttl time.Duration, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		records: store.NewMemory[Record](),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.Named("idempotency"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateKey builds the composite key for an entity, target and mode.
// Commit and dry-run submissions of the same entity never share a key. Each
// component is escaped, so a separator inside an entity id or URL cannot make
// two different submissions collide.
func GenerateKey(entityID, target string, commit bool) string {
	mode := modeDryRun
	if commit {
		mode = modeCommit
	}
	return strings.Join([]string{url.QueryEscape(entityID), mode, url.QueryEscape(target)}, separator)
}

// Check returns the live record for key. An expired record is deleted and reported absent.
func (s *Store) Check(key string) (Record, bool) {
	now := s.now()
	return s.records.Compute(key, func(r Record, ok bool) (Record, bool) {
		if !ok {
			return r, false
		}
		if s.expired(r, now) {
			s.logger.Debug("Expired idempotency record dropped.", zap.String("key", key), zap.String("status", string(r.Status)))
			return r, false
		}
		return r, true
	})
}

// Begin claims key by creating a processing record. It returns false when any
// live record already exists for the key.
func (s *Store) Begin(key string) bool {
	now := s.now()
	claimed := false

	s.records.Compute(key, func(r Record, ok bool) (Record, bool) {
		if ok && !s.expired(r, now) {
			return r, true
		}
		claimed = true
		return Record{Status: StatusProcessing, CreatedAt: now}, true
	})

	return claimed
}

// Reclaim atomically replaces the record observed by an earlier Check with a
// fresh processing record, so a failed or dry-run submission can run again.
// It fails when the record changed since it was observed, or when it is
// processing. A record that is gone or expired is claimed as Begin would.
func (s *Store) Reclaim(key string, observed Record) bool {
	now := s.now()
	claimed := false

	s.records.Compute(key, func(r Record, ok bool) (Record, bool) {
		if ok && !s.expired(r, now) {
			if r.Status == StatusProcessing || r.Status != observed.Status || !r.CreatedAt.Equal(observed.CreatedAt) {
				return r, true
			}
		}
		claimed = true
		return Record{Status: StatusProcessing, CreatedAt: now}, true
	})

	return claimed
}

// Complete marks key completed and caches result. Absent keys are ignored.
func (s *Store) Complete(key string, result json.RawMessage) {
	s.finish(key, func(r Record) Record {
		r.Status = StatusCompleted
		r.Result = result
		r.Error = ""
		return r
	})
}

// Fail marks key failed with errText. Absent keys are ignored.
func (s *Store) Fail(key string, errText string) {
	s.finish(key, func(r Record) Record {
		r.Status = StatusFailed
		r.Result = nil
		r.Error = errText
		return r
	})
}

// Remove deletes the record for key unconditionally
func (s *Store) Remove(key string) {
	s.records.Delete(key)
}

// Stats counts the live records by status
func (s *Store) Stats() Stats {
	now := s.now()
	var st Stats

	s.records.Range(func(_ string, r Record) bool {
		if s.expired(r, now) {
			return true
		}
		switch r.Status {
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
		st.Total++
		return true
	})

	return st
}

// Sweep deletes every expired record and returns how many were removed
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0

	s.records.Range(func(key string, _ Record) bool {
		s.records.Compute(key, func(r Record, ok bool) (Record, bool) {
			if ok && s.expired(r, now) {
				removed++
				return r, false
			}
			return r, ok
		})
		return true
	})

	return removed
}

// Start runs Sweep on the given interval until Stop is called
func (s *Store) Start(interval time.Duration) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("Swept expired idempotency records.", zap.Int("removed", n))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the background sweeper
func (s *Store) Stop() {
	if s.stop == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Store) finish(key string, apply func(Record) Record) {
	s.records.Compute(key, func(r Record, ok bool) (Record, bool) {
		if !ok {
			s.logger.Warn("Finalizing unknown idempotency key.", zap.String("key", key))
			return r, false
		}
		return apply(r), true
	})
}

func (s *Store) expired(r Record, now time.Time) bool {
	return now.Sub(r.CreatedAt) >= s.ttl
}
