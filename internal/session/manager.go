package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/quotefill/internal/browser"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// ErrShuttingDown is returned when a launch is attempted during shutdown.
var ErrShuttingDown = errors.New("session manager is shutting down")

// closeConcurrency bounds how many browsers CloseAll shuts down at once.
const closeConcurrency = 8

// Manager owns every live browser session of the process
type Manager struct {
	launcher     browser.Launcher
	sessions     sync.Map // map[sessionID]browser.Session
	shuttingDown atomic.Bool
	logger       *zap.Logger
}

// NewManager creates a new session manager
func NewManager(launcher browser.Launcher, logger *zap.Logger) *Manager {
	return &Manager{
		launcher: launcher,
		logger:   logger.Named("session"),
	}
}

// Launch starts a browser and registers it as live
func (m *Manager) Launch(ctx context.Context, correlationID string) (browser.Session, error) {
	if m.IsShuttingDown() {
		return nil, ErrShuttingDown
	}

	sessionID := uuid.New().String()
	s, err := m.launcher.Launch(ctx, sessionID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	m.sessions.Store(s.ID(), s)

	// Shutdown may have swept the registry while the browser was starting.
	if m.IsShuttingDown() {
		m.Close(s, correlationID)
		return nil, ErrShuttingDown
	}

	m.logger.Info("Session started.", zap.String("session_id", s.ID()), zap.String("correlation_id", correlationID))
	return s, nil
}

// NewPage opens a prepared page on the session
func (m *Manager) NewPage(ctx context.Context, s browser.Session, correlationID string) (browser.Page, error) {
	p, err := s.NewPage(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	m.logger.Debug("Page opened.", zap.String("session_id", s.ID()), zap.String("correlation_id", correlationID))
	return p, nil
}

// Close shuts a session down and deregisters it. Failures are logged, never returned.
func (m *Manager) Close(s browser.Session, correlationID string) {
	if s == nil {
		return
	}
	m.sessions.Delete(s.ID())
	if err := s.Close(); err != nil {
		m.logger.Warn("Error closing session.",
			zap.String("session_id", s.ID()),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Session closed.", zap.String("session_id", s.ID()), zap.String("correlation_id", correlationID))
}

// CloseByID closes a registered session. It reports false when the id is unknown.
func (m *Manager) CloseByID(id string) bool {
	v, ok := m.sessions.Load(id)
	if !ok {
		return false
	}
	s := v.(browser.Session)
	m.Close(s, s.Info().CorrelationID)
	return true
}

// CloseAll closes every registered session concurrently. One failure does not
// stop the others; the first error is returned after all have been attempted.
func (m *Manager) CloseAll() error {
	var g errgroup.Group
	g.SetLimit(closeConcurrency)

	m.sessions.Range(func(key, value interface{}) bool {
		s := value.(browser.Session)
		m.sessions.Delete(key)
		g.Go(func() error {
			if err := s.Close(); err != nil {
				m.logger.Error("Failed to close session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
				return fmt.Errorf("session %s: %w", s.ID(), err)
			}
			return nil
		})
		return true
	})

	return g.Wait()
}

func (m *Manager) SetShuttingDown(v bool) {
	m.shuttingDown.Store(v)
}

func (m *Manager) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Shutdown stops accepting launches and closes every live session.
func (m *Manager) Shutdown() error {
	m.SetShuttingDown(true)
	n := m.Count()
	err := m.CloseAll()
	m.logger.Info("Session manager shut down.", zap.Int("closed", n))
	return err
}

// Get returns a live session
func (m *Manager) Get(id string) (browser.Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(browser.Session), true
}

// List returns the live sessions, oldest first
func (m *Manager) List() []models.SessionInfo {
	var infos []models.SessionInfo
	m.sessions.Range(func(_, value interface{}) bool {
		infos = append(infos, value.(browser.Session).Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// CloseLauncher releases the browser launcher
func (m *Manager) CloseLauncher() error {
	return m.launcher.Close()
}
