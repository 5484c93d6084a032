// Package browsertest provides in-memory browser sessions for tests. Pages are
// backed by fakedom, so the filler runs against them unchanged.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/quotefill/internal/browser"
	"github.com/shehryarbajwa/quotefill/internal/filler/fakedom"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// Launcher hands out fake sessions and scripts their behaviour
type Launcher struct {
	// LaunchErr fails every launch.
	LaunchErr error
	// CloseErr is returned by every session's Close.
	CloseErr error
	// NavigateErr decides the outcome of the n-th navigation (1-based, counted
	// across every page of every session).
	NavigateErr func(n int) error
	// IdleErr is returned by WaitNetworkIdle.
	IdleErr error
	// ScreenshotErr is returned by Screenshot.
	ScreenshotErr error
	// BuildPage renders the content of each new page.
	BuildPage func(*fakedom.DOM)
	// Unhealthy makes every open session fail its health check.
	Unhealthy bool

	mu          sync.Mutex
	navigations int
	pages       int
	sessions    []*Session
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, id, correlationID string) (browser.Session, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	s := &Session{l: l, id: id, correlationID: correlationID, started: time.Now()}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

func (l *Launcher) Close() error { return nil }

// Navigations returns how many navigations were attempted
func (l *Launcher) Navigations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.navigations
}

// PagesOpened returns how many pages were created
func (l *Launcher) PagesOpened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages
}

// Sessions returns every session launched so far
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

func (l *Launcher) nextNavigation() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.navigations++
	return l.navigations
}

// Session is a fake browser process
type Session struct {
	l             *Launcher
	id            string
	correlationID string
	started       time.Time

	mu     sync.Mutex
	closed int
	pages  []*Page
}

var _ browser.Session = (*Session)(nil)

func (s *Session) ID() string       { return s.id }
func (s *Session) DebugURL() string { return "" }

func (s *Session) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed == 0 && !s.l.Unhealthy
}

func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := models.SessionRunning
	if s.closed > 0 {
		status = models.SessionClosed
	}
	return models.SessionInfo{
		ID:            s.id,
		CorrelationID: s.correlationID,
		Status:        status,
		Backend:       "fake",
		StartedAt:     s.started,
		Pages:         len(s.pages),
	}
}

func (s *Session) NewPage(ctx context.Context, correlationID string) (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return nil, errors.New("session is closed")
	}
	dom := fakedom.New()
	if s.l.BuildPage != nil {
		s.l.BuildPage(dom)
	}
	p := &Page{DOM: dom, s: s}
	s.pages = append(s.pages, p)

	s.l.mu.Lock()
	s.l.pages++
	s.l.mu.Unlock()
	return p, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return s.l.CloseErr
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

// Pages returns every page opened on the session
func (s *Session) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

// Page is a fake tab
type Page struct {
	*fakedom.DOM
	s *Session

	mu     sync.Mutex
	url    string
	closed bool
}

var _ browser.Page = (*Page)(nil)

func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	n := p.s.l.nextNavigation()
	if p.s.l.NavigateErr != nil {
		if err := p.s.l.NavigateErr(n); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	return p.s.l.IdleErr
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if p.s.l.ScreenshotErr != nil {
		return nil, p.s.l.ScreenshotErr
	}
	return []byte("\x89PNG fake"), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// URL returns the last successfully navigated URL
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Closed reports whether the page was closed
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
