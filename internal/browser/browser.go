package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/config"
	"github.com/shehryarbajwa/quotefill/internal/filler"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// Page is one browser tab. It satisfies filler.Driver so the filler can write
// into it directly.
type Page interface {
	filler.Driver
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Session is one live browser process.
type Session interface {
	ID() string
	NewPage(ctx context.Context, correlationID string) (Page, error)
	Info() models.SessionInfo
	// DebugURL is the CDP websocket endpoint, empty when the browser is not reachable remotely.
	DebugURL() string
	// Healthy reports whether the browser behind the session can still serve clients.
	Healthy(ctx context.Context) bool
	Close() error
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context, id, correlationID string) (Session, error)
	Close() error
}

// PageOptions configure every page a session opens.
type PageOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	AcceptLanguage string
	DefaultTimeout time.Duration
}

func pageOptionsFrom(cfg config.BrowserConfig) PageOptions {
	return PageOptions{
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		UserAgent:      cfg.UserAgent,
		AcceptLanguage: cfg.AcceptLanguage,
		DefaultTimeout: cfg.DefaultTimeout,
	}
}

// NewLauncher returns the launcher for the configured backend.
func NewLauncher(cfg config.BrowserConfig, development bool, logger *zap.Logger) (Launcher, error) {
	launch := LaunchOptions{
		Development:    development,
		ExecPath:       cfg.ExecPath,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		UserAgent:      cfg.UserAgent,
		MaxHeapMB:      cfg.MaxHeapMB,
		Args:           cfg.Args,
	}

	if cfg.Backend == config.BackendDocker {
		pool, err := NewPool(cfg.DockerImage, logger)
		if err != nil {
			return nil, err
		}
		return &DockerLauncher{pool: pool, page: pageOptionsFrom(cfg), launchTimeout: cfg.LaunchTimeout, logger: logger.Named("docker")}, nil
	}
	return NewLocalLauncher(launch, pageOptionsFrom(cfg), cfg.LaunchTimeout, logger), nil
}
