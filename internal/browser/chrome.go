package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/quotefill/internal/filler"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// ErrElementMissing is returned when a script cannot find its target element.
var ErrElementMissing = errors.New("element missing")

const defaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// runBounded performs the first Run on a fresh chromedp context. A timeout
// context cannot be used there because it would own the browser or tab, so
// the wait is bounded from outside and the target cancelled on expiry.
func runBounded(ctx, chromeCtx context.Context, cancel context.CancelFunc, timeout time.Duration, actions ...chromedp.Action) error {
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(chromeCtx, actions...) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		return err
	case <-timer.C:
		cancel()
		return fmt.Errorf("browser did not respond within %s", timeout)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// LocalLauncher starts a browser process on this host with chromedp's exec allocator.
type LocalLauncher struct {
	launch        LaunchOptions
	page          PageOptions
	launchTimeout time.Duration
	logger        *zap.Logger
}

// NewLocalLauncher creates a LocalLauncher
func NewLocalLauncher(launch LaunchOptions, page PageOptions, launchTimeout time.Duration, logger *zap.Logger) *LocalLauncher {
	return &LocalLauncher{launch: launch, page: page, launchTimeout: launchTimeout, logger: logger.Named("local")}
}

func (l *LocalLauncher) Launch(ctx context.Context, id, correlationID string) (Session, error) {
	log := l.logger.With(zap.String("session_id", id), zap.String("correlation_id", correlationID))

	opts, rejected := AllocatorOptions(l.launch)
	if len(rejected) > 0 {
		log.Warn("Ignoring development-only browser flags outside development.", zap.Strings("flags", rejected))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(log.Sugar().Debugf))

	if err := runBounded(ctx, browserCtx, browserCancel, l.launchTimeout); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	log.Info("Browser launched.", zap.Bool("development", l.launch.Development))
	return newChromeSession(id, correlationID, "local", browserCtx, browserCancel, allocCancel, l.page, "", nil, log), nil
}

func (l *LocalLauncher) Close() error { return nil }

type chromeSession struct {
	id            string
	correlationID string
	backend       string
	startedAt     time.Time
	debugURL      string

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	release       func(context.Context) error
	// alive is an extra backend check, nil for local browsers.
	alive         func(context.Context) bool

	pageOpts PageOptions
	logger   *zap.Logger

	mu     sync.Mutex
	pages  int
	closed bool
}

func newChromeSession(id, correlationID, backend string, browserCtx context.Context, browserCancel, allocCancel context.CancelFunc, pageOpts PageOptions, debugURL string, release func(context.Context) error, logger *zap.Logger) *chromeSession {
	return &chromeSession{
		id:            id,
		correlationID: correlationID,
		backend:       backend,
		startedAt:     time.Now(),
		debugURL:      debugURL,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		release:       release,
		pageOpts:      pageOpts,
		logger:        logger,
	}
}

func (s *chromeSession) ID() string       { return s.id }
func (s *chromeSession) DebugURL() string { return s.debugURL }

// Healthy is false once the session is closed or its CDP connection is gone.
func (s *chromeSession) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.browserCtx.Err() != nil {
		return false
	}
	if s.alive != nil {
		return s.alive(ctx)
	}
	return true
}

func (s *chromeSession) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := models.SessionRunning
	if s.closed {
		status = models.SessionClosed
	}
	return models.SessionInfo{
		ID:            s.id,
		CorrelationID: s.correlationID,
		Status:        status,
		Backend:       s.backend,
		StartedAt:     s.startedAt,
		Pages:         s.pages,
		DebugURL:      s.debugURL,
	}
}

func (s *chromeSession) NewPage(ctx context.Context, correlationID string) (Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session is closed")
	}
	s.mu.Unlock()

	timeout := s.pageOpts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	p := &chromePage{
		ctx:            tabCtx,
		cancel:         tabCancel,
		defaultTimeout: timeout,
		inflight:       make(map[network.RequestID]string),
		sampled:        rate.Sometimes{First: 5, Interval: 10 * time.Second},
		logger:         s.logger.With(zap.String("correlation_id", correlationID)),
	}
	p.lastActivity.Store(time.Now().UnixNano())
	chromedp.ListenTarget(tabCtx, p.onEvent)

	headers := network.Headers{"Accept": defaultAccept}
	ua := emulation.SetUserAgentOverride(s.pageOpts.UserAgent)
	if s.pageOpts.AcceptLanguage != "" {
		headers["Accept-Language"] = s.pageOpts.AcceptLanguage
		ua = ua.WithAcceptLanguage(s.pageOpts.AcceptLanguage)
	}
	tasks := chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		emulation.SetDeviceMetricsOverride(int64(s.pageOpts.ViewportWidth), int64(s.pageOpts.ViewportHeight), 1, false),
		network.SetExtraHTTPHeaders(headers),
	}
	if s.pageOpts.UserAgent != "" {
		tasks = append(tasks, ua)
	}

	if err := runBounded(ctx, tabCtx, tabCancel, timeout, tasks); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to prepare page: %w", err)
	}

	s.mu.Lock()
	s.pages++
	s.mu.Unlock()
	return p, nil
}

// Close shuts the browser down and releases the backend resources. It is safe
// to call more than once.
func (s *chromeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := chromedp.Cancel(s.browserCtx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.browserCancel()
	s.allocCancel()

	if s.release != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rerr := s.release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

type chromePage struct {
	ctx            context.Context
	cancel         context.CancelFunc
	defaultTimeout time.Duration
	logger         *zap.Logger

	mu           sync.Mutex
	inflight     map[network.RequestID]string
	lastActivity atomic.Int64
	failed       atomic.Int64
	sampled      rate.Sometimes
}

var _ Page = (*chromePage)(nil)

func (p *chromePage) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		p.inflight[e.RequestID] = e.Request.URL
		p.mu.Unlock()
		p.lastActivity.Store(time.Now().UnixNano())
	case *network.EventLoadingFinished:
		p.finish(e.RequestID)
	case *network.EventLoadingFailed:
		url := p.finish(e.RequestID)
		p.failed.Add(1)
		p.sampled.Do(func() {
			p.logger.Debug("Sub-resource request failed.",
				zap.String("url", url),
				zap.String("type", e.Type.String()),
				zap.String("error", e.ErrorText),
				zap.Bool("canceled", e.Canceled),
			)
		})
	}
}

func (p *chromePage) finish(id network.RequestID) string {
	p.mu.Lock()
	url := p.inflight[id]
	delete(p.inflight, id)
	p.mu.Unlock()
	p.lastActivity.Store(time.Now().UnixNano())
	return url
}

// run executes actions on the tab, bounded by timeout and the caller's ctx.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) eval(ctx context.Context, script string, res interface{}) error {
	return p.run(ctx, 0, chromedp.Evaluate(script, res))
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.Navigate(url))
}

// WaitNetworkIdle returns once no request has been in flight for quiet.
func (p *chromePage) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(quiet / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("network not idle after %s", timeout)
		case <-ticker.C:
			p.mu.Lock()
			n := len(p.inflight)
			p.mu.Unlock()
			last := time.Unix(0, p.lastActivity.Load())
			if n == 0 && time.Since(last) >= quiet {
				return nil
			}
		}
	}
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, 0, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	if n := p.failed.Load(); n > 0 {
		p.logger.Debug("Page closed with failed sub-resource requests.", zap.Int64("failed_requests", n))
	}
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *chromePage) QueryBySuffix(ctx context.Context, tag, suffix string) ([]string, error) {
	var ids []string
	if err := p.eval(ctx, queryBySuffixJS(tag, suffix), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *chromePage) HasElement(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := p.eval(ctx, hasElementJS(id), &ok)
	return ok, err
}

func (p *chromePage) SetValue(ctx context.Context, id, value string, clearReadonly bool) error {
	var ok bool
	if err := p.eval(ctx, setValueJS(id, value, clearReadonly), &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementMissing, id)
	}
	return nil
}

func (p *chromePage) SelectValue(ctx context.Context, id, value string) error {
	var res string
	if err := p.eval(ctx, selectValueJS(id, value), &res); err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "nooption":
		return fmt.Errorf("no option %q in %s", value, id)
	default:
		return fmt.Errorf("%w: %s", ErrElementMissing, id)
	}
}

func (p *chromePage) Click(ctx context.Context, id string) error {
	var ok bool
	if err := p.eval(ctx, clickJS(id), &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementMissing, id)
	}
	return nil
}

func (p *chromePage) Controls(ctx context.Context) ([]filler.Control, error) {
	var raw []struct {
		Index int    `json:"index"`
		ID    string `json:"id"`
		Tag   string `json:"tag"`
		Label string `json:"label"`
	}
	if err := p.eval(ctx, controlsJS, &raw); err != nil {
		return nil, err
	}
	controls := make([]filler.Control, 0, len(raw))
	for _, c := range raw {
		controls = append(controls, filler.Control{Index: c.Index, ID: c.ID, Tag: c.Tag, Label: c.Label})
	}
	return controls, nil
}

func (p *chromePage) ClickControl(ctx context.Context, c filler.Control) error {
	var ok bool
	if err := p.eval(ctx, clickControlJS(c.Index), &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: control %d", ErrElementMissing, c.Index)
	}
	return nil
}

func (p *chromePage) PressKey(ctx context.Context, key string) error {
	switch key {
	case "Escape":
		key = kb.Escape
	case "Enter":
		key = kb.Enter
	}
	return p.run(ctx, 0, chromedp.KeyEvent(key))
}

// ArmNavigation listens for the next load event on the tab until ctx is done.
func (p *chromePage) ArmNavigation(ctx context.Context) <-chan struct{} {
	loaded := make(chan struct{}, 1)
	listenCtx, cancel := context.WithCancel(p.ctx)
	context.AfterFunc(ctx, cancel)
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})
	return loaded
}
