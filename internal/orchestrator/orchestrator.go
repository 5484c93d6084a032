package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/browser"
	"github.com/shehryarbajwa/quotefill/internal/evidence"
	"github.com/shehryarbajwa/quotefill/internal/filler"
	"github.com/shehryarbajwa/quotefill/internal/idempotency"
	"github.com/shehryarbajwa/quotefill/internal/ratelimit"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

var (
	ErrNavigationExhausted = errors.New("navigation failed")
	ErrSubmitNotFound      = errors.New("no submit control found")
	ErrEvidenceUnavailable = errors.New("evidence storage is not configured")
	ErrShuttingDown        = errors.New("service is shutting down")
)

// NavigationAttempts is how many times a target is loaded before the job fails.
const NavigationAttempts = 3

// State is a step of the job pipeline.
type State string

const (
	StateAdmitted         State = "admitted"
	StateValidated        State = "validated"
	StateChecked          State = "idempotency-checked"
	StateClaimed          State = "processing-claimed"
	StateSessionAcquired  State = "session-acquired"
	StateNavigated        State = "navigated"
	StateFilled           State = "filled"
	StateEvidenceCaptured State = "evidence-captured"
	StateFinalized        State = "finalized"
	StateReleased         State = "released"
)

// Limiter admits or rejects a client
type Limiter interface {
	Allow(clientID string) ratelimit.Decision
}

// Idempotency tracks logical submissions
type Idempotency interface {
	Check(key string) (idempotency.Record, bool)
	Begin(key string) bool
	Complete(key string, result json.RawMessage)
	Fail(key string, errText string)
	Reclaim(key string, observed idempotency.Record) bool
}

// Sessions owns browser sessions
type Sessions interface {
	Launch(ctx context.Context, correlationID string) (browser.Session, error)
	NewPage(ctx context.Context, s browser.Session, correlationID string) (browser.Page, error)
	Close(s browser.Session, correlationID string)
	IsShuttingDown() bool
	Shutdown() error
}

// FormFiller writes a job into a page and performs the terminal action
type FormFiller interface {
	Fill(ctx context.Context, d filler.Driver, in filler.Input) models.FillReport
	Cancel(ctx context.Context, d filler.Driver, correlationID string) error
	Submit(ctx context.Context, d filler.Driver, correlationID string) (bool, error)
}

// Deps are the collaborators of the orchestrator. Uploader may be nil when
// evidence storage is not configured; jobs are then refused as unavailable.
type Deps struct {
	Limiter     Limiter
	Idempotency Idempotency
	Sessions    Sessions
	Filler      FormFiller
	Uploader    evidence.Uploader
}

// Options bound navigation.
type Options struct {
	NavigationTimeout  time.Duration
	NetworkIdleTimeout time.Duration
	NetworkIdleQuiet   time.Duration
	RetryDelay         time.Duration
}

// Orchestrator runs commit jobs end to end
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.Named("orchestrator"),
		newID:  func() string { return uuid.New().String() },
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Shutdown refuses new jobs and closes every live browser. Jobs already past
// admission run to completion.
func (o *Orchestrator) Shutdown() error {
	o.logger.Info("Orchestrator shutting down.")
	return o.deps.Sessions.Shutdown()
}

// ShuttingDown reports whether new jobs are refused
func (o *Orchestrator) ShuttingDown() bool {
	return o.deps.Sessions.IsShuttingDown()
}

// Submit runs one job and always returns a response carrying the correlation
// id and an outcome code. It is Admit followed by Run.
func (o *Orchestrator) Submit(ctx context.Context, clientID string, req models.JobRequest) models.JobResponse {
	if req.CorrelationID == "" {
		req.CorrelationID = o.newID()
	}
	if resp, ok := o.Admit(clientID, req.CorrelationID); !ok {
		return resp
	}
	return o.Run(ctx, req)
}

// Admit applies the per-client rate limit and refuses work while shutting
// down. It runs before the request body is trusted, so malformed requests
// are throttled like any other. When ok is false resp is the refusal.
func (o *Orchestrator) Admit(clientID, correlationID string) (resp models.JobResponse, ok bool) {
	log := o.logger.With(zap.String("correlation_id", correlationID))

	decision := o.deps.Limiter.Allow(clientID)
	if !decision.Allowed {
		log.Info("Job rate limited.", zap.String("client_id", clientID), zap.Int("retry_after", decision.RetryAfter))
		return models.JobResponse{
			CorrelationID:     correlationID,
			Outcome:           models.OutcomeRateLimited,
			RetryAfterSeconds: decision.RetryAfter,
			Message:           "too many requests",
		}, false
	}
	o.transition(log, StateAdmitted)

	if o.deps.Sessions.IsShuttingDown() {
		return unavailable(correlationID, ErrShuttingDown), false
	}
	return models.JobResponse{}, true
}

// Run executes an admitted job. The pipeline is detached from ctx
// cancellation; every wait inside it is bounded.
func (o *Orchestrator) Run(ctx context.Context, req models.JobRequest) models.JobResponse {
	corr := req.CorrelationID
	if corr == "" {
		corr = o.newID()
	}
	log := o.logger.With(zap.String("correlation_id", corr), zap.String("entity_id", req.EntityID))

	if errs := req.Validate(); len(errs) > 0 {
		log.Info("Job failed validation.", zap.Strings("errors", errs))
		return models.JobResponse{CorrelationID: corr, Outcome: models.OutcomeValidationFailed, Errors: errs}
	}
	o.transition(log, StateValidated)

	if o.deps.Uploader == nil {
		log.Error("Job refused, evidence storage is not configured.")
		return unavailable(corr, ErrEvidenceUnavailable)
	}

	key := idempotency.GenerateKey(req.EntityID, req.TargetURL, req.Commit)
	observed, resp, done := o.checkIdempotency(log, key, corr, req.Commit)
	if done {
		return resp
	}
	o.transition(log, StateChecked)

	if !o.claim(key, observed) {
		log.Warn("Lost idempotency claim race.")
		return models.JobResponse{
			CorrelationID: corr,
			Outcome:       models.OutcomeClaimConflict,
			Message:       "another request claimed this submission",
		}
	}
	o.transition(log, StateClaimed)

	resp, err := o.execute(context.WithoutCancel(ctx), log, corr, req)
	if err != nil {
		o.deps.Idempotency.Fail(key, err.Error())
		log.Error("Job failed.", zap.Error(err))
		return models.JobResponse{
			CorrelationID: corr,
			Outcome:       models.OutcomeFailed,
			Fill:          resp.Fill,
			Evidence:      resp.Evidence,
			SessionID:     resp.SessionID,
			Message:       err.Error(),
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		// Not reachable for this payload type; keep the record retryable.
		o.deps.Idempotency.Fail(key, err.Error())
		return resp
	}
	o.deps.Idempotency.Complete(key, payload)
	log.Info("Job completed.", zap.String("final_action", string(resp.FinalAction)))
	return resp
}

func unavailable(corr string, err error) models.JobResponse {
	return models.JobResponse{CorrelationID: corr, Outcome: models.OutcomeUnavailable, Message: err.Error()}
}

// claim takes the key for this job. A record seen by checkIdempotency is only
// replaced if it is still the same record, so two retries cannot both run.
func (o *Orchestrator) claim(key string, observed *idempotency.Record) bool {
	if observed == nil {
		return o.deps.Idempotency.Begin(key)
	}
	return o.deps.Idempotency.Reclaim(key, *observed)
}

// checkIdempotency applies the record policy. It returns done=true with the
// response to send when the job must not run. Otherwise observed is the
// record the job may take over, nil when there is none.
func (o *Orchestrator) checkIdempotency(log *zap.Logger, key, corr string, commit bool) (observed *idempotency.Record, resp models.JobResponse, done bool) {
	rec, ok := o.deps.Idempotency.Check(key)
	if !ok {
		return nil, models.JobResponse{}, false
	}

	switch {
	case rec.Status == idempotency.StatusProcessing:
		log.Info("Duplicate job is already in flight.")
		return nil, models.JobResponse{
			CorrelationID: corr,
			Outcome:       models.OutcomeDuplicateInFlight,
			Message:       "an identical submission is in progress",
		}, true

	case rec.Status == idempotency.StatusCompleted && commit:
		var cached models.JobResponse
		if err := json.Unmarshal(rec.Result, &cached); err != nil {
			log.Warn("Cached result unreadable, running job again.", zap.Error(err))
			return &rec, models.JobResponse{}, false
		}
		cached.Outcome = models.OutcomeCached
		cached.Cached = true
		log.Info("Returning cached result.", zap.String("original_correlation_id", cached.CorrelationID))
		return nil, cached, true

	default:
		log.Debug("Previous record is retryable.", zap.String("status", string(rec.Status)))
		return &rec, models.JobResponse{}, false
	}
}

// execute drives the browser part of the pipeline. A panic anywhere inside is
// converted into an error so the idempotency record is still finalized.
func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, corr string, req models.JobRequest) (resp models.JobResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic in job pipeline.", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	resp = models.JobResponse{CorrelationID: corr}

	s, err := o.deps.Sessions.Launch(ctx, corr)
	if err != nil {
		return resp, fmt.Errorf("browser launch failed: %w", err)
	}
	o.transition(log, StateSessionAcquired)

	defer func() {
		if req.KeepOpen {
			log.Info("Leaving browser session open.", zap.String("session_id", s.ID()))
		} else {
			o.deps.Sessions.Close(s, corr)
		}
		o.transition(log, StateReleased)
	}()
	if req.KeepOpen {
		resp.SessionID = s.ID()
	}

	page, err := o.deps.Sessions.NewPage(ctx, s, corr)
	if err != nil {
		return resp, err
	}

	page, err = o.navigate(ctx, log, s, page, req.TargetURL, corr)
	if err != nil {
		return resp, err
	}
	o.transition(log, StateNavigated)

	report := o.deps.Filler.Fill(ctx, page, filler.Input{
		CorrelationID: corr,
		Items:         req.Items,
		Notes:         req.Notes,
		PreparedBy:    req.PreparedBy,
	})
	resp.Fill = &report
	o.transition(log, StateFilled)

	ev, err := o.deps.Uploader.Capture(ctx, page, evidence.Target{EntityID: req.EntityID, CorrelationID: corr, Stage: "filled"})
	if err != nil {
		return resp, fmt.Errorf("evidence capture failed: %w", err)
	}
	resp.Evidence = append(resp.Evidence, ev)
	o.transition(log, StateEvidenceCaptured)

	if req.Commit {
		submitted, err := o.deps.Filler.Submit(ctx, page, corr)
		if err != nil {
			return resp, fmt.Errorf("submit failed: %w", err)
		}
		if !submitted {
			return resp, ErrSubmitNotFound
		}
		resp.FinalAction = models.ActionCommitted
	} else {
		if err := o.deps.Filler.Cancel(ctx, page, corr); err != nil {
			return resp, fmt.Errorf("cancel failed: %w", err)
		}
		resp.FinalAction = models.ActionCancelled
	}
	o.transition(log, StateFinalized)

	resp.Outcome = models.OutcomeOK
	return resp, nil
}

// navigate loads url with up to NavigationAttempts attempts. After a failed
// attempt the page is discarded, a fresh one is opened on the same session and
// RetryDelay is observed. It returns the page that loaded.
func (o *Orchestrator) navigate(ctx context.Context, log *zap.Logger, s browser.Session, page browser.Page, url, corr string) (browser.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= NavigationAttempts; attempt++ {
		err := page.Navigate(ctx, url, o.opts.NavigationTimeout)
		if err == nil {
			if err := page.WaitNetworkIdle(ctx, o.opts.NetworkIdleQuiet, o.opts.NetworkIdleTimeout); err != nil {
				log.Debug("Network did not settle, continuing.", zap.Error(err))
			}
			log.Info("Navigated to target.", zap.Int("attempt", attempt))
			return page, nil
		}

		lastErr = err
		log.Warn("Navigation attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == NavigationAttempts {
			break
		}

		if cerr := page.Close(); cerr != nil {
			log.Debug("Error closing failed page.", zap.Error(cerr))
		}
		page, err = o.deps.Sessions.NewPage(ctx, s, corr)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate page: %w", err)
		}
		if err := o.sleep(ctx, o.opts.RetryDelay); err != nil {
			return page, err
		}
	}
	return page, fmt.Errorf("%w after %d attempts: %v", ErrNavigationExhausted, NavigationAttempts, lastErr)
}

func (o *Orchestrator) transition(log *zap.Logger, s State) {
	log.Debug("Job state changed.", zap.String("state", string(s)))
}
