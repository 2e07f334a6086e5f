package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
)

const tracerName = "github.com/haukened/biogate/internal/app"

// State is the gate's position in the attempt lifecycle.
type State int

const (
	StateIdle State = iota
	StatePrompting
)

func (s State) String() string {
	if s == StatePrompting {
		return "prompting"
	}
	return "idle"
}

// Request describes one prompt.
type Request struct {
	Title    string
	Subtitle string
	// Binding ties the resulting proof to a cipher operation. Optional.
	Binding string
}

// Result is the terminal state of one attempt.
type Result struct {
	Outcome domain.Outcome
	Proof   cipherop.Proof
	Code    int   // host error code for OutcomeError, otherwise 0
	Err     error // nil on success
}

// Hard reports whether the failure was system-level.
func (r Result) Hard() bool { return r.Outcome.Hard() }

// GateConfig holds the Gate collaborators. Capability and Authenticator are
// required.
type GateConfig struct {
	Capability     CapabilityProvider
	Authenticator  Authenticator
	Authenticators domain.Authenticators
	// PromptTimeout bounds how long a prompt may stay open. Zero disables it.
	PromptTimeout time.Duration
	Counter       Counter
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Gate runs at most one authentication attempt at a time. Each accepted
// attempt resolves to exactly one terminal Result, after which the gate is
// idle again.
type Gate struct {
	caps    CapabilityProvider
	auth    Authenticator
	allowed domain.Authenticators
	timeout time.Duration
	counter Counter
	tracer  trace.Tracer
	log     *slog.Logger

	mu      sync.Mutex
	current *Attempt
}

// NewGate constructs a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Capability == nil || cfg.Authenticator == nil {
		return nil, errors.New("app: capability and authenticator are required")
	}
	if cfg.Authenticators == 0 {
		cfg.Authenticators = domain.DefaultAuthenticators
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		caps:    cfg.Capability,
		auth:    cfg.Authenticator,
		allowed: cfg.Authenticators,
		timeout: cfg.PromptTimeout,
		counter: cfg.Counter,
		tracer:  cfg.Tracer,
		log:     cfg.Logger.With("domain", "gate"),
	}, nil
}

// Authenticators returns the allowed authenticator set.
func (g *Gate) Authenticators() domain.Authenticators { return g.allowed }

// State reports whether an attempt is currently prompting.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return StatePrompting
	}
	return StateIdle
}

// CheckAvailability asks the host whether the user can authenticate. It
// never prompts and never touches key storage.
func (g *Gate) CheckAvailability(ctx context.Context) domain.Availability {
	if g.caps.Capability(ctx) != domain.Supported {
		return domain.Unavailable
	}
	return g.auth.CanAuthenticate(ctx, g.allowed)
}

// preflight enforces the capability gate then the availability gate.
func (g *Gate) preflight(ctx context.Context) error {
	if g.caps.Capability(ctx) != domain.Supported {
		return domain.ErrPlatformUnsupported
	}
	return g.auth.CanAuthenticate(ctx, g.allowed).Err()
}

// Begin starts an attempt and returns immediately. Errors are returned
// before any prompt is shown; an attempt already prompting is left alone.
func (g *Gate) Begin(ctx context.Context, req Request) (*Attempt, error) {
	if err := g.preflight(ctx); err != nil {
		return nil, err
	}
	return g.start(ctx, req)
}

// start accepts an attempt without re-running preflight.
func (g *Gate) start(ctx context.Context, req Request) (*Attempt, error) {
	g.mu.Lock()
	if g.current != nil {
		g.mu.Unlock()
		return nil, domain.ErrAlreadyInProgress
	}
	var pctx context.Context
	var cancel context.CancelFunc
	if g.timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, g.timeout)
	} else {
		pctx, cancel = context.WithCancel(ctx)
	}
	pctx, span := g.tracer.Start(pctx, "gate.Authenticate", trace.WithAttributes(
		attribute.String("authenticators", g.allowed.String()),
	))
	a := &Attempt{
		id:     uuid.NewString(),
		done:   make(chan struct{}),
		cancel: cancel,
		span:   span,
	}
	g.current = a
	g.mu.Unlock()

	g.log.Debug("prompt started", "attempt", a.id)
	go g.run(pctx, a, PromptInfo{
		Title:          req.Title,
		Subtitle:       req.Subtitle,
		Authenticators: g.allowed,
		Binding:        req.Binding,
	})
	return a, nil
}

// Authenticate runs one attempt and invokes exactly one callback exactly
// once when it ends: onSuccess, or onFailure with whether the failure was
// hard. onFailure may be nil. When an error is returned no callback fires.
func (g *Gate) Authenticate(ctx context.Context, req Request, onSuccess func(), onFailure func(hard bool)) error {
	if onSuccess == nil {
		return errors.New("app: onSuccess is required")
	}
	a, err := g.Begin(ctx, req)
	if err != nil {
		return err
	}
	go func() {
		<-a.Done()
		r := a.Result()
		if r.Outcome == domain.OutcomeSucceeded {
			onSuccess()
			return
		}
		if onFailure != nil {
			onFailure(r.Hard())
		}
	}()
	return nil
}

// Cancel ends the attempt currently prompting as canceled. A late host
// answer is discarded. It reports whether an attempt was canceled.
func (g *Gate) Cancel() bool {
	g.mu.Lock()
	a := g.current
	g.mu.Unlock()
	if a == nil {
		return false
	}
	return g.finish(a, Result{Outcome: domain.OutcomeCanceled, Err: domain.ErrCanceled})
}

func (g *Gate) run(ctx context.Context, a *Attempt, info PromptInfo) {
	answer := make(chan PromptResult, 1)
	go func() { answer <- g.auth.Prompt(ctx, info) }()
	select {
	case pr := <-answer:
		g.finish(a, classify(pr))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.finish(a, Result{
				Outcome: domain.OutcomeError,
				Code:    CodeTimeout,
				Err:     &domain.AuthError{Code: CodeTimeout, Message: "prompt timed out"},
			})
			return
		}
		g.finish(a, Result{Outcome: domain.OutcomeCanceled, Err: domain.ErrCanceled})
	}
}

// finish resolves a once. The gate is idle again before Done is closed so
// callbacks may start the next attempt.
func (g *Gate) finish(a *Attempt, r Result) bool {
	resolved := false
	a.once.Do(func() {
		resolved = true
		g.mu.Lock()
		if g.current == a {
			g.current = nil
		}
		g.mu.Unlock()

		a.result = r
		a.cancel()
		g.record(a, r)
		close(a.done)
	})
	return resolved
}

func (g *Gate) record(a *Attempt, r Result) {
	a.span.SetAttributes(attribute.String("outcome", r.Outcome.String()))
	switch r.Outcome {
	case domain.OutcomeSucceeded:
		g.inc(CounterAuthSucceeded)
		g.log.Info("authentication succeeded", "attempt", a.id)
	case domain.OutcomeFailed:
		g.inc(CounterAuthFailed)
		g.log.Info("authentication failed", "attempt", a.id)
	case domain.OutcomeCanceled:
		g.inc(CounterAuthCanceled)
		g.log.Info("authentication canceled", "attempt", a.id)
	default:
		g.inc(CounterAuthError)
		a.span.RecordError(r.Err)
		a.span.SetStatus(codes.Error, r.Outcome.String())
		g.log.Warn("authentication error", "attempt", a.id, "outcome", r.Outcome.String(), "code", r.Code, "err", r.Err)
	}
	a.span.End()
}

func (g *Gate) inc(name string) {
	if g.counter != nil {
		g.counter.Inc(name, 1)
	}
}

// classify maps a raw host answer to a terminal Result.
func classify(pr PromptResult) Result {
	switch pr.Kind {
	case KindSuccess:
		return Result{Outcome: domain.OutcomeSucceeded, Proof: pr.Proof}
	case KindFailed:
		return Result{Outcome: domain.OutcomeFailed, Err: domain.ErrAuthenticationFailed}
	case KindCanceled:
		return Result{Outcome: domain.OutcomeCanceled, Err: domain.ErrCanceled}
	}
	switch pr.Code {
	case CodeUserCanceled, CodeNegativeButton, CodeCanceled:
		return Result{Outcome: domain.OutcomeCanceled, Code: pr.Code, Err: domain.ErrCanceled}
	case CodeNoBiometrics, CodeNoDeviceCredential:
		return Result{Outcome: domain.OutcomeNoneEnrolled, Code: pr.Code, Err: domain.ErrNoneEnrolled}
	case CodeHWNotPresent, CodeHWUnavailable:
		return Result{Outcome: domain.OutcomeUnavailable, Code: pr.Code, Err: domain.ErrUnavailable}
	default:
		return Result{
			Outcome: domain.OutcomeError,
			Code:    pr.Code,
			Err:     &domain.AuthError{Code: pr.Code, Message: pr.Message},
		}
	}
}

// Attempt is one accepted authentication. It resolves exactly once.
type Attempt struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc
	span   trace.Span

	once   sync.Once
	result Result
}

// ID identifies the attempt in logs.
func (a *Attempt) ID() string { return a.id }

// Done is closed once the attempt reaches a terminal state.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Result returns the terminal result. Before Done is closed it returns the
// zero Result with OutcomeNone.
func (a *Attempt) Result() Result {
	select {
	case <-a.done:
		return a.result
	default:
		return Result{}
	}
}

// Wait blocks until the attempt ends or ctx is done. Giving up waiting
// does not cancel the attempt; use Gate.Cancel for that.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
