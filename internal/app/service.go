package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
	"github.com/haukened/biogate/internal/envelope"
	"github.com/haukened/biogate/internal/keystore"
)

// Prompt is the text shown to the user.
type Prompt struct {
	Title    string
	Subtitle string
}

// ServiceConfig holds the Service collaborators. Gate and Keys are required.
type ServiceConfig struct {
	Gate     *Gate
	Keys     KeyRegistry
	Enroller Enroller
	Counter  Counter
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Service composes the key registry, cipher operations, the envelope codec
// and the gate into authenticated encryption and decryption.
type Service struct {
	gate     *Gate
	keys     KeyRegistry
	enroller Enroller
	counter  Counter
	tracer   trace.Tracer
	log      *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Gate == nil || cfg.Keys == nil {
		return nil, errors.New("app: gate and key registry are required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		gate:     cfg.Gate,
		keys:     cfg.Keys,
		enroller: cfg.Enroller,
		counter:  cfg.Counter,
		tracer:   cfg.Tracer,
		log:      cfg.Logger.With("domain", "service"),
	}, nil
}

// CheckAvailability delegates to the gate.
func (s *Service) CheckAvailability(ctx context.Context) domain.Availability {
	return s.gate.CheckAvailability(ctx)
}

// Authenticate runs a plain prompt with no cipher operation attached.
func (s *Service) Authenticate(ctx context.Context, p Prompt, onSuccess func(), onFailure func(hard bool)) error {
	return s.gate.Authenticate(ctx, Request{Title: p.Title, Subtitle: p.Subtitle}, onSuccess, onFailure)
}

// Cancel cancels the attempt currently prompting, if any.
func (s *Service) Cancel() bool { return s.gate.Cancel() }

// AuthenticateForEncryption encrypts plaintext under keyName once the user
// authenticates, creating the key on first use. onSuccess receives the
// envelope. A cipher failure after a successful prompt, or the key being
// invalidated while the prompt was open, is reported as onFailure(true).
// When an error is returned no callback fires, no prompt was shown and no
// key was generated.
func (s *Service) AuthenticateForEncryption(ctx context.Context, keyName string, plaintext []byte, p Prompt, onSuccess func(envelope string), onFailure func(hard bool)) error {
	if onSuccess == nil {
		return errors.New("app: onSuccess is required")
	}
	name, err := domain.ParseKeyName(keyName)
	if err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "service.Encrypt", trace.WithAttributes(attribute.String("key", name.String())))
	h, err := s.keys.GetOrCreate(ctx, name)
	if err != nil {
		return s.abort(span, fmt.Errorf("obtaining key %q: %w", name, err))
	}
	op, err := cipherop.NewEncryption(h.Material(), plaintext)
	if err != nil {
		h.Release()
		return s.abort(span, err)
	}
	a, err := s.gate.start(ctx, Request{Title: p.Title, Subtitle: p.Subtitle, Binding: op.Binding()})
	if err != nil {
		op.Discard()
		return s.abort(span, err)
	}
	iv := op.IV()
	go s.complete(context.WithoutCancel(ctx), span, a, op, name, CounterEncrypt, func(ct []byte) {
		onSuccess(envelope.Encode(ct, iv))
	}, nil, onFailure)
	return nil
}

// AuthenticateForDecryption decrypts env under keyName once the user
// authenticates. A malformed envelope is rejected before any prompt. If the
// key was invalidated by an enrollment change, onUnrecoverableKey is called
// synchronously, nothing else fires, and nil is returned. A key invalidated
// while the prompt is open also ends in onUnrecoverableKey, called once the
// prompt resolves. A missing key is returned as an error wrapping
// domain.ErrKeyNotFound.
func (s *Service) AuthenticateForDecryption(ctx context.Context, keyName, env string, p Prompt, onSuccess func(plaintext []byte), onUnrecoverableKey func(), onFailure func(hard bool)) error {
	if onSuccess == nil || onUnrecoverableKey == nil {
		return errors.New("app: onSuccess and onUnrecoverableKey are required")
	}
	name, err := domain.ParseKeyName(keyName)
	if err != nil {
		return err
	}
	ct, iv, err := envelope.Decode(env)
	if err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "service.Decrypt", trace.WithAttributes(attribute.String("key", name.String())))
	h, err := s.keys.Get(ctx, name)
	if errors.Is(err, domain.ErrKeyInvalidated) {
		s.inc(CounterUnrecoverableKey)
		s.log.Warn("key unrecoverable, credentials changed", "key", name)
		span.SetAttributes(attribute.Bool("unrecoverable", true))
		span.End()
		onUnrecoverableKey()
		return nil
	}
	if err != nil {
		return s.abort(span, fmt.Errorf("obtaining key %q: %w", name, err))
	}
	op, err := cipherop.NewDecryption(h.Material(), iv, ct)
	if err != nil {
		h.Release()
		return s.abort(span, err)
	}
	a, err := s.gate.start(ctx, Request{Title: p.Title, Subtitle: p.Subtitle, Binding: op.Binding()})
	if err != nil {
		op.Discard()
		return s.abort(span, err)
	}
	go s.complete(context.WithoutCancel(ctx), span, a, op, name, CounterDecrypt, onSuccess, onUnrecoverableKey, onFailure)
	return nil
}

// ready runs the gate preflight and refuses while another attempt is
// prompting, so a rejected call never provisions or reads a key.
func (s *Service) ready(ctx context.Context) error {
	if err := s.gate.preflight(ctx); err != nil {
		return err
	}
	if s.gate.State() == StatePrompting {
		return domain.ErrAlreadyInProgress
	}
	return nil
}

// complete waits for the attempt and fires exactly one callback. The key is
// looked up again once the user has answered: a key invalidated while the
// prompt was open is never used. Decryption reports that through
// onUnrecoverableKey; encryption, which passes nil, as a hard failure.
func (s *Service) complete(ctx context.Context, span trace.Span, a *Attempt, op *cipherop.Operation, name domain.KeyName, counter string, onSuccess func([]byte), onUnrecoverableKey func(), onFailure func(hard bool)) {
	defer span.End()
	defer op.Discard()
	<-a.Done()
	r := a.Result()
	span.SetAttributes(attribute.String("outcome", r.Outcome.String()))
	if r.Outcome != domain.OutcomeSucceeded {
		if onFailure != nil {
			onFailure(r.Hard())
		}
		return
	}
	if err := s.recheck(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "key unusable after authentication")
		if errors.Is(err, domain.ErrKeyInvalidated) && onUnrecoverableKey != nil {
			s.inc(CounterUnrecoverableKey)
			s.log.Warn("key invalidated while prompting", "key", name, "attempt", a.ID())
			span.SetAttributes(attribute.Bool("unrecoverable", true))
			onUnrecoverableKey()
			return
		}
		s.log.Error("key unusable after authentication", "key", name, "attempt", a.ID(), "err", err)
		if onFailure != nil {
			onFailure(true)
		}
		return
	}
	out, err := op.Finish(r.Proof)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cipher failure")
		s.log.Error("cipher failed after authentication", "attempt", a.ID(), "direction", op.Direction().String(), "err", err)
		if onFailure != nil {
			onFailure(true)
		}
		return
	}
	s.inc(counter)
	onSuccess(out)
}

// recheck confirms name is still usable, including the enrollment check
// the registry applies on every Get.
func (s *Service) recheck(ctx context.Context, name domain.KeyName) error {
	h, err := s.keys.Get(ctx, name)
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

func (s *Service) abort(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	return err
}

// Enroll asks the host to enroll a credential for the gate's
// authenticator set.
func (s *Service) Enroll(ctx context.Context) error {
	if s.gate.caps.Capability(ctx) != domain.Supported {
		return domain.ErrPlatformUnsupported
	}
	if s.enroller == nil {
		return errors.New("app: no enroller configured")
	}
	if err := s.enroller.Enroll(ctx, s.gate.Authenticators()); err != nil {
		return fmt.Errorf("enrolling: %w", err)
	}
	s.log.Info("credential enrolled")
	return nil
}

// Invalidate marks keyName unusable.
func (s *Service) Invalidate(ctx context.Context, keyName string) error {
	name, err := domain.ParseKeyName(keyName)
	if err != nil {
		return err
	}
	return s.keys.Invalidate(ctx, name)
}

// Keys lists stored keys.
func (s *Service) Keys(ctx context.Context) ([]keystore.KeyInfo, error) {
	return s.keys.List(ctx)
}

func (s *Service) inc(name string) {
	if s.counter != nil {
		s.counter.Inc(name, 1)
	}
}
