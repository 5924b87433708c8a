// Package matching is the Biometric/Document Adapter: one Match/Enroll surface
// over the remote matching providers, with a bounded timeout, a single retry
// on transient failures, a per-primary circuit breaker and the
// internal-fingerprint fallback.
package matching

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"veriflow/internal/matching/metrics"
	"veriflow/internal/matching/providers"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/circuit"
)

const (
	defaultTimeout = 8 * time.Second

	opMatch  = "match"
	opEnroll = "enroll"
)

type Adapter struct {
	biometric providers.Provider
	document  providers.Provider
	fallback  providers.Provider
	breakers  map[string]*circuit.Breaker

	timeout          time.Duration
	failureThreshold int
	successThreshold int

	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

type Option func(*Adapter)

func WithBiometricPrimary(p providers.Provider) Option {
	return func(a *Adapter) { a.biometric = p }
}

func WithDocumentPrimary(p providers.Provider) Option {
	return func(a *Adapter) { a.document = p }
}

// WithTimeout bounds every individual provider call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithBreakerThresholds sets consecutive failures to open and consecutive
// successful single-try calls to close each primary's breaker.
func WithBreakerThresholds(failures, successes int) Option {
	return func(a *Adapter) {
		a.failureThreshold = failures
		a.successThreshold = successes
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Adapter) { a.tracer = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// New builds an adapter around the always-available fallback. Primaries are
// optional; a kind with no primary is served by the fallback untagged.
func New(fallback providers.Provider, opts ...Option) (*Adapter, error) {
	if fallback == nil {
		return nil, errors.New("fallback provider is required")
	}
	a := &Adapter{
		fallback: fallback,
		breakers: make(map[string]*circuit.Breaker),
		timeout:  defaultTimeout,
		tracer:   otel.Tracer("veriflow/matching"),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, p := range []providers.Provider{a.biometric, a.document} {
		if p == nil {
			continue
		}
		if _, ok := a.breakers[p.ID()]; ok {
			continue
		}
		a.breakers[p.ID()] = circuit.New(p.ID(),
			circuit.WithFailureThreshold(a.failureThreshold),
			circuit.WithSuccessThreshold(a.successThreshold),
		)
	}
	return a, nil
}

// Match runs one comparison. Invalid payloads surface as CodeInvalidPayload;
// when neither primary nor fallback can answer the error is
// CodeServiceUnavailable.
func (a *Adapter) Match(ctx context.Context, req providers.MatchRequest) (*providers.MatchResult, error) {
	primary := a.biometric
	if req.Kind.IsDocument() {
		primary = a.document
	}

	res, reason, err := execute(ctx, a, primary, string(req.Kind), opMatch,
		func(ctx context.Context, p providers.Provider) (*providers.MatchResult, error) {
			return p.Match(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		res.Degraded = true
		res.FallbackReason = reason
	}
	return res, nil
}

// Enroll fuses enrollment samples into a voice model on the biometric path.
func (a *Adapter) Enroll(ctx context.Context, sampleURLs []string) (*providers.EnrollResult, error) {
	res, reason, err := execute(ctx, a, a.biometric, string(providers.KindVoiceSample), opEnroll,
		func(ctx context.Context, p providers.Provider) (*providers.EnrollResult, error) {
			return p.Enroll(ctx, sampleURLs)
		})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		res.Degraded = true
		res.FallbackReason = reason
	}
	return res, nil
}

// BreakerOpen reports whether the named primary's breaker is open.
func (a *Adapter) BreakerOpen(providerID string) bool {
	b, ok := a.breakers[providerID]
	return ok && b.IsOpen()
}

// execute runs call against primary with the retry and breaker policy, then
// against the fallback. reason is the primary's failure category when the
// fallback served the result.
func execute[T any](
	ctx context.Context,
	a *Adapter,
	primary providers.Provider,
	kind, op string,
	call func(context.Context, providers.Provider) (*T, error),
) (res *T, reason string, err error) {
	if primary != nil {
		breaker := a.breakers[primary.ID()]
		attempts := 2
		if breaker.IsOpen() {
			// Try once; the fallback serves the result on failure.
			attempts = 1
		}

		var lastErr error
		for i := 0; i < attempts; i++ {
			res, lastErr = invoke(ctx, a, primary, kind, op, call)
			if lastErr == nil {
				a.recordSuccess(breaker)
				return res, "", nil
			}
			if providers.IsInvalidPayload(lastErr) {
				// The provider is healthy; the capture is not.
				a.recordSuccess(breaker)
				return nil, "", dErrors.Wrap(lastErr, dErrors.CodeInvalidPayload, "payload could not be processed")
			}
			if ctx.Err() != nil {
				break
			}
			if !providers.IsRetryable(lastErr) {
				break
			}
		}
		a.recordFailure(breaker)
		reason = string(providers.GetCategory(lastErr))
		a.logger.WarnContext(ctx, "primary provider failed, using fallback",
			"provider", primary.ID(),
			"kind", kind,
			"operation", op,
			"reason", reason,
			"error", lastErr,
		)
		a.metrics.IncrementFallback(kind, reason)
	}

	res, err = invoke(ctx, a, a.fallback, kind, op, call)
	if err != nil {
		if providers.IsInvalidPayload(err) {
			return nil, "", dErrors.Wrap(err, dErrors.CodeInvalidPayload, "payload could not be processed")
		}
		a.logger.ErrorContext(ctx, "fallback provider failed",
			"provider", a.fallback.ID(),
			"kind", kind,
			"operation", op,
			"error", err,
		)
		return nil, "", dErrors.Wrap(err, dErrors.CodeServiceUnavailable, "matching service unavailable")
	}
	return res, reason, nil
}

func invoke[T any](
	ctx context.Context,
	a *Adapter,
	p providers.Provider,
	kind, op string,
	call func(context.Context, providers.Provider) (*T, error),
) (*T, error) {
	ctx, span := a.tracer.Start(ctx, "matching."+op, trace.WithAttributes(
		attribute.String("provider", p.ID()),
		attribute.String("kind", kind),
		attribute.String("operation", op),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	res, err := call(callCtx, p)
	if err == nil && res == nil {
		err = providers.NewProviderError(providers.ErrorBadData, p.ID(), "provider returned no result", nil)
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if providers.GetCategory(err) != providers.ErrorTimeout {
			err = providers.NewProviderError(providers.ErrorTimeout, p.ID(), "provider call timed out", err)
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = string(providers.GetCategory(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	a.metrics.ObserveCall(p.ID(), op, outcome, time.Since(start))
	return res, err
}

func (a *Adapter) recordSuccess(b *circuit.Breaker) {
	if _, change := b.RecordSuccess(); change.Closed {
		a.logger.Info("provider circuit closed", "provider", b.Name())
		a.metrics.IncrementBreakerTransition(b.Name(), circuit.StateClosed.String())
	}
}

func (a *Adapter) recordFailure(b *circuit.Breaker) {
	if _, change := b.RecordFailure(); change.Opened {
		a.logger.Warn("provider circuit opened", "provider", b.Name())
		a.metrics.IncrementBreakerTransition(b.Name(), circuit.StateOpen.String())
	}
}
