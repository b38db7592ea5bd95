package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/metrics"
)

// Adapter runs queued side effects at the boundaries of a unit of work:
// PreValidate and PreCommit inside it, PostCommit after the commit and
// OnAbort after a rollback.
type Adapter struct {
	policies       *PolicyRegistry
	classify       Classifier
	log            *slog.Logger
	maxConcurrency int
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithClassifier sets the transient/permanent error classifier.
func WithClassifier(c Classifier) AdapterOption {
	return func(a *Adapter) {
		if c != nil {
			a.classify = c
		}
	}
}

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.log = logger.Component(l, "sideeffect") }
}

// WithPostCommitConcurrency bounds how many after-commit effects run at once.
func WithPostCommitConcurrency(n int) AdapterOption {
	return func(a *Adapter) { a.maxConcurrency = n }
}

// NewAdapter creates an adapter resolving policies from policies.
func NewAdapter(policies *PolicyRegistry, opts ...AdapterOption) *Adapter {
	if policies == nil {
		policies = NewPolicyRegistry(DefaultPolicy())
	}

	a := &Adapter{
		policies:       policies,
		classify:       DefaultClassifier,
		log:            logger.Component(nil, "sideeffect"),
		maxConcurrency: 8,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Policies returns the policy registry.
func (a *Adapter) Policies() *PolicyRegistry {
	return a.policies
}

// PreValidate checks every queued effect before anything runs. Any failure
// must abort the unit of work.
func (a *Adapter) PreValidate(_ context.Context, q *Queue) error {
	var errs []error

	for _, effect := range q.Pending() {
		if effect.Kind() == "" {
			errs = append(errs, fmt.Errorf("effect %s: empty kind", effect.ID()))
			continue
		}

		if err := a.policies.Resolve(effect.Kind()).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("effect %s (%s): %w", effect.ID(), effect.Kind(), err))
			continue
		}

		if v, ok := effect.(Validator); ok {
			if err := v.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("effect %s (%s): %w", effect.ID(), effect.Kind(), err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		metrics.IncEffect(string(PhasePreValidate), "failed")
		return fmt.Errorf("side effect validation failed: %w", err)
	}

	return nil
}

// PreCommit executes the before-commit effects in queue order and defers
// the after-commit ones. It returns an error, which must roll back the unit
// of work, as soon as an effect whose policy is FailOnError fails.
func (a *Adapter) PreCommit(ctx context.Context, q *Queue) (Report, error) {
	report := Report{Phase: PhasePreCommit}

	effects, ok := q.seal()
	if !ok {
		return report, ErrQueueSealed
	}

	var async []Effect
	for _, effect := range effects {
		if a.policies.Resolve(effect.Kind()).Mode == AfterCommit {
			async = append(async, effect)
		}
	}
	q.deferAsync(async)
	report.Deferred = len(async)

	for i, effect := range effects {
		policy := a.policies.Resolve(effect.Kind())
		if policy.Mode != BeforeCommit {
			continue
		}

		out := a.execute(ctx, effect, policy)
		a.record(PhasePreCommit, out)

		if out.Err != nil && policy.FailOnError {
			out.Fatal = true
			report.Outcomes = append(report.Outcomes, out)
			q.holdFailed(effect)
			q.returnPending(syncOnly(a.policies, effects[i+1:]))

			return report, fmt.Errorf("side effect %s (%s) failed before commit: %w", out.EffectID, out.Kind, out.Err)
		}

		report.Outcomes = append(report.Outcomes, out)
	}

	return report, nil
}

func syncOnly(policies *PolicyRegistry, effects []Effect) []Effect {
	var out []Effect
	for _, effect := range effects {
		if policies.Resolve(effect.Kind()).Mode == BeforeCommit {
			out = append(out, effect)
		}
	}
	return out
}

// PostCommit executes the deferred after-commit effects. The unit of work
// has already committed, so failures are logged and reported, never returned.
func (a *Adapter) PostCommit(ctx context.Context, q *Queue) Report {
	report := Report{Phase: PhasePostCommit}

	effects, ok := q.takeAsync()
	if !ok {
		a.log.Warn("post-commit skipped: queue was not prepared")
		return report
	}

	if len(effects) == 0 {
		return report
	}

	ctx = context.WithoutCancel(ctx)
	outcomes := make([]Outcome, len(effects))

	var g errgroup.Group
	if a.maxConcurrency > 0 {
		g.SetLimit(a.maxConcurrency)
	}

	for i, effect := range effects {
		g.Go(func() error {
			outcomes[i] = a.execute(ctx, effect, a.policies.Resolve(effect.Kind()))
			a.record(PhasePostCommit, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes

	return report
}

// OnAbort discards every queued effect without running it and returns how
// many were dropped.
func (a *Adapter) OnAbort(_ context.Context, q *Queue) int {
	n := q.discard()
	metrics.AddEffectsDiscarded(n)

	if n > 0 {
		a.log.Info("side effects discarded on abort", slog.Int("count", n))
	}

	return n
}

func (a *Adapter) record(phase Phase, out Outcome) {
	metrics.AddEffectRetries(string(phase), out.RetryCount)

	if out.Err == nil {
		metrics.IncEffect(string(phase), "succeeded")
		a.log.Debug("side effect executed",
			slog.String("phase", string(phase)),
			slog.String("effect_id", out.EffectID),
			slog.String("kind", out.Kind),
			slog.Int("attempts", out.Attempts),
		)

		return
	}

	metrics.IncEffect(string(phase), "failed")
	a.log.Error("side effect failed",
		slog.String("phase", string(phase)),
		slog.String("effect_id", out.EffectID),
		slog.String("kind", out.Kind),
		slog.Int("attempts", out.Attempts),
		slog.String("error", out.Err.Error()),
	)
}

// execute runs effect with bounded retry and exponential backoff. Errors the
// classifier considers permanent end the loop after the current attempt.
func (a *Adapter) execute(ctx context.Context, effect Effect, policy Policy) Outcome {
	start := time.Now()
	out := Outcome{EffectID: effect.ID(), Kind: effect.Kind(), Mode: policy.Mode}

	operation := func() (struct{}, error) {
		out.Attempts++

		err := attempt(ctx, effect, policy.Timeout)
		if err == nil {
			return struct{}{}, nil
		}

		if !a.classify(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(policy)),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			out.Delays = append(out.Delays, next)
			a.log.Debug("retrying side effect",
				slog.String("effect_id", out.EffectID),
				slog.String("kind", out.Kind),
				slog.Int("attempt", out.Attempts),
				slog.Duration("delay", next),
				slog.String("error", err.Error()),
			)
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	out.Err = err
	out.RetryCount = max(out.Attempts-1, 0)
	out.Elapsed = time.Since(start)

	return out
}

func attempt(ctx context.Context, effect Effect, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("side effect %s panicked: %v", effect.ID(), r)
		}
	}()

	return effect.Execute(ctx)
}

func newBackOff(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = p.Jitter
	if p.BackoffMultiplier >= 1 {
		b.Multiplier = p.BackoffMultiplier
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()

	return b
}
