// Package filter decides whether a signal instance is snoozed, deduplicated
// into an existing case, or left for case creation.
package filter

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/expression"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// DefaultDedupWindow bounds the fallback search for a case to join
const DefaultDedupWindow = time.Hour

// FilterKind is the behavior a stored filter selects: Snooze or Dedup
type FilterKind interface {
	filterKind()
}

type Snooze struct {
	Expiration *time.Time
}

type Dedup struct {
	Window time.Duration
}

func (Snooze) filterKind() {}
func (Dedup) filterKind()  {}

// KindOf returns the kind of the filter, or nil when its action is unknown
func KindOf(f models.SignalFilter) FilterKind {
	switch f.Action {
	case models.SignalFilterActionSnooze:
		return Snooze{Expiration: f.Expiration}
	case models.SignalFilterActionDeduplicate:
		return Dedup{Window: time.Duration(f.Window) * time.Minute}
	}
	return nil
}

// Decision is the terminal outcome for an instance
type Decision struct {
	Action   models.FilterAction
	CaseID   *uuid.UUID
	FilterID *uuid.UUID
}

// Filtered reports whether the instance must not create a case
func (d Decision) Filtered() bool {
	return d.Action != models.FilterActionNone
}

// Store evaluates compiled expressions against signal instances. A nil compiled
// expression places no restriction.
type Store interface {
	MatchesSnooze(ctx context.Context, compiled *expression.Compiled, instance *models.SignalInstance) (bool, error)
	FindDedupAnchor(ctx context.Context, compiled *expression.Compiled, instance *models.SignalInstance, since time.Time) (*models.SignalInstance, error)
	FindRecentCaseInstance(ctx context.Context, instance *models.SignalInstance, since time.Time) (*models.SignalInstance, error)
	SetFilterAction(ctx context.Context, id uuid.UUID, action models.FilterAction, caseID *uuid.UUID) error
}

type Option func(*Engine)

// WithClock replaces the wall clock used for expiration and window checks
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type Engine struct {
	store  Store
	logger ectologger.Logger
	now    func() time.Time
}

func NewEngine(store Store, logger ectologger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs the snooze phase, then the dedup phase, then the default dedup, and
// records the outcome on the instance. An instance that already has a filter
// action is returned unchanged.
func (e *Engine) Apply(ctx context.Context, instance *models.SignalInstance, signal *models.Signal) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "filter.Engine.Apply")
	defer span.End()

	if instance.FilterAction != nil {
		return Decision{Action: *instance.FilterAction, CaseID: instance.CaseID}, nil
	}

	now := e.now().UTC()

	decision, err := e.decide(ctx, instance, signal, now)
	if err != nil {
		return Decision{}, err
	}

	if err := e.store.SetFilterAction(ctx, instance.ID, decision.Action, decision.CaseID); err != nil {
		return Decision{}, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to record filter action")
	}

	action := decision.Action
	instance.FilterAction = &action
	if decision.CaseID != nil {
		instance.CaseID = decision.CaseID
	}

	fields := map[string]any{
		"signal_instance_id": instance.ID,
		"filter_action":      decision.Action,
	}
	if decision.FilterID != nil {
		fields["filter_id"] = *decision.FilterID
	}
	if decision.CaseID != nil {
		fields["case_id"] = *decision.CaseID
	}
	e.logger.WithContext(ctx).WithFields(fields).Debug("Filtered signal instance")

	return decision, nil
}

func (e *Engine) decide(ctx context.Context, instance *models.SignalInstance, signal *models.Signal, now time.Time) (Decision, error) {
	for _, f := range signal.Filters {
		snooze, ok := KindOf(f).(Snooze)
		if !ok || f.Mode != models.FilterModeActive {
			continue
		}
		if snooze.Expiration == nil || !snooze.Expiration.UTC().After(now) {
			continue
		}

		matched, err := e.snoozeMatches(ctx, f, instance)
		if err != nil {
			return Decision{}, err
		}
		if matched {
			id := f.ID
			return Decision{Action: models.FilterActionSnooze, FilterID: &id}, nil
		}
	}

	for _, f := range signal.Filters {
		dedup, ok := KindOf(f).(Dedup)
		if !ok || f.Mode != models.FilterModeActive {
			continue
		}

		compiled, ok := e.compile(ctx, f)
		if !ok {
			continue
		}

		anchor, err := e.store.FindDedupAnchor(ctx, compiled, instance, now.Add(-dedup.Window))
		if err != nil {
			return Decision{}, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to evaluate dedup filter")
		}
		if anchor != nil && anchor.CaseID != nil {
			id := f.ID
			caseID := *anchor.CaseID
			return Decision{Action: models.FilterActionDeduplicate, CaseID: &caseID, FilterID: &id}, nil
		}
	}

	recent, err := e.store.FindRecentCaseInstance(ctx, instance, now.Add(-DefaultDedupWindow))
	if err != nil {
		return Decision{}, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to evaluate default dedup")
	}
	if recent != nil && recent.CaseID != nil {
		caseID := *recent.CaseID
		return Decision{Action: models.FilterActionDeduplicate, CaseID: &caseID}, nil
	}

	return Decision{Action: models.FilterActionNone}, nil
}

// snoozeMatches reports whether an active snooze applies. A filter without an
// expression snoozes unconditionally.
func (e *Engine) snoozeMatches(ctx context.Context, f models.SignalFilter, instance *models.SignalInstance) (bool, error) {
	if !f.HasExpression() {
		return true, nil
	}

	compiled, ok := e.compile(ctx, f)
	if !ok {
		return false, nil
	}

	matched, err := e.store.MatchesSnooze(ctx, compiled, instance)
	if err != nil {
		return false, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to evaluate snooze filter")
	}
	return matched, nil
}

// compile returns the filter's compiled expression, or nil when it has none.
// A filter that fails to compile is logged and reported as not usable.
func (e *Engine) compile(ctx context.Context, f models.SignalFilter) (*expression.Compiled, bool) {
	if !f.HasExpression() {
		return nil, true
	}

	compiled, err := expression.CompileJSON(f.Expression.Data)
	if err != nil {
		metrics.FilterCompileErrorsTotal.Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"filter_id":   f.ID,
			"filter_name": f.Name,
		}).Warn("Skipping filter with invalid expression")
		return nil, false
	}
	return compiled, true
}
