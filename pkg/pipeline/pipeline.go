// Package pipeline runs one signal instance through extraction, filtering and case
// attachment in a single tenant transaction, then fires the post-commit effects.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/attacher"
	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/extractor"
	"github.com/Ramsey-B/dispatch/pkg/filter"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// ErrInstanceNotFound is returned when the instance id does not exist in the tenant
var ErrInstanceNotFound = errors.New("signal instance not found")

const (
	SkipProcessed     = "processed"
	SkipCanary        = "canary"
	SkipSignalMissing = "signal_missing"
)

type TenantRunner interface {
	InTenant(ctx context.Context, slug string, fn func(ctx context.Context) error) error
}

type InstanceStore interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.SignalInstance, error)
	SetFilterAction(ctx context.Context, id uuid.UUID, action models.FilterAction, caseID *uuid.UUID) error
}

type SignalReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Signal, error)
}

type EntityTypeLister interface {
	ListProjectTypes(ctx context.Context, projectID uuid.UUID) ([]models.EntityType, error)
}

type CaseReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Case, error)
}

type EntityExtractor interface {
	Extract(ctx context.Context, instance *models.SignalInstance, types []models.EntityType) ([]models.Entity, error)
}

type FilterEngine interface {
	Apply(ctx context.Context, instance *models.SignalInstance, signal *models.Signal) (filter.Decision, error)
}

type CaseAttacher interface {
	Attach(ctx context.Context, instance *models.SignalInstance, signal *models.Signal, decision filter.Decision) (*attacher.Result, error)
}

// SignalMessageUpdater refreshes a case's signal message after a duplicate arrives
type SignalMessageUpdater interface {
	UpdateSignalMessage(ctx context.Context, caseID uuid.UUID, channel, threadID string) error
}

// Throttle limits how often one case's conversation is updated
type Throttle interface {
	Allow(caseID uuid.UUID) bool
}

// CaseResourceCreator creates a new case's conversation, ticket and document resources
type CaseResourceCreator interface {
	CreateAll(ctx context.Context, org string, c *models.Case) error
}

type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, org string, run models.WorkflowRun) error
}

type Engager interface {
	Engage(ctx context.Context, org string, c *models.Case, signal *models.Signal, instance *models.SignalInstance, entities []models.Entity) ([]models.SignalEngagementInstance, error)
}

// Dependencies collects the runner's collaborators
type Dependencies struct {
	Tenants     TenantRunner
	Instances   InstanceStore
	Signals     SignalReader
	EntityTypes EntityTypeLister
	Cases       CaseReader
	Extractor   EntityExtractor
	Filters     FilterEngine
	Attacher    CaseAttacher
	Updater     SignalMessageUpdater
	Throttle    Throttle
	Resources   CaseResourceCreator
	Workflows   WorkflowRunner
	Engager     Engager
}

// Outcome reports what processing an instance did
type Outcome struct {
	InstanceID  uuid.UUID                         `json:"signal_instance_id"`
	Skipped     string                            `json:"skipped,omitempty"`
	Action      models.FilterAction               `json:"filter_action,omitempty"`
	CaseID      *uuid.UUID                        `json:"case_id,omitempty"`
	CaseCreated bool                              `json:"case_created"`
	Entities    []models.Entity                   `json:"entities,omitempty"`
	Engagements []models.SignalEngagementInstance `json:"engagements,omitempty"`
}

type Runner struct {
	deps   Dependencies
	logger ectologger.Logger
}

func NewRunner(deps Dependencies, logger ectologger.Logger) *Runner {
	return &Runner{deps: deps, logger: logger}
}

// committed holds what the transaction produced for the post-commit effects
type committed struct {
	instance  *models.SignalInstance
	signal    *models.Signal
	entities  []models.Entity
	decision  filter.Decision
	result    *attacher.Result
	dedupCase *models.Case
}

// Process runs the instance through the pipeline. A failure before commit rolls
// everything back and leaves the instance unprocessed for the next pass.
func (r *Runner) Process(ctx context.Context, org string, instanceID uuid.UUID) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.Process")
	defer span.End()

	start := time.Now()
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant":             org,
		"signal_instance_id": instanceID,
	})

	outcome := &Outcome{InstanceID: instanceID}
	var done committed

	err := r.deps.Tenants.InTenant(ctx, org, func(ctx context.Context) error {
		var err error
		done, err = r.run(ctx, instanceID, outcome)
		return err
	})
	if err != nil {
		metrics.PipelineFailuresTotal.WithLabelValues(org).Inc()
		log.WithError(err).Error("Failed to process signal instance")
		return nil, err
	}

	if outcome.Skipped != "" {
		log.WithField("skipped", outcome.Skipped).Debug("Skipped signal instance")
		return outcome, nil
	}

	r.afterCommit(ctx, org, done, outcome)

	metrics.PipelineInstancesTotal.WithLabelValues(org, string(outcome.Action)).Inc()
	metrics.PipelineDuration.WithLabelValues(org).Observe(time.Since(start).Seconds())

	log.WithFields(map[string]any{
		"filter_action": outcome.Action,
		"case_created":  outcome.CaseCreated,
		"entities":      len(outcome.Entities),
	}).Info("Processed signal instance")

	return outcome, nil
}

func (r *Runner) run(ctx context.Context, instanceID uuid.UUID, outcome *Outcome) (committed, error) {
	var done committed

	instance, err := r.deps.Instances.GetForUpdate(ctx, instanceID)
	if err != nil {
		return done, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to lock signal instance")
	}
	if instance == nil {
		return done, ErrInstanceNotFound
	}
	if instance.Processed() {
		outcome.Skipped = SkipProcessed
		outcome.Action = *instance.FilterAction
		outcome.CaseID = instance.CaseID
		return done, nil
	}
	if instance.Canary {
		outcome.Skipped = SkipCanary
		return done, nil
	}

	signal, err := r.deps.Signals.GetByID(ctx, instance.SignalID)
	if err != nil {
		return done, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to load signal")
	}
	if signal == nil {
		// nothing can filter or attach it any more, so take it out of the backlog
		if err := r.deps.Instances.SetFilterAction(ctx, instance.ID, models.FilterActionNone, nil); err != nil {
			return done, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to close signal instance")
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"signal_instance_id": instance.ID,
			"signal_id":          instance.SignalID,
		}).Warn("Signal definition no longer exists, closing signal instance without a case")
		outcome.Skipped = SkipSignalMissing
		outcome.Action = models.FilterActionNone
		return done, nil
	}

	projectTypes, err := r.deps.EntityTypes.ListProjectTypes(ctx, instance.ProjectID)
	if err != nil {
		return done, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to list entity types")
	}

	entities, err := r.deps.Extractor.Extract(ctx, instance, extractor.Types(signal, projectTypes))
	if err != nil {
		return done, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to extract entities")
	}
	instance.Entities = entities

	decision, err := r.deps.Filters.Apply(ctx, instance, signal)
	if err != nil {
		return done, err
	}

	result, err := r.deps.Attacher.Attach(ctx, instance, signal, decision)
	if err != nil {
		return done, err
	}

	var dedupCase *models.Case
	if decision.Action == models.FilterActionDeduplicate && decision.CaseID != nil {
		dedupCase, err = r.deps.Cases.GetByID(ctx, *decision.CaseID)
		if err != nil {
			return done, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to load deduplicated case")
		}
	}

	outcome.Action = decision.Action
	outcome.CaseID = instance.CaseID
	outcome.CaseCreated = result != nil
	outcome.Entities = entities

	return committed{
		instance:  instance,
		signal:    signal,
		entities:  entities,
		decision:  decision,
		result:    result,
		dedupCase: dedupCase,
	}, nil
}

// afterCommit runs effects outside the database. Their failures are logged and
// never undo the committed decision.
func (r *Runner) afterCommit(ctx context.Context, org string, done committed, outcome *Outcome) {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant":             org,
		"signal_instance_id": done.instance.ID,
	})

	if done.dedupCase != nil {
		r.notifyDuplicate(ctx, log, done.dedupCase)
	}

	if done.result == nil || done.result.Case == nil {
		return
	}
	c := done.result.Case
	log = log.WithField("case_id", c.ID)
	metrics.CasesCreatedTotal.WithLabelValues(org).Inc()

	if err := r.deps.Resources.CreateAll(ctx, org, c); err != nil {
		log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "case resources")).
			Error("Failed to request case resources")
	}

	for _, run := range done.result.WorkflowRuns {
		if err := r.deps.Workflows.RunWorkflow(ctx, org, run); err != nil {
			log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "workflow run")).
				WithField("workflow_id", run.WorkflowID).
				Error("Failed to request workflow run")
		}
	}

	engagements, err := r.deps.Engager.Engage(ctx, org, c, done.signal, done.instance, done.entities)
	if err != nil {
		log.WithError(err).Error("Failed to engage entities")
	}
	outcome.Engagements = engagements
}

func (r *Runner) notifyDuplicate(ctx context.Context, log ectologger.Logger, c *models.Case) {
	log = log.WithField("case_id", c.ID)

	if !c.HasConversation() {
		metrics.DedupNotificationsTotal.WithLabelValues("no_conversation").Inc()
		return
	}
	if !r.deps.Throttle.Allow(c.ID) {
		metrics.DedupNotificationsTotal.WithLabelValues("throttled").Inc()
		log.Debug("Skipping conversation update for recently updated case")
		return
	}

	if err := r.deps.Updater.UpdateSignalMessage(ctx, c.ID, *c.ConversationChannel, *c.ConversationThreadID); err != nil {
		metrics.DedupNotificationsTotal.WithLabelValues("failed").Inc()
		log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "signal message update")).
			Warn("Failed to update case conversation after duplicate signal")
		return
	}
	metrics.DedupNotificationsTotal.WithLabelValues("sent").Inc()
}
