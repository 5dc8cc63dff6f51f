// Package attacher creates a case for an unfiltered signal instance.
package attacher

import (
	"context"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/dispatch/pkg/context"
	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/filter"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

type CaseStore interface {
	Create(ctx context.Context, c *models.Case) (*models.Case, error)
	GetCaseType(ctx context.Context, id uuid.UUID) (*models.CaseType, error)
	GetDefaultCaseType(ctx context.Context, projectID uuid.UUID) (*models.CaseType, error)
	GetDefaultPriority(ctx context.Context, projectID uuid.UUID) (*models.CaseLookup, error)
	GetDefaultSeverity(ctx context.Context, projectID uuid.UUID) (*models.CaseLookup, error)
}

type InstanceStore interface {
	SetCase(ctx context.Context, id, caseID uuid.UUID) error
}

// OncallResolver returns the email of whoever is on call for a service, or "" when unknown
type OncallResolver interface {
	Resolve(ctx context.Context, serviceID int) (string, error)
}

// Result describes a created case and the effects to run once the transaction commits
type Result struct {
	Case         *models.Case
	WorkflowRuns []models.WorkflowRun
}

type Attacher struct {
	cases     CaseStore
	instances InstanceStore
	oncall    OncallResolver
	logger    ectologger.Logger
}

func NewAttacher(cases CaseStore, instances InstanceStore, oncall OncallResolver, logger ectologger.Logger) *Attacher {
	return &Attacher{
		cases:     cases,
		instances: instances,
		oncall:    oncall,
		logger:    logger,
	}
}

// Attach creates and links a case when the instance was not filtered and the signal
// creates cases. It returns nil when there is nothing to do.
func (a *Attacher) Attach(ctx context.Context, instance *models.SignalInstance, signal *models.Signal, decision filter.Decision) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "attacher.Attacher.Attach")
	defer span.End()

	if decision.Filtered() || !signal.CreateCase || instance.CaseID != nil {
		return nil, nil
	}

	c, err := a.buildCase(ctx, instance, signal)
	if err != nil {
		return nil, err
	}

	created, err := a.cases.Create(ctx, c)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to create case")
	}

	if err := a.instances.SetCase(ctx, instance.ID, created.ID); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to link signal instance to case")
	}
	instance.CaseID = &created.ID

	runs := ectolinq.Map(signal.WorkflowIDs, func(workflowID uuid.UUID) models.WorkflowRun {
		return models.WorkflowRun{
			WorkflowID:       workflowID,
			CaseID:           created.ID,
			SignalID:         signal.ID,
			SignalInstanceID: instance.ID,
			ProjectID:        instance.ProjectID,
		}
	})

	a.logger.WithContext(ctx).WithFields(map[string]any{
		"case_id":            created.ID,
		"signal_id":          signal.ID,
		"signal_instance_id": instance.ID,
	}).Info("Created case from signal instance")

	return &Result{Case: created, WorkflowRuns: runs}, nil
}

// buildCase resolves each case field from the instance override, then the signal,
// then the case type or project default
func (a *Attacher) buildCase(ctx context.Context, instance *models.SignalInstance, signal *models.Signal) (*models.Case, error) {
	c := &models.Case{
		ProjectID:        instance.ProjectID,
		Title:            signal.Name,
		Description:      signal.Description,
		Resolution:       models.DefaultCaseResolution,
		Status:           models.CaseStatusNew,
		Visibility:       models.CaseVisibilityOpen,
		SignalInstanceID: &instance.ID,
		CaseTypeID:       first(instance.CaseTypeID, signal.CaseTypeID),
		CasePriorityID:   first(instance.CasePriorityID, signal.CasePriorityID),
		CaseSeverityID:   first(instance.CaseSeverityID, signal.CaseSeverityID),
		OncallServiceID:  first(instance.OncallServiceID, signal.OncallServiceID),
	}
	target := first(instance.ConversationTarget, signal.ConversationTarget)

	var (
		caseType *models.CaseType
		err      error
	)
	if c.CaseTypeID != nil {
		caseType, err = a.cases.GetCaseType(ctx, *c.CaseTypeID)
	} else {
		caseType, err = a.cases.GetDefaultCaseType(ctx, instance.ProjectID)
	}
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve case type")
	}
	if caseType != nil {
		c.CaseTypeID = &caseType.ID
		c.OncallServiceID = first(c.OncallServiceID, caseType.OncallServiceID)
		target = first(target, caseType.ConversationTarget)
	}
	c.ConversationChannel = target

	if c.CasePriorityID == nil {
		priority, err := a.cases.GetDefaultPriority(ctx, instance.ProjectID)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve case priority")
		}
		if priority != nil {
			c.CasePriorityID = &priority.ID
		}
	}

	if c.CaseSeverityID == nil {
		severity, err := a.cases.GetDefaultSeverity(ctx, instance.ProjectID)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve case severity")
		}
		if severity != nil {
			c.CaseSeverityID = &severity.ID
		}
	}

	if c.OncallServiceID != nil && a.oncall != nil {
		email, err := a.oncall.Resolve(ctx, *c.OncallServiceID)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).WithField("oncall_service_id", *c.OncallServiceID).
				Warn("Failed to resolve oncall service, leaving case unassigned")
		} else if email != "" {
			c.Assignee = &email
		}
	}

	if reporter := appctx.GetUserEmail(ctx); reporter != "" {
		c.Reporter = &reporter
	}

	return c, nil
}

func first[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
