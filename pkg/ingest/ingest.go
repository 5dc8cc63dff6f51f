// Package ingest resolves signal definitions for inbound payloads and stores
// them as signal instances.
package ingest

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/database"
	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

type TenantRunner interface {
	InTenant(ctx context.Context, slug string, fn func(ctx context.Context) error) error
}

type ProjectStore interface {
	GetByName(ctx context.Context, name string) (*models.Project, error)
}

type SignalStore interface {
	GetByVariant(ctx context.Context, projectID uuid.UUID, variant string) (*models.Signal, error)
	GetByExternalID(ctx context.Context, projectID uuid.UUID, externalID string) (*models.Signal, error)
	GetDefault(ctx context.Context, projectID uuid.UUID) (*models.Signal, error)
}

type InstanceStore interface {
	Upsert(ctx context.Context, instance *models.SignalInstance) (*models.SignalInstance, bool, error)
}

// LookupStore resolves the case overrides a payload names
type LookupStore interface {
	GetCaseTypeByName(ctx context.Context, projectID uuid.UUID, name string) (*models.CaseType, error)
	GetPriorityByName(ctx context.Context, projectID uuid.UUID, name string) (*models.CaseLookup, error)
	GetSeverityByName(ctx context.Context, projectID uuid.UUID, name string) (*models.CaseLookup, error)
}

type Ingestor struct {
	tenants   TenantRunner
	projects  ProjectStore
	signals   SignalStore
	instances InstanceStore
	lookups   LookupStore
	logger    ectologger.Logger
}

func NewIngestor(tenants TenantRunner, projects ProjectStore, signals SignalStore, instances InstanceStore, lookups LookupStore, logger ectologger.Logger) *Ingestor {
	return &Ingestor{
		tenants:   tenants,
		projects:  projects,
		signals:   signals,
		instances: instances,
		lookups:   lookups,
		logger:    logger,
	}
}

// Ingest stores the payload as a signal instance of the organization. Redelivery of
// an id that already exists replaces only its raw payload and returns the stored row.
func (i *Ingestor) Ingest(ctx context.Context, org string, payload *models.SignalPayload) (*models.SignalInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Ingestor.Ingest")
	defer span.End()

	var (
		stored   *models.SignalInstance
		inserted bool
	)
	err := i.tenants.InTenant(ctx, org, func(ctx context.Context) error {
		var err error
		stored, inserted, err = i.ingest(ctx, payload)
		return err
	})
	if err != nil {
		result := "error"
		if kind, ok := pipelineerrors.KindOf(err); ok {
			result = string(kind)
		}
		metrics.IngestTotal.WithLabelValues(org, result).Inc()
		return nil, err
	}

	fields := map[string]any{
		"tenant":             org,
		"project_id":         stored.ProjectID,
		"signal_id":          stored.SignalID,
		"signal_instance_id": stored.ID,
	}
	if inserted {
		metrics.IngestTotal.WithLabelValues(org, "inserted").Inc()
		i.logger.WithContext(ctx).WithFields(fields).Info("Ingested signal instance")
	} else {
		metrics.IngestTotal.WithLabelValues(org, string(pipelineerrors.DuplicatePrimaryKey)).Inc()
		i.logger.WithContext(ctx).WithFields(fields).Info("Signal instance redelivered, replaced raw payload")
	}

	return stored, nil
}

func (i *Ingestor) ingest(ctx context.Context, payload *models.SignalPayload) (*models.SignalInstance, bool, error) {
	if payload == nil || payload.ProjectName() == "" {
		return nil, false, pipelineerrors.New(pipelineerrors.SignalNotIdentified, "payload does not name a project")
	}

	project, err := i.projects.GetByName(ctx, payload.ProjectName())
	if err != nil {
		return nil, false, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve project")
	}
	if project == nil {
		return nil, false, pipelineerrors.Newf(pipelineerrors.SignalNotIdentified, "project %q does not exist", payload.ProjectName())
	}

	signal, err := i.resolveSignal(ctx, project.ID, payload)
	if err != nil {
		return nil, false, err
	}

	id, err := InstanceID(payload.ID)
	if err != nil {
		return nil, false, err
	}

	instance := &models.SignalInstance{
		ID:        id,
		SignalID:  signal.ID,
		ProjectID: project.ID,
		Raw:       database.NewJSONB(payload.Raw),
		Canary:    payload.Canary,
	}
	if err := i.applyOverrides(ctx, project.ID, payload, instance); err != nil {
		return nil, false, err
	}

	stored, inserted, err := i.instances.Upsert(ctx, instance)
	if err != nil {
		return nil, false, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to store signal instance")
	}

	return stored, inserted, nil
}

// resolveSignal picks the definition by variant, then external id, then the project default
func (i *Ingestor) resolveSignal(ctx context.Context, projectID uuid.UUID, payload *models.SignalPayload) (*models.Signal, error) {
	var (
		signal *models.Signal
		err    error
		by     string
	)

	switch {
	case payload.Variant != "":
		by = "variant " + payload.Variant
		signal, err = i.signals.GetByVariant(ctx, projectID, payload.Variant)
	case payload.ExternalID != "":
		by = "external_id " + payload.ExternalID
		signal, err = i.signals.GetByExternalID(ctx, projectID, payload.ExternalID)
	default:
		by = "project default"
		signal, err = i.signals.GetDefault(ctx, projectID)
	}
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve signal definition")
	}
	if signal == nil {
		return nil, pipelineerrors.Newf(pipelineerrors.SignalNotDefined, "no signal definition found by %s", by)
	}
	if !signal.Enabled {
		return nil, pipelineerrors.Newf(pipelineerrors.SignalNotEnabled, "signal %s is not enabled", signal.Name)
	}

	return signal, nil
}

// applyOverrides copies the case fields a payload overrides. Names that do not
// resolve in the project are ignored.
func (i *Ingestor) applyOverrides(ctx context.Context, projectID uuid.UUID, payload *models.SignalPayload, instance *models.SignalInstance) error {
	log := i.logger.WithContext(ctx).WithField("project_id", projectID)

	if payload.CaseType != nil && payload.CaseType.Name != "" {
		ct, err := i.lookups.GetCaseTypeByName(ctx, projectID, payload.CaseType.Name)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve case type")
		}
		if ct != nil {
			instance.CaseTypeID = &ct.ID
		} else {
			log.WithField("case_type", payload.CaseType.Name).Warn("Ignoring unknown case type override")
		}
	}

	if payload.CasePriority != nil && payload.CasePriority.Name != "" {
		p, err := i.lookups.GetPriorityByName(ctx, projectID, payload.CasePriority.Name)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve case priority")
		}
		if p != nil {
			instance.CasePriorityID = &p.ID
		} else {
			log.WithField("case_priority", payload.CasePriority.Name).Warn("Ignoring unknown case priority override")
		}
	}

	if payload.CaseSeverity != nil && payload.CaseSeverity.Name != "" {
		s, err := i.lookups.GetSeverityByName(ctx, projectID, payload.CaseSeverity.Name)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to resolve case severity")
		}
		if s != nil {
			instance.CaseSeverityID = &s.ID
		} else {
			log.WithField("case_severity", payload.CaseSeverity.Name).Warn("Ignoring unknown case severity override")
		}
	}

	if payload.OncallService != nil {
		id := payload.OncallService.ID
		instance.OncallServiceID = &id
	}
	if payload.ConversationTarget != "" {
		target := payload.ConversationTarget
		instance.ConversationTarget = &target
	}

	return nil
}

// InstanceID returns the payload id as a UUID, or a new UUID when the payload has none
func InstanceID(raw any) (uuid.UUID, error) {
	switch v := raw.(type) {
	case nil:
		return uuid.New(), nil
	case string:
		if v == "" {
			return uuid.New(), nil
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, pipelineerrors.Wrap(pipelineerrors.InvalidSignalId, err, "payload id is not a UUID")
		}
		return id, nil
	default:
		return uuid.Nil, pipelineerrors.Newf(pipelineerrors.InvalidSignalId, "payload id must be a UUID string, got %T", raw)
	}
}
