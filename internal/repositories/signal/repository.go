package signal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

var columns = []string{
	"id", "project_id", "name", "description", "external_id", "variant", "enabled", "is_default",
	"create_case", "case_type_id", "case_priority_id", "case_severity_id", "oncall_service_id",
	"conversation_target", "created_at",
}

// Repository loads signal definitions and their associations
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new signal repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByVariant returns the project's signal with the given variant, or nil
func (r *Repository) GetByVariant(ctx context.Context, projectID uuid.UUID, variant string) (*models.Signal, error) {
	ctx, span := tracing.StartSpan(ctx, "signal.Repository.GetByVariant")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("signal")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("variant", variant))
	sb.Limit(1)

	return r.one(ctx, sb)
}

// GetByExternalID returns the project's signal with the given external id, or nil
func (r *Repository) GetByExternalID(ctx context.Context, projectID uuid.UUID, externalID string) (*models.Signal, error) {
	ctx, span := tracing.StartSpan(ctx, "signal.Repository.GetByExternalID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("signal")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("external_id", externalID))

	return r.one(ctx, sb)
}

// GetDefault returns the project's default signal, or nil
func (r *Repository) GetDefault(ctx context.Context, projectID uuid.UUID) (*models.Signal, error) {
	ctx, span := tracing.StartSpan(ctx, "signal.Repository.GetDefault")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("signal")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("is_default", true))

	return r.one(ctx, sb)
}

// GetByID returns the signal with its entity types, filters (in stored order),
// engagements and workflow ids loaded, or nil when it does not exist
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Signal, error) {
	ctx, span := tracing.StartSpan(ctx, "signal.Repository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("signal")
	sb.Where(sb.Equal("id", id))

	signal, err := r.one(ctx, sb)
	if err != nil || signal == nil {
		return signal, err
	}

	if err := r.loadAssociations(ctx, signal); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("signal_id", id).Error("Failed to load signal associations")
		return nil, err
	}

	return signal, nil
}

func (r *Repository) one(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.Signal, error) {
	query, args := sb.Build()
	var signal models.Signal
	if err := database.Conn(ctx, r.db).GetContext(ctx, &signal, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return &signal, nil
}

func (r *Repository) loadAssociations(ctx context.Context, signal *models.Signal) error {
	conn := database.Conn(ctx, r.db)

	types := database.NewSelectBuilder()
	types.Select("entity_type.id", "entity_type.project_id", "entity_type.name", "entity_type.regular_expression",
		"entity_type.jpath", "entity_type.scope")
	types.From("entity_type")
	types.Join("assoc_signal_entity_types", "assoc_signal_entity_types.entity_type_id = entity_type.id")
	types.Where(types.Equal("assoc_signal_entity_types.signal_id", signal.ID))
	types.OrderBy("entity_type.name").Asc()

	query, args := types.Build()
	if err := conn.SelectContext(ctx, &signal.EntityTypes, query, args...); err != nil {
		return fmt.Errorf("failed to load entity types for signal %s: %w", signal.ID, err)
	}

	filters := database.NewSelectBuilder()
	filters.Select("signal_filter.id", "signal_filter.project_id", "signal_filter.name", "signal_filter.mode",
		"signal_filter.action", "signal_filter.window_minutes", "signal_filter.expiration", "signal_filter.expression")
	filters.From("signal_filter")
	filters.Join("assoc_signal_filters", "assoc_signal_filters.signal_filter_id = signal_filter.id")
	filters.Where(filters.Equal("assoc_signal_filters.signal_id", signal.ID))
	filters.OrderBy("assoc_signal_filters.position", "signal_filter.id").Asc()

	query, args = filters.Build()
	if err := conn.SelectContext(ctx, &signal.Filters, query, args...); err != nil {
		return fmt.Errorf("failed to load filters for signal %s: %w", signal.ID, err)
	}

	engagements := database.NewSelectBuilder()
	engagements.Select("signal_engagement.id", "signal_engagement.project_id", "signal_engagement.name",
		"signal_engagement.message", "signal_engagement.require_mfa", "signal_engagement.entity_type_id")
	engagements.From("signal_engagement")
	engagements.Join("assoc_signal_engagements", "assoc_signal_engagements.signal_engagement_id = signal_engagement.id")
	engagements.Where(engagements.Equal("assoc_signal_engagements.signal_id", signal.ID))
	engagements.OrderBy("signal_engagement.name").Asc()

	query, args = engagements.Build()
	if err := conn.SelectContext(ctx, &signal.Engagements, query, args...); err != nil {
		return fmt.Errorf("failed to load engagements for signal %s: %w", signal.ID, err)
	}

	workflows := database.NewSelectBuilder()
	workflows.Select("workflow_id")
	workflows.From("assoc_signal_workflows")
	workflows.Where(workflows.Equal("signal_id", signal.ID))
	workflows.OrderBy("workflow_id").Asc()

	query, args = workflows.Build()
	if err := conn.SelectContext(ctx, &signal.WorkflowIDs, query, args...); err != nil {
		return fmt.Errorf("failed to load workflows for signal %s: %w", signal.ID, err)
	}

	return nil
}
