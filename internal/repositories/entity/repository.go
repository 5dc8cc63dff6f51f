package entity

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// Repository handles entities, entity types and their association with signal instances
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertEntity returns the entity for (entity_type_id, value, project_id), creating it when missing
func (r *Repository) UpsertEntity(ctx context.Context, projectID, entityTypeID uuid.UUID, value string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpsertEntity")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto("entity")
	ib.Cols("id", "entity_type_id", "value", "project_id")
	ib.Values(uuid.New(), entityTypeID, value, projectID)
	database.OnConflictUpdate(ib, []string{"entity_type_id", "value", "project_id"}, "value")
	ib.Returning("id", "entity_type_id", "value", "project_id")

	query, args := ib.Build()
	var entity models.Entity
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entity, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type_id": entityTypeID,
			"project_id":     projectID,
		}).Error("Failed to upsert entity")
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}

	return &entity, nil
}

// AssociateEntities links the instance with the entities, ignoring links that already exist
func (r *Repository) AssociateEntities(ctx context.Context, signalInstanceID uuid.UUID, entityIDs []uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.AssociateEntities")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto("assoc_signal_instance_entities")
	ib.Cols("signal_instance_id", "entity_id")
	for _, id := range entityIDs {
		ib.Values(signalInstanceID, id)
	}
	database.OnConflictDoNothing(ib)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to associate entities with signal instance %s: %w", signalInstanceID, err)
	}

	return nil
}

// ListProjectTypes returns the project's entity types that apply to every signal
func (r *Repository) ListProjectTypes(ctx context.Context, projectID uuid.UUID) ([]models.EntityType, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListProjectTypes")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "project_id", "name", "regular_expression", "jpath", "scope")
	sb.From("entity_type")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("scope", models.EntityScopeAll))
	sb.OrderBy("name").Asc()

	query, args := sb.Build()
	var types []models.EntityType
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &types, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list entity types for project %s: %w", projectID, err)
	}

	return types, nil
}

// ListForInstance returns the entities associated with a signal instance
func (r *Repository) ListForInstance(ctx context.Context, signalInstanceID uuid.UUID) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListForInstance")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("entity.id", "entity.entity_type_id", "entity.value", "entity.project_id")
	sb.From("entity")
	sb.Join("assoc_signal_instance_entities", "assoc_signal_instance_entities.entity_id = entity.id")
	sb.Where(sb.Equal("assoc_signal_instance_entities.signal_instance_id", signalInstanceID))
	sb.OrderBy("entity.value").Asc()

	query, args := sb.Build()
	var entities []models.Entity
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list entities for signal instance %s: %w", signalInstanceID, err)
	}

	return entities, nil
}
