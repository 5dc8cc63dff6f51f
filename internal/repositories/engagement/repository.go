package engagement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

var instanceColumns = []string{
	"id", "signal_instance_id", "engagement_id", "user_email", "status", "thread_id",
	"mfa_challenge_id", "created_at", "updated_at",
}

// Repository handles engagement definitions and the prompts posted for them
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new engagement repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateInstance persists a posted prompt in status new
func (r *Repository) CreateInstance(ctx context.Context, instance *models.SignalEngagementInstance) (*models.SignalEngagementInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "engagement.Repository.CreateInstance")
	defer span.End()

	now := time.Now().UTC()
	if instance.ID == uuid.Nil {
		instance.ID = uuid.New()
	}
	instance.Status = models.EngagementStatusNew
	instance.CreatedAt = now
	instance.UpdatedAt = now

	ib := database.NewInsertBuilder()
	ib.InsertInto("signal_engagement_instance")
	ib.Cols(instanceColumns...)
	ib.Values(instance.ID, instance.SignalInstanceID, instance.EngagementID, instance.UserEmail, instance.Status,
		instance.ThreadID, instance.MFAChallengeID, instance.CreatedAt, instance.UpdatedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"signal_instance_id": instance.SignalInstanceID,
			"engagement_id":      instance.EngagementID,
		}).Error("Failed to create engagement instance")
		return nil, fmt.Errorf("failed to create engagement instance: %w", err)
	}

	return instance, nil
}

// GetInstance returns the engagement instance, or nil
func (r *Repository) GetInstance(ctx context.Context, id uuid.UUID) (*models.SignalEngagementInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "engagement.Repository.GetInstance")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(instanceColumns...)
	sb.From("signal_engagement_instance")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var instance models.SignalEngagementInstance
	if err := database.Conn(ctx, r.db).GetContext(ctx, &instance, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get engagement instance %s: %w", id, err)
	}

	return &instance, nil
}

// GetEngagement returns the engagement definition, or nil
func (r *Repository) GetEngagement(ctx context.Context, id uuid.UUID) (*models.SignalEngagement, error) {
	ctx, span := tracing.StartSpan(ctx, "engagement.Repository.GetEngagement")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "project_id", "name", "message", "require_mfa", "entity_type_id")
	sb.From("signal_engagement")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var engagement models.SignalEngagement
	if err := database.Conn(ctx, r.db).GetContext(ctx, &engagement, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get engagement %s: %w", id, err)
	}

	return &engagement, nil
}

// SetMFAChallenge records the challenge issued for an approval
func (r *Repository) SetMFAChallenge(ctx context.Context, id uuid.UUID, challengeID string) error {
	ctx, span := tracing.StartSpan(ctx, "engagement.Repository.SetMFAChallenge")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update("signal_engagement_instance")
	ub.Set(ub.Assign("mfa_challenge_id", challengeID), ub.Assign("updated_at", time.Now().UTC()))
	ub.Where(ub.Equal("id", id), ub.Equal("status", models.EngagementStatusNew))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set mfa challenge on engagement instance %s: %w", id, err)
	}

	return nil
}

// Transition moves an engagement instance out of status new. It reports false
// when the instance had already been decided.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, status models.EngagementStatus) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "engagement.Repository.Transition")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update("signal_engagement_instance")
	ub.Set(ub.Assign("status", status), ub.Assign("updated_at", time.Now().UTC()))
	ub.Where(ub.Equal("id", id), ub.Equal("status", models.EngagementStatusNew))

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition engagement instance %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to transition engagement instance %s: %w", id, err)
	}

	return affected == 1, nil
}
