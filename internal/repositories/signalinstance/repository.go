package signalinstance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/expression"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

const table = expression.BaseTable

var columns = []string{
	"id", "signal_id", "project_id", "raw", "case_id", "filter_action",
	"case_type_id", "case_priority_id", "case_severity_id", "oncall_service_id",
	"conversation_target", "engagement_thread_ts", "canary", "created_at",
}

func qualified(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = table + "." + c
	}
	return out
}

// Repository handles signal instance persistence inside the tenant schema
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new signal instance repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type upserted struct {
	models.SignalInstance
	Inserted bool `db:"inserted"`
}

// Upsert inserts the instance or, when the id already exists, replaces only its raw payload.
// The stored row is returned together with whether it was newly inserted.
func (r *Repository) Upsert(ctx context.Context, instance *models.SignalInstance) (*models.SignalInstance, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.Upsert")
	defer span.End()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "signal_id", "project_id", "raw", "case_type_id", "case_priority_id", "case_severity_id",
		"oncall_service_id", "conversation_target", "canary", "created_at")
	ib.Values(instance.ID, instance.SignalID, instance.ProjectID, instance.Raw, instance.CaseTypeID,
		instance.CasePriorityID, instance.CaseSeverityID, instance.OncallServiceID, instance.ConversationTarget,
		instance.Canary, instance.CreatedAt)
	database.OnConflictUpdate(ib, []string{"id"}, "raw")
	ib.Returning(append(columns, "(xmax = 0) AS inserted")...)

	query, args := ib.Build()
	var row upserted
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("signal_instance_id", instance.ID).Error("Failed to upsert signal instance")
		return nil, false, fmt.Errorf("failed to upsert signal instance: %w", err)
	}

	return &row.SignalInstance, row.Inserted, nil
}

// Get returns the instance or nil when it does not exist
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.SignalInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.Get")
	defer span.End()

	return r.get(ctx, id, false)
}

// GetForUpdate locks the instance row for the rest of the transaction
func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.SignalInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.GetForUpdate")
	defer span.End()

	return r.get(ctx, id, true)
}

func (r *Repository) get(ctx context.Context, id uuid.UUID, lock bool) (*models.SignalInstance, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))
	if lock {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var instance models.SignalInstance
	if err := database.Conn(ctx, r.db).GetContext(ctx, &instance, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signal instance %s: %w", id, err)
	}

	return &instance, nil
}

// ListUnprocessedIDs returns the oldest instances the filter engine has not decided yet.
// Canary instances are stored but never processed.
func (r *Repository) ListUnprocessedIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.ListUnprocessedIDs")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id")
	sb.From(table)
	sb.Where(
		sb.IsNull("filter_action"),
		sb.IsNull("case_id"),
		sb.Equal("canary", false),
	)
	sb.OrderBy("created_at").Asc()
	sb.Limit(limit)

	query, args := sb.Build()
	var ids []uuid.UUID
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unprocessed signal instances: %w", err)
	}

	return ids, nil
}

// SetFilterAction records the terminal filter decision and, on dedup, the case it joined.
// The update only applies while filter_action is still unset.
func (r *Repository) SetFilterAction(ctx context.Context, id uuid.UUID, action models.FilterAction, caseID *uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.SetFilterAction")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	assignments := []string{ub.Assign("filter_action", action)}
	if caseID != nil {
		assignments = append(assignments, ub.Assign("case_id", *caseID))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id), ub.IsNull("filter_action"))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set filter action on signal instance %s: %w", id, err)
	}

	return nil
}

// SetCase links the instance to a newly created case
func (r *Repository) SetCase(ctx context.Context, id, caseID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.SetCase")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("case_id", caseID))
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to link signal instance %s to case %s: %w", id, caseID, err)
	}

	return nil
}

// SetEngagementThread stores the conversation timestamp of the last engagement prompt
func (r *Repository) SetEngagementThread(ctx context.Context, id uuid.UUID, threadTS string) error {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.SetEngagementThread")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("engagement_thread_ts", threadTS))
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set engagement thread on signal instance %s: %w", id, err)
	}

	return nil
}

// MatchesSnooze reports whether the instance itself satisfies the compiled expression
func (r *Repository) MatchesSnooze(ctx context.Context, compiled *expression.Compiled, instance *models.SignalInstance) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.MatchesSnooze")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("1")
	sb.From(table)
	where := []string{}
	if compiled != nil {
		where = append(where, compiled.Apply(sb))
	}
	where = append(where,
		sb.Equal(table+".signal_id", instance.SignalID),
		sb.Equal(table+".id", instance.ID),
	)
	sb.Where(where...)
	sb.Limit(1)

	query, args := sb.Build()
	var matched bool
	if err := database.Conn(ctx, r.db).GetContext(ctx, &matched, fmt.Sprintf("SELECT EXISTS (%s)", query), args...); err != nil {
		return false, fmt.Errorf("failed to evaluate snooze filter: %w", err)
	}

	return matched, nil
}

// FindDedupAnchor returns the earliest instance of the same signal created at or after since
// that matches the compiled expression and shares at least one entity with the instance.
// Only instances already attached to a case qualify.
func (r *Repository) FindDedupAnchor(ctx context.Context, compiled *expression.Compiled, instance *models.SignalInstance, since time.Time) (*models.SignalInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.FindDedupAnchor")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(qualified(columns)...)
	sb.From(table)
	where := []string{}
	if compiled != nil {
		where = append(where, compiled.Apply(sb))
	}

	shared := database.NewSelectBuilder()
	shared.Select("1")
	shared.From("assoc_signal_instance_entities AS candidate_assoc")
	shared.Join("assoc_signal_instance_entities AS self_assoc", "self_assoc.entity_id = candidate_assoc.entity_id")
	shared.Where(
		"candidate_assoc.signal_instance_id = "+table+".id",
		shared.Equal("self_assoc.signal_instance_id", instance.ID),
	)

	where = append(where,
		sb.Equal(table+".signal_id", instance.SignalID),
		sb.GreaterEqualThan(table+".created_at", since),
		sb.NotEqual(table+".id", instance.ID),
		sb.IsNotNull(table+".case_id"),
		sb.Exists(shared),
	)
	sb.Where(where...)
	sb.OrderBy(table + ".created_at").Asc()
	sb.Limit(1)

	return r.first(ctx, sb.Build)
}

// FindRecentCaseInstance returns the latest other instance of the same signal created at or
// after since that is attached to a case
func (r *Repository) FindRecentCaseInstance(ctx context.Context, instance *models.SignalInstance, since time.Time) (*models.SignalInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "signalinstance.Repository.FindRecentCaseInstance")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("signal_id", instance.SignalID),
		sb.GreaterEqualThan("created_at", since),
		sb.NotEqual("id", instance.ID),
		sb.IsNotNull("case_id"),
	)
	sb.OrderBy("created_at").Desc()
	sb.Limit(1)

	return r.first(ctx, sb.Build)
}

func (r *Repository) first(ctx context.Context, build func() (string, []any)) (*models.SignalInstance, error) {
	query, args := build()
	var instance models.SignalInstance
	if err := database.Conn(ctx, r.db).GetContext(ctx, &instance, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query signal instances: %w", err)
	}
	return &instance, nil
}
