package cases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

const caseTable = `"case"`

var caseColumns = []string{
	"id", "project_id", "title", "description", "resolution", "status", "visibility",
	"case_type_id", "case_priority_id", "case_severity_id", "oncall_service_id",
	"assignee", "reporter", "signal_instance_id", "conversation_channel", "conversation_thread_id", "created_at",
}

var caseTypeColumns = []string{"id", "project_id", "name", "is_default", "oncall_service_id", "conversation_target"}

var lookupColumns = []string{"id", "project_id", "name", "is_default"}

// Repository writes cases and reads the case type, priority and severity lookups
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new case repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts the case, assigning an id and creation time when unset
func (r *Repository) Create(ctx context.Context, c *models.Case) (*models.Case, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.Create")
	defer span.End()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(caseTable)
	ib.Cols(caseColumns...)
	ib.Values(c.ID, c.ProjectID, c.Title, c.Description, c.Resolution, c.Status, c.Visibility,
		c.CaseTypeID, c.CasePriorityID, c.CaseSeverityID, c.OncallServiceID,
		c.Assignee, c.Reporter, c.SignalInstanceID, c.ConversationChannel, c.ConversationThreadID, c.CreatedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("project_id", c.ProjectID).Error("Failed to create case")
		return nil, fmt.Errorf("failed to create case: %w", err)
	}

	return c, nil
}

// GetByID returns the case, or nil
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(caseColumns...)
	sb.From(caseTable)
	sb.Where(sb.Equal("id", id))

	var c models.Case
	found, err := r.get(ctx, sb, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// GetCaseType returns the case type, or nil
func (r *Repository) GetCaseType(ctx context.Context, id uuid.UUID) (*models.CaseType, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetCaseType")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(caseTypeColumns...)
	sb.From("case_type")
	sb.Where(sb.Equal("id", id))

	return r.caseType(ctx, sb)
}

// GetCaseTypeByName returns the project's case type with the given name, or nil
func (r *Repository) GetCaseTypeByName(ctx context.Context, projectID uuid.UUID, name string) (*models.CaseType, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetCaseTypeByName")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(caseTypeColumns...)
	sb.From("case_type")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("name", name))

	return r.caseType(ctx, sb)
}

// GetDefaultCaseType returns the project's default case type, or nil
func (r *Repository) GetDefaultCaseType(ctx context.Context, projectID uuid.UUID) (*models.CaseType, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetDefaultCaseType")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(caseTypeColumns...)
	sb.From("case_type")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("is_default", true))
	sb.Limit(1)

	return r.caseType(ctx, sb)
}

// GetPriorityByName returns the project's case priority with the given name, or nil
func (r *Repository) GetPriorityByName(ctx context.Context, projectID uuid.UUID, name string) (*models.CaseLookup, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetPriorityByName")
	defer span.End()

	return r.lookupByName(ctx, "case_priority", projectID, name)
}

// GetSeverityByName returns the project's case severity with the given name, or nil
func (r *Repository) GetSeverityByName(ctx context.Context, projectID uuid.UUID, name string) (*models.CaseLookup, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetSeverityByName")
	defer span.End()

	return r.lookupByName(ctx, "case_severity", projectID, name)
}

// GetDefaultPriority returns the project's default case priority, or nil
func (r *Repository) GetDefaultPriority(ctx context.Context, projectID uuid.UUID) (*models.CaseLookup, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetDefaultPriority")
	defer span.End()

	return r.defaultLookup(ctx, "case_priority", projectID)
}

// GetDefaultSeverity returns the project's default case severity, or nil
func (r *Repository) GetDefaultSeverity(ctx context.Context, projectID uuid.UUID) (*models.CaseLookup, error) {
	ctx, span := tracing.StartSpan(ctx, "cases.Repository.GetDefaultSeverity")
	defer span.End()

	return r.defaultLookup(ctx, "case_severity", projectID)
}

func (r *Repository) lookupByName(ctx context.Context, table string, projectID uuid.UUID, name string) (*models.CaseLookup, error) {
	sb := database.NewSelectBuilder()
	sb.Select(lookupColumns...)
	sb.From(table)
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("name", name))

	var lookup models.CaseLookup
	found, err := r.get(ctx, sb, &lookup)
	if err != nil || !found {
		return nil, err
	}
	return &lookup, nil
}

func (r *Repository) defaultLookup(ctx context.Context, table string, projectID uuid.UUID) (*models.CaseLookup, error) {
	sb := database.NewSelectBuilder()
	sb.Select(lookupColumns...)
	sb.From(table)
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("is_default", true))
	sb.Limit(1)

	var lookup models.CaseLookup
	found, err := r.get(ctx, sb, &lookup)
	if err != nil || !found {
		return nil, err
	}
	return &lookup, nil
}

func (r *Repository) caseType(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.CaseType, error) {
	var ct models.CaseType
	found, err := r.get(ctx, sb, &ct)
	if err != nil || !found {
		return nil, err
	}
	return &ct, nil
}

func (r *Repository) get(ctx context.Context, sb *sqlbuilder.SelectBuilder, dest any) (bool, error) {
	query, args := sb.Build()
	if err := database.Conn(ctx, r.db).GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query case data: %w", err)
	}
	return true, nil
}
