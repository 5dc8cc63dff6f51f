package organization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// table lives in the shared public schema, outside every tenant search_path
const table = "public.organization"

// Repository reads the organization registry
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new organization repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// List returns every registered organization ordered by slug
func (r *Repository) List(ctx context.Context) ([]models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "organization.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "name", "slug", "created_at")
	sb.From(table)
	sb.OrderBy("slug").Asc()

	query, args := sb.Build()
	var orgs []models.Organization
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &orgs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	return orgs, nil
}

// GetBySlug returns the organization with the given slug, or nil
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "organization.Repository.GetBySlug")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "name", "slug", "created_at")
	sb.From(table)
	sb.Where(sb.Equal("slug", slug))

	query, args := sb.Build()
	var org models.Organization
	if err := database.Conn(ctx, r.db).GetContext(ctx, &org, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization %q: %w", slug, err)
	}

	return &org, nil
}
