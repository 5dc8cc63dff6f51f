package project

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

// Repository reads projects inside the tenant schema
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new project repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByName returns the project with the given name, or nil
func (r *Repository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	ctx, span := tracing.StartSpan(ctx, "project.Repository.GetByName")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "name")
	sb.From("project")
	sb.Where(sb.Equal("name", name))

	query, args := sb.Build()
	var project models.Project
	if err := database.Conn(ctx, r.db).GetContext(ctx, &project, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project %q: %w", name, err)
	}

	return &project, nil
}
