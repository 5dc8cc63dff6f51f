// Package tenant scopes database work to one organization's schema.
package tenant

import (
	"context"
	"fmt"
	"regexp"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	appctx "github.com/Ramsey-B/dispatch/pkg/context"
	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// SchemaPrefix prefixes every tenant schema
const SchemaPrefix = "dispatch_organization_"

var slugPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// SchemaName returns the schema that holds the organization's data
func SchemaName(slug string) (string, error) {
	if !slugPattern.MatchString(slug) {
		return "", fmt.Errorf("invalid organization slug %q", slug)
	}
	return SchemaPrefix + slug, nil
}

// OrganizationLister lists the public organization registry
type OrganizationLister interface {
	List(ctx context.Context) ([]models.Organization, error)
}

// Router runs work inside a tenant-scoped transaction
type Router struct {
	db     database.DB
	orgs   OrganizationLister
	logger ectologger.Logger
}

func NewRouter(db database.DB, orgs OrganizationLister, logger ectologger.Logger) *Router {
	return &Router{
		db:     db,
		orgs:   orgs,
		logger: logger,
	}
}

// Organizations returns a snapshot of the registered organizations
func (r *Router) Organizations(ctx context.Context) ([]models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "tenant.Router.Organizations")
	defer span.End()

	return r.orgs.List(ctx)
}

// InTenant opens a transaction whose search_path is the organization's schema and
// runs fn inside it. The transaction commits when fn returns nil and rolls back otherwise.
// Calls nested inside another InTenant for the same tenant join the outer transaction.
func (r *Router) InTenant(ctx context.Context, slug string, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "tenant.Router.InTenant")
	defer span.End()

	schema, err := SchemaName(slug)
	if err != nil {
		return err
	}

	if current := appctx.GetOrganization(ctx); current != "" && current != slug && database.TxFromContext(ctx) != nil {
		return fmt.Errorf("cannot open tenant %s inside a transaction for tenant %s", slug, current)
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				r.logger.WithContext(ctx).WithError(rbErr).WithField("tenant", slug).Error("Failed to roll back tenant transaction")
			}
			return
		}
		err = tx.Commit(ctx)
	}()

	if _, err = tx.ExecContext(ctx, "SET LOCAL search_path TO "+pq.QuoteIdentifier(schema)); err != nil {
		return fmt.Errorf("failed to scope transaction to %s: %w", schema, err)
	}

	ctx = appctx.SetOrganization(ctx, slug)
	return fn(ctx)
}
