package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/dispatch/config"
	"github.com/Ramsey-B/dispatch/internal/repositories/organization"
	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/startup"
	"github.com/Ramsey-B/dispatch/pkg/tenant"
)

type MigrateOptions struct {
	*RootOptions
	Organization string
	PublicOnly   bool
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the public migrations, then every organization's tenant migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Organization, "organization", "", "migrate only this organization's schema")
	cmd.Flags().BoolVar(&opts.PublicOnly, "public-only", false, "skip tenant schemas")

	return cmd
}

func runMigrate(ctx context.Context, opts *MigrateOptions) error {
	rt, err := setup(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = rt.shutdown(context.Background()) }()

	cfg := rt.cfg
	log := rt.logger

	var db database.DB
	deps := startup.NewStartup(log, cfg.StartupMaxAttempts)
	deps.Add(startup.Func{
		Name: "database",
		StartFunc: func(ctx context.Context) error {
			db, err = database.Open(ctx, database.Config{DSN: cfg.DatabaseDSN()}, log)
			return err
		},
		StopFunc: func(context.Context) error {
			return db.Close()
		},
	})
	if err := deps.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = deps.Stop(context.Background()) }()

	if err := database.NewMigrationService(log, migrationConfig(cfg, cfg.DatabasePublicMigrationPath)).Migrate(ctx, db, "public"); err != nil {
		return fmt.Errorf("public migrations failed: %w", err)
	}
	if opts.PublicOnly {
		return nil
	}

	slugs := []string{opts.Organization}
	if opts.Organization == "" {
		orgs, err := organization.NewRepository(db, log).List(ctx)
		if err != nil {
			return err
		}
		slugs = slugs[:0]
		for _, org := range orgs {
			slugs = append(slugs, org.Slug)
		}
	}

	tenantMigrations := database.NewMigrationService(log, migrationConfig(cfg, cfg.DatabaseTenantMigrationPath))
	for _, slug := range slugs {
		schema, err := tenant.SchemaName(slug)
		if err != nil {
			return err
		}
		if err := tenantMigrations.Migrate(ctx, db, schema); err != nil {
			return fmt.Errorf("tenant migrations failed for %s: %w", slug, err)
		}
	}

	log.Infof("Migrated public schema and %d organization schemas", len(slugs))
	return nil
}

func migrationConfig(cfg config.Config, folder string) *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: folder,
		Version:             cfg.DatabaseMigrationVersion,
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	}
}
