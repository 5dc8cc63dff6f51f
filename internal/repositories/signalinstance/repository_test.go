package signalinstance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/internal/repositories/organization"
	"github.com/Ramsey-B/dispatch/internal/repositories/signalinstance"
	"github.com/Ramsey-B/dispatch/internal/testenv"
	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/expression"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tenant"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fixture struct {
	db        database.DB
	router    *tenant.Router
	repo      *signalinstance.Repository
	projectID uuid.UUID
	signalID  uuid.UUID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := getTestLogger()

	db, err := database.Open(ctx, database.Config{DSN: testenv.PostgresDSN(t)}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: "../../../db/public",
	}).Migrate(ctx, db, "public"))

	schema, err := tenant.SchemaName("acme")
	require.NoError(t, err)
	require.NoError(t, database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: "../../../db/tenant",
	}).Migrate(ctx, db, schema))

	_, err = db.ExecContext(ctx, `INSERT INTO public.organization (id, name, slug) VALUES ($1, 'Acme', 'acme')`, uuid.New())
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		router:    tenant.NewRouter(db, organization.NewRepository(db, logger), logger),
		repo:      signalinstance.NewRepository(db, logger),
		projectID: uuid.New(),
		signalID:  uuid.New(),
	}

	require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
		conn := database.Conn(ctx, db)
		if _, err := conn.ExecContext(ctx, `INSERT INTO project (id, name) VALUES ($1, 'infra')`, f.projectID); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `INSERT INTO signal (id, project_id, name, variant) VALUES ($1, $2, 'disk full', 'disk-full')`, f.signalID, f.projectID)
		return err
	}))

	return f
}

func (f *fixture) instance(createdAt time.Time, raw map[string]any) *models.SignalInstance {
	return &models.SignalInstance{
		ID:        uuid.New(),
		SignalID:  f.signalID,
		ProjectID: f.projectID,
		Raw:       database.NewJSONB(raw),
		CreatedAt: createdAt,
	}
}

func (f *fixture) createCase(ctx context.Context, t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.Conn(ctx, f.db).ExecContext(ctx, `INSERT INTO "case" (id, project_id, title) VALUES ($1, $2, 'disk full')`, id, f.projectID)
	require.NoError(t, err)
	return id
}

func (f *fixture) linkEntity(ctx context.Context, t *testing.T, entityID uuid.UUID, instanceIDs ...uuid.UUID) {
	t.Helper()
	for _, id := range instanceIDs {
		_, err := database.Conn(ctx, f.db).ExecContext(ctx,
			`INSERT INTO assoc_signal_instance_entities (signal_instance_id, entity_id) VALUES ($1, $2)`, id, entityID)
		require.NoError(t, err)
	}
}

func compile(t *testing.T, raw string) *expression.Compiled {
	t.Helper()
	compiled, err := expression.CompileJSON([]byte(raw))
	require.NoError(t, err)
	return compiled
}

func TestRepository_Integration(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("upsert keeps the first row and replaces raw", func(t *testing.T) {
		instance := f.instance(now, map[string]any{"host": "db-1"})

		require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			stored, inserted, err := f.repo.Upsert(ctx, instance)
			require.NoError(t, err)
			assert.True(t, inserted)
			assert.Equal(t, "db-1", stored.Raw.Data["host"])

			again := *instance
			again.Raw = database.NewJSONB(map[string]any{"host": "db-2"})
			again.CreatedAt = now.Add(time.Hour)
			stored, inserted, err = f.repo.Upsert(ctx, &again)
			require.NoError(t, err)
			assert.False(t, inserted)
			assert.Equal(t, "db-2", stored.Raw.Data["host"])
			assert.True(t, stored.CreatedAt.Equal(now))
			return nil
		}))
	})

	t.Run("filter action is set once and leaves the backlog", func(t *testing.T) {
		instance := f.instance(now.Add(-time.Minute), map[string]any{"host": "web-1"})

		require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			_, _, err := f.repo.Upsert(ctx, instance)
			require.NoError(t, err)

			ids, err := f.repo.ListUnprocessedIDs(ctx, 100)
			require.NoError(t, err)
			assert.Contains(t, ids, instance.ID)

			require.NoError(t, f.repo.SetFilterAction(ctx, instance.ID, models.FilterActionSnooze, nil))
			require.NoError(t, f.repo.SetFilterAction(ctx, instance.ID, models.FilterActionNone, nil))

			got, err := f.repo.Get(ctx, instance.ID)
			require.NoError(t, err)
			require.NotNil(t, got.FilterAction)
			assert.Equal(t, models.FilterActionSnooze, *got.FilterAction)

			ids, err = f.repo.ListUnprocessedIDs(ctx, 100)
			require.NoError(t, err)
			assert.NotContains(t, ids, instance.ID)
			return nil
		}))
	})

	t.Run("canary instances are never listed", func(t *testing.T) {
		instance := f.instance(now, map[string]any{})
		instance.Canary = true

		require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			_, _, err := f.repo.Upsert(ctx, instance)
			require.NoError(t, err)

			ids, err := f.repo.ListUnprocessedIDs(ctx, 100)
			require.NoError(t, err)
			assert.NotContains(t, ids, instance.ID)
			return nil
		}))
	})

	t.Run("dedup anchor needs a case and a shared entity", func(t *testing.T) {
		entityTypeID, entityID, otherEntityID := uuid.New(), uuid.New(), uuid.New()
		anchor := f.instance(now.Add(-10*time.Minute), map[string]any{"host": "db-9"})
		unrelated := f.instance(now.Add(-20*time.Minute), map[string]any{"host": "db-8"})
		current := f.instance(now, map[string]any{"host": "db-9"})

		require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			conn := database.Conn(ctx, f.db)
			_, err := conn.ExecContext(ctx, `INSERT INTO entity_type (id, project_id, name, jpath) VALUES ($1, $2, 'host', 'host')`, entityTypeID, f.projectID)
			require.NoError(t, err)
			_, err = conn.ExecContext(ctx, `INSERT INTO entity (id, entity_type_id, value, project_id) VALUES ($1, $2, 'db-9', $3), ($4, $2, 'db-8', $3)`,
				entityID, entityTypeID, f.projectID, otherEntityID)
			require.NoError(t, err)

			for _, inst := range []*models.SignalInstance{anchor, unrelated, current} {
				_, _, err := f.repo.Upsert(ctx, inst)
				require.NoError(t, err)
			}
			f.linkEntity(ctx, t, entityID, anchor.ID, current.ID)
			f.linkEntity(ctx, t, otherEntityID, unrelated.ID)

			found, err := f.repo.FindDedupAnchor(ctx, nil, current, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Nil(t, found, "anchor without a case does not qualify")

			caseID := f.createCase(ctx, t)
			require.NoError(t, f.repo.SetCase(ctx, anchor.ID, caseID))
			require.NoError(t, f.repo.SetCase(ctx, unrelated.ID, f.createCase(ctx, t)))

			found, err = f.repo.FindDedupAnchor(ctx, nil, current, now.Add(-time.Hour))
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, anchor.ID, found.ID)
			assert.Equal(t, caseID, *found.CaseID)

			found, err = f.repo.FindDedupAnchor(ctx, nil, current, now.Add(-5*time.Minute))
			require.NoError(t, err)
			assert.Nil(t, found, "anchor outside the window")

			recent, err := f.repo.FindRecentCaseInstance(ctx, current, now.Add(-time.Hour))
			require.NoError(t, err)
			require.NotNil(t, recent)
			assert.Equal(t, anchor.ID, recent.ID)

			found, err = f.repo.FindDedupAnchor(ctx, nil, current, now)
			require.NoError(t, err)
			assert.Nil(t, found, "a zero-length window holds no other instance")

			expressions := []struct {
				name string
				raw  string
				want *uuid.UUID
			}{
				{name: "empty and matches", raw: `{"and": []}`, want: &anchor.ID},
				{name: "empty or never matches", raw: `{"or": []}`},
				{
					name: "entity and entity type",
					raw: `{"and": [
						{"model": "EntityType", "field": "name", "op": "==", "value": "host"},
						{"model": "Entity", "field": "value", "op": "==", "value": "db-9"}
					]}`,
					want: &anchor.ID,
				},
				{name: "entity value not on any candidate", raw: `{"model": "Entity", "field": "value", "op": "==", "value": "db-7"}`},
				{name: "unrelated entity only", raw: `{"model": "Entity", "field": "value", "op": "==", "value": "db-8"}`},
				{name: "case title", raw: `{"model": "Case", "field": "title", "op": "like", "value": "disk%"}`, want: &anchor.ID},
				{name: "signal variant", raw: `{"model": "Signal", "field": "variant", "op": "in", "value": ["disk-full", "cpu"]}`, want: &anchor.ID},
			}
			for _, tt := range expressions {
				found, err := f.repo.FindDedupAnchor(ctx, compile(t, tt.raw), current, now.Add(-time.Hour))
				require.NoError(t, err, tt.name)
				if tt.want == nil {
					assert.Nil(t, found, tt.name)
					continue
				}
				require.NotNil(t, found, tt.name)
				assert.Equal(t, *tt.want, found.ID, tt.name)
			}
			return nil
		}))
	})

	t.Run("snooze expression is evaluated against the instance", func(t *testing.T) {
		entityTypeID, evilID, benignID := uuid.New(), uuid.New(), uuid.New()
		evil := f.instance(now, map[string]any{"sender": "evil@x.com"})
		benign := f.instance(now, map[string]any{"sender": "friend@x.com"})

		require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			conn := database.Conn(ctx, f.db)
			_, err := conn.ExecContext(ctx, `INSERT INTO entity_type (id, project_id, name, jpath) VALUES ($1, $2, 'email', 'sender')`, entityTypeID, f.projectID)
			require.NoError(t, err)
			_, err = conn.ExecContext(ctx, `INSERT INTO entity (id, entity_type_id, value, project_id) VALUES ($1, $2, 'evil@x.com', $3), ($4, $2, 'friend@x.com', $3)`,
				evilID, entityTypeID, f.projectID, benignID)
			require.NoError(t, err)

			for _, inst := range []*models.SignalInstance{evil, benign} {
				_, _, err := f.repo.Upsert(ctx, inst)
				require.NoError(t, err)
			}
			f.linkEntity(ctx, t, evilID, evil.ID)
			f.linkEntity(ctx, t, benignID, benign.ID)

			byValue := compile(t, `{"model": "Entity", "field": "value", "op": "==", "value": "evil@x.com"}`)
			matched, err := f.repo.MatchesSnooze(ctx, byValue, evil)
			require.NoError(t, err)
			assert.True(t, matched)

			matched, err = f.repo.MatchesSnooze(ctx, byValue, benign)
			require.NoError(t, err)
			assert.False(t, matched)

			byType := compile(t, `{"and": [
				{"model": "EntityType", "field": "name", "op": "==", "value": "email"},
				{"model": "Entity", "field": "value", "op": "like", "value": "%@x.com"}
			]}`)
			for _, inst := range []*models.SignalInstance{evil, benign} {
				matched, err := f.repo.MatchesSnooze(ctx, byType, inst)
				require.NoError(t, err)
				assert.True(t, matched)
			}

			matched, err = f.repo.MatchesSnooze(ctx, compile(t, `{"and": []}`), benign)
			require.NoError(t, err)
			assert.True(t, matched)

			matched, err = f.repo.MatchesSnooze(ctx, compile(t, `{"or": []}`), evil)
			require.NoError(t, err)
			assert.False(t, matched)

			matched, err = f.repo.MatchesSnooze(ctx, nil, benign)
			require.NoError(t, err)
			assert.True(t, matched, "no expression snoozes unconditionally")
			return nil
		}))
	})

	t.Run("tenant transaction rolls back on error", func(t *testing.T) {
		instance := f.instance(now, map[string]any{})
		errBoom := errors.New("boom")

		err := f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			_, _, err := f.repo.Upsert(ctx, instance)
			require.NoError(t, err)
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		require.NoError(t, f.router.InTenant(ctx, "acme", func(ctx context.Context) error {
			got, err := f.repo.Get(ctx, instance.ID)
			require.NoError(t, err)
			assert.Nil(t, got)
			return nil
		}))
	})
}
