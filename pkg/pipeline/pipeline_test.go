package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/pkg/attacher"
	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/filter"
	"github.com/Ramsey-B/dispatch/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeTenants struct {
	committed  int
	rolledBack int
}

func (f *fakeTenants) InTenant(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		f.rolledBack++
		return err
	}
	f.committed++
	return nil
}

type fakeStore struct {
	instances map[uuid.UUID]*models.SignalInstance
	signals   map[uuid.UUID]*models.Signal
}

func (f *fakeStore) GetForUpdate(_ context.Context, id uuid.UUID) (*models.SignalInstance, error) {
	return f.instances[id], nil
}

func (f *fakeStore) SetFilterAction(_ context.Context, id uuid.UUID, action models.FilterAction, caseID *uuid.UUID) error {
	instance := f.instances[id]
	if instance.FilterAction == nil {
		instance.FilterAction = &action
		instance.CaseID = caseID
	}
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Signal, error) {
	return f.signals[id], nil
}

func (f *fakeStore) ListProjectTypes(_ context.Context, _ uuid.UUID) ([]models.EntityType, error) {
	return nil, nil
}

type fakeCases struct {
	cases map[uuid.UUID]*models.Case
}

func (f *fakeCases) GetByID(_ context.Context, id uuid.UUID) (*models.Case, error) {
	return f.cases[id], nil
}

type fakeExtractor struct {
	entities []models.Entity
	err      error
}

func (f *fakeExtractor) Extract(_ context.Context, _ *models.SignalInstance, _ []models.EntityType) ([]models.Entity, error) {
	return f.entities, f.err
}

type fakeFilters struct {
	decision filter.Decision
	err      error
}

func (f *fakeFilters) Apply(_ context.Context, instance *models.SignalInstance, _ *models.Signal) (filter.Decision, error) {
	if f.err != nil {
		return filter.Decision{}, f.err
	}
	action := f.decision.Action
	instance.FilterAction = &action
	if f.decision.CaseID != nil {
		instance.CaseID = f.decision.CaseID
	}
	return f.decision, nil
}

type fakeAttacher struct {
	result *attacher.Result
	err    error
}

func (f *fakeAttacher) Attach(_ context.Context, instance *models.SignalInstance, _ *models.Signal, decision filter.Decision) (*attacher.Result, error) {
	if f.err != nil || decision.Filtered() || f.result == nil {
		return nil, f.err
	}
	instance.CaseID = &f.result.Case.ID
	return f.result, nil
}

type fakeEffects struct {
	allow       bool
	updated     []uuid.UUID
	resources   []uuid.UUID
	workflows   []uuid.UUID
	engaged     []uuid.UUID
	resourceErr error
}

func (f *fakeEffects) Allow(_ uuid.UUID) bool { return f.allow }

func (f *fakeEffects) UpdateSignalMessage(_ context.Context, caseID uuid.UUID, _, _ string) error {
	f.updated = append(f.updated, caseID)
	return nil
}

func (f *fakeEffects) CreateAll(_ context.Context, _ string, c *models.Case) error {
	f.resources = append(f.resources, c.ID)
	return f.resourceErr
}

func (f *fakeEffects) RunWorkflow(_ context.Context, _ string, run models.WorkflowRun) error {
	f.workflows = append(f.workflows, run.WorkflowID)
	return nil
}

func (f *fakeEffects) Engage(_ context.Context, _ string, c *models.Case, _ *models.Signal, _ *models.SignalInstance, _ []models.Entity) ([]models.SignalEngagementInstance, error) {
	f.engaged = append(f.engaged, c.ID)
	return []models.SignalEngagementInstance{{ID: uuid.New()}}, nil
}

type fixture struct {
	tenants   *fakeTenants
	store     *fakeStore
	cases     *fakeCases
	extractor *fakeExtractor
	filters   *fakeFilters
	attacher  *fakeAttacher
	effects   *fakeEffects
	instance  *models.SignalInstance
	runner    *Runner
}

func newFixture() *fixture {
	signal := &models.Signal{ID: uuid.New(), Name: "Suspicious login", CreateCase: true}
	instance := &models.SignalInstance{ID: uuid.New(), SignalID: signal.ID, ProjectID: uuid.New()}

	f := &fixture{
		tenants: &fakeTenants{},
		store: &fakeStore{
			instances: map[uuid.UUID]*models.SignalInstance{instance.ID: instance},
			signals:   map[uuid.UUID]*models.Signal{signal.ID: signal},
		},
		cases:     &fakeCases{cases: map[uuid.UUID]*models.Case{}},
		extractor: &fakeExtractor{},
		filters:   &fakeFilters{decision: filter.Decision{Action: models.FilterActionNone}},
		attacher:  &fakeAttacher{},
		effects:   &fakeEffects{allow: true},
		instance:  instance,
	}
	f.runner = NewRunner(Dependencies{
		Tenants:     f.tenants,
		Instances:   f.store,
		Signals:     f.store,
		EntityTypes: f.store,
		Cases:       f.cases,
		Extractor:   f.extractor,
		Filters:     f.filters,
		Attacher:    f.attacher,
		Updater:     f.effects,
		Throttle:    f.effects,
		Resources:   f.effects,
		Workflows:   f.effects,
		Engager:     f.effects,
	}, testLogger())
	return f
}

func TestRunner_CreatesCase(t *testing.T) {
	f := newFixture()
	c := &models.Case{ID: uuid.New()}
	workflowID := uuid.New()
	f.attacher.result = &attacher.Result{
		Case:         c,
		WorkflowRuns: []models.WorkflowRun{{WorkflowID: workflowID, CaseID: c.ID}},
	}
	f.extractor.entities = []models.Entity{{ID: uuid.New(), Value: "alice@example.com"}}

	outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
	require.NoError(t, err)

	assert.Equal(t, models.FilterActionNone, outcome.Action)
	assert.True(t, outcome.CaseCreated)
	assert.Equal(t, &c.ID, outcome.CaseID)
	assert.Len(t, outcome.Entities, 1)
	assert.Len(t, outcome.Engagements, 1)

	assert.Equal(t, 1, f.tenants.committed)
	assert.Equal(t, []uuid.UUID{c.ID}, f.effects.resources)
	assert.Equal(t, []uuid.UUID{workflowID}, f.effects.workflows)
	assert.Equal(t, []uuid.UUID{c.ID}, f.effects.engaged)
	assert.Empty(t, f.effects.updated)
}

func TestRunner_Deduplicated(t *testing.T) {
	channel, thread := "C123", "1700000000.000100"
	tests := []struct {
		name    string
		allow   bool
		c       *models.Case
		updates int
	}{
		{"updates the conversation", true, &models.Case{ID: uuid.New(), ConversationChannel: &channel, ConversationThreadID: &thread}, 1},
		{"throttled", false, &models.Case{ID: uuid.New(), ConversationChannel: &channel, ConversationThreadID: &thread}, 0},
		{"case without conversation", true, &models.Case{ID: uuid.New()}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.effects.allow = tt.allow
			f.cases.cases[tt.c.ID] = tt.c
			f.filters.decision = filter.Decision{Action: models.FilterActionDeduplicate, CaseID: &tt.c.ID}

			outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
			require.NoError(t, err)

			assert.Equal(t, models.FilterActionDeduplicate, outcome.Action)
			assert.Equal(t, &tt.c.ID, outcome.CaseID)
			assert.False(t, outcome.CaseCreated)
			assert.Len(t, f.effects.updated, tt.updates)
			assert.Empty(t, f.effects.resources)
			assert.Empty(t, f.effects.engaged)
		})
	}
}

func TestRunner_Snoozed(t *testing.T) {
	f := newFixture()
	f.filters.decision = filter.Decision{Action: models.FilterActionSnooze}
	f.attacher.result = &attacher.Result{Case: &models.Case{ID: uuid.New()}}

	outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
	require.NoError(t, err)

	assert.Equal(t, models.FilterActionSnooze, outcome.Action)
	assert.Nil(t, outcome.CaseID)
	assert.False(t, outcome.CaseCreated)
	assert.Empty(t, f.effects.resources)
}

func TestRunner_Skips(t *testing.T) {
	t.Run("already processed", func(t *testing.T) {
		f := newFixture()
		action := models.FilterActionSnooze
		f.instance.FilterAction = &action

		outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
		require.NoError(t, err)
		assert.Equal(t, SkipProcessed, outcome.Skipped)
		assert.Equal(t, models.FilterActionSnooze, outcome.Action)
	})

	t.Run("canary", func(t *testing.T) {
		f := newFixture()
		f.instance.Canary = true
		f.attacher.result = &attacher.Result{Case: &models.Case{ID: uuid.New()}}

		outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
		require.NoError(t, err)
		assert.Equal(t, SkipCanary, outcome.Skipped)
		assert.Nil(t, f.instance.FilterAction)
		assert.Empty(t, f.effects.resources)
	})

	t.Run("signal deleted closes the instance", func(t *testing.T) {
		f := newFixture()
		f.store.signals = map[uuid.UUID]*models.Signal{}

		outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
		require.NoError(t, err)
		assert.Equal(t, SkipSignalMissing, outcome.Skipped)
		assert.Equal(t, models.FilterActionNone, outcome.Action)
		require.NotNil(t, f.instance.FilterAction)
		assert.Equal(t, models.FilterActionNone, *f.instance.FilterAction)
		assert.Nil(t, f.instance.CaseID)
		assert.Equal(t, 1, f.tenants.committed)
		assert.Empty(t, f.effects.resources)

		// a later pass sees it as processed
		outcome, err = f.runner.Process(context.Background(), "acme", f.instance.ID)
		require.NoError(t, err)
		assert.Equal(t, SkipProcessed, outcome.Skipped)
	})
}

func TestRunner_Failures(t *testing.T) {
	t.Run("unknown instance", func(t *testing.T) {
		f := newFixture()
		_, err := f.runner.Process(context.Background(), "acme", uuid.New())
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("filter failure rolls back and fires no effects", func(t *testing.T) {
		f := newFixture()
		f.filters.err = pipelineerrors.Wrap(pipelineerrors.TransientDbError, errors.New("deadlock"), "dedup")
		f.attacher.result = &attacher.Result{Case: &models.Case{ID: uuid.New()}}

		_, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
		assert.True(t, pipelineerrors.IsKind(err, pipelineerrors.TransientDbError))
		assert.Equal(t, 1, f.tenants.rolledBack)
		assert.Zero(t, f.tenants.committed)
		assert.Empty(t, f.effects.resources)
	})

	t.Run("resource failure does not fail the instance", func(t *testing.T) {
		f := newFixture()
		f.attacher.result = &attacher.Result{Case: &models.Case{ID: uuid.New()}}
		f.effects.resourceErr = errors.New("kafka unavailable")

		outcome, err := f.runner.Process(context.Background(), "acme", f.instance.ID)
		require.NoError(t, err)
		assert.True(t, outcome.CaseCreated)
		assert.Len(t, f.effects.engaged, 1)
	})
}
