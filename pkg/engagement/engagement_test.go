package engagement

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func ptr[T any](v T) *T {
	return &v
}

type fakeTenants struct{}

func (fakeTenants) InTenant(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type post struct {
	channel string
	thread  string
	user    string
	text    string
}

type fakeSink struct {
	prompts    []post
	messages   []post
	private    []post
	failFor    string
	privateErr error
	nextTS     int
}

func (f *fakeSink) CreateEngagementThreaded(_ context.Context, _ *models.Case, channel, user string, _ models.SignalEngagement, _ models.EngagementStatus) (string, error) {
	if user == f.failFor {
		return "", errors.New("channel_not_found")
	}
	f.nextTS++
	ts := "1700000000.00000" + string(rune('0'+f.nextTS))
	f.prompts = append(f.prompts, post{channel: channel, user: user, thread: ts})
	return ts, nil
}

func (f *fakeSink) UpdateSignalMessage(_ context.Context, _ uuid.UUID, _, _ string) error {
	return nil
}

func (f *fakeSink) PostThreadMessage(_ context.Context, channel, threadID, text string) error {
	f.messages = append(f.messages, post{channel: channel, thread: threadID, text: text})
	return nil
}

func (f *fakeSink) PostPrivateMessage(_ context.Context, channel, threadID, email, text string) error {
	if f.privateErr != nil {
		return f.privateErr
	}
	f.private = append(f.private, post{channel: channel, thread: threadID, user: email, text: text})
	return nil
}

type fakeMFA struct {
	outcome models.MFAStatus
	err     error
	created []string
}

func (f *fakeMFA) CreateChallenge(_ context.Context, user string) (*models.MFAChallenge, error) {
	f.created = append(f.created, user)
	return &models.MFAChallenge{ID: "challenge-1", UserEmail: user, URL: "https://mfa/challenge-1"}, nil
}

func (f *fakeMFA) WaitForChallenge(_ context.Context, _ string) (models.MFAStatus, error) {
	return f.outcome, f.err
}

type fakeEngagements struct {
	instances   map[uuid.UUID]*models.SignalEngagementInstance
	engagements map[uuid.UUID]*models.SignalEngagement
}

func (f *fakeEngagements) CreateInstance(_ context.Context, instance *models.SignalEngagementInstance) (*models.SignalEngagementInstance, error) {
	instance.ID = uuid.New()
	instance.Status = models.EngagementStatusNew
	stored := *instance
	f.instances[instance.ID] = &stored
	return instance, nil
}

func (f *fakeEngagements) GetInstance(_ context.Context, id uuid.UUID) (*models.SignalEngagementInstance, error) {
	if i, ok := f.instances[id]; ok {
		copied := *i
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeEngagements) GetEngagement(_ context.Context, id uuid.UUID) (*models.SignalEngagement, error) {
	return f.engagements[id], nil
}

func (f *fakeEngagements) SetMFAChallenge(_ context.Context, id uuid.UUID, challengeID string) error {
	f.instances[id].MFAChallengeID = &challengeID
	return nil
}

func (f *fakeEngagements) Transition(_ context.Context, id uuid.UUID, status models.EngagementStatus) (bool, error) {
	i := f.instances[id]
	if i.Status != models.EngagementStatusNew {
		return false, nil
	}
	i.Status = status
	return true, nil
}

type fakeInstances struct {
	instances map[uuid.UUID]*models.SignalInstance
	threads   map[uuid.UUID]string
}

func (f *fakeInstances) Get(_ context.Context, id uuid.UUID) (*models.SignalInstance, error) {
	return f.instances[id], nil
}

func (f *fakeInstances) SetEngagementThread(_ context.Context, id uuid.UUID, threadTS string) error {
	f.threads[id] = threadTS
	return nil
}

type fakeCases map[uuid.UUID]*models.Case

func (f fakeCases) GetByID(_ context.Context, id uuid.UUID) (*models.Case, error) {
	return f[id], nil
}

type fixture struct {
	sink        *fakeSink
	mfa         *fakeMFA
	engagements *fakeEngagements
	instances   *fakeInstances
	cases       fakeCases
	emailType   uuid.UUID
	engagement  models.SignalEngagement
	instance    *models.SignalInstance
	caseRecord  *models.Case
}

func newFixture(requireMFA bool) *fixture {
	emailType := uuid.New()
	caseRecord := &models.Case{ID: uuid.New(), Title: "Suspicious login", ConversationChannel: ptr("#sec")}
	instance := &models.SignalInstance{ID: uuid.New(), CaseID: &caseRecord.ID}
	engagement := models.SignalEngagement{ID: uuid.New(), Name: "confirm-login", Message: "Was this you?", RequireMFA: requireMFA, EntityTypeID: emailType}

	return &fixture{
		sink: &fakeSink{},
		mfa:  &fakeMFA{outcome: models.MFAStatusApproved},
		engagements: &fakeEngagements{
			instances:   map[uuid.UUID]*models.SignalEngagementInstance{},
			engagements: map[uuid.UUID]*models.SignalEngagement{engagement.ID: &engagement},
		},
		instances: &fakeInstances{
			instances: map[uuid.UUID]*models.SignalInstance{instance.ID: instance},
			threads:   map[uuid.UUID]string{},
		},
		cases:      fakeCases{caseRecord.ID: caseRecord},
		emailType:  emailType,
		engagement: engagement,
		instance:   instance,
		caseRecord: caseRecord,
	}
}

func (f *fixture) driver() *Driver {
	return NewDriver(fakeTenants{}, f.sink, f.engagements, f.instances, testLogger())
}

func (f *fixture) responder() *Responder {
	return NewResponder(fakeTenants{}, f.sink, f.mfa, f.engagements, f.instances, f.cases, testLogger())
}

func (f *fixture) engage(t *testing.T, entities ...models.Entity) []models.SignalEngagementInstance {
	t.Helper()
	signal := &models.Signal{Name: "login", Engagements: []models.SignalEngagement{f.engagement}}
	created, err := f.driver().Engage(context.Background(), "acme", f.caseRecord, signal, f.instance, entities)
	require.NoError(t, err)
	return created
}

func TestEngage(t *testing.T) {
	f := newFixture(false)
	otherType := uuid.New()

	created := f.engage(t,
		models.Entity{EntityTypeID: f.emailType, Value: "user@x.com"},
		models.Entity{EntityTypeID: f.emailType, Value: "not-an-email"},
		models.Entity{EntityTypeID: otherType, Value: "other@x.com"},
	)

	require.Len(t, created, 1)
	assert.Equal(t, "user@x.com", created[0].UserEmail)
	assert.Equal(t, models.EngagementStatusNew, created[0].Status)
	assert.Equal(t, f.instance.ID, created[0].SignalInstanceID)
	require.Len(t, f.sink.prompts, 1)
	assert.Equal(t, "#sec", f.sink.prompts[0].channel)
	assert.Equal(t, f.sink.prompts[0].thread, created[0].ThreadID)
	assert.Equal(t, created[0].ThreadID, f.instances.threads[f.instance.ID])
}

func TestEngage_PostFailureIsNotRecorded(t *testing.T) {
	f := newFixture(false)
	f.sink.failFor = "user@x.com"

	created := f.engage(t, models.Entity{EntityTypeID: f.emailType, Value: "user@x.com"})

	assert.Empty(t, created)
	assert.Empty(t, f.engagements.instances)
	assert.Empty(t, f.instances.threads)
}

func TestEngage_NothingToEngage(t *testing.T) {
	f := newFixture(false)

	assert.Empty(t, f.engage(t))
	assert.Empty(t, f.sink.prompts)
}

func TestRespond(t *testing.T) {
	tests := []struct {
		name          string
		requireMFA    bool
		decision      models.EngagementDecision
		mfaOutcome    models.MFAStatus
		mfaErr        error
		privateErr    error
		want          models.EngagementStatus
		wantChallenge bool
	}{
		{name: "deny", decision: models.EngagementDecisionDeny, want: models.EngagementStatusDenied},
		{name: "approve without mfa", decision: models.EngagementDecisionApprove, want: models.EngagementStatusApproved},
		{name: "approve with mfa", requireMFA: true, decision: models.EngagementDecisionApprove, mfaOutcome: models.MFAStatusApproved, want: models.EngagementStatusApproved, wantChallenge: true},
		{name: "mfa timeout", requireMFA: true, decision: models.EngagementDecisionApprove, mfaOutcome: models.MFAStatusTimeout, want: models.EngagementStatusDenied, wantChallenge: true},
		{name: "mfa denied", requireMFA: true, decision: models.EngagementDecisionApprove, mfaOutcome: models.MFAStatusDenied, want: models.EngagementStatusDenied, wantChallenge: true},
		{name: "mfa failure", requireMFA: true, decision: models.EngagementDecisionApprove, mfaErr: errors.New("redis down"), want: models.EngagementStatusDenied, wantChallenge: true},
		{name: "deny skips mfa", requireMFA: true, decision: models.EngagementDecisionDeny, want: models.EngagementStatusDenied},
		{name: "mfa link not delivered", requireMFA: true, decision: models.EngagementDecisionApprove, mfaOutcome: models.MFAStatusApproved, privateErr: errors.New("users_not_found"), want: models.EngagementStatusDenied, wantChallenge: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.requireMFA)
			f.mfa.outcome = tt.mfaOutcome
			f.mfa.err = tt.mfaErr
			f.sink.privateErr = tt.privateErr
			created := f.engage(t, models.Entity{EntityTypeID: f.emailType, Value: "user@x.com"})
			require.Len(t, created, 1)

			record, err := f.responder().Respond(context.Background(), "acme", created[0].ID, tt.decision, "User@x.com")
			require.NoError(t, err)

			assert.Equal(t, tt.want, record.Status)
			assert.Equal(t, tt.want, f.engagements.instances[created[0].ID].Status)
			assert.Equal(t, tt.wantChallenge, len(f.mfa.created) == 1)
			if tt.wantChallenge {
				assert.Equal(t, ptr("challenge-1"), f.engagements.instances[created[0].ID].MFAChallengeID)
			}
			if tt.wantChallenge && tt.privateErr == nil {
				require.Len(t, f.sink.private, 1)
				assert.Equal(t, "user@x.com", f.sink.private[0].user)
				assert.Equal(t, created[0].ThreadID, f.sink.private[0].thread)
				assert.Contains(t, f.sink.private[0].text, "https://mfa/challenge-1")
			}
			for _, m := range f.sink.messages {
				assert.NotContains(t, m.text, "https://mfa/", "challenge links stay out of the shared thread")
			}

			require.NotEmpty(t, f.sink.messages)
			confirmation := f.sink.messages[len(f.sink.messages)-1]
			assert.Equal(t, "#sec", confirmation.channel)
			assert.Equal(t, created[0].ThreadID, confirmation.thread)
			assert.Contains(t, confirmation.text, string(tt.want))
		})
	}
}

func TestRespond_Errors(t *testing.T) {
	f := newFixture(false)
	created := f.engage(t, models.Entity{EntityTypeID: f.emailType, Value: "user@x.com"})
	require.Len(t, created, 1)
	id := created[0].ID

	status := func(err error) int {
		require.True(t, httperror.IsHTTPError(err), "got %v", err)
		return httperror.GetStatusCode(err)
	}

	_, err := f.responder().Respond(context.Background(), "acme", uuid.New(), models.EngagementDecisionApprove, "")
	assert.Equal(t, http.StatusNotFound, status(err))

	_, err = f.responder().Respond(context.Background(), "acme", id, "maybe", "")
	assert.Equal(t, http.StatusBadRequest, status(err))

	_, err = f.responder().Respond(context.Background(), "acme", id, models.EngagementDecisionApprove, "someone@x.com")
	assert.Equal(t, http.StatusForbidden, status(err))

	_, err = f.responder().Respond(context.Background(), "acme", id, models.EngagementDecisionDeny, "")
	require.NoError(t, err)

	_, err = f.responder().Respond(context.Background(), "acme", id, models.EngagementDecisionApprove, "")
	assert.Equal(t, http.StatusConflict, status(err))
}
