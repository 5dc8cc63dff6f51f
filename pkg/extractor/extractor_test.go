package extractor

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/models"
)

type fakeStore struct {
	entities   map[string]models.Entity
	associated map[uuid.UUID][]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:   make(map[string]models.Entity),
		associated: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeStore) UpsertEntity(_ context.Context, projectID, entityTypeID uuid.UUID, value string) (*models.Entity, error) {
	key := projectID.String() + "|" + entityTypeID.String() + "|" + value
	if existing, ok := f.entities[key]; ok {
		return &existing, nil
	}
	entity := models.Entity{ID: uuid.New(), EntityTypeID: entityTypeID, Value: value, ProjectID: projectID}
	f.entities[key] = entity
	return &entity, nil
}

func (f *fakeStore) AssociateEntities(_ context.Context, instanceID uuid.UUID, entityIDs []uuid.UUID) error {
	f.associated[instanceID] = append(f.associated[instanceID], entityIDs...)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func ptr(s string) *string { return &s }

func TestExtractor_Values(t *testing.T) {
	payload := map[string]any{
		"user":  map[string]any{"email": "user@x.com", "manager": "boss@x.com"},
		"ips":   []any{"10.0.0.1", "10.0.0.2"},
		"note":  "contact evil@x.com or user@x.com",
		"count": 3.0,
	}

	tests := []struct {
		name string
		et   models.EntityType
		want []string
	}{
		{
			name: "regex over whole payload",
			et:   models.EntityType{Name: "Email", JPath: ptr("."), RegularExpression: ptr(`[a-z]+@x\.com`)},
			want: []string{"evil@x.com", "user@x.com", "boss@x.com"},
		},
		{
			name: "regex over a path",
			et:   models.EntityType{Name: "Email", JPath: ptr("note"), RegularExpression: ptr(`[a-z]+@x\.com`)},
			want: []string{"evil@x.com", "user@x.com"},
		},
		{
			name: "path without regex uses the value",
			et:   models.EntityType{Name: "Email", JPath: ptr("user.email")},
			want: []string{"user@x.com"},
		},
		{
			name: "array values are matched element-wise",
			et:   models.EntityType{Name: "IP", JPath: ptr("ips"), RegularExpression: ptr(`^10\.0\.0\.\d+$`)},
			want: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name: "missing path yields nothing",
			et:   models.EntityType{Name: "Email", JPath: ptr("nope.missing"), RegularExpression: ptr(`.+`)},
			want: []string{},
		},
		{
			name: "non-string values are serialized",
			et:   models.EntityType{Name: "Count", JPath: ptr("count")},
			want: []string{"3"},
		},
	}

	e := NewExtractor(newFakeStore(), testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Values(payload, tt.et)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractor_Values_Errors(t *testing.T) {
	e := NewExtractor(newFakeStore(), testLogger())

	_, err := e.Values(map[string]any{}, models.EntityType{JPath: ptr("."), RegularExpression: ptr(`([`)})
	assert.Error(t, err)

	_, err = e.Values(map[string]any{}, models.EntityType{JPath: ptr("a.[")})
	assert.Error(t, err)
}

func TestExtractor_Extract(t *testing.T) {
	store := newFakeStore()
	e := NewExtractor(store, testLogger())

	projectID := uuid.New()
	emailType := models.EntityType{ID: uuid.New(), Name: "Email", JPath: ptr("."), RegularExpression: ptr(`[a-z]+@x\.com`)}
	brokenType := models.EntityType{ID: uuid.New(), Name: "Broken", JPath: ptr("."), RegularExpression: ptr(`([`)}

	instance := &models.SignalInstance{
		ID:        uuid.New(),
		ProjectID: projectID,
		Raw:       database.NewJSONB(map[string]any{"from": "evil@x.com", "to": "evil@x.com"}),
	}

	entities, err := e.Extract(context.Background(), instance, []models.EntityType{brokenType, emailType})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "evil@x.com", entities[0].Value)
	assert.Equal(t, projectID, entities[0].ProjectID)
	assert.Equal(t, []uuid.UUID{entities[0].ID}, store.associated[instance.ID])
}

func TestTypes(t *testing.T) {
	associated := models.EntityType{ID: uuid.New(), Name: "Email", Scope: models.EntityScopeMultiple}
	global := models.EntityType{ID: uuid.New(), Name: "IP", Scope: models.EntityScopeAll}
	other := models.EntityType{ID: uuid.New(), Name: "Host", Scope: models.EntityScopeMultiple}

	signal := &models.Signal{EntityTypes: []models.EntityType{associated}}
	got := Types(signal, []models.EntityType{associated, global, other})

	assert.Equal(t, []models.EntityType{associated, global}, got)
}
