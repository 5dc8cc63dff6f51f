package mfa

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/redis"
)

type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", redis.ErrNotFound
	}
	return v, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.(string)
	return nil
}

func (m *memoryStore) CompareAndSwap(_ context.Context, key, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; !ok || v != expected {
		return false, nil
	}
	m.values[key] = next
	return true, nil
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestChallenger(t *testing.T, store Store, timeout time.Duration) *Challenger {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	c, err := NewChallenger(store, Config{
		Secret:       []byte(testSecret),
		BaseURL:      "https://dispatch.example.com/api/v1/mfa/",
		Timeout:      timeout,
		PollInterval: 5 * time.Millisecond,
	}, logger)
	require.NoError(t, err)
	return c
}

func tokenFrom(t *testing.T, challenge *models.MFAChallenge) string {
	t.Helper()
	u, err := url.Parse(challenge.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/mfa/"+challenge.ID))
	return u.Query().Get("token")
}

func TestChallenger_ApproveWhileWaiting(t *testing.T) {
	ctx := context.Background()
	c := newTestChallenger(t, newMemoryStore(), time.Second)

	challenge, err := c.CreateChallenge(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", challenge.UserEmail)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = c.Complete(ctx, challenge.ID, tokenFrom(t, challenge), true)
	}()

	status, err := c.WaitForChallenge(ctx, challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MFAStatusApproved, status)
}

func TestChallenger_Deny(t *testing.T) {
	ctx := context.Background()
	c := newTestChallenger(t, newMemoryStore(), time.Second)

	challenge, err := c.CreateChallenge(ctx, "alice@example.com")
	require.NoError(t, err)

	status, err := c.Complete(ctx, challenge.ID, tokenFrom(t, challenge), false)
	require.NoError(t, err)
	assert.Equal(t, models.MFAStatusDenied, status)

	status, err = c.WaitForChallenge(ctx, challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MFAStatusDenied, status)

	_, err = c.Complete(ctx, challenge.ID, tokenFrom(t, challenge), true)
	assert.ErrorIs(t, err, ErrChallengeClosed, "a challenge is answered once")
}

func TestChallenger_Timeout(t *testing.T) {
	ctx := context.Background()
	c := newTestChallenger(t, newMemoryStore(), 30*time.Millisecond)

	challenge, err := c.CreateChallenge(ctx, "alice@example.com")
	require.NoError(t, err)

	status, err := c.WaitForChallenge(ctx, challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MFAStatusTimeout, status)

	_, err = c.Complete(ctx, challenge.ID, tokenFrom(t, challenge), true)
	assert.Error(t, err)
}

func TestChallenger_RejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	c := newTestChallenger(t, store, time.Second)

	first, err := c.CreateChallenge(ctx, "alice@example.com")
	require.NoError(t, err)
	second, err := c.CreateChallenge(ctx, "bob@example.com")
	require.NoError(t, err)

	_, err = c.Complete(ctx, first.ID, "not-a-token", true)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.Complete(ctx, first.ID, tokenFrom(t, second), true)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := newTestChallenger(t, store, time.Second)
	other.cfg.Secret = []byte("another-secret")
	_, err = other.Complete(ctx, first.ID, tokenFrom(t, first), true)
	assert.ErrorIs(t, err, ErrInvalidToken)

	state, err := store.Get(ctx, key(first.ID))
	require.NoError(t, err)
	assert.Equal(t, string(models.MFAStatusPending), state)
}

func TestChallenger_UnknownChallenge(t *testing.T) {
	c := newTestChallenger(t, newMemoryStore(), 50*time.Millisecond)

	_, err := c.WaitForChallenge(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrChallengeUnknown)
}

func TestNewChallenger_RejectsShortSecrets(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	for _, secret := range []string{"", "short", testSecret[:MinSecretLength-1]} {
		_, err := NewChallenger(newMemoryStore(), Config{Secret: []byte(secret)}, logger)
		assert.ErrorIs(t, err, ErrWeakSecret, "secret of %d bytes", len(secret))
	}
}

func TestChallenger_Verify(t *testing.T) {
	ctx := context.Background()
	c := newTestChallenger(t, newMemoryStore(), time.Second)

	challenge, err := c.CreateChallenge(ctx, "alice@example.com")
	require.NoError(t, err)
	token := tokenFrom(t, challenge)

	user, err := c.Verify(ctx, challenge.ID, token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user)

	// verifying does not answer the challenge
	user, err = c.Verify(ctx, challenge.ID, token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user)

	_, err = c.Verify(ctx, challenge.ID, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.Complete(ctx, challenge.ID, token, false)
	require.NoError(t, err)
	_, err = c.Verify(ctx, challenge.ID, token)
	assert.ErrorIs(t, err, ErrChallengeClosed)
}
