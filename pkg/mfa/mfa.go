// Package mfa issues signed approval challenges and waits for their outcome.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/redis"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

const (
	keyPrefix = "dispatch:mfa:"

	// MinSecretLength is the shortest HS256 signing secret accepted
	MinSecretLength = 32
)

var (
	ErrWeakSecret       = fmt.Errorf("mfa secret must be at least %d bytes", MinSecretLength)
	ErrInvalidToken     = errors.New("invalid mfa token")
	ErrChallengeClosed  = errors.New("mfa challenge is no longer pending")
	ErrChallengeUnknown = errors.New("mfa challenge not found")
)

// Store holds challenge state. *redis.Client satisfies it; Get returns
// redis.ErrNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error)
}

type Config struct {
	Secret       []byte
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
}

type claims struct {
	jwt.RegisteredClaims
}

// Challenger implements the engagement MFA flow: a challenge is a pending state
// entry plus a signed link; completing the link flips the state, and waiting polls it.
type Challenger struct {
	store  Store
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewChallenger(store Store, cfg Config, logger ectologger.Logger) (*Challenger, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Challenger{store: store, cfg: cfg, logger: logger, now: time.Now}, nil
}

func key(id string) string {
	return keyPrefix + id
}

// CreateChallenge stores a pending challenge for user and returns its completion link
func (c *Challenger) CreateChallenge(ctx context.Context, user string) (*models.MFAChallenge, error) {
	ctx, span := tracing.StartSpan(ctx, "mfa.Challenger.CreateChallenge")
	defer span.End()

	id := uuid.New().String()
	now := c.now().UTC()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.Timeout)),
		},
	}).SignedString(c.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign mfa token: %w", err)
	}

	// state outlives the token so late completions are reported as closed, not unknown
	if err := c.store.Set(ctx, key(id), string(models.MFAStatusPending), 2*c.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("failed to store mfa challenge: %w", err)
	}

	link := fmt.Sprintf("%s/%s?token=%s", strings.TrimRight(c.cfg.BaseURL, "/"), id, url.QueryEscape(token))

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"mfa_challenge_id": id,
		"user":             user,
	}).Info("Created mfa challenge")

	return &models.MFAChallenge{ID: id, UserEmail: user, URL: link}, nil
}

// WaitForChallenge polls until the challenge leaves pending or the timeout passes.
// A timed out challenge is closed so a late completion cannot approve it.
func (c *Challenger) WaitForChallenge(ctx context.Context, id string) (models.MFAStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "mfa.Challenger.WaitForChallenge")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.status(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if err == nil && status != models.MFAStatusPending {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return c.expire(id)
		case <-ticker.C:
		}
	}
}

// expire runs on a fresh context since the wait context is already done
func (c *Challenger) expire(id string) (models.MFAStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	swapped, err := c.store.CompareAndSwap(ctx, key(id), string(models.MFAStatusPending), string(models.MFAStatusTimeout))
	if err != nil {
		return models.MFAStatusTimeout, fmt.Errorf("failed to expire mfa challenge: %w", err)
	}
	if swapped {
		return models.MFAStatusTimeout, nil
	}
	// completed between the last poll and the deadline
	return c.status(ctx, id)
}

func (c *Challenger) status(ctx context.Context, id string) (models.MFAStatus, error) {
	value, err := c.store.Get(ctx, key(id))
	if errors.Is(err, redis.ErrNotFound) {
		return "", ErrChallengeUnknown
	}
	if err != nil {
		return "", fmt.Errorf("failed to read mfa challenge: %w", err)
	}
	return models.MFAStatus(value), nil
}

func (c *Challenger) parse(id, token string) (*claims, error) {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(t *jwt.Token) (any, error) {
		return c.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now), jwt.WithLeeway(time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.ID != id {
		return nil, fmt.Errorf("%w: token was issued for another challenge", ErrInvalidToken)
	}
	return parsed, nil
}

// Verify checks the signed token for challenge id without answering it and
// returns the user the challenge was issued to
func (c *Challenger) Verify(ctx context.Context, id, token string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "mfa.Challenger.Verify")
	defer span.End()

	parsed, err := c.parse(id, token)
	if err != nil {
		return "", err
	}

	status, err := c.status(ctx, id)
	if err != nil {
		return "", err
	}
	if status != models.MFAStatusPending {
		return "", ErrChallengeClosed
	}
	return parsed.Subject, nil
}

// Complete verifies the signed token for challenge id and records approve or deny
func (c *Challenger) Complete(ctx context.Context, id, token string, approve bool) (models.MFAStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "mfa.Challenger.Complete")
	defer span.End()

	parsed, err := c.parse(id, token)
	if err != nil {
		return "", err
	}

	status := models.MFAStatusDenied
	if approve {
		status = models.MFAStatusApproved
	}

	swapped, err := c.store.CompareAndSwap(ctx, key(id), string(models.MFAStatusPending), string(status))
	if err != nil {
		return "", fmt.Errorf("failed to complete mfa challenge: %w", err)
	}
	if !swapped {
		if _, err := c.status(ctx, id); err != nil {
			return "", err
		}
		return "", ErrChallengeClosed
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"mfa_challenge_id": id,
		"user":             parsed.Subject,
		"status":           status,
	}).Info("Completed mfa challenge")

	return status, nil
}
