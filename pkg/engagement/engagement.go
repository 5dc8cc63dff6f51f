// Package engagement posts confirmation prompts for extracted entities and
// records how the engaged users respond.
package engagement

import (
	"context"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

type TenantRunner interface {
	InTenant(ctx context.Context, slug string, fn func(ctx context.Context) error) error
}

// ConversationSink posts into the conversation attached to a case
type ConversationSink interface {
	CreateEngagementThreaded(ctx context.Context, c *models.Case, channel, user string, engagement models.SignalEngagement, status models.EngagementStatus) (string, error)
	UpdateSignalMessage(ctx context.Context, caseID uuid.UUID, channel, threadID string) error
	PostThreadMessage(ctx context.Context, channel, threadID, text string) error
	// PostPrivateMessage posts text visible only to the user with the given email
	PostPrivateMessage(ctx context.Context, channel, threadID, email, text string) error
}

// MFAChallenger issues challenges and waits for their outcome
type MFAChallenger interface {
	CreateChallenge(ctx context.Context, user string) (*models.MFAChallenge, error)
	WaitForChallenge(ctx context.Context, challengeID string) (models.MFAStatus, error)
}

type EngagementStore interface {
	CreateInstance(ctx context.Context, instance *models.SignalEngagementInstance) (*models.SignalEngagementInstance, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*models.SignalEngagementInstance, error)
	GetEngagement(ctx context.Context, id uuid.UUID) (*models.SignalEngagement, error)
	SetMFAChallenge(ctx context.Context, id uuid.UUID, challengeID string) error
	Transition(ctx context.Context, id uuid.UUID, status models.EngagementStatus) (bool, error)
}

type InstanceStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.SignalInstance, error)
	SetEngagementThread(ctx context.Context, id uuid.UUID, threadTS string) error
}

type CaseReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Case, error)
}

// Driver posts engagement prompts for a newly created case
type Driver struct {
	tenants     TenantRunner
	sink        ConversationSink
	engagements EngagementStore
	instances   InstanceStore
	validate    *validator.Validate
	logger      ectologger.Logger
}

func NewDriver(tenants TenantRunner, sink ConversationSink, engagements EngagementStore, instances InstanceStore, logger ectologger.Logger) *Driver {
	return &Driver{
		tenants:     tenants,
		sink:        sink,
		engagements: engagements,
		instances:   instances,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Engage posts one prompt per engagement and matching entity. It must run after
// the case is committed. A prompt that fails to post is logged and not recorded,
// so a later manual trigger can retry it.
func (d *Driver) Engage(ctx context.Context, org string, c *models.Case, signal *models.Signal, instance *models.SignalInstance, entities []models.Entity) ([]models.SignalEngagementInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "engagement.Driver.Engage")
	defer span.End()

	if c == nil || len(entities) == 0 || len(signal.Engagements) == 0 {
		return nil, nil
	}

	channel := ""
	if c.ConversationChannel != nil {
		channel = *c.ConversationChannel
	}

	var created []models.SignalEngagementInstance
	for _, engagement := range signal.Engagements {
		engaged := ectolinq.Filter(entities, func(entity models.Entity) bool {
			return entity.EntityTypeID == engagement.EntityTypeID
		})
		for _, entity := range engaged {
			log := d.logger.WithContext(ctx).WithFields(map[string]any{
				"tenant":             org,
				"case_id":            c.ID,
				"signal_instance_id": instance.ID,
				"engagement_id":      engagement.ID,
			})

			if err := d.validate.Var(entity.Value, "required,email"); err != nil {
				log.WithError(err).Warn("Skipping engagement for entity that is not an email address")
				continue
			}

			threadTS, err := d.sink.CreateEngagementThreaded(ctx, c, channel, entity.Value, engagement, models.EngagementStatusNew)
			if err != nil {
				log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "failed to post engagement")).
					Error("Failed to post engagement prompt")
				continue
			}

			record := &models.SignalEngagementInstance{
				SignalInstanceID: instance.ID,
				EngagementID:     engagement.ID,
				UserEmail:        entity.Value,
				ThreadID:         threadTS,
			}
			err = d.tenants.InTenant(ctx, org, func(ctx context.Context) error {
				var err error
				record, err = d.engagements.CreateInstance(ctx, record)
				if err != nil {
					return err
				}
				return d.instances.SetEngagementThread(ctx, instance.ID, threadTS)
			})
			if err != nil {
				log.WithError(err).Error("Failed to record engagement prompt")
				continue
			}

			metrics.EngagementsTotal.WithLabelValues(string(models.EngagementStatusNew)).Inc()
			log.Info("Posted engagement prompt")
			created = append(created, *record)
		}
	}

	return created, nil
}
