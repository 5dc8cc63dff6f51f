package engagement

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// Responder applies inbound approve or deny decisions to engagement prompts
type Responder struct {
	tenants     TenantRunner
	sink        ConversationSink
	mfa         MFAChallenger
	engagements EngagementStore
	instances   InstanceStore
	cases       CaseReader
	logger      ectologger.Logger
}

func NewResponder(tenants TenantRunner, sink ConversationSink, mfa MFAChallenger, engagements EngagementStore, instances InstanceStore, cases CaseReader, logger ectologger.Logger) *Responder {
	return &Responder{
		tenants:     tenants,
		sink:        sink,
		mfa:         mfa,
		engagements: engagements,
		instances:   instances,
		cases:       cases,
		logger:      logger,
	}
}

type target struct {
	record     *models.SignalEngagementInstance
	engagement *models.SignalEngagement
	channel    string
}

// Respond moves the engagement instance to approved or denied. Approval of an
// engagement that requires MFA only succeeds when the challenge is approved; a
// denied, failed or timed out challenge denies it. actor, when known, must be the
// engaged user.
func (r *Responder) Respond(ctx context.Context, org string, id uuid.UUID, decision models.EngagementDecision, actor string) (*models.SignalEngagementInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "engagement.Responder.Respond")
	defer span.End()

	if decision != models.EngagementDecisionApprove && decision != models.EngagementDecisionDeny {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown decision %q", decision))
	}

	t, err := r.load(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if actor != "" && !strings.EqualFold(actor, t.record.UserEmail) {
		return nil, httperror.NewHTTPError(http.StatusForbidden, "only the engaged user can respond to this engagement")
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant":                 org,
		"engagement_instance_id": id,
		"engagement_id":          t.engagement.ID,
		"signal_instance_id":     t.record.SignalInstanceID,
		"engagement_decision":    decision,
	})

	status := models.EngagementStatusDenied
	if decision == models.EngagementDecisionApprove {
		status = models.EngagementStatusApproved
		if t.engagement.RequireMFA {
			status = r.challenge(ctx, org, t)
		}
	}

	var transitioned bool
	err = r.tenants.InTenant(ctx, org, func(ctx context.Context) error {
		var err error
		transitioned, err = r.engagements.Transition(ctx, id, status)
		return err
	})
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to record engagement response")
	}
	if !transitioned {
		return nil, httperror.NewHTTPError(http.StatusConflict, "engagement has already been answered")
	}
	t.record.Status = status

	metrics.EngagementsTotal.WithLabelValues(string(status)).Inc()
	log.WithField("engagement_status", status).Info("Recorded engagement response")

	text := fmt.Sprintf("%s %s the engagement %q.", t.record.UserEmail, status, t.engagement.Name)
	if err := r.sink.PostThreadMessage(ctx, t.channel, t.record.ThreadID, text); err != nil {
		log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "failed to post confirmation")).
			Error("Failed to post engagement confirmation")
	}

	return t.record, nil
}

func (r *Responder) load(ctx context.Context, org string, id uuid.UUID) (*target, error) {
	t := &target{}
	err := r.tenants.InTenant(ctx, org, func(ctx context.Context) error {
		record, err := r.engagements.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("engagement instance %s not found", id))
		}
		if record.Status != models.EngagementStatusNew {
			return httperror.NewHTTPError(http.StatusConflict, "engagement has already been answered")
		}
		t.record = record

		t.engagement, err = r.engagements.GetEngagement(ctx, record.EngagementID)
		if err != nil {
			return err
		}
		if t.engagement == nil {
			return fmt.Errorf("engagement %s not found", record.EngagementID)
		}

		instance, err := r.instances.Get(ctx, record.SignalInstanceID)
		if err != nil {
			return err
		}
		if instance != nil && instance.CaseID != nil {
			c, err := r.cases.GetByID(ctx, *instance.CaseID)
			if err != nil {
				return err
			}
			if c != nil && c.ConversationChannel != nil {
				t.channel = *c.ConversationChannel
			}
		}
		return nil
	})
	if err != nil {
		if httperror.IsHTTPError(err) {
			return nil, err
		}
		return nil, pipelineerrors.Wrap(pipelineerrors.TransientDbError, err, "failed to load engagement")
	}
	return t, nil
}

// challenge runs the MFA flow for the engaged user and maps its outcome to a status
func (r *Responder) challenge(ctx context.Context, org string, t *target) models.EngagementStatus {
	log := r.logger.WithContext(ctx).WithField("engagement_instance_id", t.record.ID)

	challenge, err := r.mfa.CreateChallenge(ctx, t.record.UserEmail)
	if err != nil {
		log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "failed to create mfa challenge")).
			Error("Failed to create MFA challenge, denying engagement")
		return models.EngagementStatusDenied
	}

	err = r.tenants.InTenant(ctx, org, func(ctx context.Context) error {
		return r.engagements.SetMFAChallenge(ctx, t.record.ID, challenge.ID)
	})
	if err != nil {
		log.WithError(err).Error("Failed to record MFA challenge, denying engagement")
		return models.EngagementStatusDenied
	}
	t.record.MFAChallengeID = &challenge.ID

	// the link is the credential, so only the engaged user may see it
	text := fmt.Sprintf("Complete the MFA challenge to confirm: %s", challenge.URL)
	if err := r.sink.PostPrivateMessage(ctx, t.channel, t.record.ThreadID, t.record.UserEmail, text); err != nil {
		log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "failed to deliver mfa challenge")).
			Error("Failed to deliver MFA challenge link, denying engagement")
		return models.EngagementStatusDenied
	}

	outcome, err := r.mfa.WaitForChallenge(ctx, challenge.ID)
	if err != nil {
		log.WithError(pipelineerrors.Wrap(pipelineerrors.CollaboratorFailure, err, "failed to wait for mfa challenge")).
			Error("MFA challenge failed, denying engagement")
		return models.EngagementStatusDenied
	}

	log.WithField("mfa_status", outcome).Info("MFA challenge finished")
	if outcome == models.MFAStatusApproved {
		return models.EngagementStatusApproved
	}
	return models.EngagementStatusDenied
}
