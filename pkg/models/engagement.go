package models

import (
	"bytes"
	"text/template"
	"time"

	"github.com/google/uuid"
)

type SignalEngagement struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ProjectID    uuid.UUID `db:"project_id" json:"project_id"`
	Name         string    `db:"name" json:"name"`
	Message      string    `db:"message" json:"message"`
	RequireMFA   bool      `db:"require_mfa" json:"require_mfa"`
	EntityTypeID uuid.UUID `db:"entity_type_id" json:"entity_type_id"`
}

// EngagementMessageData is what an engagement message template can reference
type EngagementMessageData struct {
	User      string
	CaseTitle string
	Signal    string
}

// Render executes the engagement message as a text/template. A message that is
// not a valid template is returned as written.
func (e SignalEngagement) Render(data EngagementMessageData) string {
	tmpl, err := template.New(e.Name).Option("missingkey=zero").Parse(e.Message)
	if err != nil {
		return e.Message
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return e.Message
	}
	return buf.String()
}

type EngagementStatus string

const (
	EngagementStatusNew      EngagementStatus = "new"
	EngagementStatusApproved EngagementStatus = "approved"
	EngagementStatusDenied   EngagementStatus = "denied"
)

// SignalEngagementInstance records a prompt posted for one entity of one instance
type SignalEngagementInstance struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	SignalInstanceID uuid.UUID        `db:"signal_instance_id" json:"signal_instance_id"`
	EngagementID     uuid.UUID        `db:"engagement_id" json:"engagement_id"`
	UserEmail        string           `db:"user_email" json:"user_email"`
	Status           EngagementStatus `db:"status" json:"status"`
	ThreadID         string           `db:"thread_id" json:"thread_id"`
	MFAChallengeID   *string          `db:"mfa_challenge_id" json:"mfa_challenge_id,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// EngagementDecision is the inbound user response to an engagement prompt
type EngagementDecision string

const (
	EngagementDecisionApprove EngagementDecision = "approve"
	EngagementDecisionDeny    EngagementDecision = "deny"
)
