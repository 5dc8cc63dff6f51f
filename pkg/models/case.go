package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CaseStatusNew         = "new"
	CaseVisibilityOpen    = "open"
	DefaultCaseResolution = "Description of the actions taken to resolve the case."
)

// Case is owned outside the pipeline; only the fields written on creation are modeled
type Case struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ProjectID            uuid.UUID  `db:"project_id" json:"project_id"`
	Title                string     `db:"title" json:"title"`
	Description          string     `db:"description" json:"description"`
	Resolution           string     `db:"resolution" json:"resolution"`
	Status               string     `db:"status" json:"status"`
	Visibility           string     `db:"visibility" json:"visibility"`
	CaseTypeID           *uuid.UUID `db:"case_type_id" json:"case_type_id,omitempty"`
	CasePriorityID       *uuid.UUID `db:"case_priority_id" json:"case_priority_id,omitempty"`
	CaseSeverityID       *uuid.UUID `db:"case_severity_id" json:"case_severity_id,omitempty"`
	OncallServiceID      *int       `db:"oncall_service_id" json:"oncall_service_id,omitempty"`
	Assignee             *string    `db:"assignee" json:"assignee,omitempty"`
	Reporter             *string    `db:"reporter" json:"reporter,omitempty"`
	SignalInstanceID     *uuid.UUID `db:"signal_instance_id" json:"signal_instance_id,omitempty"`
	ConversationChannel  *string    `db:"conversation_channel" json:"conversation_channel,omitempty"`
	ConversationThreadID *string    `db:"conversation_thread_id" json:"conversation_thread_id,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
}

// HasConversation reports whether the case has a thread to post into
func (c *Case) HasConversation() bool {
	return c.ConversationChannel != nil && *c.ConversationChannel != "" &&
		c.ConversationThreadID != nil && *c.ConversationThreadID != ""
}

type CaseType struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	ProjectID          uuid.UUID `db:"project_id" json:"project_id"`
	Name               string    `db:"name" json:"name"`
	IsDefault          bool      `db:"is_default" json:"is_default"`
	OncallServiceID    *int      `db:"oncall_service_id" json:"oncall_service_id,omitempty"`
	ConversationTarget *string   `db:"conversation_target" json:"conversation_target,omitempty"`
}

// CaseLookup is a case priority or severity row
type CaseLookup struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	IsDefault bool      `db:"is_default" json:"is_default"`
}
