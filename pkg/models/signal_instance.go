package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/database"
)

// FilterAction is the terminal outcome of the filter engine for an instance
type FilterAction string

const (
	FilterActionNone        FilterAction = "none"
	FilterActionSnooze      FilterAction = "snooze"
	FilterActionDeduplicate FilterAction = "deduplicate"
)

// SignalInstance is one delivered alert
type SignalInstance struct {
	ID                 uuid.UUID                      `db:"id" json:"id"`
	SignalID           uuid.UUID                      `db:"signal_id" json:"signal_id"`
	ProjectID          uuid.UUID                      `db:"project_id" json:"project_id"`
	Raw                database.JSONB[map[string]any] `db:"raw" json:"raw"`
	CaseID             *uuid.UUID                     `db:"case_id" json:"case_id,omitempty"`
	FilterAction       *FilterAction                  `db:"filter_action" json:"filter_action,omitempty"`
	CaseTypeID         *uuid.UUID                     `db:"case_type_id" json:"case_type_id,omitempty"`
	CasePriorityID     *uuid.UUID                     `db:"case_priority_id" json:"case_priority_id,omitempty"`
	CaseSeverityID     *uuid.UUID                     `db:"case_severity_id" json:"case_severity_id,omitempty"`
	OncallServiceID    *int                           `db:"oncall_service_id" json:"oncall_service_id,omitempty"`
	ConversationTarget *string                        `db:"conversation_target" json:"conversation_target,omitempty"`
	EngagementThreadTS *string                        `db:"engagement_thread_ts" json:"engagement_thread_ts,omitempty"`
	Canary             bool                           `db:"canary" json:"canary"`
	CreatedAt          time.Time                      `db:"created_at" json:"created_at"`

	Entities []Entity `db:"-" json:"entities,omitempty"`
}

// Processed reports whether the filter engine has already decided this instance
func (s *SignalInstance) Processed() bool {
	return s.FilterAction != nil
}
