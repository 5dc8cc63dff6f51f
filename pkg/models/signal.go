package models

import (
	"time"

	"github.com/google/uuid"
)

// Signal is the immutable detector definition instances are created from
type Signal struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ProjectID          uuid.UUID  `db:"project_id" json:"project_id"`
	Name               string     `db:"name" json:"name"`
	Description        string     `db:"description" json:"description"`
	ExternalID         *string    `db:"external_id" json:"external_id,omitempty"`
	Variant            *string    `db:"variant" json:"variant,omitempty"`
	Enabled            bool       `db:"enabled" json:"enabled"`
	IsDefault          bool       `db:"is_default" json:"is_default"`
	CreateCase         bool       `db:"create_case" json:"create_case"`
	CaseTypeID         *uuid.UUID `db:"case_type_id" json:"case_type_id,omitempty"`
	CasePriorityID     *uuid.UUID `db:"case_priority_id" json:"case_priority_id,omitempty"`
	CaseSeverityID     *uuid.UUID `db:"case_severity_id" json:"case_severity_id,omitempty"`
	OncallServiceID    *int       `db:"oncall_service_id" json:"oncall_service_id,omitempty"`
	ConversationTarget *string    `db:"conversation_target" json:"conversation_target,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`

	EntityTypes []EntityType       `db:"-" json:"entity_types,omitempty"`
	Filters     []SignalFilter     `db:"-" json:"filters,omitempty"`
	Engagements []SignalEngagement `db:"-" json:"engagements,omitempty"`
	WorkflowIDs []uuid.UUID        `db:"-" json:"workflow_ids,omitempty"`
}
