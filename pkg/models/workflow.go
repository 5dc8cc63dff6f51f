package models

import (
	"github.com/google/uuid"
)

// WorkflowRun asks the workflow service to run a signal workflow for a new case
type WorkflowRun struct {
	WorkflowID       uuid.UUID `json:"workflow_id"`
	CaseID           uuid.UUID `json:"case_id"`
	SignalID         uuid.UUID `json:"signal_id"`
	SignalInstanceID uuid.UUID `json:"signal_instance_id"`
	ProjectID        uuid.UUID `json:"project_id"`
}
