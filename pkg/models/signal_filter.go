package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/database"
)

type FilterMode string

const (
	FilterModeActive   FilterMode = "active"
	FilterModeInactive FilterMode = "inactive"
)

// SignalFilterAction is the configured action of a filter, as opposed to the
// FilterAction recorded on an instance
type SignalFilterAction string

const (
	SignalFilterActionSnooze      SignalFilterAction = "snooze"
	SignalFilterActionDeduplicate SignalFilterAction = "deduplicate"
)

type SignalFilter struct {
	ID         uuid.UUID                       `db:"id" json:"id"`
	ProjectID  uuid.UUID                       `db:"project_id" json:"project_id"`
	Name       string                          `db:"name" json:"name"`
	Mode       FilterMode                      `db:"mode" json:"mode"`
	Action     SignalFilterAction              `db:"action" json:"action"`
	Window     int                             `db:"window_minutes" json:"window"`
	Expiration *time.Time                      `db:"expiration" json:"expiration,omitempty"`
	Expression database.JSONB[json.RawMessage] `db:"expression" json:"expression"`
}

// HasExpression reports whether an expression is stored at all. An empty
// and/or tree still counts as present.
func (f SignalFilter) HasExpression() bool {
	return f.Expression.Valid && len(f.Expression.Data) > 0 && string(f.Expression.Data) != "null"
}
