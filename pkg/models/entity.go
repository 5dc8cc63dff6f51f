package models

import (
	"github.com/google/uuid"
)

// EntityScope controls which signals an entity type applies to
type EntityScope string

const (
	// EntityScopeAll applies to every signal in the project
	EntityScopeAll EntityScope = "all"
	// EntityScopeMultiple applies only to signals the type is associated with
	EntityScopeMultiple EntityScope = "multiple"
)

type EntityType struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	ProjectID         uuid.UUID   `db:"project_id" json:"project_id"`
	Name              string      `db:"name" json:"name"`
	RegularExpression *string     `db:"regular_expression" json:"regular_expression,omitempty"`
	JPath             *string     `db:"jpath" json:"jpath,omitempty"`
	Scope             EntityScope `db:"scope" json:"scope"`
}

// Entity is a deduplicated extracted value, unique per (entity_type_id, value, project_id)
type Entity struct {
	ID           uuid.UUID `db:"id" json:"id"`
	EntityTypeID uuid.UUID `db:"entity_type_id" json:"entity_type_id"`
	Value        string    `db:"value" json:"value"`
	ProjectID    uuid.UUID `db:"project_id" json:"project_id"`
}
