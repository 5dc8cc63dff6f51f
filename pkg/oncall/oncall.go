// Package oncall resolves oncall services to the email of whoever is on call.
package oncall

import (
	"context"
)

// StaticResolver answers from a fixed service id to email table
type StaticResolver struct {
	emails map[int]string
}

func NewStaticResolver(emails map[int]string) *StaticResolver {
	copied := make(map[int]string, len(emails))
	for id, email := range emails {
		copied[id] = email
	}
	return &StaticResolver{emails: copied}
}

// Resolve returns the email for the service, or "" when the service is unknown
func (r *StaticResolver) Resolve(_ context.Context, serviceID int) (string, error) {
	return r.emails[serviceID], nil
}
