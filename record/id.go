package record

import "github.com/google/uuid"

// NewID generates a collision-resistant record id. Callers are free to
// supply their own ids (spec.md §3 treats id as client-generated); this
// helper matches the role github.com/google/uuid plays in the reference
// SDK's instance-id generation.
func NewID() string {
	return uuid.New().String()
}
