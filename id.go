package querycore

import (
	"github.com/google/uuid"
)

// NewJobID generates a UUIDv7 (time-ordered) identifier for export jobs.
// Time-ordered ids keep artifact directory listings in creation order.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// IsValidJobID checks if a string is a valid UUID
func IsValidJobID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
