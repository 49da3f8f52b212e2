package objectstore

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7. The ids sort by creation time, so ordering by
// _id lists records oldest first.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// IsValidID reports whether s is a UUID.
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
