package core

import "github.com/google/uuid"

// NewID returns a fresh unique identifier for messages, plans and queries.
func NewID() string {
	return uuid.New().String()
}
