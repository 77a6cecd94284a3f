package core

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque unique identifier in UUID form.
type ID string

func (i ID) String() string { return string(i) }

func (i ID) IsZero() bool { return i == "" }

// NewID generates a new random ID.
func NewID() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("core: generate id: %w", err)
	}
	return ID(u.String()), nil
}

// MustNewID generates a new ID and panics on failure.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates the given string as an ID.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("core: id must not be empty")
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("core: invalid id %q: %w", s, err)
	}
	return ID(s), nil
}
