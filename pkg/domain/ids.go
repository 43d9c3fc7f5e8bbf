// Package domain defines the typed identifiers shared across the engine.
//
// Every aggregate gets its own UUID-backed type so the compiler rejects
// cross-type assignment (passing a TaskID where a RequestID is expected
// fails to compile). Parse helpers enforce the invariant that IDs are
// valid, non-nil UUIDs at trust boundaries.
package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidID is returned (wrapped) when an identifier fails to parse.
var ErrInvalidID = errors.New("invalid id")

type (
	// RequestID identifies one privacy request.
	RequestID uuid.UUID
	// TaskID identifies one request task (a DAG node).
	TaskID uuid.UUID
	// PolicyID identifies the policy attached to a request.
	PolicyID uuid.UUID
)

// NewRequestID returns a fresh random RequestID.
func NewRequestID() RequestID { return RequestID(uuid.New()) }

// NewTaskID returns a fresh random TaskID.
func NewTaskID() TaskID { return TaskID(uuid.New()) }

// NewPolicyID returns a fresh random PolicyID.
func NewPolicyID() PolicyID { return PolicyID(uuid.New()) }

func (id RequestID) String() string { return uuid.UUID(id).String() }
func (id TaskID) String() string    { return uuid.UUID(id).String() }
func (id PolicyID) String() string  { return uuid.UUID(id).String() }

// IsNil reports whether the ID is the zero UUID.
func (id RequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// IsNil reports whether the ID is the zero UUID.
func (id TaskID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText renders the canonical UUID string; defined types do not
// inherit uuid.UUID's marshalers, so JSON embedding needs these explicitly.
func (id RequestID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id TaskID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id PolicyID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText parses the canonical UUID string.
func (id *RequestID) UnmarshalText(b []byte) error {
	parsed, err := ParseRequestID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UnmarshalText parses the canonical UUID string.
func (id *TaskID) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UnmarshalText parses the canonical UUID string.
func (id *PolicyID) UnmarshalText(b []byte) error {
	parsed, err := ParsePolicyID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseRequestID parses and validates a request identifier.
func ParseRequestID(raw string) (RequestID, error) {
	parsed, err := parseUUID(raw)
	if err != nil {
		return RequestID{}, fmt.Errorf("parse request id: %w", err)
	}
	return RequestID(parsed), nil
}

// ParseTaskID parses and validates a task identifier.
func ParseTaskID(raw string) (TaskID, error) {
	parsed, err := parseUUID(raw)
	if err != nil {
		return TaskID{}, fmt.Errorf("parse task id: %w", err)
	}
	return TaskID(parsed), nil
}

// ParsePolicyID parses and validates a policy identifier.
func ParsePolicyID(raw string) (PolicyID, error) {
	parsed, err := parseUUID(raw)
	if err != nil {
		return PolicyID{}, fmt.Errorf("parse policy id: %w", err)
	}
	return PolicyID(parsed), nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: nil uuid", ErrInvalidID)
	}
	return parsed, nil
}
