package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operation is the kind of change carried by a message.
type Operation string

const (
	OperationInit    Operation = "init"
	OperationInsert  Operation = "insert"
	OperationUpdate  Operation = "update"
	OperationReplace Operation = "replace"
	OperationDelete  Operation = "delete"
)

// ParseOperation normalizes a raw operation name reported by a change source.
// Init is never a valid feed operation; it only appears in snapshot messages.
func ParseOperation(raw string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(raw))); op {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
	}
}

// ResumeToken is an opaque feed cursor issued by a ChangeSource.
// It is only meaningful to the source that issued it.
type ResumeToken []byte

// Position orders notifications within one source's feed.
// The zero value means the source could not tell.
type Position struct {
	Major uint64
	Minor uint64
}

func (p Position) IsZero() bool {
	return p.Major == 0 && p.Minor == 0
}

// Compare returns -1, 0 or 1 depending on whether p sorts before, equal to or after o.
func (p Position) Compare(o Position) int {
	switch {
	case p.Major < o.Major:
		return -1
	case p.Major > o.Major:
		return 1
	case p.Minor < o.Minor:
		return -1
	case p.Minor > o.Minor:
		return 1
	default:
		return 0
	}
}

// CoveredBy reports whether a change at p is already reflected in a snapshot taken at snap.
// Unknown positions are never considered covered.
func (p Position) CoveredBy(snap Position) bool {
	if p.IsZero() || snap.IsZero() {
		return false
	}
	return p.Compare(snap) <= 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d-%d", p.Major, p.Minor)
}

// Notification is a raw change as read from a feed, before normalization.
type Notification struct {
	Operation string
	Key       json.RawMessage
	Document  json.RawMessage
	Token     ResumeToken
	At        Position
}

// ChangeEvent is a normalized change ready for fan-out.
// For deletes Document holds the identifying key alone.
type ChangeEvent struct {
	Operation Operation
	Key       json.RawMessage
	Document  json.RawMessage
	Token     ResumeToken
	At        Position
}

// Message is the wire form sent to subscribers.
type Message struct {
	Operation Operation       `json:"operation"`
	Document  json.RawMessage `json:"document"`
}

// Message returns the wire form of the event.
func (e ChangeEvent) Message() Message {
	return Message{Operation: e.Operation, Document: e.Document}
}

// SnapshotMessage wraps a document read during the snapshot phase.
func SnapshotMessage(doc json.RawMessage) Message {
	return Message{Operation: OperationInit, Document: doc}
}
