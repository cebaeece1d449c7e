// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// GuestIDPrefix marks identities generated locally for guest sessions.
const GuestIDPrefix = "guest-"

// UserID is an opaque stable identifier: a durable-account id handed over by
// the identity provider, or a locally generated guest id.
type UserID string

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// IsEmpty checks if the ID is empty.
func (u UserID) IsEmpty() bool {
	return u == ""
}

// IsGuest reports whether the id was generated for a guest session.
func (u UserID) IsGuest() bool {
	return strings.HasPrefix(string(u), GuestIDPrefix)
}

// NewUserID trims and validates a durable identity.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if uid.IsEmpty() {
		return "", NewDomainError("shared", "NewUserID", ErrEmptyValue, "user id is empty")
	}
	if len(uid) > 128 {
		return "", NewDomainError("shared", "NewUserID", ErrInvalidID, "user id is too long")
	}
	return uid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Score Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Score is a lesson or quiz result in percent.
type Score int

const (
	MinScore Score = 0
	MaxScore Score = 100
)

// IsValid checks if the score is within [0, 100].
func (s Score) IsValid() bool {
	return s >= MinScore && s <= MaxScore
}

// Int returns the underlying int value.
func (s Score) Int() int {
	return int(s)
}

// NewScore creates a Score with validation.
func NewScore(v int) (Score, error) {
	s := Score(v)
	if !s.IsValid() {
		return 0, ErrScoreOutOfRange
	}
	return s, nil
}
