// Package domain holds typed identifiers shared across modules.
//
// Each identifier wraps a UUID in its own named type so a user id can never be
// passed where a verification request id is expected.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "veriflow/pkg/domain-errors"
)

// UserID identifies an Identity Record. It is issued by the Identity Provider.
type UserID uuid.UUID

// RequestID identifies a Verification Request (admin aggregate).
type RequestID uuid.UUID

// AdminID identifies the operator acting in the admin panel.
type AdminID uuid.UUID

const maxIDLength = 64

func parseUUID(s, kind string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is malformed")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, kind+" is malformed")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return parsed, nil
}

func ParseUserID(s string) (UserID, error) {
	parsed, err := parseUUID(s, "user id")
	return UserID(parsed), err
}

func ParseRequestID(s string) (RequestID, error) {
	parsed, err := parseUUID(s, "request id")
	return RequestID(parsed), err
}

func ParseAdminID(s string) (AdminID, error) {
	parsed, err := parseUUID(s, "admin id")
	return AdminID(parsed), err
}

func NewRequestID() RequestID { return RequestID(uuid.New()) }

func (u UserID) String() string    { return uuid.UUID(u).String() }
func (u UserID) IsNil() bool       { return uuid.UUID(u) == uuid.Nil }
func (r RequestID) String() string { return uuid.UUID(r).String() }
func (r RequestID) IsNil() bool    { return uuid.UUID(r) == uuid.Nil }
func (a AdminID) String() string   { return uuid.UUID(a).String() }
func (a AdminID) IsNil() bool      { return uuid.UUID(a) == uuid.Nil }

func (u UserID) MarshalText() ([]byte, error)    { return []byte(u.String()), nil }
func (r RequestID) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
func (a AdminID) MarshalText() ([]byte, error)   { return []byte(a.String()), nil }

// UnmarshalText accepts any well-formed UUID, including the nil id carried
// by zero-valued snapshots. Inbound ids from callers go through the Parse
// functions instead.
func (u *UserID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "user id is malformed")
	}
	*u = UserID(parsed)
	return nil
}

func (r *RequestID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "request id is malformed")
	}
	*r = RequestID(parsed)
	return nil
}
