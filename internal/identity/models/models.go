package models

import (
	"strings"
	"time"
	"unicode"

	id "veriflow/pkg/domain"
)

// DateLayout is the canonical storage format for date of birth.
const DateLayout = "2006-01-02"

// Identity is the per-user Identity Record. The three step flags are set by
// Step Verifiers; AdminApproved and PaymentReleased only by Admin Review.
type Identity struct {
	ID               id.UserID
	Email            string
	Phone            string
	FullName         string
	DateOfBirth      string
	VoiceVerified    bool
	FaceVerified     bool
	DocumentVerified bool
	AdminApproved    bool
	PaymentReleased  bool
	// LivenessImageURL is the latest passing selfie, copied onto the next
	// review request that opens.
	LivenessImageURL string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewIdentity(userID id.UserID, email, phone string, now time.Time) *Identity {
	return &Identity{
		ID:        userID,
		Email:     NormalizeEmail(email),
		Phone:     NormalizePhone(phone),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ProfileCompleted is derived: name, date of birth and at least one contact.
func (i *Identity) ProfileCompleted() bool {
	return strings.TrimSpace(i.FullName) != "" &&
		strings.TrimSpace(i.DateOfBirth) != "" &&
		(i.Email != "" || i.Phone != "")
}

// AllStepsVerified reports whether voice, face and document evidence exists.
func (i *Identity) AllStepsVerified() bool {
	return i.VoiceVerified && i.FaceVerified && i.DocumentVerified
}

// BirthDate parses DateOfBirth. ok is false when it is unset or malformed.
func (i *Identity) BirthDate() (time.Time, bool) {
	t, err := time.Parse(DateLayout, i.DateOfBirth)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// ProfileUpdate carries the caller-editable profile fields. Nil fields are
// left unchanged.
type ProfileUpdate struct {
	FullName    *string
	DateOfBirth *string
	Email       *string
	Phone       *string
}

// Apply validates and applies the update in place. Callers pass a clone so a
// rejected update leaves the stored record untouched.
func (u ProfileUpdate) Apply(identity *Identity, now time.Time) error {
	if u.FullName != nil {
		identity.FullName = strings.Join(strings.Fields(*u.FullName), " ")
	}
	if u.DateOfBirth != nil {
		dob := strings.TrimSpace(*u.DateOfBirth)
		if dob != "" {
			parsed, err := time.Parse(DateLayout, dob)
			if err != nil {
				return errInvalidDOB
			}
			if parsed.After(now) {
				return errFutureDOB
			}
		}
		identity.DateOfBirth = dob
	}
	if u.Email != nil {
		identity.Email = NormalizeEmail(*u.Email)
	}
	if u.Phone != nil {
		identity.Phone = NormalizePhone(*u.Phone)
	}
	if identity.Email == "" && identity.Phone == "" {
		return errNoContact
	}
	identity.UpdatedAt = now
	return nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeIdentifier normalizes a login identifier and reports whether it
// is an email address.
func NormalizeIdentifier(identifier string) (normalized string, isEmail bool) {
	if strings.Contains(identifier, "@") {
		return NormalizeEmail(identifier), true
	}
	return NormalizePhone(identifier), false
}
