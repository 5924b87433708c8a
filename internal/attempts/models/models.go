package models

import (
	"fmt"
	"time"

	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
)

// Step names a ledger-governed verification step.
type Step string

const (
	StepVoiceVerify Step = "voice_verify"
	StepVoiceLogin  Step = "voice_login"
	StepLiveness    Step = "liveness"
)

func ParseStep(s string) (Step, error) {
	switch Step(s) {
	case StepVoiceVerify, StepVoiceLogin, StepLiveness:
		return Step(s), nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown step: "+s)
	}
}

// Key identifies one counter.
type Key struct {
	UserID id.UserID
	Step   Step
}

func NewKey(userID id.UserID, step Step) Key {
	return Key{UserID: userID, Step: step}
}

func (k Key) String() string {
	return fmt.Sprintf("attempts:%s:%s", k.UserID, k.Step)
}

// Counter is the Attempt Counter for one (user, step). Remaining never goes
// negative and only moves up on success or an operator reset. InFlight
// counts reservations that have not reported an outcome; they lapse at
// LeaseUntil so a crashed caller cannot wedge the counter.
type Counter struct {
	UserID     id.UserID `json:"user_id"`
	Step       Step      `json:"step"`
	Remaining  int       `json:"remaining"`
	Max        int       `json:"max"`
	InFlight   int       `json:"in_flight"`
	LeaseUntil time.Time `json:"lease_until"`
	Completed  bool      `json:"completed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewCounter(key Key, limit int, now time.Time) *Counter {
	return &Counter{
		UserID:    key.UserID,
		Step:      key.Step,
		Remaining: limit,
		Max:       limit,
		UpdatedAt: now,
	}
}

// Reservation is the result of a consume.
type Reservation struct {
	Allowed    bool
	Remaining  int
	InProgress bool
}

func (c *Counter) expireLease(now time.Time) {
	if c.InFlight > 0 && !now.Before(c.LeaseUntil) {
		c.InFlight = 0
	}
}

// Available is remaining minus live reservations.
func (c *Counter) Available(now time.Time) int {
	c.expireLease(now)
	return max(c.Remaining-c.InFlight, 0)
}

// Reserve takes one in-flight unit when one is available.
func (c *Counter) Reserve(now time.Time, lease time.Duration) Reservation {
	c.expireLease(now)
	if c.Remaining <= 0 {
		return Reservation{Allowed: false, Remaining: 0}
	}
	if c.Remaining-c.InFlight <= 0 {
		return Reservation{Allowed: false, Remaining: c.Remaining, InProgress: true}
	}
	c.InFlight++
	c.LeaseUntil = now.Add(lease)
	c.UpdatedAt = now
	return Reservation{Allowed: true, Remaining: c.Remaining}
}

// Settle converts a reservation into an outcome. A failure decrements by
// exactly one; a success restores the maximum and marks the step complete.
func (c *Counter) Settle(success bool, now time.Time) {
	c.expireLease(now)
	if c.InFlight > 0 {
		c.InFlight--
	}
	if success {
		c.Remaining = c.Max
		c.Completed = true
	} else if c.Remaining > 0 {
		c.Remaining--
	}
	c.UpdatedAt = now
}

// Release drops a reservation without counting it as an attempt.
func (c *Counter) Release(now time.Time) {
	c.expireLease(now)
	if c.InFlight > 0 {
		c.InFlight--
	}
	c.UpdatedAt = now
}

// Reset restores the counter to max and clears reservations.
func (c *Counter) Reset(limit int, now time.Time) {
	c.Max = limit
	c.Remaining = limit
	c.InFlight = 0
	c.LeaseUntil = time.Time{}
	c.UpdatedAt = now
}

func (c *Counter) Clone() *Counter {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
