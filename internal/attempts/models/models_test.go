package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "veriflow/pkg/domain"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newCounter() *Counter {
	return NewCounter(NewKey(id.UserID(uuid.New()), StepVoiceLogin), 3, t0)
}

func TestCounterReservation(t *testing.T) {
	t.Run("live reservation blocks the last unit", func(t *testing.T) {
		c := newCounter()
		c.Remaining = 1

		first := c.Reserve(t0, 30*time.Second)
		require.True(t, first.Allowed)

		second := c.Reserve(t0.Add(time.Second), 30*time.Second)
		assert.False(t, second.Allowed)
		assert.True(t, second.InProgress)
		assert.Equal(t, 1, second.Remaining)
	})

	t.Run("lapsed lease frees the unit", func(t *testing.T) {
		c := newCounter()
		c.Remaining = 1
		require.True(t, c.Reserve(t0, 30*time.Second).Allowed)

		later := c.Reserve(t0.Add(31*time.Second), 30*time.Second)
		assert.True(t, later.Allowed)
		assert.Equal(t, 1, c.InFlight)
	})

	t.Run("zero remaining fails closed", func(t *testing.T) {
		c := newCounter()
		c.Remaining = 0
		r := c.Reserve(t0, time.Second)
		assert.False(t, r.Allowed)
		assert.False(t, r.InProgress)
		assert.Zero(t, r.Remaining)
	})
}

func TestCounterSettle(t *testing.T) {
	c := newCounter()
	for i := 0; i < 3; i++ {
		require.True(t, c.Reserve(t0, time.Minute).Allowed)
		c.Settle(false, t0)
	}
	assert.Zero(t, c.Remaining)
	assert.Zero(t, c.InFlight)

	c.Settle(false, t0)
	assert.Zero(t, c.Remaining, "never negative")

	c.Reset(3, t0)
	require.True(t, c.Reserve(t0, time.Minute).Allowed)
	c.Settle(true, t0)
	assert.Equal(t, 3, c.Remaining)
	assert.True(t, c.Completed)
}

func TestCounterRelease(t *testing.T) {
	c := newCounter()
	require.True(t, c.Reserve(t0, time.Minute).Allowed)
	c.Release(t0)
	assert.Equal(t, 3, c.Remaining)
	assert.Equal(t, 3, c.Available(t0))
}

func TestParseStep(t *testing.T) {
	step, err := ParseStep("liveness")
	require.NoError(t, err)
	assert.Equal(t, StepLiveness, step)

	_, err = ParseStep("voice_enroll")
	require.Error(t, err)
}
