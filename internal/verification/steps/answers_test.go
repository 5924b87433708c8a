package steps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPhraseMatches(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		expected   string
		want       bool
	}{
		{"exact", "Ada Lovelace", "Ada Lovelace", true},
		{"case and punctuation", "ada, lovelace.", "Ada Lovelace", true},
		{"contained", "my name is Ada Lovelace", "Ada Lovelace", true},
		{"partial word is not enough", "Adam Lovelace", "Ada Lovelace", false},
		{"different", "Grace Hopper", "Ada Lovelace", false},
		{"empty expected", "anything", "  ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, phraseMatches(tt.transcript, tt.expected))
		})
	}
}

func TestDateMatches(t *testing.T) {
	dob := time.Date(1815, time.December, 10, 0, 0, 0, 0, time.UTC)
	accepted := []string{
		"December 10, 1815",
		"the 10th of December 1815",
		"10 December 1815",
		"Dec 10 1815",
		"1815-12-10",
		"12/10/1815",
		"10/12/1815",
		"I was born on december tenth... no, December 10th, 1815",
	}
	for _, transcript := range accepted {
		assert.True(t, dateMatches(transcript, dob), transcript)
	}

	rejected := []string{"December 11, 1815", "1816-12-10", "December 1815", "110 December 1815"}
	for _, transcript := range rejected {
		assert.False(t, dateMatches(transcript, dob), transcript)
	}
}

func TestDateMatchesSingleDigits(t *testing.T) {
	d := time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC)
	assert.True(t, dateMatches("March 4th, 2026", d))
	assert.True(t, dateMatches("03/04/2026", d))
	assert.True(t, dateMatches("3-4-2026", d))
	assert.True(t, dateMatches("2026-03-04", d))
}
