package models

import (
	"fmt"
	"time"

	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// RequiredSamples is the number of accepted samples fused into a voice model.
const RequiredSamples = 3

type EnrollmentState string

const (
	EnrollmentNotStarted EnrollmentState = "not_started"
	EnrollmentSample1    EnrollmentState = "sample_1_captured"
	EnrollmentSample2    EnrollmentState = "sample_2_captured"
	EnrollmentSample3    EnrollmentState = "sample_3_captured"
	EnrollmentEnrolled   EnrollmentState = "enrolled"
)

// VoiceSample is one accepted enrollment recording.
type VoiceSample struct {
	Index      int       `json:"index"`
	URL        string    `json:"url"`
	Score      float64   `json:"score"`
	Provider   string    `json:"provider"`
	CapturedAt time.Time `json:"captured_at"`
}

// VoiceProfile tracks enrollment. IsEnrolled implies RequiredSamples samples.
type VoiceProfile struct {
	UserID         id.UserID
	IsEnrolled     bool
	ModelRef       string
	Samples        []VoiceSample
	LastMatchScore *float64
	LastProvider   string
	EnrolledAt     *time.Time
	UpdatedAt      time.Time
}

func NewVoiceProfile(userID id.UserID, now time.Time) *VoiceProfile {
	return &VoiceProfile{UserID: userID, UpdatedAt: now}
}

func (p *VoiceProfile) SampleCount() int {
	if p == nil {
		return 0
	}
	return len(p.Samples)
}

func (p *VoiceProfile) State() EnrollmentState {
	switch {
	case p == nil || len(p.Samples) == 0:
		return EnrollmentNotStarted
	case p.IsEnrolled:
		return EnrollmentEnrolled
	case len(p.Samples) == 1:
		return EnrollmentSample1
	case len(p.Samples) == 2:
		return EnrollmentSample2
	default:
		return EnrollmentSample3
	}
}

// CanAccept reports whether a sample with this index is next in order. The
// final sample may be resubmitted until fusion succeeds.
func (p *VoiceProfile) CanAccept(index int) bool {
	if p.IsEnrolled {
		return false
	}
	count := len(p.Samples)
	if index == count+1 && index <= RequiredSamples {
		return true
	}
	return index == RequiredSamples && count == RequiredSamples
}

// AddSample appends (or replaces the final) sample.
func (p *VoiceProfile) AddSample(sample VoiceSample) error {
	if !p.CanAccept(sample.Index) {
		return fmt.Errorf("%w: sample %d after %d captured", sentinel.ErrInvalidState, sample.Index, len(p.Samples))
	}
	if sample.Index <= len(p.Samples) {
		p.Samples[sample.Index-1] = sample
	} else {
		p.Samples = append(p.Samples, sample)
	}
	p.recordScore(sample.Score, sample.Provider, sample.CapturedAt)
	return nil
}

func (p *VoiceProfile) MarkEnrolled(modelRef string, score float64, provider string, now time.Time) error {
	if len(p.Samples) < RequiredSamples {
		return fmt.Errorf("%w: enrollment needs %d samples, have %d", sentinel.ErrInvalidState, RequiredSamples, len(p.Samples))
	}
	p.IsEnrolled = true
	p.ModelRef = modelRef
	p.EnrolledAt = &now
	p.recordScore(score, provider, now)
	return nil
}

func (p *VoiceProfile) RecordMatch(score float64, provider string, now time.Time) {
	p.recordScore(score, provider, now)
}

func (p *VoiceProfile) SampleURLs() []string {
	urls := make([]string, len(p.Samples))
	for i, s := range p.Samples {
		urls[i] = s.URL
	}
	return urls
}

func (p *VoiceProfile) recordScore(score float64, provider string, now time.Time) {
	p.LastMatchScore = &score
	p.LastProvider = provider
	p.UpdatedAt = now
}

func (p *VoiceProfile) Clone() *VoiceProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Samples = append([]VoiceSample(nil), p.Samples...)
	if p.LastMatchScore != nil {
		v := *p.LastMatchScore
		c.LastMatchScore = &v
	}
	if p.EnrolledAt != nil {
		v := *p.EnrolledAt
		c.EnrolledAt = &v
	}
	return &c
}
