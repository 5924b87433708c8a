package providers

import "context"

//go:generate mockgen -source=provider.go -destination=mocks/mocks.go -package=mocks Provider

// Kind selects the comparison a provider performs.
type Kind string

const (
	// KindVoiceSample checks one enrollment recording for quality and
	// transcribes it.
	KindVoiceSample Kind = "voice_sample"
	// KindVoiceVerify compares a recording against an enrolled voice model.
	KindVoiceVerify Kind = "voice_verify"
	KindLiveness    Kind = "liveness"
	KindDocument    Kind = "document"
)

func (k Kind) IsDocument() bool { return k == KindDocument }

// MatchRequest is one comparison. ReferenceModel is empty for kinds that
// have no enrolled reference. ReferenceSamples lets a comparator that cannot
// read another provider's model rebuild its own reference.
type MatchRequest struct {
	Kind             Kind
	PayloadURL       string
	ReferenceModel   string
	ReferenceSamples []string
	Expected         string
}

// MatchResult is a provider verdict. Transcribed and TamperFlag are nil when
// the serving provider lacks that capability.
type MatchResult struct {
	IsMatch       bool
	Score         float64
	Provider      string
	Transcribed   *string
	TamperFlag    *bool
	ExtractedText string
	QualityScore  *float64

	// Degraded is set when a configured primary failed and the fallback
	// served the result. FallbackReason names the primary's failure category.
	Degraded       bool
	FallbackReason string
}

// EnrollResult is the fused voice model for a completed enrollment.
type EnrollResult struct {
	ModelRef string
	Score    float64
	Provider string

	Degraded       bool
	FallbackReason string
}

// Provider is the interface both the remote matching services and the
// internal-fingerprint comparator implement.
type Provider interface {
	// ID returns a unique identifier for this provider instance
	ID() string

	Match(ctx context.Context, req MatchRequest) (*MatchResult, error)

	// Enroll fuses enrollment samples into a reference voice model.
	Enroll(ctx context.Context, sampleURLs []string) (*EnrollResult, error)
}
