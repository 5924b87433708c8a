package fallback

import (
	"context"

	"veriflow/internal/matching/providers"
)

// ProviderID is the provider name recorded on results this comparator serves.
const ProviderID = "internal-fingerprint"

const (
	defaultThreshold  = 0.92
	defaultMinQuality = 0.1
)

// Fetcher reads back a stored payload. The blob store satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Provider struct {
	fetcher    Fetcher
	threshold  float64
	minQuality float64
}

type Option func(*Provider)

// WithThreshold sets the cosine similarity a voice_verify comparison must reach.
func WithThreshold(t float64) Option {
	return func(p *Provider) {
		if t > 0 && t <= 1 {
			p.threshold = t
		}
	}
}

// WithMinQuality sets the entropy floor below which a capture is rejected.
func WithMinQuality(q float64) Option {
	return func(p *Provider) {
		if q >= 0 && q < 1 {
			p.minQuality = q
		}
	}
}

func New(fetcher Fetcher, opts ...Option) *Provider {
	p := &Provider{
		fetcher:    fetcher,
		threshold:  defaultThreshold,
		minQuality: defaultMinQuality,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) Match(ctx context.Context, req providers.MatchRequest) (*providers.MatchResult, error) {
	data, err := p.load(ctx, req.PayloadURL)
	if err != nil {
		return nil, err
	}
	fp := fingerprintOf(data)
	q := quality(data)

	result := &providers.MatchResult{Provider: ProviderID}
	switch req.Kind {
	case providers.KindVoiceSample, providers.KindLiveness:
		result.Score = q
		result.IsMatch = q >= p.minQuality
		result.QualityScore = &q
	case providers.KindVoiceVerify:
		ref, err := p.reference(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Score = fp.Cosine(ref)
		result.IsMatch = result.Score >= p.threshold
	case providers.KindDocument:
		// No OCR or tamper detection: the document is accepted and its
		// quality reported for the reviewer.
		result.Score = q
		result.IsMatch = true
		result.QualityScore = &q
	default:
		return nil, providers.NewProviderError(providers.ErrorContractMismatch, ProviderID,
			"unsupported match kind "+string(req.Kind), nil)
	}
	return result, nil
}

func (p *Provider) Enroll(ctx context.Context, sampleURLs []string) (*providers.EnrollResult, error) {
	fused, err := p.fuse(ctx, sampleURLs)
	if err != nil {
		return nil, err
	}
	return &providers.EnrollResult{
		ModelRef: fused.model.Encode(),
		Score:    fused.score,
		Provider: ProviderID,
	}, nil
}

type fused struct {
	model Fingerprint
	score float64
}

func (p *Provider) fuse(ctx context.Context, urls []string) (fused, error) {
	if len(urls) == 0 {
		return fused{}, providers.NewProviderError(providers.ErrorInvalidPayload, ProviderID, "no samples to fuse", nil)
	}
	fps := make([]Fingerprint, 0, len(urls))
	for _, url := range urls {
		data, err := p.load(ctx, url)
		if err != nil {
			return fused{}, err
		}
		fps = append(fps, fingerprintOf(data))
	}
	model := mean(fps)
	var total float64
	for _, fp := range fps {
		total += fp.Cosine(model)
	}
	return fused{model: model, score: total / float64(len(fps))}, nil
}

// reference resolves the enrolled model. A model owned by another provider is
// rebuilt from the enrollment samples when they are supplied.
func (p *Provider) reference(ctx context.Context, req providers.MatchRequest) (Fingerprint, error) {
	if IsModelRef(req.ReferenceModel) {
		ref, err := decode(req.ReferenceModel)
		if err != nil {
			return Fingerprint{}, providers.NewProviderError(providers.ErrorBadData, ProviderID, "unreadable reference model", err)
		}
		return ref, nil
	}
	if len(req.ReferenceSamples) > 0 {
		f, err := p.fuse(ctx, req.ReferenceSamples)
		if err != nil {
			return Fingerprint{}, err
		}
		return f.model, nil
	}
	return Fingerprint{}, providers.NewProviderError(providers.ErrorBadData, ProviderID, "no usable reference model", nil)
}

func (p *Provider) load(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, providers.NewProviderError(providers.ErrorInvalidPayload, ProviderID, "payload url is empty", nil)
	}
	data, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorInternal, ProviderID, "failed to read payload", err)
	}
	if len(data) == 0 {
		return nil, providers.NewProviderError(providers.ErrorInvalidPayload, ProviderID, "payload is empty", nil)
	}
	return data, nil
}
