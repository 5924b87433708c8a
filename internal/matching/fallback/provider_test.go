package fallback

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/internal/matching/providers"
)

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	data, ok := m[url]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func spread() []byte {
	out := make([]byte, 256)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestProvider_QualityKinds(t *testing.T) {
	ctx := context.Background()
	p := New(mapFetcher{
		"mem://voice/good":    spread(),
		"mem://voice/silence": make([]byte, 128),
		"mem://voice/empty":   {},
	})

	t.Run("varied sample is accepted without a transcript", func(t *testing.T) {
		res, err := p.Match(ctx, providers.MatchRequest{Kind: providers.KindVoiceSample, PayloadURL: "mem://voice/good"})
		require.NoError(t, err)
		assert.True(t, res.IsMatch)
		assert.Equal(t, ProviderID, res.Provider)
		assert.Nil(t, res.Transcribed)
		assert.InDelta(t, 1.0, res.Score, 1e-9)
	})

	t.Run("silence is low quality", func(t *testing.T) {
		res, err := p.Match(ctx, providers.MatchRequest{Kind: providers.KindLiveness, PayloadURL: "mem://voice/silence"})
		require.NoError(t, err)
		assert.False(t, res.IsMatch)
	})

	t.Run("empty payload is invalid", func(t *testing.T) {
		_, err := p.Match(ctx, providers.MatchRequest{Kind: providers.KindVoiceSample, PayloadURL: "mem://voice/empty"})
		assert.True(t, providers.IsInvalidPayload(err))
	})

	t.Run("unreadable payload is internal", func(t *testing.T) {
		_, err := p.Match(ctx, providers.MatchRequest{Kind: providers.KindVoiceSample, PayloadURL: "mem://voice/missing"})
		assert.Equal(t, providers.ErrorInternal, providers.GetCategory(err))
	})

	t.Run("document is accepted without tamper detection", func(t *testing.T) {
		res, err := p.Match(ctx, providers.MatchRequest{Kind: providers.KindDocument, PayloadURL: "mem://voice/good"})
		require.NoError(t, err)
		assert.True(t, res.IsMatch)
		assert.Nil(t, res.TamperFlag)
		require.NotNil(t, res.QualityScore)
	})
}

func TestProvider_EnrollAndVerify(t *testing.T) {
	ctx := context.Background()
	low := bytes.Repeat([]byte{0x01, 0x12, 0x23}, 50)
	high := bytes.Repeat([]byte{0xF1, 0xE2, 0xD3}, 50)
	fetcher := mapFetcher{
		"s1": low, "s2": low, "s3": low,
		"same":  low,
		"other": high,
	}
	p := New(fetcher)

	enrolled, err := p.Enroll(ctx, []string{"s1", "s2", "s3"})
	require.NoError(t, err)
	assert.True(t, IsModelRef(enrolled.ModelRef))
	assert.InDelta(t, 1.0, enrolled.Score, 1e-9)

	t.Run("same voice matches", func(t *testing.T) {
		res, err := p.Match(ctx, providers.MatchRequest{
			Kind: providers.KindVoiceVerify, PayloadURL: "same", ReferenceModel: enrolled.ModelRef,
		})
		require.NoError(t, err)
		assert.True(t, res.IsMatch)
		assert.Greater(t, res.Score, 0.99)
	})

	t.Run("different voice does not match", func(t *testing.T) {
		res, err := p.Match(ctx, providers.MatchRequest{
			Kind: providers.KindVoiceVerify, PayloadURL: "other", ReferenceModel: enrolled.ModelRef,
		})
		require.NoError(t, err)
		assert.False(t, res.IsMatch)
		assert.Less(t, res.Score, 0.5)
	})

	t.Run("foreign model is rebuilt from samples", func(t *testing.T) {
		res, err := p.Match(ctx, providers.MatchRequest{
			Kind:             providers.KindVoiceVerify,
			PayloadURL:       "same",
			ReferenceModel:   "vendor-model-42",
			ReferenceSamples: []string{"s1", "s2", "s3"},
		})
		require.NoError(t, err)
		assert.True(t, res.IsMatch)
	})

	t.Run("foreign model without samples is bad data", func(t *testing.T) {
		_, err := p.Match(ctx, providers.MatchRequest{
			Kind: providers.KindVoiceVerify, PayloadURL: "same", ReferenceModel: "vendor-model-42",
		})
		assert.Equal(t, providers.ErrorBadData, providers.GetCategory(err))
	})

	t.Run("corrupt model is bad data", func(t *testing.T) {
		_, err := p.Match(ctx, providers.MatchRequest{
			Kind: providers.KindVoiceVerify, PayloadURL: "same", ReferenceModel: modelPrefix + "AAAA",
		})
		assert.Equal(t, providers.ErrorBadData, providers.GetCategory(err))
	})

	t.Run("threshold option", func(t *testing.T) {
		strict := New(fetcher, WithThreshold(1.0))
		res, err := strict.Match(ctx, providers.MatchRequest{
			Kind: providers.KindVoiceVerify, PayloadURL: "other", ReferenceModel: enrolled.ModelRef,
		})
		require.NoError(t, err)
		assert.False(t, res.IsMatch)
	})
}

func TestFingerprintEncodeRoundTrip(t *testing.T) {
	fp := fingerprintOf(spread())
	decoded, err := decode(fp.Encode())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, fp.Cosine(decoded), 1e-6)
}
