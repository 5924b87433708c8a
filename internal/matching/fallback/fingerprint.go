// Package fallback implements the internal-fingerprint comparator the adapter
// falls back to when a primary provider cannot answer.
//
// The fingerprint is a 16-bin histogram over the high nibble of every payload
// byte, L2-normalized. It is deterministic and always available, but weak: it
// cannot transcribe speech or detect document tampering.
package fallback

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	bins         = 16
	modelPrefix  = "ifp:v1:"
	encodedBytes = bins * 4
)

type Fingerprint [bins]float64

func fingerprintOf(data []byte) Fingerprint {
	var fp Fingerprint
	for _, b := range data {
		fp[b>>4]++
	}
	return fp.normalized()
}

func (fp Fingerprint) normalized() Fingerprint {
	var sum float64
	for _, v := range fp {
		sum += v * v
	}
	if sum == 0 {
		return fp
	}
	norm := math.Sqrt(sum)
	for i := range fp {
		fp[i] /= norm
	}
	return fp
}

// Cosine returns the cosine similarity of two normalized fingerprints,
// clamped to [0,1].
func (fp Fingerprint) Cosine(other Fingerprint) float64 {
	var dot float64
	for i := range fp {
		dot += fp[i] * other[i]
	}
	return math.Max(0, math.Min(1, dot))
}

// quality is the Shannon entropy of the nibble distribution scaled to [0,1].
// Silence and blank images score near zero.
func quality(data []byte) float64 {
	var counts [bins]int
	for _, b := range data {
		counts[b>>4]++
	}
	total := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(bins)
}

func mean(fps []Fingerprint) Fingerprint {
	var out Fingerprint
	for _, fp := range fps {
		for i := range fp {
			out[i] += fp[i]
		}
	}
	return out.normalized()
}

// Encode renders the fingerprint as an opaque model reference.
func (fp Fingerprint) Encode() string {
	buf := make([]byte, 0, encodedBytes)
	for _, v := range fp {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	}
	return modelPrefix + base64.RawURLEncoding.EncodeToString(buf)
}

// IsModelRef reports whether ref was produced by this comparator.
func IsModelRef(ref string) bool {
	return strings.HasPrefix(ref, modelPrefix)
}

func decode(ref string) (Fingerprint, error) {
	var fp Fingerprint
	encoded, ok := strings.CutPrefix(ref, modelPrefix)
	if !ok {
		return fp, fmt.Errorf("model reference is not an internal fingerprint")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fp, fmt.Errorf("decode model reference: %w", err)
	}
	if len(raw) != encodedBytes {
		return fp, fmt.Errorf("model reference has %d bytes, want %d", len(raw), encodedBytes)
	}
	r := bytes.NewReader(raw)
	for i := range fp {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return fp, fmt.Errorf("read model reference: %w", err)
		}
		fp[i] = float64(math.Float32frombits(bits))
	}
	return fp, nil
}
