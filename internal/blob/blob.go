// Package blob is the Blob Store collaborator: it turns capture payloads
// (raw bytes or base64) into durable URLs the matching providers can read.
package blob

import (
	"encoding/base64"
	"strings"

	dErrors "veriflow/pkg/domain-errors"
)

// MaxPayloadBytes bounds a single decoded capture.
const MaxPayloadBytes = 10 << 20

type Kind string

const (
	KindVoice    Kind = "voice"
	KindLiveness Kind = "liveness"
	KindDocument Kind = "document"
)

// Payload is either raw Data or a Base64 string (optionally a data URI).
type Payload struct {
	Data        []byte
	Base64      string
	ContentType string
	Kind        Kind
}

// Bytes returns the decoded payload. Undecodable or empty input is a
// user-correctable invalid payload.
func (p Payload) Bytes() ([]byte, error) {
	if len(p.Data) > 0 {
		if len(p.Data) > MaxPayloadBytes {
			return nil, dErrors.New(dErrors.CodeInvalidPayload, "payload too large")
		}
		return p.Data, nil
	}

	encoded := strings.TrimSpace(p.Base64)
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	if encoded == "" {
		return nil, dErrors.New(dErrors.CodeInvalidPayload, "payload is empty")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxPayloadBytes {
		return nil, dErrors.New(dErrors.CodeInvalidPayload, "payload too large")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidPayload, "payload is not valid base64")
	}
	if len(data) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidPayload, "payload is empty")
	}
	return data, nil
}

func uploadFailed(err error) error {
	return dErrors.Wrap(err, dErrors.CodeUploadFailed, "failed to store payload")
}
