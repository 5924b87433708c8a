// Package httputil holds JSON response helpers shared by handlers and middleware.
package httputil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	dErrors "veriflow/pkg/domain-errors"
)

// MaxBodyBytes caps request bodies. Captures arrive base64-encoded inline.
const MaxBodyBytes = 16 << 20

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Remaining        *int   `json:"remaining_attempts,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its status and writes the error envelope.
// Internal errors never leak their description.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err, nil)
}

// WriteErrorWithRemaining writes the error envelope plus the remaining attempt
// count, used for lockout responses.
func WriteErrorWithRemaining(w http.ResponseWriter, err error, remaining int) {
	writeError(w, err, &remaining)
}

func writeError(w http.ResponseWriter, err error, remaining *int) {
	code := dErrors.GetCode(err)
	resp := errorResponse{Error: string(code), Remaining: remaining}
	if code != dErrors.CodeInternal {
		resp.ErrorDescription = dErrors.Message(err)
	}
	WriteJSON(w, dErrors.StatusCode(err), resp)
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// Validatable is implemented by request bodies that normalize and check
// themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeAndPrepare decodes and validates a request body of type T. On failure
// it writes the error response and returns ok=false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	req := new(T)
	if err := DecodeJSON(r, req); err != nil {
		logger.WarnContext(ctx, "failed to decode request",
			"error", err,
			"request_id", requestID,
		)
		WriteError(w, err)
		return nil, false
	}
	if err := PT(req).Validate(); err != nil {
		logger.WarnContext(ctx, "invalid request",
			"error", err,
			"request_id", requestID,
		)
		WriteError(w, err)
		return nil, false
	}
	return req, true
}
