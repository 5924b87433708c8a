// Package httpapi is the HTTP/JSON client for a remote biometric or document
// matching service.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"veriflow/internal/matching/providers"
)

const maxResponseBytes = 1 << 20

type Client struct {
	id      string
	baseURL string
	apiKey  string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func New(id, baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ID() string { return c.id }

type matchRequest struct {
	Kind           string `json:"kind"`
	PayloadURL     string `json:"payload_url"`
	ReferenceModel string `json:"reference_model,omitempty"`
	Expected       string `json:"expected,omitempty"`
}

type matchResponse struct {
	IsMatch       bool     `json:"is_match"`
	Score         *float64 `json:"score"`
	Transcribed   *string  `json:"transcribed,omitempty"`
	TamperFlag    *bool    `json:"tamper_flag,omitempty"`
	ExtractedText string   `json:"extracted_text,omitempty"`
	QualityScore  *float64 `json:"quality_score,omitempty"`
}

type enrollRequest struct {
	SampleURLs []string `json:"sample_urls"`
}

type enrollResponse struct {
	ModelRef string   `json:"model_ref"`
	Score    *float64 `json:"score"`
}

func (c *Client) Match(ctx context.Context, req providers.MatchRequest) (*providers.MatchResult, error) {
	var resp matchResponse
	err := c.post(ctx, "/v1/match", matchRequest{
		Kind:           string(req.Kind),
		PayloadURL:     req.PayloadURL,
		ReferenceModel: req.ReferenceModel,
		Expected:       req.Expected,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Score == nil || *resp.Score < 0 || *resp.Score > 1 {
		return nil, providers.NewProviderError(providers.ErrorBadData, c.id, "score missing or outside [0, 1]", nil)
	}
	return &providers.MatchResult{
		IsMatch:       resp.IsMatch,
		Score:         *resp.Score,
		Provider:      c.id,
		Transcribed:   resp.Transcribed,
		TamperFlag:    resp.TamperFlag,
		ExtractedText: resp.ExtractedText,
		QualityScore:  resp.QualityScore,
	}, nil
}

func (c *Client) Enroll(ctx context.Context, sampleURLs []string) (*providers.EnrollResult, error) {
	var resp enrollResponse
	if err := c.post(ctx, "/v1/enroll", enrollRequest{SampleURLs: sampleURLs}, &resp); err != nil {
		return nil, err
	}
	if resp.ModelRef == "" || resp.Score == nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, c.id, "enroll response incomplete", nil)
	}
	return &providers.EnrollResult{ModelRef: resp.ModelRef, Score: *resp.Score, Provider: c.id}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return providers.NewProviderError(providers.ErrorInternal, c.id, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return providers.NewProviderError(providers.ErrorInternal, c.id, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.transportError(ctx, err)
	}
	if err := c.statusError(resp.StatusCode, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return providers.NewProviderError(providers.ErrorBadData, c.id, "malformed response body", err)
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return providers.NewProviderError(providers.ErrorTimeout, c.id, "request timed out", err)
	}
	return providers.NewProviderError(providers.ErrorUnavailable, c.id, "request failed", err)
}

func (c *Client) statusError(status int, body []byte) error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(body, 200))
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest, status == http.StatusUnsupportedMediaType, status == http.StatusUnprocessableEntity:
		return providers.NewProviderError(providers.ErrorInvalidPayload, c.id, msg, nil)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return providers.NewProviderError(providers.ErrorAuthentication, c.id, msg, nil)
	case status == http.StatusNotFound, status == http.StatusMethodNotAllowed:
		return providers.NewProviderError(providers.ErrorContractMismatch, c.id, msg, nil)
	case status == http.StatusTooManyRequests:
		return providers.NewProviderError(providers.ErrorRateLimited, c.id, msg, nil)
	case status == http.StatusGatewayTimeout:
		return providers.NewProviderError(providers.ErrorTimeout, c.id, msg, nil)
	case status >= 500:
		return providers.NewProviderError(providers.ErrorUnavailable, c.id, msg, nil)
	default:
		return providers.NewProviderError(providers.ErrorBadData, c.id, msg, nil)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
