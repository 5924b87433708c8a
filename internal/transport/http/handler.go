// Package httptransport exposes the verification orchestrator over HTTP.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	attemptmodels "veriflow/internal/attempts/models"
	"veriflow/internal/blob"
	identity "veriflow/internal/identity/models"
	"veriflow/internal/jwttoken"
	"veriflow/internal/orchestrator"
	"veriflow/internal/review"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/steps"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/httputil"
	authmw "veriflow/pkg/platform/middleware/auth"
	"veriflow/pkg/requestcontext"
)

// Orchestrator is the facade the handlers drive.
type Orchestrator interface {
	EnsureIdentity(ctx context.Context, userID id.UserID, email, phone string) (models.Snapshot, error)
	Status(ctx context.Context, userID id.UserID) (models.Snapshot, error)
	UpdateProfile(ctx context.Context, userID id.UserID, update identity.ProfileUpdate) (models.Snapshot, error)
	SubmitEnrollmentSample(ctx context.Context, userID id.UserID, in orchestrator.EnrollmentInput) (*steps.EnrollmentResult, error)
	VerifyVoice(ctx context.Context, userID id.UserID, audio blob.Payload) (*steps.Outcome, error)
	VoiceLogin(ctx context.Context, in orchestrator.VoiceLoginInput) (*steps.LoginOutcome, error)
	VerifyLiveness(ctx context.Context, userID id.UserID, image blob.Payload) (*steps.Outcome, error)
	ProcessDocument(ctx context.Context, userID id.UserID, in orchestrator.DocumentInput) (*steps.DocumentResult, error)
	ListRequests(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error)
	GetRequest(ctx context.Context, requestID id.RequestID) (*review.Bundle, error)
	Decide(ctx context.Context, requestID id.RequestID, admin id.AdminID, verdict review.Verdict, notes string) (*review.Result, error)
	OpenReview(ctx context.Context, userID id.UserID, admin id.AdminID) (*models.Request, error)
	ResetAttempts(ctx context.Context, userID id.UserID, step string, admin id.AdminID) (*attemptmodels.Counter, error)
	AuditTrail(ctx context.Context, userID id.UserID) ([]audit.Event, error)
}

// TokenIssuer mints the session handed out after a completed voice login.
type TokenIssuer interface {
	GenerateAccessToken(req jwttoken.TokenRequest) (string, error)
}

// Handler wires verification endpoints to the orchestrator.
type Handler struct {
	orch       Orchestrator
	tokens     TokenIssuer
	sessionTTL time.Duration
	logger     *slog.Logger
}

// New constructs the handler. tokens may be nil, in which case a completed
// voice login returns the outcome without a session.
func New(orch Orchestrator, tokens TokenIssuer, sessionTTL time.Duration, logger *slog.Logger) *Handler {
	if sessionTTL <= 0 {
		sessionTTL = 15 * time.Minute
	}
	return &Handler{
		orch:       orch,
		tokens:     tokens,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// RegisterClient mounts the authenticated user routes.
func (h *Handler) RegisterClient(r chi.Router) {
	r.Get("/v1/me/verification", h.HandleStatus)
	r.Put("/v1/me/profile", h.HandleUpdateProfile)
	r.Post("/v1/enrollment/samples", h.HandleEnrollmentSample)
	r.Post("/v1/voice/verify", h.HandleVerifyVoice)
	r.Post("/v1/liveness", h.HandleLiveness)
	r.Post("/v1/documents", h.HandleDocument)
}

// RegisterPublic mounts the routes that precede authentication.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/v1/voice/login", h.HandleVoiceLogin)
}

// RegisterAdmin mounts the operator routes. The caller applies RequireAdmin.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/verification-requests", h.HandleListRequests)
	r.Post("/admin/verification-requests", h.HandleOpenReview)
	r.Get("/admin/verification-requests/{id}", h.HandleGetRequest)
	r.Post("/admin/verification-requests/{id}/decision", h.HandleDecide)
	r.Post("/admin/users/{userID}/attempts/{step}/reset", h.HandleResetAttempts)
	r.Get("/admin/users/{userID}/audit", h.HandleAuditTrail)
}

// EnsureIdentity creates the caller's Identity Record on first authenticated
// access, copying contact details from the token.
func (h *Handler) EnsureIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := requestcontext.UserID(ctx)
		if userID.IsNil() {
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
			return
		}
		var email, phone string
		if claims := authmw.Claims(ctx); claims != nil {
			email, phone = claims.Email, claims.Phone
		}
		if _, err := h.orch.EnsureIdentity(ctx, userID, email, phone); err != nil {
			h.logger.ErrorContext(ctx, "failed to ensure identity",
				"request_id", requestcontext.RequestID(ctx),
				"user_id", userID.String(),
				"error", err,
			)
			httputil.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleStatus handles GET /v1/me/verification.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)

	snap, err := h.orch.Status(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "status lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// HandleUpdateProfile handles PUT /v1/me/profile.
func (h *Handler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)

	req, ok := httputil.DecodeAndPrepare[ProfileRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	snap, err := h.orch.UpdateProfile(ctx, userID, req.update())
	if err != nil {
		h.fail(ctx, w, "profile update failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// HandleEnrollmentSample handles POST /v1/enrollment/samples.
func (h *Handler) HandleEnrollmentSample(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[EnrollmentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.orch.SubmitEnrollmentSample(ctx, userID, orchestrator.EnrollmentInput{
		SampleIndex:  req.SampleIndex,
		Audio:        blob.Payload{Base64: req.AudioBase64, ContentType: req.ContentType},
		ExpectedText: req.ExpectedText,
	})
	if err != nil {
		h.fail(ctx, w, "enrollment sample rejected", err)
		return
	}
	h.logger.InfoContext(ctx, "enrollment sample accepted",
		"request_id", requestID,
		"user_id", userID.String(),
		"sample_index", res.SampleIndex,
		"enrolled", res.Enrolled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleVerifyVoice handles POST /v1/voice/verify.
func (h *Handler) HandleVerifyVoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)

	req, ok := httputil.DecodeAndPrepare[VoiceRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.orch.VerifyVoice(ctx, userID, blob.Payload{Base64: req.AudioBase64, ContentType: req.ContentType})
	if err != nil {
		h.fail(ctx, w, "voice verification failed", err)
		return
	}
	h.logOutcome(ctx, "voice verification", string(attemptmodels.StepVoiceVerify), out)
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleVoiceLogin handles POST /v1/voice/login. A completed second question
// mints an access token for the resolved user.
func (h *Handler) HandleVoiceLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[VoiceLoginRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.orch.VoiceLogin(ctx, orchestrator.VoiceLoginInput{
		Identifier: req.Identifier,
		Question:   req.Question,
		Audio:      blob.Payload{Base64: req.AudioBase64, ContentType: req.ContentType},
	})
	if err != nil {
		h.fail(ctx, w, "voice login failed", err)
		return
	}
	h.logOutcome(ctx, "voice login", string(attemptmodels.StepVoiceLogin), &out.Outcome)

	resp := LoginResponse{LoginOutcome: out}
	if out.Completed && h.tokens != nil {
		token, err := h.tokens.GenerateAccessToken(jwttoken.TokenRequest{
			UserID:    out.UserID,
			Role:      authmw.RoleUser,
			ExpiresIn: h.sessionTTL,
		})
		if err != nil {
			h.fail(ctx, w, "failed to mint session", dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue token"))
			return
		}
		resp.AccessToken = token
		resp.TokenType = "Bearer"
		resp.ExpiresIn = int(h.sessionTTL.Seconds())
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleLiveness handles POST /v1/liveness.
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)

	req, ok := httputil.DecodeAndPrepare[LivenessRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.orch.VerifyLiveness(ctx, userID, blob.Payload{Base64: req.ImageBase64, ContentType: req.ContentType})
	if err != nil {
		h.fail(ctx, w, "liveness check failed", err)
		return
	}
	h.logOutcome(ctx, "liveness check", string(attemptmodels.StepLiveness), out)
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleDocument handles POST /v1/documents.
func (h *Handler) HandleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)

	req, ok := httputil.DecodeAndPrepare[DocumentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.orch.ProcessDocument(ctx, userID, orchestrator.DocumentInput{
		Type:    req.DocumentType,
		Payload: blob.Payload{Base64: req.PayloadBase64, ContentType: req.ContentType},
	})
	if err != nil {
		h.fail(ctx, w, "document processing failed", err)
		return
	}
	h.logger.InfoContext(ctx, "document processed",
		"request_id", requestID,
		"user_id", userID.String(),
		"provider", res.Provider,
		"degraded", res.Degraded,
	)
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleListRequests handles GET /admin/verification-requests?status=.
func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rs, err := h.orch.ListRequests(ctx, statuses)
	if err != nil {
		h.fail(ctx, w, "failed to list requests", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRequestList(rs))
}

// HandleGetRequest handles GET /admin/verification-requests/{id}.
func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID, err := id.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	bundle, err := h.orch.GetRequest(ctx, requestID)
	if err != nil {
		h.fail(ctx, w, "failed to load request", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toBundleResponse(bundle))
}

// HandleOpenReview handles POST /admin/verification-requests.
func (h *Handler) HandleOpenReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[OpenReviewRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	opened, err := h.orch.OpenReview(ctx, req.parsedUserID, adminID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to open review", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toRequestResponse(opened))
}

// HandleDecide handles POST /admin/verification-requests/{id}/decision.
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := requestcontext.RequestID(ctx)

	requestID, err := id.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[DecisionRequest](w, r, h.logger, ctx, correlationID)
	if !ok {
		return
	}
	admin := adminID(ctx)
	res, err := h.orch.Decide(ctx, requestID, admin, req.parsedVerdict, req.Notes)
	if err != nil {
		h.fail(ctx, w, "decision failed", err)
		return
	}
	h.logger.InfoContext(ctx, "verification request decided",
		"request_id", correlationID,
		"verification_request_id", requestID.String(),
		"admin_id", admin.String(),
		"decision", string(req.parsedVerdict),
	)
	httputil.WriteJSON(w, http.StatusOK, DecisionResponse{
		Request:  toRequestResponse(res.Request),
		Snapshot: res.Snapshot,
	})
}

// HandleResetAttempts handles POST /admin/users/{userID}/attempts/{step}/reset.
func (h *Handler) HandleResetAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	counter, err := h.orch.ResetAttempts(ctx, userID, chi.URLParam(r, "step"), adminID(ctx))
	if err != nil {
		h.fail(ctx, w, "attempt reset failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, counter)
}

// HandleAuditTrail handles GET /admin/users/{userID}/audit.
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.orch.AuditTrail(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "failed to load audit trail", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AuditTrailResponse{
		UserID: userID.String(),
		Events: toAuditEvents(events),
	})
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// adminID is the operator's token subject.
func adminID(ctx context.Context) id.AdminID {
	return id.AdminID(requestcontext.UserID(ctx))
}

// fail logs at the level the error class calls for and writes the envelope.
// A lockout carries remaining_attempts so clients can route to the alternate
// path.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx).String(),
		"error", err,
	}
	if dErrors.StatusCode(err) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	if dErrors.HasCode(err, dErrors.CodeAttemptsExhausted) {
		httputil.WriteErrorWithRemaining(w, err, 0)
		return
	}
	httputil.WriteError(w, err)
}

func (h *Handler) logOutcome(ctx context.Context, what, step string, out *steps.Outcome) {
	h.logger.InfoContext(ctx, what+" completed",
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx).String(),
		"step", step,
		"verified", out.Verified,
		"reason", out.Reason,
		"remaining", out.Remaining,
		"provider", out.Provider,
	)
}
