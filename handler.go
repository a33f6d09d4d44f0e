package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authgate/identity"
	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/internal/util"
	"github.com/giantswarm/authgate/relay"
	"github.com/giantswarm/authgate/security"
)

const (
	tokenTypeBearer = "Bearer"

	// retryAfterThrottled is sent with 429 answers (seconds)
	retryAfterThrottled = "1"

	// retryAfterUnavailable is sent with 503 answers (seconds)
	retryAfterUnavailable = "5"

	// fingerprintLength is how much of a token digest reaches logs
	fingerprintLength = 16
)

// Handler is a thin HTTP adapter for the gateway Server.
// It applies the request pipeline and delegates to the Server's components.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	tracer  trace.Tracer // OpenTelemetry tracer for the HTTP layer
	mux     *http.ServeMux
	handler http.Handler
}

// NewHandler creates the HTTP handler and registers the gateway routes
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	h.registerRoutes()
	h.handler = security.RequestIDMiddleware(
		security.SecurityHeadersMiddleware(server.Config.EnableHSTS)(h.mux))

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.Handle("GET /healthz", h.instrument("healthz", http.HandlerFunc(h.ServeHealth)))

	if h.server.Instrumentation != nil {
		if metrics := h.server.Instrumentation.MetricsHandler(); metrics != nil {
			h.mux.Handle("GET /metrics", metrics)
		}
	}

	h.mux.Handle("GET /v1/me", h.instrument("me", h.protect(http.HandlerFunc(h.ServeIdentity))))
	h.mux.Handle("POST /v1/auth/logout", h.instrument("logout", h.protect(http.HandlerFunc(h.ServeLogout))))

	if h.server.Email != nil {
		h.mux.Handle("POST /v1/email/send", h.instrument("email_send", h.protect(http.HandlerFunc(h.ServeEmailSend))))
	}
	if h.server.RTC != nil {
		h.mux.Handle("POST /v1/rtc/token", h.instrument("rtc_token", h.protect(http.HandlerFunc(h.ServeRTCToken))))
	}

	h.mux.Handle("DELETE /v1/admin/blocks/{address}",
		h.instrument("unblock", h.Guard(h.RequireAdminKey(http.HandlerFunc(h.ServeUnblock)))))
}

// protect applies the full pipeline: guard, API key, bearer identity
func (h *Handler) protect(next http.Handler) http.Handler {
	return h.Guard(h.RequireAPIKey(h.RequireIdentity(next)))
}

// Guard is middleware that rejects blocked addresses (403), throttles per
// address (429) and rejects suspicious requests (400). Throttled and
// suspicious requests count as failures for the abuse tracker.
func (h *Handler) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		r = r.WithContext(context.WithValue(r.Context(), clientIPContextKey, clientIP))

		if h.rejectBlocked(w, r, clientIP) {
			return
		}
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, h.server.Config.MaxBodyBytes)
		if h.rejectThreat(w, r, clientIP) {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rejectBlocked answers 403 for blocked addresses. Returns true if rejected.
func (h *Handler) rejectBlocked(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if !h.server.AbuseTracker.IsBlocked(clientIP) {
		return false
	}

	h.server.Auditor.LogBlockedRequest(r.Context(), clientIP)
	h.writeError(w, ErrAccessDenied("Requests from this address are blocked"))
	return true
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	ctx := r.Context()
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(ctx, clientIP)

	w.Header().Set("Retry-After", retryAfterThrottled)
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// rejectThreat answers 400 for requests the classifier flags. Returns true if rejected.
func (h *Handler) rejectThreat(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	trigger, match, ok := h.server.Threats.Classify(r)
	if !ok {
		return false
	}

	ctx := r.Context()
	h.logger.Warn("Suspicious request rejected", "ip", clientIP, "trigger", trigger, "path", r.URL.Path)
	h.server.Auditor.LogThreatDetected(ctx, clientIP, trigger, match)
	h.recordFailure(ctx, clientIP, trigger)

	if trigger == security.TriggerInvalidContentType {
		h.writeError(w, ErrInvalidRequest("Content-Type must be application/json"))
	} else {
		h.writeError(w, ErrInvalidRequest("Request rejected"))
	}
	return true
}

// recordFailure counts a failure against clientIP and audits a resulting block
func (h *Handler) recordFailure(ctx context.Context, clientIP string, trigger security.Trigger) {
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordAbuseFailure(ctx, string(trigger))
	}
	if h.server.AbuseTracker.RecordFailure(clientIP) {
		h.server.Auditor.LogAddressBlocked(ctx, clientIP, trigger)
	}
}

// RequireAPIKey is middleware that requires a valid X-API-Key header.
// Missing and unknown keys are answered 401 and count as failures.
func (h *Handler) RequireAPIKey(next http.Handler) http.Handler {
	return h.requireAPIKey(false, next)
}

// RequireAdminKey is RequireAPIKey restricted to admin keys (403 otherwise)
func (h *Handler) RequireAdminKey(next http.Handler) http.Handler {
	return h.requireAPIKey(true, next)
}

func (h *Handler) requireAPIKey(admin bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientIP := h.clientIP(r)

		presented := r.Header.Get(security.APIKeyHeader)
		reason := "missing"
		var key security.APIKey
		var ok bool
		if presented != "" {
			reason = "invalid"
			key, ok = h.server.APIKeys.Validate(presented)
		}

		if !ok {
			h.logger.Warn("API key rejected", "ip", clientIP, "reason", reason)
			if h.server.Instrumentation != nil {
				h.server.Instrumentation.Metrics().RecordAPIKeyRejected(ctx, reason)
			}
			h.server.Auditor.LogAPIKeyRejected(ctx, clientIP, reason)
			h.recordFailure(ctx, clientIP, security.TriggerInvalidAPIKey)
			h.writeError(w, ErrInvalidAPIKey("Missing or invalid API key"))
			return
		}

		if admin && !key.Admin {
			h.logger.Warn("Admin operation refused", "ip", clientIP, "api_key", key.Name)
			h.writeError(w, ErrAccessDenied("This operation requires an admin API key"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, apiKeyContextKey, key)))
	})
}

// RequireIdentity is middleware that verifies the bearer token.
// Rejected tokens are answered 401, unavailable verification 503.
func (h *Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientIP := h.clientIP(r)

		token, ok := extractBearerToken(r)
		if !ok {
			h.writeError(w, ErrInvalidToken("Missing or invalid Authorization header"))
			return
		}

		verdict, err := h.server.Cache.Verify(ctx, token)
		if err != nil {
			reason := identity.ReasonOf(err)
			h.logger.Warn("Token rejected",
				"ip", clientIP,
				"reason", reason,
				"token_fingerprint", util.SafeTruncate(util.Fingerprint(token), fingerprintLength))
			h.server.Auditor.LogTokenRejected(ctx, clientIP, string(reason))

			gerr := errorForRejection(err)
			if gerr.Status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", retryAfterUnavailable)
			}
			h.writeError(w, gerr)
			return
		}

		ctx = ContextWithIdentity(ctx, verdict)
		ctx = context.WithValue(ctx, tokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken extracts the token from an "Authorization: Bearer" header
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, tokenTypeBearer) {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// ServeHealth answers liveness probes
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ServeIdentity returns the verified identity of the caller
func (h *Handler) ServeIdentity(w http.ResponseWriter, r *http.Request) {
	verdict, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrServerError("Identity missing from request context"))
		return
	}
	key, _ := APIKeyFromContext(r.Context())

	writeJSON(w, http.StatusOK, IdentityResponse{
		SubjectID: verdict.SubjectID,
		Email:     verdict.Email,
		Claims:    verdict.Claims,
		ExpiresAt: verdict.ExpiresAt,
		APIKey:    key.Name,
	})
}

// ServeLogout revokes the presented bearer token. The local revocation always
// takes effect; a failure to share it is logged and the answer is still 204.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := bearerTokenFromContext(ctx)
	verdict, _ := IdentityFromContext(ctx)
	clientIP := h.clientIP(r)
	fingerprint := util.SafeTruncate(util.Fingerprint(token), fingerprintLength)

	var expiresAt time.Time
	if verdict != nil {
		expiresAt = verdict.ExpiresAt
	}
	err := h.server.Cache.RevokeUntil(ctx, token, expiresAt)
	if err != nil {
		h.logger.Warn("Token revoked locally but not shared",
			"token_fingerprint", fingerprint,
			"error", err)
	}

	subject := ""
	if verdict != nil {
		subject = verdict.SubjectID
	}
	h.server.Auditor.LogTokenRevoked(ctx, subject, clientIP, fingerprint, h.server.SharedRevocations != nil && err == nil)

	w.WriteHeader(http.StatusNoContent)
}

// ServeEmailSend validates the payload, renders the template and relays it
func (h *Handler) ServeEmailSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req relay.EmailRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	receipt, err := h.server.Email.Send(ctx, req)
	if err != nil {
		h.writeRelayError(w, "email", err)
		return
	}

	verdict, _ := IdentityFromContext(ctx)
	key, _ := APIKeyFromContext(ctx)
	h.server.Auditor.LogEmailRelayed(ctx, verdict.SubjectID, key.Name, receipt.MessageID, req.Template)

	writeJSON(w, http.StatusAccepted, receipt)
}

// ServeRTCToken issues a join token for the caller's identity
func (h *Handler) ServeRTCToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req relay.RTCRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	verdict, _ := IdentityFromContext(ctx)
	token, err := h.server.RTC.Issue(ctx, verdict.SubjectID, req)
	if err != nil {
		h.writeRelayError(w, "rtc", err)
		return
	}

	key, _ := APIKeyFromContext(ctx)
	h.server.Auditor.LogRTCTokenIssued(ctx, verdict.SubjectID, key.Name, token.Room, token.TokenID)

	writeJSON(w, http.StatusOK, token)
}

// ServeUnblock lifts the block on {address}
func (h *Handler) ServeUnblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	addr, err := netip.ParseAddr(r.PathValue("address"))
	if err != nil {
		h.writeError(w, ErrInvalidRequest("address must be an IP address"))
		return
	}
	address := addr.Unmap().WithZone("").String()

	if !h.server.AbuseTracker.Unblock(address) {
		h.writeError(w, ErrNotFound("Address is not blocked"))
		return
	}

	key, _ := APIKeyFromContext(ctx)
	h.logger.Info("Address unblocked", "address", address, "api_key", key.Name)
	h.server.Auditor.LogAddressUnblocked(ctx, address, key.Name)

	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON decodes exactly one JSON object into dst. Returns false after
// writing an error answer.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after JSON object")
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		h.writeError(w, NewGatewayError(ErrorCodeInvalidRequest,
			fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
			http.StatusRequestEntityTooLarge))
	case errors.Is(err, io.EOF):
		h.writeError(w, ErrInvalidRequest("Request body is required"))
	default:
		h.writeError(w, ErrInvalidRequest(fmt.Sprintf("Invalid JSON body: %v", err)))
	}
	return false
}

// writeRelayError maps relay failures to their HTTP answer
func (h *Handler) writeRelayError(w http.ResponseWriter, kind string, err error) {
	var verr *relay.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:            ErrorCodeInvalidRequest,
			ErrorDescription: verr.Error(),
			Fields:           verr.Fields,
		})
	case errors.Is(err, relay.ErrUnknownTemplate):
		h.writeError(w, ErrInvalidRequest(err.Error()))
	case errors.Is(err, relay.ErrDeliveryFailed):
		h.logger.Error("Relay delivery failed", "relay", kind, "error", err)
		h.writeError(w, ErrUpstreamError("The downstream platform did not accept the request"))
	default:
		h.logger.Error("Relay request failed", "relay", kind, "error", err)
		h.writeError(w, ErrServerError("Request could not be processed"))
	}
}

// writeError writes a GatewayError as JSON. 401 invalid_token answers carry a
// Bearer challenge (RFC 6750).
func (h *Handler) writeError(w http.ResponseWriter, gerr *GatewayError) {
	if gerr.Status == http.StatusUnauthorized && gerr.Code == ErrorCodeInvalidToken {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`%s error="%s", error_description="%s"`, tokenTypeBearer, gerr.Code, gerr.Description))
	}
	writeJSON(w, gerr.Status, ErrorResponse{
		Error:            gerr.Code,
		ErrorDescription: gerr.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP returns the address resolved by Guard, or resolves it
func (h *Handler) clientIP(r *http.Request) string {
	if ip := ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return security.ClientIP(r, security.ClientIPConfig{
		TrustProxy:        h.server.Config.TrustProxy,
		TrustedProxyCount: h.server.Config.TrustedProxyCount,
	})
}

// statusRecorder captures the status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// instrument wraps a route with a span and HTTP metrics
func (h *Handler) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "http."+endpoint)
			defer span.End()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, h.clientIP(r))
		}
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		}
		h.recordHTTPMetrics(ctx, endpoint, r.Method, rec.status, start)
	})
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
