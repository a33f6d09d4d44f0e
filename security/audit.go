package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/authgate/instrumentation"
)

// Auditor handles security event logging with PII protection.
// Subjects are always hashed; addresses are hashed unless logClientIPs is set.
type Auditor struct {
	logger          *slog.Logger
	enabled         bool
	logClientIPs    bool
	now             func() time.Time
	instrumentation *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:       logger,
		enabled:      enabled,
		logClientIPs: true,
		now:          time.Now,
	}
}

// SetInstrumentation enables audit event metrics and the client IP logging policy
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
	if inst != nil {
		a.logClientIPs = inst.ShouldLogClientIPs()
	}
}

// Event represents a security audit event
type Event struct {
	Type       string
	SubjectID  string
	APIKeyName string
	IPAddress  string
	RequestID  string
	Details    map[string]any
	Timestamp  time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = a.now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	ipAddress := event.IPAddress
	if !a.logClientIPs && ipAddress != "" {
		ipAddress = hashForLogging(ipAddress)
	}

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)
	}

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"api_key", event.APIKeyName,
		"ip_address", ipAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenRevoked logs a revocation. Only the token fingerprint is recorded.
func (a *Auditor) LogTokenRevoked(ctx context.Context, subjectID, ipAddress, tokenFingerprint string, shared bool) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_fingerprint": tokenFingerprint,
			"shared":            shared,
		},
	})
}

// LogTokenRejected logs a failed bearer verification
func (a *Auditor) LogTokenRejected(ctx context.Context, ipAddress, reason string) {
	eventType := EventTokenRejected
	if reason == "serviceUnavailable" {
		eventType = EventVerificationUnavailable
	}
	a.LogEvent(ctx, Event{
		Type:      eventType,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogThreatDetected logs a request flagged by the threat classifier
func (a *Auditor) LogThreatDetected(ctx context.Context, ipAddress string, trigger Trigger, match string) {
	a.LogEvent(ctx, Event{
		Type:      EventThreatDetected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"trigger": string(trigger),
			"match":   match,
		},
	})
}

// LogRateLimitExceeded logs a throttled request
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// LogAPIKeyRejected logs a missing or unknown API key
func (a *Auditor) LogAPIKeyRejected(ctx context.Context, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAPIKeyRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAddressBlocked logs the transition of an address into the block set
func (a *Auditor) LogAddressBlocked(ctx context.Context, ipAddress string, trigger Trigger) {
	a.LogEvent(ctx, Event{
		Type:      EventAddressBlocked,
		IPAddress: ipAddress,
		Details: map[string]any{
			"last_trigger": string(trigger),
		},
	})
}

// LogBlockedRequest logs a request refused because its address is blocked
func (a *Auditor) LogBlockedRequest(ctx context.Context, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventBlockedRequest,
		IPAddress: ipAddress,
	})
}

// LogAddressUnblocked logs an operator lifting a block
func (a *Auditor) LogAddressUnblocked(ctx context.Context, ipAddress, operator string) {
	a.LogEvent(ctx, Event{
		Type:       EventAddressUnblocked,
		APIKeyName: operator,
		IPAddress:  ipAddress,
	})
}

// LogEmailRelayed logs an email handed to the mail provider
func (a *Auditor) LogEmailRelayed(ctx context.Context, subjectID, apiKeyName, messageID, template string) {
	a.LogEvent(ctx, Event{
		Type:       EventEmailRelayed,
		SubjectID:  subjectID,
		APIKeyName: apiKeyName,
		Details: map[string]any{
			"message_id": messageID,
			"template":   template,
		},
	})
}

// LogRTCTokenIssued logs a real-time communication join token
func (a *Auditor) LogRTCTokenIssued(ctx context.Context, subjectID, apiKeyName, room, tokenID string) {
	a.LogEvent(ctx, Event{
		Type:       EventRTCTokenIssued,
		SubjectID:  subjectID,
		APIKeyName: apiKeyName,
		Details: map[string]any{
			"room":     room,
			"token_id": tokenID,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
