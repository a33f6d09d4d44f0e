package security

// Event type constants for security audit logging
const (
	// Token events

	// EventTokenRevoked is logged when a caller revokes its bearer token
	EventTokenRevoked = "token_revoked"

	// EventTokenRejected is logged when bearer verification fails
	EventTokenRejected = "token_rejected"

	// EventVerificationUnavailable is logged when the identity provider or the
	// shared revocation store could not answer
	EventVerificationUnavailable = "verification_unavailable"

	// Abuse events

	// EventThreatDetected is logged when the threat classifier flags a request
	EventThreatDetected = "threat_detected"

	// EventRateLimitExceeded is logged when the throttler rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventAPIKeyRejected is logged for a missing or unknown API key
	EventAPIKeyRejected = "api_key_rejected"

	// EventAddressBlocked is logged when an address crosses the failure threshold
	EventAddressBlocked = "address_blocked"

	// EventBlockedRequest is logged when a request from a blocked address is refused
	EventBlockedRequest = "blocked_request"

	// EventAddressUnblocked is logged when an operator lifts a block
	EventAddressUnblocked = "address_unblocked"

	// Relay events

	// EventEmailRelayed is logged when an email was handed to the provider
	EventEmailRelayed = "email_relayed"

	// EventRTCTokenIssued is logged when a real-time communication join token is issued
	EventRTCTokenIssued = "rtc_token_issued"
)
