// Package relay forwards authenticated work to third-party platforms.
//
// EmailRelay validates an EmailRequest, renders one of the configured
// templates and sends the result through SendGrid. HTML bodies are rendered
// with html/template, so request data is escaped; subjects are folded onto one
// line. Sandbox mode asks SendGrid to accept the message without delivering it.
//
// RTCIssuer signs short-lived HS256 join tokens for a real-time communication
// server. Each token carries the verified subject, the room, a role and a
// random jti.
//
// Validation failures from either component are *ValidationError values that
// wrap ErrInvalidRequest.
package relay
