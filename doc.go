// Package authgate is a thin API gateway that authenticates requests with an
// API key and a bearer token, validates payloads and forwards work to
// third-party platforms.
//
// Server wires the components: the identity.Cache in front of a
// providers.Verifier, the revocation set (optionally shared through Valkey),
// the security.AbuseTracker, the per-address throttler and the relays.
// Handler serves the HTTP routes:
//
//	GET    /healthz
//	GET    /metrics                       (Prometheus exporter only)
//	GET    /v1/me
//	POST   /v1/auth/logout
//	POST   /v1/email/send                 (email relay enabled)
//	POST   /v1/rtc/token                  (RTC relay enabled)
//	DELETE /v1/admin/blocks/{address}     (admin API key)
//
// Every API request passes the same pipeline: blocked addresses are refused,
// addresses are throttled, suspicious requests are rejected, then the API key
// and the bearer token are checked. Suspicious and unauthenticated (API key)
// requests count as failures towards blocking the address; throttled ones only
// get 429.
package authgate
