// Package oidc verifies opaque or JWT access tokens against an OpenID Connect
// provider's userinfo endpoint.
//
// The userinfo endpoint is taken from configuration or resolved once through
// OIDC discovery. Discovery enforces HTTPS for every advertised endpoint and
// rejects issuer URLs that point at loopback, private or link-local addresses.
//
// # Failure classification
//
//   - transport errors, 429 and 5xx responses map to providers.ErrUnavailable
//   - 401 responses are classified from the WWW-Authenticate challenge
//     (expired, revoked, invalid_request → malformed, otherwise invalid)
//   - 400 maps to providers.ErrTokenMalformed, any other status to providers.ErrTokenInvalid
//
// # Example Usage
//
//	v, err := oidc.NewVerifier(&oidc.Config{
//	    IssuerURL: "https://dex.example.com",
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	id, err := v.VerifyToken(ctx, bearer)
package oidc
