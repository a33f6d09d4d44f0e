// Package providers defines the contract between the gateway and the upstream
// identity provider that authoritatively verifies bearer tokens.
//
// Implementations are provided in subpackages:
//   - providers/jwt: local verification of signed JWTs (HS256/RS256)
//   - providers/oidc: remote verification against an OIDC userinfo endpoint
//   - providers/mock: call-counting fake for tests
//
// Verifiers report failures with the sentinel errors declared here, wrapped with
// context. Callers classify with errors.Is:
//
//	identity, err := verifier.VerifyToken(ctx, token)
//	switch {
//	case errors.Is(err, providers.ErrTokenExpired):
//	    // reject as expired
//	case errors.Is(err, providers.ErrUnavailable):
//	    // upstream down, do not cache
//	}
package providers
