// Package util provides small helpers shared across the authgate packages.
//
// Key utilities:
//   - SafeTruncate: shortens sensitive values before they reach a log line
//   - Fingerprint: stable, non-reversible identifier for a bearer token
//   - ContainsAnyFold: case-insensitive substring matching for request screening
package util
