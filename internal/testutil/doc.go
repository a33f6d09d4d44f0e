// Package testutil provides test fixtures for the gateway: a controllable clock,
// token and identity generators, a JWT signing helper and an HTTP request builder.
package testutil
