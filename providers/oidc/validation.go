package oidc

import (
	"fmt"
	"net"
	"net/url"
)

// ValidateIssuerURL validates an OIDC issuer URL. It enforces HTTPS and rejects
// loopback, private and link-local IP literals so discovery cannot be pointed at
// internal services (metadata endpoints, the cluster API, and so on).
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}

	return nil
}

// ValidateEndpointURL checks an explicitly configured endpoint. Operators may
// point it anywhere, but it must be an absolute HTTPS URL.
func ValidateEndpointURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("endpoint URL must use HTTPS, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint URL must have a host")
	}
	return nil
}

// ValidateGroups bounds the groups claim returned by userinfo.
func ValidateGroups(groups []string) error {
	if len(groups) > 100 {
		return fmt.Errorf("groups claim exceeds maximum of 100 groups (got %d)", len(groups))
	}

	for i, group := range groups {
		if len(group) > 256 {
			return fmt.Errorf("group at index %d exceeds maximum length of 256 characters", i)
		}
	}

	return nil
}
