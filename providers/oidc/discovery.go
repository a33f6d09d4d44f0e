package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DiscoveryDocument holds the subset of OpenID provider metadata the gateway
// needs to verify bearer tokens.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	JWKSUri               string `json:"jwks_uri,omitempty"`
}

// maxDocumentSize bounds the discovery response body
const maxDocumentSize = 1 << 20

// cachedDocument holds a discovery document with its fetch timestamp.
type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches OIDC discovery documents.
// Safe for concurrent use.
type DiscoveryClient struct {
	httpClient     *http.Client
	cache          sync.Map // issuerURL -> *cachedDocument
	cacheTTL       time.Duration
	logger         *slog.Logger
	skipValidation bool // tests only: httptest servers listen on loopback
	now            func() time.Time
}

// NewDiscoveryClient creates a discovery client. A nil httpClient gets a 10s
// timeout, a zero cacheTTL defaults to one hour and a nil logger uses slog.Default().
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Discover returns the discovery document for an issuer, fetching it when the
// cached copy is missing or older than the cache TTL.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if !c.skipValidation {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	if cached, ok := c.cache.Load(issuerURL); ok {
		doc := cached.(*cachedDocument)
		if c.now().Sub(doc.fetchedAt) < c.cacheTTL {
			c.logger.Debug("OIDC discovery cache hit", "issuer", issuerURL)
			return doc.document, nil
		}
		c.logger.Debug("OIDC discovery cache expired", "issuer", issuerURL)
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	c.logger.Debug("Fetching OIDC discovery document", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery failed with status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if err := c.validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.cache.Store(issuerURL, &cachedDocument{
		document:  &doc,
		fetchedAt: c.now(),
	})

	c.logger.Info("OIDC discovery successful",
		"issuer", issuerURL,
		"userinfo_endpoint", doc.UserInfoEndpoint)

	return &doc, nil
}

// validateDocument requires the issuer and userinfo endpoint and enforces HTTPS
// on every advertised endpoint.
func (c *DiscoveryClient) validateDocument(doc *DiscoveryDocument) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
	}
	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", endpoint.name, endpoint.url)
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"introspection_endpoint", doc.IntrospectionEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
		{"jwks_uri", doc.JWKSUri},
	}
	for _, endpoint := range optional {
		if endpoint.url != "" && !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS if present: %s", endpoint.name, endpoint.url)
		}
	}

	return nil
}

// ClearCache drops every cached discovery document.
func (c *DiscoveryClient) ClearCache() {
	count := 0
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		count++
		return true
	})
	c.logger.Debug("OIDC discovery cache cleared", "entries_removed", count)
}
