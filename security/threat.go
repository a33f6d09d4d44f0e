package security

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/authgate/internal/util"
)

// Trigger names a reason a request counts as an abuse failure
type Trigger string

const (
	// TriggerMaliciousUserAgent is a known scanner or attack tool user agent
	TriggerMaliciousUserAgent Trigger = "malicious_user_agent"

	// TriggerAttackPattern is an injection or traversal pattern in the query or body
	TriggerAttackPattern Trigger = "attack_pattern"

	// TriggerInvalidContentType is a state-changing request whose body is not JSON
	TriggerInvalidContentType Trigger = "invalid_content_type"

	// TriggerInvalidAPIKey is recorded by the gateway for a missing or unknown API key
	TriggerInvalidAPIKey Trigger = "invalid_api_key"
)

// DefaultMaxInspectBytes bounds how much of a body the classifier reads
const DefaultMaxInspectBytes = 64 * 1024

// DefaultMaliciousUserAgents are lower-case substrings of scanner user agents
var DefaultMaliciousUserAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"zgrab",
	"acunetix",
	"nessus",
	"netsparker",
	"wpscan",
	"dirbuster",
	"gobuster",
	"havij",
	"w3af",
}

// DefaultAttackPatterns are lower-case substrings of common injection payloads
var DefaultAttackPatterns = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"union select",
	"drop table",
	"; drop ",
	"' or '1'='1",
	"' or 1=1",
	"sleep(",
	"../",
	"..\\",
	"/etc/passwd",
	"${jndi:",
}

// ThreatConfig configures a ThreatClassifier. Empty lists fall back to the defaults.
type ThreatConfig struct {
	MaliciousUserAgents []string
	AttackPatterns      []string
	MaxInspectBytes     int64
}

// ThreatClassifier decides whether a request should be recorded as an abuse failure
type ThreatClassifier struct {
	userAgents      []string
	patterns        []string
	maxInspectBytes int64
}

// NewThreatClassifier creates a classifier. Patterns are matched case-insensitively.
func NewThreatClassifier(cfg ThreatConfig) *ThreatClassifier {
	if len(cfg.MaliciousUserAgents) == 0 {
		cfg.MaliciousUserAgents = DefaultMaliciousUserAgents
	}
	if len(cfg.AttackPatterns) == 0 {
		cfg.AttackPatterns = DefaultAttackPatterns
	}
	if cfg.MaxInspectBytes <= 0 {
		cfg.MaxInspectBytes = DefaultMaxInspectBytes
	}
	return &ThreatClassifier{
		userAgents:      lowerAll(cfg.MaliciousUserAgents),
		patterns:        lowerAll(cfg.AttackPatterns),
		maxInspectBytes: cfg.MaxInspectBytes,
	}
}

// Classify returns the first trigger the request matches, and the matched
// substring where there is one. The inspected body prefix is put back so the
// request can still be read in full by later handlers.
func (tc *ThreatClassifier) Classify(r *http.Request) (Trigger, string, bool) {
	if match, ok := util.ContainsAnyFold(r.UserAgent(), tc.userAgents); ok {
		return TriggerMaliciousUserAgent, match, true
	}

	if r.URL != nil && r.URL.RawQuery != "" {
		query := r.URL.RawQuery
		if decoded, err := url.QueryUnescape(query); err == nil {
			query = decoded
		}
		if match, ok := util.ContainsAnyFold(query, tc.patterns); ok {
			return TriggerAttackPattern, match, true
		}
	}

	if !isStateChanging(r.Method) || !hasBody(r) {
		return "", "", false
	}

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		return TriggerInvalidContentType, r.Header.Get("Content-Type"), true
	}

	body := tc.peekBody(r)
	if match, ok := util.ContainsAnyFold(body, tc.patterns); ok {
		return TriggerAttackPattern, match, true
	}

	return "", "", false
}

// peekBody reads up to maxInspectBytes and restores r.Body
func (tc *ThreatClassifier) peekBody(r *http.Request) string {
	prefix, err := io.ReadAll(io.LimitReader(r.Body, tc.maxInspectBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), r.Body), r.Body}
	if err != nil {
		return ""
	}
	return string(prefix)
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
