package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var testRTCKey = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, now time.Time) *RTCIssuer {
	t.Helper()
	i, err := NewRTCIssuer(RTCConfig{
		SigningKey: testRTCKey,
		Issuer:     "authgate",
		Audience:   "media.example.com",
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewRTCIssuer() error = %v", err)
	}
	return i
}

func parseRTC(t *testing.T, token string, now time.Time) *RTCClaims {
	t.Helper()
	claims := &RTCClaims{}
	_, err := jwtlib.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return testRTCKey, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithAudience("media.example.com"),
		jwtlib.WithIssuer("authgate"),
		jwtlib.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("ParseWithClaims() error = %v", err)
	}
	return claims
}

func TestNewRTCIssuer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RTCConfig
		wantErr string
	}{
		{name: "valid", cfg: RTCConfig{SigningKey: testRTCKey, Issuer: "authgate"}},
		{name: "short key", cfg: RTCConfig{SigningKey: []byte("short"), Issuer: "authgate"}, wantErr: "at least 32 bytes"},
		{name: "no issuer", cfg: RTCConfig{SigningKey: testRTCKey}, wantErr: "issuer is required"},
		{
			name:    "ttl too long",
			cfg:     RTCConfig{SigningKey: testRTCKey, Issuer: "authgate", DefaultTTL: 48 * time.Hour},
			wantErr: "exceeds maximum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRTCIssuer(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("NewRTCIssuer() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewRTCIssuer() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRTCIssuer_Issue(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	i := newTestIssuer(t, now)

	tok, err := i.Issue(context.Background(), "user-42", RTCRequest{Room: "standup_room-1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if tok.Role != RoleSubscriber {
		t.Errorf("Role = %q, want default %q", tok.Role, RoleSubscriber)
	}
	if want := now.Add(DefaultRTCTokenTTL); !tok.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, want)
	}
	if _, err := uuid.Parse(tok.TokenID); err != nil {
		t.Errorf("TokenID %q is not a UUID", tok.TokenID)
	}

	claims := parseRTC(t, tok.Token, now.Add(time.Minute))
	if claims.Subject != "user-42" {
		t.Errorf("sub = %q", claims.Subject)
	}
	if claims.Room != "standup_room-1" || claims.Role != RoleSubscriber {
		t.Errorf("room/role = %q/%q", claims.Room, claims.Role)
	}
	if claims.ID != tok.TokenID {
		t.Errorf("jti = %q, want %q", claims.ID, tok.TokenID)
	}
}

func TestRTCIssuer_Issue_CustomTTLAndRole(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	i := newTestIssuer(t, now)

	tok, err := i.Issue(context.Background(), "user-42", RTCRequest{Room: "r1", Role: RolePublisher, TTLSeconds: 300})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if tok.Role != RolePublisher {
		t.Errorf("Role = %q", tok.Role)
	}
	if want := now.Add(5 * time.Minute); !tok.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, want)
	}

	claims := &RTCClaims{}
	_, err = jwtlib.ParseWithClaims(tok.Token, claims, func(*jwtlib.Token) (any, error) { return testRTCKey, nil },
		jwtlib.WithTimeFunc(func() time.Time { return now.Add(10 * time.Minute) }))
	if !errors.Is(err, jwtlib.ErrTokenExpired) {
		t.Errorf("token should be expired after its ttl, err = %v", err)
	}
}

func TestRTCIssuer_Issue_Rejections(t *testing.T) {
	i := newTestIssuer(t, time.Now())

	tests := []struct {
		name      string
		subject   string
		req       RTCRequest
		wantField string
	}{
		{name: "missing room", subject: "u", req: RTCRequest{}, wantField: "room"},
		{name: "room with spaces", subject: "u", req: RTCRequest{Room: "my room"}, wantField: "room"},
		{name: "room too long", subject: "u", req: RTCRequest{Room: strings.Repeat("r", 129)}, wantField: "room"},
		{name: "unknown role", subject: "u", req: RTCRequest{Room: "r", Role: "admin"}, wantField: "role"},
		{name: "ttl too short", subject: "u", req: RTCRequest{Room: "r", TTLSeconds: 5}, wantField: "ttl_seconds"},
		{name: "ttl too long", subject: "u", req: RTCRequest{Room: "r", TTLSeconds: 90000}, wantField: "ttl_seconds"},
		{name: "missing subject", req: RTCRequest{Room: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := i.Issue(context.Background(), tt.subject, tt.req)
			if err == nil {
				t.Fatal("Issue() error = nil")
			}
			if tt.wantField == "" {
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %v is not a *ValidationError", err)
			}
			if verr.Fields[0].Field != tt.wantField {
				t.Errorf("field = %q, want %q", verr.Fields[0].Field, tt.wantField)
			}
		})
	}
}

func TestRTCIssuer_WrongKeyRejected(t *testing.T) {
	now := time.Now()
	tok, err := newTestIssuer(t, now).Issue(context.Background(), "user-42", RTCRequest{Room: "r1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = jwtlib.Parse(tok.Token, func(*jwtlib.Token) (any, error) {
		return []byte("another-key-another-key-another!!"), nil
	})
	if !errors.Is(err, jwtlib.ErrTokenSignatureInvalid) {
		t.Errorf("Parse() with wrong key error = %v, want signature invalid", err)
	}
}
