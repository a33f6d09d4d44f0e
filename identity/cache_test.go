package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/authgate/internal/testutil"
	"github.com/giantswarm/authgate/providers"
	providermock "github.com/giantswarm/authgate/providers/mock"
	storagemock "github.com/giantswarm/authgate/storage/mock"
)

func newTestCache(t *testing.T, verifier providers.Verifier, cfg Config) *Cache {
	t.Helper()
	c, err := New(verifier, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// clockVerifier returns a mock verifier that accepts every token for ttl past clock
func clockVerifier(clock *testutil.MockTime, ttl time.Duration) *providermock.MockVerifier {
	v := providermock.NewMockVerifier()
	v.VerifyTokenFunc = func(_ context.Context, _ string) (*providers.Identity, error) {
		return testutil.GenerateTestIdentity("user-42", clock.Now().Add(ttl)), nil
	}
	return v
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection %q, got nil", want)
	}
	if got := ReasonOf(err); got != want {
		t.Fatalf("reason = %q, want %q (err: %v)", got, want, err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		verifier providers.Verifier
		cfg      Config
		wantErr  string
	}{
		{name: "defaults", verifier: providermock.NewMockVerifier()},
		{name: "nil verifier", wantErr: "verifier is required"},
		{
			name:     "inverted length band",
			verifier: providermock.NewMockVerifier(),
			cfg:      Config{MinTokenLength: 64, MaxTokenLength: 32},
			wantErr:  "exceeds max token length",
		},
		{
			name:     "probability out of range",
			verifier: providermock.NewMockVerifier(),
			cfg:      Config{SweepProbability: 1.5},
			wantErr:  "sweep probability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.verifier, tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("New() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer c.Stop()

			stats := c.Stats()
			if stats.MaxEntries != DefaultMaxEntries {
				t.Errorf("MaxEntries = %d, want %d", stats.MaxEntries, DefaultMaxEntries)
			}
		})
	}
}

func TestCache_Verify_TokenLengthBand(t *testing.T) {
	verifier := providermock.NewMockVerifier()
	c := newTestCache(t, verifier, Config{})

	for _, token := range []string{"", "abc", strings.Repeat("x", DefaultMaxTokenLength+1)} {
		_, err := c.Verify(context.Background(), token)
		assertReason(t, err, ReasonMalformed)
	}

	if got := verifier.CallCount(); got != 0 {
		t.Errorf("upstream calls = %d, want 0 for out-of-band tokens", got)
	}
}

func TestCache_Verify_CachesSuccess(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, time.Hour)
	c := newTestCache(t, verifier, Config{Now: clock.Now})
	token := testutil.GenerateTestToken()

	for i := 0; i < 3; i++ {
		verdict, err := c.Verify(context.Background(), token)
		if err != nil {
			t.Fatalf("Verify() #%d error = %v", i, err)
		}
		if verdict.SubjectID != "user-42" {
			t.Errorf("SubjectID = %q, want user-42", verdict.SubjectID)
		}
		if verdict.Email != "user-42@example.com" {
			t.Errorf("Email = %q", verdict.Email)
		}
	}

	if got := verifier.CallCount(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", stats.Hits, stats.Misses)
	}
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d, want 1", stats.CurrentEntries)
	}
}

func TestCache_Verify_ReturnsCopies(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCache(t, clockVerifier(clock, time.Hour), Config{Now: clock.Now})
	token := testutil.GenerateTestToken()

	first, err := c.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	first.SubjectID = "tampered"
	first.Claims["sub"] = "tampered"

	second, err := c.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if second.SubjectID != "user-42" || second.Claims["sub"] != "user-42" {
		t.Errorf("cached verdict was mutated through a returned copy: %+v", second)
	}
}

func TestCache_Verify_ExpiredVerdictReverified(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, time.Minute)
	c := newTestCache(t, verifier, Config{Now: clock.Now})
	token := testutil.GenerateTestToken()

	if _, err := c.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	clock.Advance(2 * time.Minute)

	verdict, err := c.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() after expiry error = %v", err)
	}
	if !verdict.ExpiresAt.After(clock.Now()) {
		t.Errorf("ExpiresAt = %v, want after %v", verdict.ExpiresAt, clock.Now())
	}
	if got := verifier.CallCount(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
	if got := c.Stats().Expired; got != 1 {
		t.Errorf("Expired = %d, want 1", got)
	}
}

func TestCache_Verify_ProviderReturnsExpiredIdentity(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, -time.Second)
	c := newTestCache(t, verifier, Config{Now: clock.Now})

	_, err := c.Verify(context.Background(), testutil.GenerateTestToken())
	assertReason(t, err, ReasonExpired)

	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d, expired identity must not be cached", got)
	}
}

func TestCache_Verify_ProviderFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"malformed", fmt.Errorf("%w: bad header", providers.ErrTokenMalformed), ReasonMalformed},
		{"expired", providers.ErrTokenExpired, ReasonExpired},
		{"revoked", providers.ErrTokenRevoked, ReasonRevoked},
		{"unavailable", fmt.Errorf("%w: status 503", providers.ErrUnavailable), ReasonServiceUnavailable},
		{"invalid", providers.ErrTokenInvalid, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := providermock.NewMockVerifier()
			verifier.VerifyTokenFunc = func(_ context.Context, _ string) (*providers.Identity, error) {
				return nil, tt.err
			}
			c := newTestCache(t, verifier, Config{})
			token := testutil.GenerateTestToken()

			_, err := c.Verify(context.Background(), token)
			assertReason(t, err, tt.want)
			if !errors.Is(err, tt.err) {
				t.Errorf("error chain should keep the provider error, got %v", err)
			}

			// failures are never cached
			_, _ = c.Verify(context.Background(), token)
			if got := verifier.CallCount(); got != 2 {
				t.Errorf("upstream calls = %d, want 2", got)
			}
		})
	}
}

func TestCache_Verify_MissingSubject(t *testing.T) {
	verifier := providermock.NewMockVerifier()
	verifier.VerifyTokenFunc = func(_ context.Context, _ string) (*providers.Identity, error) {
		return &providers.Identity{ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	c := newTestCache(t, verifier, Config{})

	_, err := c.Verify(context.Background(), testutil.GenerateTestToken())
	assertReason(t, err, ReasonUnknown)
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestCache_Verify_UpstreamTimeout(t *testing.T) {
	verifier := providermock.NewMockVerifier()
	verifier.VerifyTokenFunc = func(ctx context.Context, _ string) (*providers.Identity, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := newTestCache(t, verifier, Config{UpstreamTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.Verify(context.Background(), testutil.GenerateTestToken())
	assertReason(t, err, ReasonServiceUnavailable)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Verify() took %v, upstream timeout was not applied", elapsed)
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d, timeouts must not be cached", got)
	}
}

func TestCache_Verify_ProviderErrorAfterDeadline(t *testing.T) {
	// A provider that maps its own timeout onto a token error must still
	// produce serviceUnavailable.
	verifier := providermock.NewMockVerifier()
	verifier.VerifyTokenFunc = func(ctx context.Context, _ string) (*providers.Identity, error) {
		<-ctx.Done()
		return nil, providers.ErrTokenInvalid
	}
	c := newTestCache(t, verifier, Config{UpstreamTimeout: 10 * time.Millisecond})

	_, err := c.Verify(context.Background(), testutil.GenerateTestToken())
	assertReason(t, err, ReasonServiceUnavailable)
}

func TestCache_Revoke_ShortTokenWithDefaults(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, time.Hour)
	c := newTestCache(t, verifier, Config{Now: clock.Now})
	ctx := context.Background()

	if _, err := c.Verify(ctx, "tok123"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := c.Revoke(ctx, "tok123"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err := c.Verify(ctx, "tok123")
	assertReason(t, err, ReasonRevoked)

	// never seen before revocation
	if err := c.Revoke(ctx, "tok456"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	_, err = c.Verify(ctx, "tok456")
	assertReason(t, err, ReasonRevoked)

	if got := verifier.CallCount(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestCache_RevokeUntil_OutlivesDefaultRetention(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, 48*time.Hour)
	c := newTestCache(t, verifier, Config{MaxEntries: 1, Now: clock.Now})
	ctx := context.Background()

	evicted := testutil.GenerateTestToken()
	if _, err := c.Verify(ctx, evicted); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := c.Verify(ctx, testutil.GenerateTestToken()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if err := c.RevokeUntil(ctx, evicted, clock.Now().Add(48*time.Hour)); err != nil {
		t.Fatalf("RevokeUntil() error = %v", err)
	}

	clock.Advance(DefaultRevocationRetention + time.Hour)

	_, err := c.Verify(ctx, evicted)
	assertReason(t, err, ReasonRevoked)
}

func TestCache_Revoke_WinsOverCachedVerdict(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, time.Hour)
	c := newTestCache(t, verifier, Config{Now: clock.Now})
	token := "tok123-" + testutil.GenerateRandomString(20)

	if _, err := c.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if err := c.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err := c.Verify(context.Background(), token)
	assertReason(t, err, ReasonRevoked)

	if got := verifier.CallCount(); got != 1 {
		t.Errorf("upstream calls = %d, revoked token must not reach the provider", got)
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d, revoked verdict should be dropped", got)
	}

	// idempotent
	if err := c.Revoke(context.Background(), token); err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	_, err = c.Verify(context.Background(), token)
	assertReason(t, err, ReasonRevoked)
	if got := c.Revocations().Len(); got != 1 {
		t.Errorf("revocation entries = %d, want 1", got)
	}
}

func TestCache_Revoke_LastsUntilVerdictExpiry(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCache(t, clockVerifier(clock, 10*time.Minute), Config{Now: clock.Now})
	token := testutil.GenerateTestToken()

	if _, err := c.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := c.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	clock.Advance(5 * time.Minute)
	if !c.Revocations().IsRevoked(token) {
		t.Error("revocation should hold until the verdict's expiry")
	}

	clock.Advance(6 * time.Minute)
	if c.Revocations().IsRevoked(token) {
		t.Error("revocation should lapse with the token's own expiry")
	}
}

func TestCache_Revoke_DuringUpstreamCall(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	token := testutil.GenerateTestToken()

	var c *Cache
	verifier := providermock.NewMockVerifier()
	verifier.VerifyTokenFunc = func(ctx context.Context, tok string) (*providers.Identity, error) {
		if err := c.Revoke(ctx, tok); err != nil {
			t.Errorf("Revoke() error = %v", err)
		}
		return testutil.GenerateTestIdentity("user-42", clock.Now().Add(time.Hour)), nil
	}
	c = newTestCache(t, verifier, Config{Now: clock.Now})

	_, err := c.Verify(context.Background(), token)
	assertReason(t, err, ReasonRevoked)
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d, verdict for a token revoked mid-call must not be cached", got)
	}
}

func TestCache_SharedRevocations(t *testing.T) {
	t.Run("revoked in shared store", func(t *testing.T) {
		store := storagemock.NewMockRevocationStore()
		verifier := providermock.NewMockVerifier()
		c := newTestCache(t, verifier, Config{SharedRevocations: store})
		token := testutil.GenerateTestToken()

		if err := store.Revoke(context.Background(), token, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("store.Revoke() error = %v", err)
		}

		_, err := c.Verify(context.Background(), token)
		assertReason(t, err, ReasonRevoked)
		if got := verifier.CallCount(); got != 0 {
			t.Errorf("upstream calls = %d, want 0", got)
		}
	})

	t.Run("lookup failure fails closed", func(t *testing.T) {
		store := storagemock.NewMockRevocationStore()
		store.IsRevokedFunc = func(_ context.Context, _ string) (bool, error) {
			return false, errors.New("connection reset")
		}
		verifier := providermock.NewMockVerifier()
		c := newTestCache(t, verifier, Config{SharedRevocations: store})

		_, err := c.Verify(context.Background(), testutil.GenerateTestToken())
		assertReason(t, err, ReasonServiceUnavailable)
		if got := verifier.CallCount(); got != 0 {
			t.Errorf("upstream calls = %d, want 0", got)
		}
	})

	t.Run("revoke propagates", func(t *testing.T) {
		store := storagemock.NewMockRevocationStore()
		c := newTestCache(t, providermock.NewMockVerifier(), Config{SharedRevocations: store})
		token := testutil.GenerateTestToken()

		if err := c.Revoke(context.Background(), token); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if got := store.Calls("Revoke"); got != 1 {
			t.Errorf("store Revoke calls = %d, want 1", got)
		}
		revoked, err := store.IsRevoked(context.Background(), token)
		if err != nil || !revoked {
			t.Errorf("store.IsRevoked() = %v, %v, want true, nil", revoked, err)
		}
	})

	t.Run("shared revoke failure keeps local revocation", func(t *testing.T) {
		store := storagemock.NewMockRevocationStore()
		store.RevokeFunc = func(_ context.Context, _ string, _ time.Time) error {
			return errors.New("read only replica")
		}
		c := newTestCache(t, providermock.NewMockVerifier(), Config{SharedRevocations: store})
		token := testutil.GenerateTestToken()

		if err := c.Revoke(context.Background(), token); err == nil {
			t.Fatal("Revoke() error = nil, want shared store failure")
		}
		_, err := c.Verify(context.Background(), token)
		assertReason(t, err, ReasonRevoked)
	})
}

func TestCache_LRUEviction(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := clockVerifier(clock, time.Hour)
	c := newTestCache(t, verifier, Config{MaxEntries: 2, Now: clock.Now})
	ctx := context.Background()

	a := "token-a-" + testutil.GenerateRandomString(16)
	b := "token-b-" + testutil.GenerateRandomString(16)
	d := "token-d-" + testutil.GenerateRandomString(16)

	for _, tok := range []string{a, b, a, d} {
		if _, err := c.Verify(ctx, tok); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}

	if got := c.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}

	verifier.Reset()
	if _, err := c.Verify(ctx, a); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got := verifier.CallCount(); got != 0 {
		t.Error("recently used token should still be cached")
	}
	if _, err := c.Verify(ctx, b); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got := verifier.CallCount(); got != 1 {
		t.Error("least recently used token should have been evicted")
	}
}

func TestCache_ProbabilisticSweep(t *testing.T) {
	tests := []struct {
		name        string
		roll        float64
		wantEntries int
	}{
		{name: "roll below probability sweeps", roll: 0.1, wantEntries: 1},
		{name: "roll above probability skips", roll: 0.9, wantEntries: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testutil.NewMockTime(time.Now())
			c := newTestCache(t, clockVerifier(clock, time.Minute), Config{
				Now:              clock.Now,
				SweepProbability: 0.5,
				Rand:             func() float64 { return tt.roll },
			})
			ctx := context.Background()

			if _, err := c.Verify(ctx, testutil.GenerateTestToken()); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			clock.Advance(2 * time.Minute)
			if _, err := c.Verify(ctx, testutil.GenerateTestToken()); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}

			if got := c.Len(); got != tt.wantEntries {
				t.Errorf("Len() = %d, want %d", got, tt.wantEntries)
			}
		})
	}
}

func TestCache_Sweep(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	verifier := providermock.NewMockVerifier()
	var ttl atomic.Int64
	verifier.VerifyTokenFunc = func(_ context.Context, _ string) (*providers.Identity, error) {
		return testutil.GenerateTestIdentity("user-42", clock.Now().Add(time.Duration(ttl.Load()))), nil
	}
	c := newTestCache(t, verifier, Config{Now: clock.Now})
	ctx := context.Background()

	ttl.Store(int64(time.Minute))
	for i := 0; i < 3; i++ {
		if _, err := c.Verify(ctx, testutil.GenerateTestToken()); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}
	ttl.Store(int64(time.Hour))
	if _, err := c.Verify(ctx, testutil.GenerateTestToken()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	clock.Advance(5 * time.Minute)

	if removed := c.Sweep(); removed != 3 {
		t.Errorf("Sweep() removed %d, want 3", removed)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestCache_ConcurrentMissesShareOneUpstreamCall(t *testing.T) {
	release := make(chan struct{})
	verifier := providermock.NewMockVerifier()
	verifier.VerifyTokenFunc = func(_ context.Context, _ string) (*providers.Identity, error) {
		<-release
		return testutil.GenerateTestIdentity("user-42", time.Now().Add(time.Hour)), nil
	}
	c := newTestCache(t, verifier, Config{})
	token := testutil.GenerateTestToken()

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, err := c.Verify(context.Background(), token)
			if err == nil && verdict.SubjectID != "user-42" {
				err = fmt.Errorf("unexpected subject %q", verdict.SubjectID)
			}
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	}
	if got := verifier.CallCount(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestCache_CallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	release := make(chan struct{})
	verifier := providermock.NewMockVerifier()
	verifier.VerifyTokenFunc = func(ctx context.Context, _ string) (*providers.Identity, error) {
		select {
		case <-release:
			return testutil.GenerateTestIdentity("user-42", time.Now().Add(time.Hour)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := newTestCache(t, verifier, Config{})
	token := testutil.GenerateTestToken()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Verify(ctx, token)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Verify() error = %v, the upstream call should outlive the caller's context", err)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c, err := New(providermock.NewMockVerifier(), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Stop()
	c.Stop()
}

func BenchmarkCache_VerifyHit(b *testing.B) {
	c, err := New(providermock.NewMockVerifier(), Config{})
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	defer c.Stop()
	token := testutil.GenerateTestToken()
	if _, err := c.Verify(context.Background(), token); err != nil {
		b.Fatalf("Verify() error = %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Verify(context.Background(), token)
	}
}
