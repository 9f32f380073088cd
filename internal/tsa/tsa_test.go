package tsa

import (
	"context"
	"crypto"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/shared/errors"
)

func newTestAuthority(t *testing.T) *LocalAuthority {
	t.Helper()
	authority, err := NewLocalAuthority("Test Org")
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	return authority
}

func newTestClient(t *testing.T, authorities ...config.TSAAuthority) *Client {
	t.Helper()
	client, err := NewClient(config.TSAConfig{
		Authorities:    authorities,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	client.backoff = time.Millisecond
	return client
}

func TestStampAndVerify(t *testing.T) {
	authority := newTestAuthority(t)
	server := httptest.NewServer(authority)
	defer server.Close()

	client := newTestClient(t, config.TSAAuthority{
		Name: "local", URL: server.URL, Qualified: true, HashAlgo: "SHA-256",
	})

	digest := sha256.Sum256([]byte("signature value"))
	token, err := client.Stamp(context.Background(), digest[:])
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}

	if token.Authority != "local" {
		t.Errorf("authority = %q, want local", token.Authority)
	}
	if !token.Qualified {
		t.Error("token should carry the authority's qualified flag")
	}
	if token.SerialNumber == "" {
		t.Error("token should carry a serial number")
	}
	if time.Since(token.GenTime) > time.Minute {
		t.Errorf("genTime %s is not recent", token.GenTime)
	}

	ts, err := client.Verify(token.Token, digest[:])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ts.Time.Equal(token.GenTime) {
		t.Errorf("parsed genTime %s != acquired genTime %s", ts.Time, token.GenTime)
	}

	other := sha256.Sum256([]byte("different data"))
	if _, err := client.Verify(token.Token, other[:]); err == nil {
		t.Error("verification must fail for a different digest")
	}
}

func TestFailoverToNextAuthority(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	authority := newTestAuthority(t)
	up := httptest.NewServer(authority)
	defer up.Close()

	client := newTestClient(t,
		config.TSAAuthority{Name: "primary", URL: down.URL, Priority: 1},
		config.TSAAuthority{Name: "fallback", URL: up.URL, Priority: 2},
	)

	digest := sha256.Sum256([]byte("payload"))
	token, err := client.Stamp(context.Background(), digest[:])
	if err != nil {
		t.Fatalf("stamp should fail over: %v", err)
	}
	if token.Authority != "fallback" {
		t.Errorf("token came from %q, want fallback", token.Authority)
	}
}

func TestAllAuthoritiesDownIsRetryable(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client := newTestClient(t, config.TSAAuthority{Name: "only", URL: down.URL})

	digest := sha256.Sum256([]byte("payload"))
	_, err := client.Stamp(context.Background(), digest[:])
	if err == nil {
		t.Fatal("expected failure when every authority is down")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("exhausted authorities should yield a retryable error, got %v", err)
	}
}

func TestReplayedResponseRejected(t *testing.T) {
	authority := newTestAuthority(t)

	// Capture one real response and replay it for every request. The
	// replayed response carries a stale nonce, so the client must
	// refuse it even though the message imprint matches.
	digest := sha256.Sum256([]byte("payload"))
	req := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest[:],
		Certificates:  true,
	}
	reqDER, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	canned, err := authority.Respond(reqDER)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	replay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/timestamp-reply")
		w.Write(canned)
	}))
	defer replay.Close()

	client := newTestClient(t, config.TSAAuthority{Name: "replay", URL: replay.URL})
	if _, err := client.Stamp(context.Background(), digest[:]); err == nil {
		t.Fatal("replayed response with stale nonce must be rejected")
	}
}

func TestGenTimeDriftRejected(t *testing.T) {
	authority := newTestAuthority(t)
	authority.now = func() time.Time { return time.Now().UTC().Add(-10 * time.Minute) }
	server := httptest.NewServer(authority)
	defer server.Close()

	client := newTestClient(t, config.TSAAuthority{Name: "skewed", URL: server.URL})

	digest := sha256.Sum256([]byte("payload"))
	if _, err := client.Stamp(context.Background(), digest[:]); err == nil {
		t.Fatal("genTime outside the drift window must be rejected")
	}
}

func TestRespondRejectsWeakHash(t *testing.T) {
	authority := newTestAuthority(t)

	req := timestamp.Request{
		HashAlgorithm: crypto.SHA1,
		HashedMessage: make([]byte, crypto.SHA1.Size()),
	}
	reqDER, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := authority.Respond(reqDER); err == nil {
		t.Fatal("SHA-1 requests must be refused")
	}
}

func TestChainWitnessRoundTrip(t *testing.T) {
	authority := newTestAuthority(t)
	server := httptest.NewServer(authority)
	defer server.Close()

	client := newTestClient(t, config.TSAAuthority{Name: "local", URL: server.URL})
	witness := NewChainWitness(client)

	digest := sha256.Sum256([]byte("checkpoint head"))
	token, err := witness.Stamp(context.Background(), digest[:])
	if err != nil {
		t.Fatalf("witness stamp: %v", err)
	}
	if err := witness.Verify(context.Background(), token, digest[:]); err != nil {
		t.Errorf("witness verify: %v", err)
	}

	other := sha256.Sum256([]byte("rewritten head"))
	if err := witness.Verify(context.Background(), token, other[:]); err == nil {
		t.Error("witness must reject a token for a different digest")
	}
}
