package objectstore

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestPutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	content := []byte("signable document bytes")

	ref1, err := store.Put(context.Background(), content, "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ref2, err := store.Put(context.Background(), content, "application/pdf")
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("identical content produced different refs: %s vs %s", ref1, ref2)
	}

	got, err := store.Get(context.Background(), ref1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(content) {
		t.Error("content round trip mismatch")
	}
}

func TestRefValidation(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
		ok   bool
	}{
		{"valid", NewRef([]byte("x")), true},
		{"wrong prefix", Ref("md5:abcd"), false},
		{"short digest", Ref("sha256:abcd"), false},
		{"non-hex", Ref("sha256:" + strings.Repeat("z", 64)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetUnknownRef(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), NewRef([]byte("missing"))); err == nil {
		t.Fatal("expected not found")
	}
}

func TestSignedURLRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	gateway := NewGateway(store, "url-secret", "http://localhost:8080", 15*time.Minute)

	ref, err := store.Put(context.Background(), []byte("contract"), "application/octet-stream")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	url, err := gateway.URL(ref, time.Minute)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if !strings.Contains(url, string(ref)) {
		t.Errorf("url should embed the ref: %s", url)
	}

	exp, sig := parseURLParams(t, url)
	if err := gateway.VerifyURL(ref, exp, sig); err != nil {
		t.Errorf("fresh url should verify: %v", err)
	}

	// Swapping the ref invalidates the signature.
	otherRef, _ := store.Put(context.Background(), []byte("other"), "text/plain")
	if err := gateway.VerifyURL(otherRef, exp, sig); err == nil {
		t.Error("signature should not transfer to another ref")
	}

	// Expired timestamps are rejected even with a matching signature.
	pastExp := time.Now().Add(-time.Minute).Unix()
	pastSig := gateway.sign(ref, pastExp)
	if err := gateway.VerifyURL(ref, pastExp, pastSig); err == nil {
		t.Error("expired url should be rejected")
	}
}

func parseURLParams(t *testing.T, url string) (int64, string) {
	t.Helper()
	var exp int64
	var sig string
	query := url[strings.Index(url, "?")+1:]
	for _, kv := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "exp":
			var err error
			exp, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				t.Fatalf("bad exp %q: %v", v, err)
			}
		case "sig":
			sig = v
		}
	}
	return exp, sig
}
