package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/signato/platform/internal/shared/errors"
)

// Ref is a content-addressed handle to a stored blob: "sha256:<hex>".
// Identical content always yields the same ref, so Put is idempotent.
type Ref string

// NewRef computes the ref for the given content
func NewRef(content []byte) Ref {
	sum := sha256.Sum256(content)
	return Ref("sha256:" + hex.EncodeToString(sum[:]))
}

// Validate checks the ref shape
func (r Ref) Validate() error {
	s := string(r)
	if !strings.HasPrefix(s, "sha256:") || len(s) != len("sha256:")+64 {
		return errors.BadRequest("malformed object ref")
	}
	if _, err := hex.DecodeString(s[len("sha256:"):]); err != nil {
		return errors.BadRequest("malformed object ref")
	}
	return nil
}

func (r Ref) String() string {
	return string(r)
}

// Object describes a stored blob
type Object struct {
	Ref       Ref       `json:"ref"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the blob storage contract. Content is immutable once written.
type Store interface {
	// Put stores content and returns its content-addressed ref.
	// Writing identical content twice is a no-op.
	Put(ctx context.Context, content []byte, mediaType string) (Ref, error)

	// Get returns the content for a ref
	Get(ctx context.Context, ref Ref) ([]byte, error)

	// Stat returns blob metadata without the content
	Stat(ctx context.Context, ref Ref) (*Object, error)
}

// Gateway wraps a Store with time-bounded signed download URLs.
type Gateway struct {
	store   Store
	secret  []byte
	baseURL string
	ttl     time.Duration
}

// NewGateway creates a gateway over the given store
func NewGateway(store Store, secret, baseURL string, ttl time.Duration) *Gateway {
	return &Gateway{
		store:   store,
		secret:  []byte(secret),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ttl:     ttl,
	}
}

// Put stores content
func (g *Gateway) Put(ctx context.Context, content []byte, mediaType string) (Ref, error) {
	return g.store.Put(ctx, content, mediaType)
}

// Get returns the content for a ref
func (g *Gateway) Get(ctx context.Context, ref Ref) ([]byte, error) {
	return g.store.Get(ctx, ref)
}

// Stat returns blob metadata
func (g *Gateway) Stat(ctx context.Context, ref Ref) (*Object, error) {
	return g.store.Stat(ctx, ref)
}

// URL returns a signed, time-bounded download URL for a ref. The
// signature covers ref and expiry so neither can be swapped.
func (g *Gateway) URL(ref Ref, ttl time.Duration) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = g.ttl
	}
	exp := time.Now().Add(ttl).Unix()
	sig := g.sign(ref, exp)
	return fmt.Sprintf("%s/objects/%s?exp=%d&sig=%s", g.baseURL, ref, exp, sig), nil
}

// VerifyURL checks a download request's expiry and signature
func (g *Gateway) VerifyURL(ref Ref, exp int64, sig string) error {
	if time.Now().Unix() > exp {
		return errors.Unauthorized("download link expired")
	}
	expected := g.sign(ref, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.Unauthorized("download link signature mismatch")
	}
	return nil
}

func (g *Gateway) sign(ref Ref, exp int64) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(ref.String()))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
