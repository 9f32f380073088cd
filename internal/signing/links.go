package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/signato/platform/internal/shared/types"
)

// linkPayload is the public half of a signing-link token.
type linkPayload struct {
	Exp   int64  `json:"exp"`
	Nonce string `json:"nonce"`
}

// LinkSigner mints and validates signing-link tokens. A token is the
// URL-safe base64 payload {exp, nonce} joined with an HMAC-SHA256 over
// documentId|signerId|exp|nonce under the deployment secret, so a link
// is bound to one signer on one document and cannot be transplanted.
type LinkSigner struct {
	secret    []byte
	ttl       time.Duration
	routeBase string
	now       func() time.Time
}

// NewLinkSigner creates a link signer
func NewLinkSigner(secret string, ttl time.Duration, routeBase string) *LinkSigner {
	return &LinkSigner{
		secret:    []byte(secret),
		ttl:       ttl,
		routeBase: routeBase,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Machine reason tokens surfaced by link validation.
const (
	ReasonLinkIntegrity  = "link_integrity"
	ReasonLinkSuperseded = "link_superseded"
	ReasonLinkExpired    = "link_expired"
)

// NewNonce returns a random nonce bound into issued links. Rotating a
// signer's stored nonce invalidates every previously issued link.
func NewNonce() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Issue mints a token for a signer on a document.
func (l *LinkSigner) Issue(documentID, signerID types.ID, nonce string) string {
	exp := l.now().Add(l.ttl).Unix()
	payload, _ := json.Marshal(linkPayload{Exp: exp, Nonce: nonce})
	mac := l.mac(documentID, signerID, exp, nonce)
	return base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString(mac)
}

// Path renders the public signing path for a token.
func (l *LinkSigner) Path(documentID, signerID types.ID, token string) string {
	return fmt.Sprintf("/%s/%s/%s?t=%s", l.routeBase, documentID, signerID, token)
}

// RouteBase returns the public path segment links are served under.
func (l *LinkSigner) RouteBase() string {
	return l.routeBase
}

// Validate checks token authenticity, expiry and nonce binding. The
// reason is a machine token safe to surface to the link holder.
func (l *LinkSigner) Validate(documentID, signerID types.ID, nonce, token string) (bool, string) {
	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return false, ReasonLinkIntegrity
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return false, ReasonLinkIntegrity
	}
	var payload linkPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return false, ReasonLinkIntegrity
	}
	macBytes, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return false, ReasonLinkIntegrity
	}

	expected := l.mac(documentID, signerID, payload.Exp, payload.Nonce)
	if !hmac.Equal(macBytes, expected) {
		return false, ReasonLinkIntegrity
	}
	if payload.Nonce != nonce {
		return false, ReasonLinkSuperseded
	}
	if l.now().Unix() > payload.Exp {
		return false, ReasonLinkExpired
	}
	return true, ""
}

func (l *LinkSigner) mac(documentID, signerID types.ID, exp int64, nonce string) []byte {
	h := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(h, "%s|%s|%d|%s", documentID, signerID, exp, nonce)
	return h.Sum(nil)
}
