package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/metrics"
)

const (
	maxAttempts = 3
	baseBackoff = 1 * time.Second
)

// Client acquires timestamp tokens from a ranked list of authorities.
// Each authority gets up to three attempts with exponential backoff
// before the client fails over to the next one.
type Client struct {
	authorities []Authority
	httpClient  *http.Client
	roots       *x509.CertPool

	// backoff overrides the retry base delay, for tests.
	backoff time.Duration
	now     func() time.Time
}

// NewClient builds a client from configuration. Authorities with an
// unusable hash algorithm are rejected at construction time.
func NewClient(cfg config.TSAConfig) (*Client, error) {
	var authorities []Authority
	for _, a := range cfg.Authorities {
		hash, err := ParseHashAlgo(a.HashAlgo)
		if err != nil {
			return nil, errors.Validation(fmt.Sprintf("authority %s: %v", a.Name, err), nil)
		}
		authorities = append(authorities, Authority{
			Name:      a.Name,
			URL:       a.URL,
			Priority:  a.Priority,
			Qualified: a.Qualified,
			Region:    a.Region,
			HashAlgo:  hash,
		})
	}
	sort.SliceStable(authorities, func(i, j int) bool {
		return authorities[i].Priority < authorities[j].Priority
	})

	return &Client{
		authorities: authorities,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		backoff:     baseBackoff,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// AddAuthority appends an authority at the lowest priority. Used to
// register the in-process responder as the last resort.
func (c *Client) AddAuthority(a Authority) {
	if a.HashAlgo == 0 {
		a.HashAlgo = crypto.SHA256
	}
	c.authorities = append(c.authorities, a)
}

// TrustRoots sets additional roots accepted during token verification.
// Without roots only the token's own certificates are used.
func (c *Client) TrustRoots(pool *x509.CertPool) {
	c.roots = pool
}

// Stamp obtains a timestamp token over the given digest. The digest
// must have been computed with the algorithm each authority expects;
// authorities whose algorithm does not match the digest length are
// skipped.
func (c *Client) Stamp(ctx context.Context, digest []byte) (*Token, error) {
	if len(c.authorities) == 0 {
		return nil, errors.DependencyUnavailable("timestamp authority", fmt.Errorf("no authorities configured"))
	}

	var lastErr error
	for _, authority := range c.authorities {
		if authority.HashAlgo.Size() != len(digest) {
			continue
		}
		token, err := c.stampWithRetry(ctx, authority, digest)
		if err == nil {
			return token, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no authority accepts a %d-byte digest", len(digest))
	}
	return nil, errors.DependencyUnavailable("timestamp authority", lastErr)
}

func (c *Client) stampWithRetry(ctx context.Context, authority Authority, digest []byte) (*Token, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		token, err := c.stampOnce(ctx, authority, digest)
		if err == nil {
			metrics.RecordTimestampRequest(authority.Name, "success", time.Since(start))
			return token, nil
		}
		metrics.RecordTimestampRequest(authority.Name, "failure", time.Since(start))
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("authority %s: %w", authority.Name, lastErr)
}

func (c *Client) stampOnce(ctx context.Context, authority Authority, digest []byte) (*Token, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := timestamp.Request{
		HashAlgorithm: authority.HashAlgo,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	reqDER, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, authority.URL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned status %d", resp.StatusCode)
	}

	respDER, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	ts, err := timestamp.ParseResponse(respDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp response: %w", err)
	}

	if !bytes.Equal(ts.HashedMessage, digest) {
		return nil, fmt.Errorf("response message imprint does not match request")
	}
	if ts.HashAlgorithm != authority.HashAlgo {
		return nil, fmt.Errorf("response hash algorithm %v does not match request", ts.HashAlgorithm)
	}
	if nonce != nil && (ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0) {
		return nil, fmt.Errorf("response nonce does not match request")
	}
	if drift := c.now().Sub(ts.Time); drift > MaxGenTimeDrift || drift < -MaxGenTimeDrift {
		return nil, fmt.Errorf("genTime %s drifts %s from local clock", ts.Time.Format(time.RFC3339), drift)
	}

	return &Token{
		Authority:    authority.Name,
		Qualified:    authority.Qualified,
		GenTime:      ts.Time,
		SerialNumber: ts.SerialNumber.String(),
		HashAlgo:     authority.HashAlgo.String(),
		Token:        ts.RawToken,
	}, nil
}

// Verify checks a timestamp token: its signature against the embedded
// certificate chain and its message imprint against the expected
// digest. It returns the parsed token on success.
func (c *Client) Verify(tokenDER, expectedDigest []byte) (*timestamp.Timestamp, error) {
	ts, err := timestamp.Parse(tokenDER)
	if err != nil {
		return nil, errors.IntegrityFailure("failed to parse timestamp token")
	}
	if !bytes.Equal(ts.HashedMessage, expectedDigest) {
		return nil, errors.IntegrityFailure("timestamp covers different data")
	}

	p7, err := pkcs7.Parse(tokenDER)
	if err != nil {
		return nil, errors.IntegrityFailure("timestamp token is not valid CMS")
	}
	if c.roots != nil {
		err = p7.VerifyWithChain(c.roots)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, errors.IntegrityFailure("timestamp signature verification failed")
	}

	return ts, nil
}

// ChainWitness adapts the client to witness audit chain checkpoints.
type ChainWitness struct {
	client *Client
}

// NewChainWitness creates a checkpoint witness backed by the client.
func NewChainWitness(client *Client) *ChainWitness {
	return &ChainWitness{client: client}
}

// Stamp obtains a timestamp token over a checkpoint digest.
func (w *ChainWitness) Stamp(ctx context.Context, digest []byte) ([]byte, error) {
	token, err := w.client.Stamp(ctx, digest)
	if err != nil {
		return nil, err
	}
	return token.Token, nil
}

// Verify checks a checkpoint's timestamp token against its digest.
func (w *ChainWitness) Verify(ctx context.Context, tokenDER, digest []byte) error {
	_, err := w.client.Verify(tokenDER, digest)
	return err
}
