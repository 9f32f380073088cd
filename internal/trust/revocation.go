package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

const (
	maxOCSPCacheAge = 1 * time.Hour
	maxCRLCacheAge  = 24 * time.Hour
)

// Checker answers revocation questions about certificates. OCSP is
// preferred; CRL is the fallback when OCSP is unreachable or the
// certificate names no responder. Answers are cached until their
// nextUpdate, capped at one hour for OCSP and one day for CRLs.
type Checker struct {
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	ocspCache map[string]CertStatus
	crlCache  map[string]*cachedCRL
}

type cachedCRL struct {
	list      *x509.RevocationList
	fetchedAt time.Time
	expiresAt time.Time
}

// NewChecker creates a revocation checker with the given per-request
// timeout.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		httpClient: &http.Client{Timeout: timeout},
		now:        func() time.Time { return time.Now().UTC() },
		ocspCache:  make(map[string]CertStatus),
		crlCache:   make(map[string]*cachedCRL),
	}
}

// Check determines the revocation status of cert, issued by issuer.
// An unreachable OCSP responder falls back to CRL; when neither source
// answers, the status is unknown rather than an error so the caller
// decides how to treat missing proof.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate) CertStatus {
	cacheKey := Fingerprint(cert)

	c.mu.Lock()
	cached, ok := c.ocspCache[cacheKey]
	c.mu.Unlock()
	if ok && c.now().Before(cached.NextUpdate) {
		return cached
	}

	if status, err := c.checkOCSP(ctx, cert, issuer); err == nil {
		c.mu.Lock()
		c.ocspCache[cacheKey] = status
		c.mu.Unlock()
		return status
	}

	if status, err := c.checkCRL(ctx, cert, issuer); err == nil {
		return status
	}

	return CertStatus{Status: RevocationUnknown, CheckedAt: c.now()}
}

func (c *Checker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) (CertStatus, error) {
	if len(cert.OCSPServer) == 0 {
		return CertStatus{}, fmt.Errorf("certificate names no OCSP responder")
	}

	reqDER, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return CertStatus{}, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, responder := range cert.OCSPServer {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(reqDER))
		if err != nil {
			lastErr = err
			continue
		}
		httpReq.Header.Set("Content-Type", "application/ocsp-request")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("responder returned status %d", resp.StatusCode)
			continue
		}

		parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse OCSP response: %w", err)
			continue
		}
		status := c.statusFromOCSP(parsed)
		status.Evidence = body
		return status, nil
	}
	return CertStatus{}, lastErr
}

func (c *Checker) statusFromOCSP(resp *ocsp.Response) CertStatus {
	now := c.now()
	status := CertStatus{
		Source:     "ocsp",
		CheckedAt:  now,
		NextUpdate: cacheDeadline(now, resp.NextUpdate, maxOCSPCacheAge),
	}
	switch resp.Status {
	case ocsp.Good:
		status.Status = RevocationGood
	case ocsp.Revoked:
		status.Status = RevocationRevoked
		status.RevokedAt = resp.RevokedAt
		status.Reason = resp.RevocationReason
	default:
		status.Status = RevocationUnknown
	}
	return status
}

func (c *Checker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) (CertStatus, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return CertStatus{}, fmt.Errorf("certificate names no CRL distribution point")
	}

	var lastErr error
	for _, url := range cert.CRLDistributionPoints {
		list, err := c.fetchCRL(ctx, url, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		return c.statusFromCRL(list, cert), nil
	}
	return CertStatus{}, lastErr
}

func (c *Checker) fetchCRL(ctx context.Context, url string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	c.mu.Lock()
	cached, ok := c.crlCache[url]
	c.mu.Unlock()
	if ok && c.now().Before(cached.expiresAt) {
		return cached.list, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CRL endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	list, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if err := list.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL signature verification failed: %w", err)
	}

	now := c.now()
	c.mu.Lock()
	c.crlCache[url] = &cachedCRL{
		list:      list,
		fetchedAt: now,
		expiresAt: cacheDeadline(now, list.NextUpdate, maxCRLCacheAge),
	}
	c.mu.Unlock()
	return list, nil
}

func (c *Checker) statusFromCRL(list *x509.RevocationList, cert *x509.Certificate) CertStatus {
	now := c.now()
	status := CertStatus{
		Status:     RevocationGood,
		Source:     "crl",
		CheckedAt:  now,
		NextUpdate: cacheDeadline(now, list.NextUpdate, maxCRLCacheAge),
		Evidence:   list.Raw,
	}
	for _, entry := range list.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			status.Status = RevocationRevoked
			status.RevokedAt = entry.RevocationTime
			status.Reason = entry.ReasonCode
			break
		}
	}
	return status
}

// cacheDeadline caps a source's nextUpdate at the configured maximum
// cache age. A zero nextUpdate means the cap applies alone.
func cacheDeadline(now, nextUpdate time.Time, maxAge time.Duration) time.Time {
	capped := now.Add(maxAge)
	if nextUpdate.IsZero() || nextUpdate.After(capped) {
		return capped
	}
	return nextUpdate
}
