package trust

import (
	"crypto/x509"
	"fmt"
	"time"
)

// maxPathDepth bounds certification path length.
const maxPathDepth = 10

// BuildPath constructs a certification path from leaf to a trusted
// anchor, ordered leaf first. Every certificate on the path must be
// within its validity window at the given time and each link must
// carry a valid issuer signature. Cross-signed loops are cut by
// fingerprint tracking.
func BuildPath(leaf *x509.Certificate, intermediates, anchors []*x509.Certificate, at time.Time) ([]*x509.Certificate, error) {
	if leaf == nil {
		return nil, fmt.Errorf("no certificate to build a path from")
	}

	anchorSet := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		anchorSet[Fingerprint(a)] = true
	}

	path := []*x509.Certificate{leaf}
	seen := map[string]bool{Fingerprint(leaf): true}
	current := leaf

	for len(path) <= maxPathDepth {
		if err := checkValidity(current, at); err != nil {
			return nil, err
		}
		if anchorSet[Fingerprint(current)] {
			return path, nil
		}

		issuer := findIssuer(current, anchors, seen)
		if issuer == nil {
			issuer = findIssuer(current, intermediates, seen)
		}
		if issuer == nil {
			return nil, fmt.Errorf("no trusted path: issuer of %q not found", current.Subject.CommonName)
		}

		seen[Fingerprint(issuer)] = true
		path = append(path, issuer)
		current = issuer
	}

	return nil, fmt.Errorf("certification path exceeds %d certificates", maxPathDepth)
}

func checkValidity(cert *x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) {
		return fmt.Errorf("certificate %q not yet valid at %s", cert.Subject.CommonName, at.Format(time.RFC3339))
	}
	if at.After(cert.NotAfter) {
		return fmt.Errorf("certificate %q expired at %s", cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func findIssuer(cert *x509.Certificate, candidates []*x509.Certificate, seen map[string]bool) *x509.Certificate {
	for _, candidate := range candidates {
		if seen[Fingerprint(candidate)] {
			continue
		}
		if !bytesEqual(cert.RawIssuer, candidate.RawSubject) {
			continue
		}
		if err := cert.CheckSignatureFrom(candidate); err != nil {
			continue
		}
		return candidate
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
