package trust

import (
	"context"
	"crypto/x509"
	"time"
)

// ChainReport is the combined trust assessment of a signing
// certificate: its path to an anchor, the revocation status of every
// certificate below the anchor, and the leaf's qualification.
type ChainReport struct {
	Path            []*x509.Certificate
	Revocation      []CertStatus
	QC              QCInfo
	AnchorTerritory string
}

// Revoked reports whether any certificate on the path is revoked.
func (r *ChainReport) Revoked() bool {
	for _, status := range r.Revocation {
		if status.Status == RevocationRevoked {
			return true
		}
	}
	return false
}

// RevokedAt returns the earliest revocation time on the path.
func (r *ChainReport) RevokedAt() time.Time {
	var earliest time.Time
	for _, status := range r.Revocation {
		if status.Status == RevocationRevoked {
			if earliest.IsZero() || status.RevokedAt.Before(earliest) {
				earliest = status.RevokedAt
			}
		}
	}
	return earliest
}

// Verifier assesses signing certificates against the trust lists and
// revocation sources.
type Verifier struct {
	lists   *Service
	checker *Checker

	// extraAnchors supplements the trust lists, used in tests and for
	// deployments pinning additional roots.
	extraAnchors []*x509.Certificate
}

// NewVerifier creates a certificate verifier
func NewVerifier(lists *Service, checker *Checker) *Verifier {
	return &Verifier{lists: lists, checker: checker}
}

// AddAnchor pins an additional trust anchor.
func (v *Verifier) AddAnchor(cert *x509.Certificate) {
	v.extraAnchors = append(v.extraAnchors, cert)
}

func (v *Verifier) anchors() []*x509.Certificate {
	var anchors []*x509.Certificate
	if v.lists != nil {
		anchors = v.lists.Anchors()
	}
	return append(anchors, v.extraAnchors...)
}

// VerifyChain builds the certification path for the leaf at the given
// time and checks revocation for every certificate below the anchor.
func (v *Verifier) VerifyChain(ctx context.Context, leaf *x509.Certificate, intermediates []*x509.Certificate, at time.Time) (*ChainReport, error) {
	anchors := v.anchors()

	path, err := BuildPath(leaf, intermediates, anchors, at)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{Path: path}

	qc, err := ParseQCStatements(leaf)
	if err == nil {
		report.QC = qc
	}
	if v.lists != nil {
		report.AnchorTerritory = v.lists.AnchorTerritory(path[len(path)-1])
	}

	// The anchor itself is trusted by inclusion in the list, not by
	// revocation checking.
	for i := 0; i < len(path)-1; i++ {
		report.Revocation = append(report.Revocation, v.checker.Check(ctx, path[i], path[i+1]))
	}
	return report, nil
}
