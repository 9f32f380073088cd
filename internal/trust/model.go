// Package trust maintains certificate trust: territory trust lists,
// certification path building, revocation checking and qualification
// assessment of signing certificates.
package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"
)

// RevocationStatus is the outcome of a revocation check.
type RevocationStatus string

const (
	RevocationGood    RevocationStatus = "good"
	RevocationRevoked RevocationStatus = "revoked"
	RevocationUnknown RevocationStatus = "unknown"
)

// CertStatus is the revocation state of one certificate, with the
// source and freshness of the answer.
type CertStatus struct {
	Status     RevocationStatus `json:"status"`
	Source     string           `json:"source,omitempty"` // ocsp or crl
	RevokedAt  time.Time        `json:"revoked_at,omitempty"`
	Reason     int              `json:"reason,omitempty"`
	CheckedAt  time.Time        `json:"checked_at"`
	NextUpdate time.Time        `json:"next_update,omitempty"`
	// Evidence is the raw signed answer (DER OCSP response or CRL) for
	// embedding into long-term signature profiles.
	Evidence []byte `json:"evidence,omitempty"`
}

// TrustedService is one entry from a territory trust list: a
// certification or timestamping service and its granted certificate.
type TrustedService struct {
	Territory   string
	Name        string
	Type        string
	Status      string
	Certificate *x509.Certificate
}

// Service type identifiers carried in trust lists.
const (
	ServiceTypeCA  = "http://uri.etsi.org/TrstSvc/Svctype/CA/QC"
	ServiceTypeTSA = "http://uri.etsi.org/TrstSvc/Svctype/TSA/TSS-QC"

	ServiceStatusGranted   = "http://uri.etsi.org/TrstSvc/TrustedList/Svcstatus/granted"
	ServiceStatusWithdrawn = "http://uri.etsi.org/TrstSvc/TrustedList/Svcstatus/withdrawn"
)

// Fingerprint returns the SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
