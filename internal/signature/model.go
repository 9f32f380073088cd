// Package signature creates and verifies detached signatures over
// document bytes in CMS, XML and PDF envelopes, at profiles B through
// LTA.
package signature

import (
	"crypto/sha256"
	"time"

	"github.com/signato/platform/internal/shared/types"
	"github.com/signato/platform/internal/trust"
	"github.com/signato/platform/internal/tsa"
)

// Format is the signature envelope format.
type Format string

const (
	FormatCMS Format = "cms"
	FormatXML Format = "xml"
	FormatPDF Format = "pdf"
)

// Profile is the signature self-containment level.
type Profile string

const (
	// ProfileB carries the signature and signer certificate.
	ProfileB Profile = "B"
	// ProfileT adds a trusted timestamp over the signature.
	ProfileT Profile = "T"
	// ProfileLT adds validation data captured at signing time.
	ProfileLT Profile = "LT"
	// ProfileLTA adds an archival timestamp over the whole record.
	ProfileLTA Profile = "LTA"
)

// Valid reports whether the profile is a known level.
func (p Profile) Valid() bool {
	switch p {
	case ProfileB, ProfileT, ProfileLT, ProfileLTA:
		return true
	}
	return false
}

// Valid reports whether the format is a known envelope format.
func (f Format) Valid() bool {
	switch f {
	case FormatCMS, FormatXML, FormatPDF:
		return true
	}
	return false
}

// ValidationData is the revocation and chain material captured at
// signing time so LT and LTA records stay verifiable after the issuing
// infrastructure disappears.
type ValidationData struct {
	// Certificates is the full path, leaf first, in DER.
	Certificates [][]byte `json:"certificates"`
	// Revocation holds one status per path link, with raw evidence.
	Revocation  []trust.CertStatus `json:"revocation"`
	CollectedAt time.Time          `json:"collected_at"`
}

// SignatureRecord is one complete signature: the envelope artifact
// plus everything the profile level embeds.
type SignatureRecord struct {
	ID              types.ID  `json:"id"`
	DocumentID      types.ID  `json:"document_id"`
	SignerID        types.ID  `json:"signer_id"`
	Format          Format    `json:"format"`
	Profile         Profile   `json:"profile"`
	DigestAlgorithm string    `json:"digest_algorithm"`
	SigningTime     time.Time `json:"signing_time"`

	// SignerCert and Chain are DER certificates, leaf separate from
	// its intermediates.
	SignerCert []byte   `json:"signer_cert"`
	Chain      [][]byte `json:"chain,omitempty"`

	// Artifact is the detached CMS structure, the signed XML document
	// or the PDF signature increment, depending on Format.
	Artifact []byte `json:"artifact"`

	Timestamp        *tsa.Token      `json:"timestamp,omitempty"`
	ValidationData   *ValidationData `json:"validation_data,omitempty"`
	ArchiveTimestamp *tsa.Token      `json:"archive_timestamp,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ArtifactDigest is the digest timestamps are taken over.
func (r *SignatureRecord) ArtifactDigest() []byte {
	sum := sha256.Sum256(r.Artifact)
	return sum[:]
}

// ArchiveDigest covers the artifact, the signature timestamp and the
// validation data, so the archival timestamp seals all prior material.
func (r *SignatureRecord) ArchiveDigest() []byte {
	h := sha256.New()
	h.Write(r.Artifact)
	if r.Timestamp != nil {
		h.Write(r.Timestamp.Token)
	}
	if r.ValidationData != nil {
		for _, cert := range r.ValidationData.Certificates {
			h.Write(cert)
		}
		for _, status := range r.ValidationData.Revocation {
			h.Write([]byte(status.Status))
			h.Write(status.Evidence)
		}
	}
	return h.Sum(nil)
}

// Indication is the overall verification outcome.
type Indication string

const (
	TotalPassed   Indication = "TOTAL-PASSED"
	TotalFailed   Indication = "TOTAL-FAILED"
	Indeterminate Indication = "INDETERMINATE"
)

// Sub-indications qualifying a non-passed outcome.
const (
	SubHashFailure            = "HASH_FAILURE"
	SubRevokedNoPOE           = "REVOKED_NO_POE"
	SubExpired                = "EXPIRED"
	SubNoCertificateChain     = "NO_CERTIFICATE_CHAIN_FOUND"
	SubTimestampOrderFailure  = "TIMESTAMP_ORDER_FAILURE"
	SubCryptoConstraintsError = "CRYPTO_CONSTRAINTS_FAILURE"
)

// Legal effect of a verified signature.
const (
	LegalEquivalentToHandwritten = "equivalent_to_handwritten"
	LegalPresumptionOfIntegrity  = "presumption_of_integrity"
	LegalAdmissibleAsEvidence    = "admissible_as_evidence"
	LegalNoEffect                = "no_legal_effect"
)

// ValidationReport is the outcome of verifying one SignatureRecord.
type ValidationReport struct {
	Indication    Indication `json:"indication"`
	SubIndication string     `json:"sub_indication,omitempty"`

	Format      Format    `json:"format"`
	Profile     Profile   `json:"profile"`
	SigningTime time.Time `json:"signing_time"`

	TimestampTime *time.Time `json:"timestamp_time,omitempty"`

	QC          trust.QCInfo `json:"qc"`
	Qualified   bool         `json:"qualified"`
	LegalEffect string       `json:"legal_effect"`

	Warnings    []string  `json:"warnings,omitempty"`
	Errors      []string  `json:"errors,omitempty"`
	ValidatedAt time.Time `json:"validated_at"`
}

// StoredSignature is the persisted metadata row for a signature; the
// full record lives in the object store under EnvelopeRef.
type StoredSignature struct {
	ID               types.ID   `json:"id"`
	DocumentID       types.ID   `json:"document_id"`
	SignerID         types.ID   `json:"signer_id"`
	Format           Format     `json:"format"`
	Profile          Profile    `json:"profile"`
	EnvelopeRef      string     `json:"envelope_ref"`
	CertFingerprint  string     `json:"certificate_fingerprint"`
	SignedAt         time.Time  `json:"signed_at"`
	TimestampedAt    *time.Time `json:"timestamped_at,omitempty"`
	TSAName          string     `json:"tsa_name,omitempty"`
	ValidationStatus string     `json:"validation_status,omitempty"`
}
