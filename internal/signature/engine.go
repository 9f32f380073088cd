package signature

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/metrics"
	"github.com/signato/platform/internal/shared/types"
	"github.com/signato/platform/internal/trust"
	"github.com/signato/platform/internal/tsa"
)

// SignOptions parameterize signature creation.
type SignOptions struct {
	DocumentID types.ID
	SignerID   types.ID
	Format     Format
	Profile    Profile
	// DigestAlgo defaults to SHA-256. SHA-1 and MD5 are refused.
	DigestAlgo string
}

// Engine creates and verifies signature records. Timestamping and
// trust assessment are delegated to their services; the engine owns
// profile assembly and the verification verdict.
type Engine struct {
	verifier  *trust.Verifier
	tsaClient *tsa.Client
	envelopes map[Format]Envelope
	now       func() time.Time
}

// NewEngine creates a signature engine
func NewEngine(verifier *trust.Verifier, tsaClient *tsa.Client) *Engine {
	return &Engine{
		verifier:  verifier,
		tsaClient: tsaClient,
		envelopes: buildEnvelopes(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sign produces a SignatureRecord over the content at the requested
// format and profile.
func (e *Engine) Sign(ctx context.Context, content []byte, identity SigningIdentity, opts SignOptions) (*SignatureRecord, error) {
	if !opts.Format.Valid() {
		return nil, errors.Validation(fmt.Sprintf("unknown envelope format %q", opts.Format), nil)
	}
	if !opts.Profile.Valid() {
		return nil, errors.Validation(fmt.Sprintf("unknown profile %q", opts.Profile), nil)
	}
	if err := checkDigestAlgo(opts.DigestAlgo); err != nil {
		return nil, err
	}
	if identity.Certificate == nil || identity.Key == nil {
		return nil, errors.Validation("signing identity is incomplete", nil)
	}
	if weakSignatureAlgorithm(identity.Certificate) {
		return nil, errors.CryptoFailure("CryptoConstraintFailure: signer certificate uses a deprecated signature algorithm", nil)
	}

	envelope := e.envelopes[opts.Format]
	artifact, err := envelope.Sign(content, identity)
	if err != nil {
		return nil, errors.CryptoFailure("signature creation failed", err)
	}

	digestAlgo := opts.DigestAlgo
	if digestAlgo == "" {
		digestAlgo = "SHA-256"
	}

	record := &SignatureRecord{
		ID:              types.NewID(),
		DocumentID:      opts.DocumentID,
		SignerID:        opts.SignerID,
		Format:          opts.Format,
		Profile:         opts.Profile,
		DigestAlgorithm: digestAlgo,
		SigningTime:     e.now(),
		SignerCert:      identity.Certificate.Raw,
		Artifact:        artifact,
		CreatedAt:       e.now(),
	}
	for _, intermediate := range identity.Chain {
		record.Chain = append(record.Chain, intermediate.Raw)
	}

	if opts.Profile == ProfileT || opts.Profile == ProfileLT || opts.Profile == ProfileLTA {
		token, err := e.tsaClient.Stamp(ctx, record.ArtifactDigest())
		if err != nil {
			return nil, err
		}
		record.Timestamp = token
	}

	if opts.Profile == ProfileLT || opts.Profile == ProfileLTA {
		data, err := e.collectValidationData(ctx, identity)
		if err != nil {
			return nil, err
		}
		record.ValidationData = data
	}

	if opts.Profile == ProfileLTA {
		archive, err := e.tsaClient.Stamp(ctx, record.ArchiveDigest())
		if err != nil {
			return nil, err
		}
		record.ArchiveTimestamp = archive
	}

	metrics.RecordSignatureCreated(string(opts.Format), string(opts.Profile))
	return record, nil
}

// collectValidationData snapshots the chain and revocation evidence at
// signing time.
func (e *Engine) collectValidationData(ctx context.Context, identity SigningIdentity) (*ValidationData, error) {
	report, err := e.verifier.VerifyChain(ctx, identity.Certificate, identity.Chain, e.now())
	if err != nil {
		return nil, errors.DependencyUnavailable("trust service", err)
	}
	data := &ValidationData{CollectedAt: e.now()}
	for _, cert := range report.Path {
		data.Certificates = append(data.Certificates, cert.Raw)
	}
	data.Revocation = report.Revocation
	return data, nil
}

// Verify runs the ordered validation steps over a record and returns
// the report; it never returns an error, the report carries failures.
func (e *Engine) Verify(ctx context.Context, record *SignatureRecord, content []byte, at time.Time) *ValidationReport {
	report := &ValidationReport{
		Indication:  TotalPassed,
		Format:      record.Format,
		Profile:     record.Profile,
		SigningTime: record.SigningTime,
		ValidatedAt: e.now(),
	}
	defer func() {
		report.LegalEffect = legalEffect(report)
		metrics.RecordSignatureValidation(string(report.Indication))
	}()

	// Step 1: envelope cryptography.
	envelope, ok := e.envelopes[record.Format]
	if !ok {
		report.fail(TotalFailed, SubHashFailure, fmt.Sprintf("unknown envelope format %q", record.Format))
		return report
	}
	signerCert, err := envelope.Verify(record.Artifact, content)
	if err != nil {
		report.fail(TotalFailed, SubHashFailure, err.Error())
		return report
	}

	if weakSignatureAlgorithm(signerCert) {
		report.degrade(Indeterminate, SubCryptoConstraintsError)
		report.Warnings = append(report.Warnings, "signer certificate uses a deprecated signature algorithm")
	}

	// Step 4 runs early enough to establish proof of existence for the
	// certificate checks below.
	poe := e.verifyTimestamps(record, report)

	// Step 2: certificate path and revocation.
	pathTime := at
	if poe != nil && poe.Before(at) {
		pathTime = *poe
	}
	chainReport := e.checkChain(ctx, record, signerCert, at, pathTime, poe, report)

	// Step 3: qualification is recorded, never fatal.
	if chainReport != nil {
		report.QC = chainReport.QC
		report.Qualified = chainReport.QC.Compliance
	}

	// Step 5: long-term material.
	e.checkLongTerm(record, report)

	return report
}

// verifyTimestamps checks the signature and archival timestamps and
// returns the earliest proof-of-existence time.
func (e *Engine) verifyTimestamps(record *SignatureRecord, report *ValidationReport) *time.Time {
	if record.Timestamp == nil {
		return nil
	}

	ts, err := e.tsaClient.Verify(record.Timestamp.Token, record.ArtifactDigest())
	if err != nil {
		report.degrade(Indeterminate, SubTimestampOrderFailure)
		report.Errors = append(report.Errors, fmt.Sprintf("signature timestamp: %v", err))
		return nil
	}
	genTime := ts.Time
	report.TimestampTime = &genTime

	// The stamp covers the signature, so it cannot predate the claimed
	// signing time by more than the accepted clock drift.
	if genTime.Add(tsa.MaxGenTimeDrift).Before(record.SigningTime) {
		report.degrade(Indeterminate, SubTimestampOrderFailure)
		report.Errors = append(report.Errors, fmt.Sprintf(
			"signature timestamp genTime %s predates the claimed signing time %s",
			genTime.Format(time.RFC3339), record.SigningTime.Format(time.RFC3339)))
	}

	if record.ArchiveTimestamp != nil {
		archive, err := e.tsaClient.Verify(record.ArchiveTimestamp.Token, record.ArchiveDigest())
		if err != nil {
			report.degrade(Indeterminate, SubTimestampOrderFailure)
			report.Errors = append(report.Errors, fmt.Sprintf("archival timestamp: %v", err))
		} else if archive.Time.Before(genTime) {
			// The archival stamp must cover, and therefore follow, the
			// signature stamp.
			report.degrade(Indeterminate, SubTimestampOrderFailure)
			report.Errors = append(report.Errors, "archival timestamp predates the signature timestamp")
		}
	}

	return &genTime
}

func (e *Engine) checkChain(ctx context.Context, record *SignatureRecord, signerCert *x509.Certificate, at, pathTime time.Time, poe *time.Time, report *ValidationReport) *trust.ChainReport {
	// Leaf validity is judged separately so expiry degrades with its
	// own sub-indication instead of a generic chain failure.
	if at.After(signerCert.NotAfter) && (poe == nil || poe.After(signerCert.NotAfter)) {
		report.degrade(Indeterminate, SubExpired)
		report.Errors = append(report.Errors, "signer certificate expired without proof of existence")
		return nil
	}

	intermediates := make([]*x509.Certificate, 0, len(record.Chain))
	for _, der := range record.Chain {
		if cert, err := x509.ParseCertificate(der); err == nil {
			intermediates = append(intermediates, cert)
		}
	}
	if record.ValidationData != nil {
		for _, der := range record.ValidationData.Certificates {
			if cert, err := x509.ParseCertificate(der); err == nil {
				intermediates = append(intermediates, cert)
			}
		}
	}

	chainReport, err := e.verifier.VerifyChain(ctx, signerCert, intermediates, pathTime)
	if err != nil {
		report.degrade(Indeterminate, SubNoCertificateChain)
		report.Errors = append(report.Errors, err.Error())
		return nil
	}

	e.checkRevocation(record, chainReport, at, poe, report)
	return chainReport
}

func (e *Engine) checkRevocation(record *SignatureRecord, chainReport *trust.ChainReport, at time.Time, poe *time.Time, report *ValidationReport) {
	if !chainReport.Revoked() {
		return
	}
	revokedAt := chainReport.RevokedAt()

	// Validation at a time before the revocation took effect is clean.
	if at.Before(revokedAt) {
		return
	}

	// Proof of existence before revocation keeps the signature valid;
	// embedded validation data from signing time backs it up.
	if poe != nil && poe.Before(revokedAt) && record.ValidationData != nil {
		report.Warnings = append(report.Warnings, "certificate revoked after timestamped signing time")
		return
	}

	if record.SigningTime.Before(revokedAt) {
		// Claimed signing time precedes revocation but nothing proves
		// the claim.
		report.degrade(Indeterminate, SubRevokedNoPOE)
		report.Errors = append(report.Errors, "certificate revoked; no proof the signature predates revocation")
		return
	}

	report.fail(TotalFailed, SubRevokedNoPOE, "signer certificate was revoked before signing")
}

func (e *Engine) checkLongTerm(record *SignatureRecord, report *ValidationReport) {
	if record.Profile != ProfileLT && record.Profile != ProfileLTA {
		return
	}
	if record.ValidationData == nil || len(record.ValidationData.Certificates) == 0 {
		report.degrade(Indeterminate, "")
		report.Errors = append(report.Errors, "long-term profile without embedded validation data")
		return
	}
	if record.Profile == ProfileLTA && record.ArchiveTimestamp == nil {
		report.degrade(Indeterminate, "")
		report.Errors = append(report.Errors, "archival profile without archival timestamp")
	}
}

func (r *ValidationReport) fail(indication Indication, sub, message string) {
	r.Indication = indication
	r.SubIndication = sub
	if message != "" {
		r.Errors = append(r.Errors, message)
	}
}

// degrade lowers the indication but never overwrites TOTAL-FAILED.
func (r *ValidationReport) degrade(indication Indication, sub string) {
	if r.Indication == TotalFailed {
		return
	}
	if r.Indication == TotalPassed {
		r.Indication = indication
		if sub != "" {
			r.SubIndication = sub
		}
	}
}

// legalEffect derives the legal standing from the verdict and the
// signer's qualification.
func legalEffect(report *ValidationReport) string {
	if report.Indication != TotalPassed {
		return LegalNoEffect
	}
	if report.QC.Compliance && report.QC.SSCD {
		return LegalEquivalentToHandwritten
	}
	if report.QC.Compliance {
		return LegalPresumptionOfIntegrity
	}
	return LegalAdmissibleAsEvidence
}
