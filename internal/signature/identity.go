package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/trust"
)

// IdentityOptions shape a generated signing identity.
type IdentityOptions struct {
	CommonName string
	// QC marks the certificate with qualified-certificate statements.
	QC *trust.QCInfo
	// Validity defaults to one year.
	Validity time.Duration
	// Revocation endpoints embedded into the certificate.
	OCSPURL string
	CRLURL  string
}

// CA issues signing identities. It backs development deployments and
// tests; production identities come from external providers.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewCA creates a self-signed issuing CA.
func NewCA(name string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate CA key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate CA serial")
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name, OrganizationalUnit: []string{"Issuing CA"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse CA certificate")
	}
	return &CA{cert: cert, key: key}, nil
}

// Certificate returns the CA certificate, for pinning as an anchor.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// Issue creates a signing identity certified by the CA.
func (ca *CA) Issue(opts IdentityOptions) (*SigningIdentity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate signer key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial")
	}

	validity := opts.Validity
	if validity == 0 {
		validity = 365 * 24 * time.Hour
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}
	if opts.OCSPURL != "" {
		template.OCSPServer = []string{opts.OCSPURL}
	}
	if opts.CRLURL != "" {
		template.CRLDistributionPoints = []string{opts.CRLURL}
	}
	if opts.QC != nil {
		value, err := trust.MarshalQCStatements(*opts.QC)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode QC statements")
		}
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    trust.QCStatementsExtensionOID(),
			Value: value,
		})
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signer certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse signer certificate")
	}

	return &SigningIdentity{Certificate: cert, Key: key}, nil
}
