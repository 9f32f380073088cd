package signature

import (
	"crypto"
	"crypto/x509"

	"github.com/signato/platform/internal/shared/errors"
)

// SigningIdentity is the key material a signature is created with.
type SigningIdentity struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         crypto.Signer
}

// Envelope produces and checks one signature artifact format. Both
// operations are detached: the document bytes travel separately from
// the artifact.
type Envelope interface {
	Format() Format
	// Sign produces the signature artifact over the content.
	Sign(content []byte, identity SigningIdentity) ([]byte, error)
	// Verify checks the artifact against the content and returns the
	// signer certificate embedded in it.
	Verify(artifact, content []byte) (*x509.Certificate, error)
}

// envelopes maps each format to its implementation.
func buildEnvelopes() map[Format]Envelope {
	return map[Format]Envelope{
		FormatCMS: &cmsEnvelope{},
		FormatXML: &xmlEnvelope{},
		FormatPDF: &pdfEnvelope{},
	}
}

// checkDigestAlgo refuses deprecated digest algorithms at signing
// time.
func checkDigestAlgo(name string) error {
	switch name {
	case "", "SHA-256", "SHA-384", "SHA-512":
		return nil
	case "SHA-1", "MD5":
		return errors.CryptoFailure("CryptoConstraintFailure: digest algorithm "+name+" is deprecated", nil)
	default:
		return errors.Validation("unsupported digest algorithm "+name, nil)
	}
}

// weakSignatureAlgorithm reports whether a certificate was signed with
// a deprecated digest.
func weakSignatureAlgorithm(cert *x509.Certificate) bool {
	switch cert.SignatureAlgorithm {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return true
	}
	return false
}
