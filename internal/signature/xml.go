package signature

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// xmlEnvelope wraps the content in a small XML document and signs it
// enveloped with XML-DSig, canonicalized before digesting.
type xmlEnvelope struct{}

func (e *xmlEnvelope) Format() Format { return FormatXML }

// identityKeyStore adapts a SigningIdentity to the XML-DSig key store
// interface. XML signing requires an RSA key.
type identityKeyStore struct {
	identity SigningIdentity
}

func (ks identityKeyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	rsaKey, ok := ks.identity.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("XML signatures require an RSA key, got %T", ks.identity.Key)
	}
	return rsaKey, ks.identity.Certificate.Raw, nil
}

func (e *xmlEnvelope) Sign(content []byte, identity SigningIdentity) ([]byte, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("SignedDocument")
	contentEl := root.CreateElement("Content")
	contentEl.CreateAttr("Encoding", "base64")
	contentEl.SetText(base64.StdEncoding.EncodeToString(content))

	ctx := dsig.NewDefaultSigningContext(identityKeyStore{identity: identity})
	signedRoot, err := ctx.SignEnveloped(root)
	if err != nil {
		return nil, fmt.Errorf("XML signing failed: %w", err)
	}

	out := etree.NewDocument()
	out.SetRoot(signedRoot)
	artifact, err := out.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signed document: %w", err)
	}
	return artifact, nil
}

func (e *xmlEnvelope) Verify(artifact, content []byte) (*x509.Certificate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(artifact); err != nil {
		return nil, fmt.Errorf("failed to parse XML artifact: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("XML artifact has no root element")
	}

	cert, err := embeddedCertificate(root)
	if err != nil {
		return nil, err
	}

	certStore := &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}
	vctx := dsig.NewDefaultValidationContext(certStore)
	validated, err := vctx.Validate(root)
	if err != nil {
		return nil, fmt.Errorf("XML signature validation failed: %w", err)
	}

	contentEl := validated.FindElement("./Content")
	if contentEl == nil {
		return nil, fmt.Errorf("signed document carries no content element")
	}
	embedded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(contentEl.Text()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode embedded content: %w", err)
	}
	if !bytes.Equal(embedded, content) {
		return nil, fmt.Errorf("signed content does not match document bytes")
	}

	return cert, nil
}

// embeddedCertificate pulls the signer certificate out of the
// signature's KeyInfo.
func embeddedCertificate(root *etree.Element) (*x509.Certificate, error) {
	certEl := root.FindElement(".//X509Certificate")
	if certEl == nil {
		return nil, fmt.Errorf("signature carries no certificate")
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(certEl.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode embedded certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded certificate: %w", err)
	}
	return cert, nil
}
