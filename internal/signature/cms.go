package signature

import (
	"crypto/x509"
	"fmt"

	"github.com/digitorus/pkcs7"
)

// cmsEnvelope produces detached CMS SignedData artifacts.
type cmsEnvelope struct{}

func (e *cmsEnvelope) Format() Format { return FormatCMS }

func (e *cmsEnvelope) Sign(content []byte, identity SigningIdentity) ([]byte, error) {
	signed, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signed data: %w", err)
	}
	signed.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if err := signed.AddSigner(identity.Certificate, identity.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	for _, intermediate := range identity.Chain {
		signed.AddCertificate(intermediate)
	}

	signed.Detach()
	return signed.Finish()
}

func (e *cmsEnvelope) Verify(artifact, content []byte) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMS artifact: %w", err)
	}
	p7.Content = content

	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("CMS verification failed: %w", err)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("artifact carries no signer certificate")
	}
	return signer, nil
}
