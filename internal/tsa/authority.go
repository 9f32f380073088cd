package tsa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/signato/platform/internal/shared/errors"
)

// policyOID identifies the policy the in-process responder issues under.
var policyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 2, 1}

// LocalAuthority is an in-process RFC 3161 responder. It backs
// development and test deployments and acts as the last-resort
// authority when every external one is down.
type LocalAuthority struct {
	cert          *x509.Certificate
	key           crypto.Signer
	serialCounter atomic.Uint64
	accuracy      time.Duration
	now           func() time.Time
}

// NewLocalAuthority creates a responder with a freshly generated
// self-signed timestamping certificate. Production deployments should
// load a certificate issued by real PKI instead.
func NewLocalAuthority(orgName string) (*LocalAuthority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate responder key")
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate certificate serial")
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Timestamp Authority"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create responder certificate")
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse responder certificate")
	}

	return newLocalAuthority(cert, key), nil
}

// LoadLocalAuthority creates a responder from PEM-encoded certificate
// and key files.
func LoadLocalAuthority(certPath, keyPath string) (*LocalAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read responder certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read responder key")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.Validation("responder certificate is not PEM encoded", nil)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse responder certificate")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.Validation("responder key is not PEM encoded", nil)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse responder key")
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errors.Validation("responder key does not support signing", nil)
	}

	return newLocalAuthority(cert, signer), nil
}

func newLocalAuthority(cert *x509.Certificate, key crypto.Signer) *LocalAuthority {
	a := &LocalAuthority{
		cert:     cert,
		key:      key,
		accuracy: time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
	a.serialCounter.Store(uint64(time.Now().UnixNano()))
	return a
}

// Certificate returns the responder's signing certificate.
func (a *LocalAuthority) Certificate() *x509.Certificate {
	return a.cert
}

// SetClock overrides the responder's time source.
func (a *LocalAuthority) SetClock(now func() time.Time) {
	a.now = now
}

// Respond handles one DER-encoded TimeStampReq and returns a
// DER-encoded TimeStampResp.
func (a *LocalAuthority) Respond(reqDER []byte) ([]byte, error) {
	req, err := timestamp.ParseRequest(reqDER)
	if err != nil {
		return nil, errors.Wrap(err, "malformed timestamp request")
	}
	if req.HashAlgorithm == crypto.SHA1 || req.HashAlgorithm == crypto.MD5 {
		return nil, errors.Validation("requested hash algorithm is not permitted", nil)
	}
	if len(req.HashedMessage) != req.HashAlgorithm.Size() {
		return nil, errors.Validation("message imprint length does not match hash algorithm", nil)
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              a.now(),
		Accuracy:          a.accuracy,
		SerialNumber:      big.NewInt(int64(a.serialCounter.Add(1))),
		Policy:            policyOID,
		Nonce:             req.Nonce,
		AddTSACertificate: req.Certificates,
	}

	respDER, err := ts.CreateResponse(a.cert, a.key)
	if err != nil {
		return nil, errors.CryptoFailure("failed to create timestamp response", err)
	}
	return respDER, nil
}

// ServeHTTP exposes the responder as an RFC 3161 HTTP endpoint.
func (a *LocalAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	respDER, err := a.Respond(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/timestamp-reply")
	w.WriteHeader(http.StatusOK)
	w.Write(respDER)
}
