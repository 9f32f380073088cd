package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/signato/platform/internal/shared/config"
)

type testCert struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

type certOptions struct {
	cn      string
	isCA    bool
	ocspURL string
	crlURL  string
	qc      *QCInfo
	expired bool
}

func issueCert(t *testing.T, opts certOptions, parent *testCert) *testCert {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if opts.isCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if opts.expired {
		template.NotBefore = time.Now().Add(-48 * time.Hour)
		template.NotAfter = time.Now().Add(-time.Hour)
	}
	if opts.ocspURL != "" {
		template.OCSPServer = []string{opts.ocspURL}
	}
	if opts.crlURL != "" {
		template.CRLDistributionPoints = []string{opts.crlURL}
	}
	if opts.qc != nil {
		value, err := MarshalQCStatements(*opts.qc)
		if err != nil {
			t.Fatalf("marshal qc statements: %v", err)
		}
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    QCStatementsExtensionOID(),
			Value: value,
		})
	}

	parentCert := template
	parentKey := key
	if parent != nil {
		parentCert = parent.cert
		parentKey = parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &testCert{cert: cert, key: key}
}

func TestBuildPath(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)
	intermediate := issueCert(t, certOptions{cn: "Issuing CA", isCA: true}, root)
	leaf := issueCert(t, certOptions{cn: "Signer"}, intermediate)

	path, err := BuildPath(leaf.cert, []*x509.Certificate{intermediate.cert}, []*x509.Certificate{root.cert}, time.Now())
	if err != nil {
		t.Fatalf("build path: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
	if path[0] != leaf.cert || path[2] != root.cert {
		t.Error("path should run leaf to root")
	}
}

func TestBuildPathFailures(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)
	otherRoot := issueCert(t, certOptions{cn: "Unrelated Root", isCA: true}, nil)
	leaf := issueCert(t, certOptions{cn: "Signer"}, root)
	expired := issueCert(t, certOptions{cn: "Expired Signer", expired: true}, root)

	if _, err := BuildPath(leaf.cert, nil, []*x509.Certificate{otherRoot.cert}, time.Now()); err == nil {
		t.Error("path to an unrelated root must fail")
	}
	if _, err := BuildPath(expired.cert, nil, []*x509.Certificate{root.cert}, time.Now()); err == nil {
		t.Error("expired leaf must fail validity check")
	}
	// Validation at a time before the leaf existed must fail too.
	past := leaf.cert.NotBefore.Add(-time.Hour)
	if _, err := BuildPath(leaf.cert, nil, []*x509.Certificate{root.cert}, past); err == nil {
		t.Error("validation before notBefore must fail")
	}
}

func TestOCSPCheckAndCache(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)

	var requests atomic.Int64
	responder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		serial := requestedSerial(t, r)
		resp, err := ocsp.CreateResponse(root.cert, root.cert, ocsp.Response{
			Status:           ocsp.Revoked,
			SerialNumber:     serial,
			ThisUpdate:       time.Now().Add(-time.Minute),
			NextUpdate:       time.Now().Add(30 * time.Minute),
			RevokedAt:        time.Now().Add(-time.Hour),
			RevocationReason: ocsp.KeyCompromise,
		}, root.key)
		if err != nil {
			t.Errorf("create ocsp response: %v", err)
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(resp)
	}))
	defer responder.Close()

	leaf := issueCert(t, certOptions{cn: "Signer", ocspURL: responder.URL}, root)

	checker := NewChecker(5 * time.Second)
	status := checker.Check(context.Background(), leaf.cert, root.cert)
	if status.Status != RevocationRevoked {
		t.Fatalf("status = %s, want revoked", status.Status)
	}
	if status.Source != "ocsp" {
		t.Errorf("source = %s, want ocsp", status.Source)
	}
	if status.RevokedAt.IsZero() {
		t.Error("revoked status should carry the revocation time")
	}

	// Second check within nextUpdate must come from the cache.
	checker.Check(context.Background(), leaf.cert, root.cert)
	if got := requests.Load(); got != 1 {
		t.Errorf("responder contacted %d times, want 1", got)
	}
}

// requestedSerial parses the OCSP request body to echo the right
// serial back.
func requestedSerial(t *testing.T, r *http.Request) *big.Int {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read ocsp request: %v", err)
	}
	parsed, err := ocsp.ParseRequest(body)
	if err != nil {
		t.Fatalf("parse ocsp request: %v", err)
	}
	return parsed.SerialNumber
}

func TestCRLFallback(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)

	var leafSerial *big.Int
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			Number:     big.NewInt(1),
			ThisUpdate: time.Now().Add(-time.Minute),
			NextUpdate: time.Now().Add(12 * time.Hour),
			RevokedCertificateEntries: []x509.RevocationListEntry{
				{SerialNumber: leafSerial, RevocationTime: time.Now().Add(-time.Hour)},
			},
		}, root.cert, root.key)
		if err != nil {
			t.Errorf("create crl: %v", err)
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(der)
	}))
	defer crlServer.Close()

	// No OCSP responder configured, so the checker must fall back.
	leaf := issueCert(t, certOptions{cn: "Signer", crlURL: crlServer.URL}, root)
	leafSerial = leaf.cert.SerialNumber

	checker := NewChecker(5 * time.Second)
	status := checker.Check(context.Background(), leaf.cert, root.cert)
	if status.Status != RevocationRevoked {
		t.Fatalf("status = %s, want revoked", status.Status)
	}
	if status.Source != "crl" {
		t.Errorf("source = %s, want crl", status.Source)
	}

	clean := issueCert(t, certOptions{cn: "Clean Signer", crlURL: crlServer.URL}, root)
	if status := checker.Check(context.Background(), clean.cert, root.cert); status.Status != RevocationGood {
		t.Errorf("unlisted certificate status = %s, want good", status.Status)
	}
}

func TestUnknownWithoutSources(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)
	leaf := issueCert(t, certOptions{cn: "Signer"}, root)

	checker := NewChecker(time.Second)
	status := checker.Check(context.Background(), leaf.cert, root.cert)
	if status.Status != RevocationUnknown {
		t.Errorf("status = %s, want unknown when no source answers", status.Status)
	}
}

func TestQCStatementsRoundTrip(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)

	tests := []struct {
		name string
		qc   *QCInfo
	}{
		{"qualified with sscd", &QCInfo{Compliance: true, SSCD: true}},
		{"qualified without sscd", &QCInfo{Compliance: true}},
		{"no statements", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf := issueCert(t, certOptions{cn: "Signer", qc: tt.qc}, root)
			info, err := ParseQCStatements(leaf.cert)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			want := QCInfo{}
			if tt.qc != nil {
				want = *tt.qc
			}
			if info.Compliance != want.Compliance || info.SSCD != want.SSCD {
				t.Errorf("got %+v, want %+v", info, want)
			}
		})
	}
}

func trustListXML(cert *x509.Certificate) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<TrustServiceStatusList>
  <TrustServiceProviderList>
    <TrustServiceProvider>
      <TSPServices>
        <TSPService>
          <ServiceInformation>
            <ServiceTypeIdentifier>%s</ServiceTypeIdentifier>
            <ServiceName><Name>National Qualified CA</Name></ServiceName>
            <ServiceStatus>%s</ServiceStatus>
            <ServiceDigitalIdentity>
              <DigitalId><X509Certificate>%s</X509Certificate></DigitalId>
            </ServiceDigitalIdentity>
          </ServiceInformation>
        </TSPService>
      </TSPServices>
    </TrustServiceProvider>
  </TrustServiceProviderList>
</TrustServiceStatusList>`,
		ServiceTypeCA, ServiceStatusGranted, base64.StdEncoding.EncodeToString(cert.Raw))
}

func TestTrustListRefreshAndAnchors(t *testing.T) {
	root := issueCert(t, certOptions{cn: "National Root", isCA: true}, nil)

	listServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(trustListXML(root.cert)))
	}))
	defer listServer.Close()

	store := NewMemoryListStore()
	service := NewService(config.TrustConfig{
		ListURLs:        map[string]string{"AT": listServer.URL},
		RefreshInterval: time.Hour,
		StaleAfter:      time.Hour,
	}, store)

	if !service.Stale("AT") {
		t.Error("territory must be stale before first refresh")
	}
	if err := service.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if service.Stale("AT") {
		t.Error("territory must be fresh after refresh")
	}

	anchors := service.Anchors()
	if len(anchors) != 1 || Fingerprint(anchors[0]) != Fingerprint(root.cert) {
		t.Fatalf("anchors = %d entries, want the published root", len(anchors))
	}
	if got := service.AnchorTerritory(root.cert); got != "AT" {
		t.Errorf("anchor territory = %q, want AT", got)
	}

	// A fresh service restores the persisted list without the network.
	restored := NewService(config.TrustConfig{StaleAfter: time.Hour}, store)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored.Anchors()) != 1 {
		t.Error("restored service should expose the persisted anchor")
	}
}

func TestCrossBorderRecognition(t *testing.T) {
	service := NewService(config.TrustConfig{}, nil)

	if !service.Recognizes("AT", "AT") {
		t.Error("a territory always recognizes its own anchors")
	}
	if service.Recognizes("AT", "DE") {
		t.Error("recognition must be explicit")
	}
	service.SetRecognition("AT", "DE")
	if !service.Recognizes("AT", "DE") {
		t.Error("declared recognition should hold")
	}
	if service.Recognizes("DE", "AT") {
		t.Error("recognition is directional")
	}
}

func TestVerifierReportsRevocation(t *testing.T) {
	root := issueCert(t, certOptions{cn: "Root CA", isCA: true}, nil)

	var leafSerial *big.Int
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			Number:     big.NewInt(1),
			ThisUpdate: time.Now().Add(-time.Minute),
			NextUpdate: time.Now().Add(12 * time.Hour),
			RevokedCertificateEntries: []x509.RevocationListEntry{
				{SerialNumber: leafSerial, RevocationTime: time.Now().Add(-time.Hour)},
			},
		}, root.cert, root.key)
		if err != nil {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write(der)
	}))
	defer crlServer.Close()

	leaf := issueCert(t, certOptions{cn: "Signer", crlURL: crlServer.URL, qc: &QCInfo{Compliance: true, SSCD: true}}, root)
	leafSerial = leaf.cert.SerialNumber

	verifier := NewVerifier(nil, NewChecker(5*time.Second))
	verifier.AddAnchor(root.cert)

	report, err := verifier.VerifyChain(context.Background(), leaf.cert, nil, time.Now())
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Revoked() {
		t.Error("report should flag the revoked leaf")
	}
	if report.RevokedAt().IsZero() {
		t.Error("report should carry the revocation time")
	}
	if !report.QC.Compliance || !report.QC.SSCD {
		t.Error("report should carry the leaf's QC statements")
	}
}
