package signature

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/trust"
	"github.com/signato/platform/internal/tsa"
)

type testEnv struct {
	engine    *Engine
	ca        *CA
	identity  *SigningIdentity
	authority *tsa.LocalAuthority
	tsaClient *tsa.Client
}

func newTestEnv(t *testing.T, idOpts IdentityOptions) *testEnv {
	t.Helper()

	ca, err := NewCA("Test Issuing CA")
	if err != nil {
		t.Fatalf("create ca: %v", err)
	}
	if idOpts.CommonName == "" {
		idOpts.CommonName = "Test Signer"
	}
	identity, err := ca.Issue(idOpts)
	if err != nil {
		t.Fatalf("issue identity: %v", err)
	}

	authority, err := tsa.NewLocalAuthority("Test TSA")
	if err != nil {
		t.Fatalf("create tsa: %v", err)
	}
	server := httptest.NewServer(authority)
	t.Cleanup(server.Close)

	tsaClient, err := tsa.NewClient(config.TSAConfig{
		Authorities:    []config.TSAAuthority{{Name: "local", URL: server.URL, Qualified: true}},
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("create tsa client: %v", err)
	}

	verifier := trust.NewVerifier(nil, trust.NewChecker(2*time.Second))
	verifier.AddAnchor(ca.Certificate())

	return &testEnv{
		engine:    NewEngine(verifier, tsaClient),
		ca:        ca,
		identity:  identity,
		authority: authority,
		tsaClient: tsaClient,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{QC: &trust.QCInfo{Compliance: true, SSCD: true}})
	content := []byte("agreement between the parties, v3")

	for _, format := range []Format{FormatCMS, FormatXML, FormatPDF} {
		for _, profile := range []Profile{ProfileB, ProfileT, ProfileLT, ProfileLTA} {
			t.Run(string(format)+"/"+string(profile), func(t *testing.T) {
				record, err := env.engine.Sign(context.Background(), content, *env.identity, SignOptions{
					Format:  format,
					Profile: profile,
				})
				if err != nil {
					t.Fatalf("sign: %v", err)
				}

				if profile != ProfileB && record.Timestamp == nil {
					t.Error("timestamped profiles must carry a token")
				}
				if (profile == ProfileLT || profile == ProfileLTA) && record.ValidationData == nil {
					t.Error("long-term profiles must embed validation data")
				}
				if profile == ProfileLTA && record.ArchiveTimestamp == nil {
					t.Error("archival profile must carry an archival timestamp")
				}

				report := env.engine.Verify(context.Background(), record, content, time.Now())
				if report.Indication != TotalPassed {
					t.Fatalf("indication = %s (%s; errors %v), want TOTAL-PASSED",
						report.Indication, report.SubIndication, report.Errors)
				}
				if report.LegalEffect != LegalEquivalentToHandwritten {
					t.Errorf("legal effect = %s, want %s", report.LegalEffect, LegalEquivalentToHandwritten)
				}
			})
		}
	}
}

func TestTamperDetection(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})
	content := []byte("the agreed amount is 1000")

	for _, format := range []Format{FormatCMS, FormatXML, FormatPDF} {
		t.Run(string(format), func(t *testing.T) {
			record, err := env.engine.Sign(context.Background(), content, *env.identity, SignOptions{
				Format:  format,
				Profile: ProfileB,
			})
			if err != nil {
				t.Fatalf("sign: %v", err)
			}

			tampered := append([]byte(nil), content...)
			tampered[len(tampered)-1] ^= 0x01

			report := env.engine.Verify(context.Background(), record, tampered, time.Now())
			if report.Indication != TotalFailed {
				t.Errorf("indication = %s, want TOTAL-FAILED", report.Indication)
			}
			if report.SubIndication != SubHashFailure {
				t.Errorf("sub-indication = %s, want %s", report.SubIndication, SubHashFailure)
			}
		})
	}
}

func TestDeprecatedDigestRejected(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})

	for _, algo := range []string{"SHA-1", "MD5"} {
		_, err := env.engine.Sign(context.Background(), []byte("data"), *env.identity, SignOptions{
			Format:     FormatCMS,
			Profile:    ProfileB,
			DigestAlgo: algo,
		})
		if err == nil {
			t.Errorf("signing with %s must fail", algo)
		}
	}
}

// revocationFixture serves a CRL for the CA. The revoked serial and
// time are read per request, so the certificate can be issued after
// the server exists.
type revocationFixture struct {
	server    *httptest.Server
	serial    *big.Int
	revokedAt time.Time
}

func newRevocationFixture(t *testing.T, ca *CA) *revocationFixture {
	t.Helper()
	f := &revocationFixture{serial: big.NewInt(0)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			Number:     big.NewInt(1),
			ThisUpdate: time.Now().Add(-time.Minute),
			NextUpdate: time.Now().Add(12 * time.Hour),
			RevokedCertificateEntries: []x509.RevocationListEntry{
				{SerialNumber: f.serial, RevocationTime: f.revokedAt},
			},
		}, ca.cert, ca.key)
		if err != nil {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write(der)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func TestRevokedBeforeSigningFails(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})

	fixture := newRevocationFixture(t, env.ca)
	identity, err := env.ca.Issue(IdentityOptions{CommonName: "Revoked Signer", CRLURL: fixture.server.URL})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	fixture.serial = identity.Certificate.SerialNumber
	fixture.revokedAt = time.Now().Add(-30 * time.Minute)

	content := []byte("contract")
	record, err := env.engine.Sign(context.Background(), content, *identity, SignOptions{
		Format:  FormatCMS,
		Profile: ProfileB,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Revocation predates the signing time: hard failure.
	report := env.engine.Verify(context.Background(), record, content, time.Now())
	if report.Indication != TotalFailed || report.SubIndication != SubRevokedNoPOE {
		t.Errorf("got %s/%s, want TOTAL-FAILED/%s", report.Indication, report.SubIndication, SubRevokedNoPOE)
	}
	if report.LegalEffect != LegalNoEffect {
		t.Errorf("legal effect = %s, want %s", report.LegalEffect, LegalNoEffect)
	}

	// Validated at a time before the revocation, the same record
	// passes.
	earlier := time.Now().Add(-45 * time.Minute)
	report = env.engine.Verify(context.Background(), record, content, earlier)
	if report.Indication != TotalPassed {
		t.Errorf("at pre-revocation time got %s (%v), want TOTAL-PASSED", report.Indication, report.Errors)
	}
}

func TestRevokedAfterSigning(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})

	fixture := newRevocationFixture(t, env.ca)
	identity, err := env.ca.Issue(IdentityOptions{CommonName: "Signer", CRLURL: fixture.server.URL})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Revocation takes effect in the future, after signing.
	fixture.serial = identity.Certificate.SerialNumber
	fixture.revokedAt = time.Now().Add(time.Hour)

	content := []byte("contract")
	atVerify := time.Now().Add(2 * time.Hour)

	// Without a timestamp nothing proves the signature predates the
	// revocation.
	recordB, err := env.engine.Sign(context.Background(), content, *identity, SignOptions{
		Format: FormatCMS, Profile: ProfileB,
	})
	if err != nil {
		t.Fatalf("sign B: %v", err)
	}
	report := env.engine.Verify(context.Background(), recordB, content, atVerify)
	if report.Indication != Indeterminate || report.SubIndication != SubRevokedNoPOE {
		t.Errorf("B profile got %s/%s, want INDETERMINATE/%s", report.Indication, report.SubIndication, SubRevokedNoPOE)
	}

	// An LT record carries the timestamp and validation data from
	// signing time, so it stays valid.
	recordLT, err := env.engine.Sign(context.Background(), content, *identity, SignOptions{
		Format: FormatCMS, Profile: ProfileLT,
	})
	if err != nil {
		t.Fatalf("sign LT: %v", err)
	}
	report = env.engine.Verify(context.Background(), recordLT, content, atVerify)
	if report.Indication != TotalPassed {
		t.Errorf("LT profile got %s (%s; %v), want TOTAL-PASSED", report.Indication, report.SubIndication, report.Errors)
	}
}

func TestExpiredCertificate(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})
	identity, err := env.ca.Issue(IdentityOptions{CommonName: "Expired Signer", Validity: -30 * time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	content := []byte("contract")
	record, err := env.engine.Sign(context.Background(), content, *identity, SignOptions{
		Format: FormatCMS, Profile: ProfileB,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	report := env.engine.Verify(context.Background(), record, content, time.Now())
	if report.Indication != Indeterminate || report.SubIndication != SubExpired {
		t.Errorf("got %s/%s, want INDETERMINATE/%s", report.Indication, report.SubIndication, SubExpired)
	}
}

func TestTimestampOrderFailure(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})
	content := []byte("contract")

	record, err := env.engine.Sign(context.Background(), content, *env.identity, SignOptions{
		Format: FormatCMS, Profile: ProfileLTA,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Replace the signature timestamp with one issued an hour in the
	// future, so the archival stamp appears to predate it.
	future, err := tsa.NewLocalAuthority("Future TSA")
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	future.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })

	req := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: record.ArtifactDigest(),
		Certificates:  true,
	}
	reqDER, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respDER, err := future.Respond(reqDER)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	ts, err := timestamp.ParseResponse(respDER)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	record.Timestamp = &tsa.Token{Authority: "future", GenTime: ts.Time, Token: ts.RawToken}

	report := env.engine.Verify(context.Background(), record, content, time.Now())
	if report.Indication != Indeterminate || report.SubIndication != SubTimestampOrderFailure {
		t.Errorf("got %s/%s, want INDETERMINATE/%s", report.Indication, report.SubIndication, SubTimestampOrderFailure)
	}
}

func TestSigningTimeAfterTimestamp(t *testing.T) {
	env := newTestEnv(t, IdentityOptions{})
	content := []byte("contract")

	record, err := env.engine.Sign(context.Background(), content, *env.identity, SignOptions{
		Format: FormatCMS, Profile: ProfileT,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// A signing time claimed after the stamp's genTime means the stamp
	// cannot cover the signature it vouches for.
	record.SigningTime = record.Timestamp.GenTime.Add(time.Hour)

	report := env.engine.Verify(context.Background(), record, content, time.Now())
	if report.Indication != Indeterminate || report.SubIndication != SubTimestampOrderFailure {
		t.Errorf("got %s/%s, want INDETERMINATE/%s", report.Indication, report.SubIndication, SubTimestampOrderFailure)
	}

	// Within the accepted drift the claim stands.
	record.SigningTime = record.Timestamp.GenTime.Add(tsa.MaxGenTimeDrift / 2)
	report = env.engine.Verify(context.Background(), record, content, time.Now())
	if report.Indication != TotalPassed {
		t.Errorf("within drift got %s (%v), want TOTAL-PASSED", report.Indication, report.Errors)
	}
}

func TestLegalEffectTiers(t *testing.T) {
	tests := []struct {
		name string
		qc   *trust.QCInfo
		want string
	}{
		{"qualified with sscd", &trust.QCInfo{Compliance: true, SSCD: true}, LegalEquivalentToHandwritten},
		{"qualified without sscd", &trust.QCInfo{Compliance: true}, LegalPresumptionOfIntegrity},
		{"advanced", nil, LegalAdmissibleAsEvidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, IdentityOptions{QC: tt.qc})
			content := []byte("contract")

			record, err := env.engine.Sign(context.Background(), content, *env.identity, SignOptions{
				Format: FormatCMS, Profile: ProfileT,
			})
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			report := env.engine.Verify(context.Background(), record, content, time.Now())
			if report.Indication != TotalPassed {
				t.Fatalf("indication = %s (%v)", report.Indication, report.Errors)
			}
			if report.LegalEffect != tt.want {
				t.Errorf("legal effect = %s, want %s", report.LegalEffect, tt.want)
			}
		})
	}
}
