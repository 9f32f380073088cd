package trust

import (
	"crypto/x509"
	"encoding/asn1"
)

// QC statement identifiers (ETSI EN 319 412-5).
var (
	oidQcStatementsExt = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3}
	oidQcCompliance    = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 1}
	oidQcSSCD          = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 4}
	oidQcType          = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6}
)

// QCInfo summarizes the qualified-certificate statements carried by a
// signing certificate.
type QCInfo struct {
	// Compliance means the certificate claims to be qualified.
	Compliance bool `json:"compliance"`
	// SSCD means the private key resides on a qualified signature
	// creation device.
	SSCD bool `json:"sscd"`
	// Types lists the declared certificate usage types, if any.
	Types []string `json:"types,omitempty"`
}

type qcStatement struct {
	ID   asn1.ObjectIdentifier
	Info asn1.RawValue `asn1:"optional"`
}

// ParseQCStatements extracts QC statements from a certificate. A
// certificate without the extension yields a zero QCInfo, not an
// error.
func ParseQCStatements(cert *x509.Certificate) (QCInfo, error) {
	var info QCInfo

	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidQcStatementsExt) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return info, nil
	}

	var statements []qcStatement
	if _, err := asn1.Unmarshal(raw, &statements); err != nil {
		return info, err
	}

	for _, stmt := range statements {
		switch {
		case stmt.ID.Equal(oidQcCompliance):
			info.Compliance = true
		case stmt.ID.Equal(oidQcSSCD):
			info.SSCD = true
		case stmt.ID.Equal(oidQcType):
			var types []asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(stmt.Info.FullBytes, &types); err == nil {
				for _, t := range types {
					info.Types = append(info.Types, t.String())
				}
			}
		}
	}
	return info, nil
}

// MarshalQCStatements encodes QC statements for a certificate
// template. Used by test fixtures and the development CA.
func MarshalQCStatements(info QCInfo) ([]byte, error) {
	var statements []qcStatement
	if info.Compliance {
		statements = append(statements, qcStatement{ID: oidQcCompliance})
	}
	if info.SSCD {
		statements = append(statements, qcStatement{ID: oidQcSSCD})
	}
	return asn1.Marshal(statements)
}

// QCStatementsExtensionOID returns the extension identifier for QC
// statements, for building certificate templates.
func QCStatementsExtensionOID() asn1.ObjectIdentifier {
	return oidQcStatementsExt
}
