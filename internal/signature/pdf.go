package signature

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/digitorus/pkcs7"
)

// pdfEnvelope appends an incremental update carrying a signature
// dictionary. The digest covers the ByteRange, which is the whole file
// except the /Contents hex placeholder.
type pdfEnvelope struct{}

func (e *pdfEnvelope) Format() Format { return FormatPDF }

// contentsHexLen is the capacity reserved for the hex-encoded CMS
// structure inside /Contents.
const contentsHexLen = 16384

const byteRangeMarker = "/ByteRange ["
const contentsMarker = "/Contents <"

func (e *pdfEnvelope) Sign(content []byte, identity SigningIdentity) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(content)
	if len(content) == 0 || content[len(content)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString("% signature increment\n")
	buf.WriteString("<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached\n")
	buf.WriteString(fmt.Sprintf("%s0 %010d %010d %010d]\n", byteRangeMarker, 0, 0, 0))
	buf.WriteString(contentsMarker)
	buf.WriteString(strings.Repeat("0", contentsHexLen))
	buf.WriteString("> >>\n%%EOF\n")

	artifact := buf.Bytes()

	contentsAt := bytes.LastIndex(artifact, []byte(contentsMarker))
	if contentsAt < 0 {
		return nil, fmt.Errorf("signature dictionary assembly failed")
	}
	hexStart := contentsAt + len(contentsMarker) - 1 // position of '<'
	hexEnd := hexStart + 1 + contentsHexLen + 1      // one past '>'

	// Patch the byte ranges before digesting; they sit inside the
	// signed region.
	rangeAt := bytes.LastIndex(artifact, []byte(byteRangeMarker))
	ranges := fmt.Sprintf("0 %010d %010d %010d", hexStart, hexEnd, len(artifact)-hexEnd)
	copy(artifact[rangeAt+len(byteRangeMarker):], ranges)

	signedBytes := make([]byte, 0, hexStart+len(artifact)-hexEnd)
	signedBytes = append(signedBytes, artifact[:hexStart]...)
	signedBytes = append(signedBytes, artifact[hexEnd:]...)

	signed, err := pkcs7.NewSignedData(signedBytes)
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
	der, err := signed.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble CMS structure: %w", err)
	}

	encoded := hex.EncodeToString(der)
	if len(encoded) > contentsHexLen {
		return nil, fmt.Errorf("signature of %d hex characters exceeds the reserved placeholder", len(encoded))
	}
	copy(artifact[hexStart+1:], encoded)

	return artifact, nil
}

func (e *pdfEnvelope) Verify(artifact, content []byte) (*x509.Certificate, error) {
	if !bytes.HasPrefix(artifact, content) {
		return nil, fmt.Errorf("artifact does not embed the document bytes")
	}

	ranges, err := parseByteRange(artifact)
	if err != nil {
		return nil, err
	}
	start, length1, resume, length2 := ranges[0], ranges[1], ranges[2], ranges[3]
	if start != 0 || length1 < 0 || resume < length1 || resume+length2 != int64(len(artifact)) {
		return nil, fmt.Errorf("byte range does not cover the artifact")
	}

	hexRegion := artifact[length1:resume]
	if len(hexRegion) < 2 || hexRegion[0] != '<' || hexRegion[len(hexRegion)-1] != '>' {
		return nil, fmt.Errorf("contents placeholder is malformed")
	}
	der, err := hex.DecodeString(string(hexRegion[1 : len(hexRegion)-1]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature contents: %w", err)
	}
	der, err = trimDER(der)
	if err != nil {
		return nil, err
	}

	signedBytes := make([]byte, 0, length1+length2)
	signedBytes = append(signedBytes, artifact[:length1]...)
	signedBytes = append(signedBytes, artifact[resume:]...)

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMS structure: %w", err)
	}
	p7.Content = signedBytes
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("PDF signature verification failed: %w", err)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("signature carries no signer certificate")
	}
	return signer, nil
}

// trimDER cuts the zero padding the placeholder leaves after the DER
// structure, using the outer length header.
func trimDER(der []byte) ([]byte, error) {
	if len(der) < 2 {
		return nil, fmt.Errorf("signature contents too short")
	}
	b := der[1]
	if b < 0x80 {
		total := 2 + int(b)
		if total > len(der) {
			return nil, fmt.Errorf("signature contents truncated")
		}
		return der[:total], nil
	}
	n := int(b & 0x7f)
	if n == 0 || n > 4 || len(der) < 2+n {
		return nil, fmt.Errorf("signature contents has an invalid length header")
	}
	length := 0
	for i := 0; i < n; i++ {
		length = length<<8 | int(der[2+i])
	}
	total := 2 + n + length
	if total > len(der) {
		return nil, fmt.Errorf("signature contents truncated")
	}
	return der[:total], nil
}

func parseByteRange(artifact []byte) ([4]int64, error) {
	var ranges [4]int64

	at := bytes.LastIndex(artifact, []byte(byteRangeMarker))
	if at < 0 {
		return ranges, fmt.Errorf("artifact carries no byte range")
	}
	rest := artifact[at+len(byteRangeMarker):]
	end := bytes.IndexByte(rest, ']')
	if end < 0 {
		return ranges, fmt.Errorf("byte range is not terminated")
	}

	fields := strings.Fields(string(rest[:end]))
	if len(fields) != 4 {
		return ranges, fmt.Errorf("byte range has %d values, want 4", len(fields))
	}
	for i, field := range fields {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return ranges, fmt.Errorf("byte range value %q: %w", field, err)
		}
		ranges[i] = v
	}
	return ranges, nil
}
