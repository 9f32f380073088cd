// Package tsa acquires and verifies RFC 3161 timestamp tokens. Tokens
// come from a ranked list of external authorities with failover, or
// from an in-process responder when no external authority is reachable.
package tsa

import (
	"crypto"
	"fmt"
	"time"
)

// Authority describes one timestamp authority the client may use.
type Authority struct {
	Name      string
	URL       string
	Priority  int
	Qualified bool
	Region    string
	HashAlgo  crypto.Hash
}

// Token is an acquired RFC 3161 timestamp token plus the context the
// client captured at acquisition time.
type Token struct {
	Authority    string    `json:"authority"`
	Qualified    bool      `json:"qualified"`
	GenTime      time.Time `json:"gen_time"`
	SerialNumber string    `json:"serial_number"`
	HashAlgo     string    `json:"hash_algorithm"`
	Token        []byte    `json:"token"`
}

// MaxGenTimeDrift is the accepted difference between the token's
// genTime and the local clock at receipt.
const MaxGenTimeDrift = 5 * time.Minute

// ParseHashAlgo maps a configured algorithm name to a crypto.Hash.
// SHA-1 and MD5 are refused outright.
func ParseHashAlgo(name string) (crypto.Hash, error) {
	switch name {
	case "", "SHA-256", "SHA256":
		return crypto.SHA256, nil
	case "SHA-384", "SHA384":
		return crypto.SHA384, nil
	case "SHA-512", "SHA512":
		return crypto.SHA512, nil
	case "SHA-1", "SHA1", "MD5":
		return 0, fmt.Errorf("hash algorithm %s is not permitted for timestamps", name)
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}
