package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/signato/platform/internal/shared/types"
)

// canonicalJSON produces deterministic JSON output with sorted map keys.
// This is critical for hash verification - Go maps have random iteration order,
// and PostgreSQL JSONB may reorder keys, so we must sort them for consistent hashing.
func canonicalJSON(v any) ([]byte, error) {
	// First marshal to get the raw JSON
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Parse and re-encode with sorted keys
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// ActorType defines the type of actor
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSigner ActorType = "signer"
	ActorTypeSystem ActorType = "system"
)

// AuditEntry represents an immutable audit log entry. Entries form a
// per-document hash chain: each entry's hash covers its content plus the
// previous entry's hash, and sequences are dense starting at 0.
type AuditEntry struct {
	ID         types.ID  `json:"id"`
	DocumentID types.ID  `json:"document_id"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Hash       string    `json:"hash"`
	PrevHash   string    `json:"prev_hash,omitempty"`

	// Actor
	ActorType   ActorType `json:"actor_type"`
	ActorID     types.ID  `json:"actor_id,omitempty"`
	ActorIP     string    `json:"actor_ip,omitempty"`
	ActorDevice string    `json:"actor_device,omitempty"`

	// Action
	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

// NewAuditEntry creates a new audit entry. Sequence, PrevHash and Hash are
// assigned by the log at append time.
func NewAuditEntry(documentID types.ID, actorType ActorType, actorID types.ID, action string, details map[string]any) *AuditEntry {
	return &AuditEntry{
		ID:         types.NewID(),
		DocumentID: documentID,
		Timestamp:  time.Now().UTC().Truncate(time.Microsecond), // PostgreSQL stores microseconds
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		Details:    details,
	}
}

// WithRequest adds request information to the entry
func (e *AuditEntry) WithRequest(ip, device string) *AuditEntry {
	e.ActorIP = ip
	e.ActorDevice = device
	return e
}

// calculateHash calculates the SHA-256 hash of the entry using canonical JSON
// for deterministic output regardless of map key ordering.
func (e *AuditEntry) calculateHash() string {
	// Always use UTC for the timestamp so hashing is independent of the
	// timezone in effect at creation and at verification.
	data := map[string]any{
		"id":          e.ID,
		"document_id": e.DocumentID,
		"sequence":    e.Sequence,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":   e.PrevHash,
		"actor_type":  e.ActorType,
		"actor_id":    e.ActorID,
		"action":      e.Action,
	}

	if len(e.Details) > 0 {
		data["details"] = e.Details
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// seal assigns chain position and computes the entry hash.
func (e *AuditEntry) seal(sequence int64, prevHash string) {
	e.Sequence = sequence
	e.PrevHash = prevHash
	e.Hash = e.calculateHash()
}

// VerifyHash verifies the entry's hash
func (e *AuditEntry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ComputeHash computes and returns the correct hash for this entry
func (e *AuditEntry) ComputeHash() string {
	return e.calculateHash()
}

// Audit actions recorded by the platform
const (
	ActionDocumentCreated    = "document_created"
	ActionDocumentUpdated    = "document_updated"
	ActionSignerAdded        = "signer_added"
	ActionFieldAdded         = "field_added"
	ActionDocumentSent       = "document_sent"
	ActionDocumentViewed     = "document_viewed"
	ActionDocumentSigned     = "document_signed"
	ActionDocumentCompleted  = "document_completed"
	ActionDocumentVoided     = "document_voided"
	ActionDocumentExpired    = "document_expired"
	ActionDocumentDownloaded = "document_downloaded"
	ActionSignerDeclined     = "signer_declined"
	ActionSignatureRejected  = "signature_rejected"
	ActionSignatureSuperseded = "signature_superseded"
	ActionValidationRun      = "validation_run"
	ActionLinkResent         = "link_resent"
)

// VerifyResult contains detailed verification results for one document chain
type VerifyResult struct {
	Valid          bool     `json:"valid"`
	Checked        int      `json:"checked"`
	ContentInvalid int      `json:"content_invalid"` // Entries with tampered content
	LinkageInvalid int      `json:"linkage_invalid"` // Entries with broken chain linkage
	SequenceGaps   int      `json:"sequence_gaps"`   // Non-dense sequence numbers
	Violations     []string `json:"violations,omitempty"`
}

// verifyEntries runs content, linkage and density checks over a document's
// entries, which must be ordered by ascending sequence.
func verifyEntries(entries []AuditEntry) *VerifyResult {
	result := &VerifyResult{Valid: true}

	prevHash := ""
	for i, e := range entries {
		result.Checked++

		if e.ComputeHash() != e.Hash {
			result.ContentInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				"content tampered at sequence "+itoa(e.Sequence))
		}

		if e.PrevHash != prevHash {
			result.LinkageInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				"chain broken at sequence "+itoa(e.Sequence))
		}

		if e.Sequence != int64(i) {
			result.SequenceGaps++
			result.Valid = false
			result.Violations = append(result.Violations,
				"sequence gap: expected "+itoa(int64(i))+", got "+itoa(e.Sequence))
		}

		prevHash = e.Hash
	}

	return result
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
