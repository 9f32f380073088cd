package document

import (
	"fmt"
	"time"

	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// Status of a document in the signing lifecycle
type Status string

const (
	StatusDraft           Status = "draft"
	StatusOutForSignature Status = "out_for_signature"
	StatusCompleted       Status = "completed"
	StatusVoided          Status = "voided"
	StatusExpired         Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusVoided || s == StatusExpired
}

// SignerStatus of one signer on a document
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
	SignerExpired  SignerStatus = "expired"
)

// FieldKind of a fillable field placed on a document
type FieldKind string

const (
	FieldSignature FieldKind = "signature"
	FieldInitial   FieldKind = "initial"
	FieldDate      FieldKind = "date"
	FieldText      FieldKind = "text"
	FieldCheckbox  FieldKind = "checkbox"
)

func (k FieldKind) valid() bool {
	switch k {
	case FieldSignature, FieldInitial, FieldDate, FieldText, FieldCheckbox:
		return true
	}
	return false
}

// Document is the signing aggregate. All writes go through the aggregate
// and are persisted under an optimistic version check, so concurrent
// signer updates serialize and exactly one writer observes completion.
type Document struct {
	ID     types.ID `json:"id"`
	Title  string   `json:"title"`
	Status Status   `json:"status"`
	// Version is the optimistic concurrency counter. The store rejects
	// an update whose in-memory version lags the persisted row.
	Version int64 `json:"version"`
	// Ordered enforces signing in ascending signer order.
	Ordered bool   `json:"ordered"`
	Format  string `json:"format"`
	Profile string `json:"profile"`
	// ContentRef points at the original file in the object store.
	ContentRef    string `json:"content_ref,omitempty"`
	ContentDigest string `json:"content_digest,omitempty"`

	CreatedBy   types.ID   `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
	VoidReason  string     `json:"void_reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	Signers []Signer `json:"signers"`
	Fields  []Field  `json:"fields"`
}

// Signer is one participant expected to sign the document.
type Signer struct {
	ID         types.ID     `json:"id"`
	DocumentID types.ID     `json:"document_id"`
	Email      string       `json:"email"`
	Name       string       `json:"name"`
	Order      int          `json:"order"`
	Status     SignerStatus `json:"status"`

	SignedAt      *time.Time `json:"signed_at,omitempty"`
	ViewedAt      *time.Time `json:"viewed_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	// ArtifactRef points at the signature envelope in the object store.
	// Set exactly when the signer reaches the signed status.
	ArtifactRef string `json:"artifact_ref,omitempty"`
	// LinkNonce invalidates previously issued signing links when rotated.
	LinkNonce      string     `json:"-"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
}

// Field is a fillable region assigned to a signer.
type Field struct {
	ID         types.ID   `json:"id"`
	DocumentID types.ID   `json:"document_id"`
	SignerID   types.ID   `json:"signer_id"`
	Kind       FieldKind  `json:"kind"`
	Page       int        `json:"page"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	Required   bool       `json:"required"`
	Value      string     `json:"value,omitempty"`
	SignedAt   *time.Time `json:"signed_at,omitempty"`
}

// NewDocument creates a document in draft
func NewDocument(title string, createdBy types.ID, format, profile string, ordered bool) (*Document, error) {
	if title == "" {
		return nil, errors.Validation("title is required", map[string]string{"title": "required"})
	}
	if createdBy.IsZero() {
		return nil, errors.Validation("creator is required", map[string]string{"created_by": "required"})
	}

	now := time.Now().UTC()
	return &Document{
		ID:        types.NewID(),
		Title:     title,
		Status:    StatusDraft,
		Version:   1,
		Ordered:   ordered,
		Format:    format,
		Profile:   profile,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (d *Document) touch() {
	d.UpdatedAt = time.Now().UTC()
}

// requireDraft guards the edit operations.
func (d *Document) requireDraft(op string) error {
	if d.Status != StatusDraft {
		return errors.InvalidState(fmt.Sprintf("cannot %s a document in status %s", op, d.Status))
	}
	return nil
}

// SetContent attaches the original file reference. Draft only.
func (d *Document) SetContent(ref, digest string) error {
	if err := d.requireDraft("replace content of"); err != nil {
		return err
	}
	d.ContentRef = ref
	d.ContentDigest = digest
	d.touch()
	return nil
}

// Rename changes the title. Draft only.
func (d *Document) Rename(title string) error {
	if err := d.requireDraft("rename"); err != nil {
		return err
	}
	if title == "" {
		return errors.Validation("title is required", map[string]string{"title": "required"})
	}
	d.Title = title
	d.touch()
	return nil
}

// AddSigner adds a signer to a draft document.
func (d *Document) AddSigner(email, name string, order int) (*Signer, error) {
	if err := d.requireDraft("add a signer to"); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, errors.Validation("signer email is required", map[string]string{"email": "required"})
	}
	if order < 0 {
		return nil, errors.Validation("signer order must not be negative", map[string]string{"order": "negative"})
	}
	for _, s := range d.Signers {
		if s.Email == email {
			return nil, errors.Conflict("signer with this email already exists")
		}
	}

	signer := Signer{
		ID:         types.NewID(),
		DocumentID: d.ID,
		Email:      email,
		Name:       name,
		Order:      order,
		Status:     SignerPending,
	}
	d.Signers = append(d.Signers, signer)
	d.touch()
	return &d.Signers[len(d.Signers)-1], nil
}

// AddField places a field for a signer on a draft document.
func (d *Document) AddField(signerID types.ID, kind FieldKind, page int, x, y, w, h float64, required bool) (*Field, error) {
	if err := d.requireDraft("add a field to"); err != nil {
		return nil, err
	}
	if !kind.valid() {
		return nil, errors.Validation(fmt.Sprintf("unknown field kind %q", kind), nil)
	}
	if _, err := d.signer(signerID); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, errors.Validation("field page must be positive", map[string]string{"page": "invalid"})
	}

	field := Field{
		ID:         types.NewID(),
		DocumentID: d.ID,
		SignerID:   signerID,
		Kind:       kind,
		Page:       page,
		X:          x,
		Y:          y,
		Width:      w,
		Height:     h,
		Required:   required,
	}
	d.Fields = append(d.Fields, field)
	d.touch()
	return &d.Fields[len(d.Fields)-1], nil
}

// Send transitions draft to out_for_signature. Requires content, at
// least one signer and a signature field for every signer; metadata
// freezes from here on.
func (d *Document) Send(now time.Time, expiresAt *time.Time) error {
	if err := d.requireDraft("send"); err != nil {
		return err
	}
	if len(d.Signers) == 0 {
		return errors.Validation("cannot send a document without signers", nil)
	}
	if d.ContentRef == "" {
		return errors.Validation("cannot send a document without content", nil)
	}
	for _, s := range d.Signers {
		if !d.hasSignatureField(s.ID) {
			return errors.Validation(
				fmt.Sprintf("signer %s has no signature field", s.Email),
				map[string]string{"signer_id": s.ID.String()},
			)
		}
	}

	d.Status = StatusOutForSignature
	sentAt := now
	d.SentAt = &sentAt
	d.ExpiresAt = expiresAt
	d.touch()
	return nil
}

func (d *Document) hasSignatureField(signerID types.ID) bool {
	for _, f := range d.Fields {
		if f.SignerID == signerID && (f.Kind == FieldSignature || f.Kind == FieldInitial) {
			return true
		}
	}
	return false
}

// signer returns a pointer into the signer slice.
func (d *Document) signer(id types.ID) (*Signer, error) {
	for i := range d.Signers {
		if d.Signers[i].ID == id {
			return &d.Signers[i], nil
		}
	}
	return nil, errors.NotFound("signer", id.String())
}

// SignerByID returns the signer with the given id.
func (d *Document) SignerByID(id types.ID) (*Signer, error) {
	return d.signer(id)
}

// IsExpired reports whether the signing deadline has passed.
func (d *Document) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// MarkViewed records that a signer opened the document. Idempotent for
// signers who already viewed or signed.
func (d *Document) MarkViewed(signerID types.ID, now time.Time, ip, userAgent string) error {
	if d.Status != StatusOutForSignature {
		return errors.InvalidState(fmt.Sprintf("document in status %s is not open for signing", d.Status))
	}
	signer, err := d.signer(signerID)
	if err != nil {
		return err
	}
	switch signer.Status {
	case SignerDeclined, SignerExpired:
		return errors.InvalidState(fmt.Sprintf("signer is %s", signer.Status))
	}

	if signer.Status == SignerPending {
		signer.Status = SignerViewed
		viewedAt := now
		signer.ViewedAt = &viewedAt
	}
	signer.IPAddress = ip
	signer.UserAgent = userAgent
	d.touch()
	return nil
}

// CanSign checks signer eligibility including the ordered-signing
// frontier: with ordered signing every lower-order signer must already
// be signed.
func (d *Document) CanSign(signerID types.ID) error {
	if d.Status != StatusOutForSignature {
		return errors.InvalidState(fmt.Sprintf("document in status %s is not open for signing", d.Status))
	}
	signer, err := d.signer(signerID)
	if err != nil {
		return err
	}
	switch signer.Status {
	case SignerSigned:
		return errors.InvalidState("signer has already signed")
	case SignerDeclined:
		return errors.InvalidState("signer has declined")
	case SignerExpired:
		return errors.InvalidState("signer slot has expired")
	}

	if d.Ordered {
		for _, other := range d.Signers {
			if other.ID != signer.ID && other.Order < signer.Order && other.Status != SignerSigned {
				return errors.InvalidState(
					fmt.Sprintf("waiting for signer %s to sign first", other.Email),
				)
			}
		}
	}
	return nil
}

// RecordSignature marks a signer as signed, fills the fields they own
// and, when they were the last one out, completes the document. The
// returned flag reports whether this call performed the completion.
func (d *Document) RecordSignature(signerID types.ID, artifactRef string, values map[types.ID]string, now time.Time, ip, userAgent string) (bool, error) {
	if err := d.CanSign(signerID); err != nil {
		return false, err
	}
	if artifactRef == "" {
		return false, errors.Validation("signature artifact reference is required", nil)
	}
	signer, err := d.signer(signerID)
	if err != nil {
		return false, err
	}

	signedAt := now
	signer.Status = SignerSigned
	signer.SignedAt = &signedAt
	signer.ArtifactRef = artifactRef
	if ip != "" {
		signer.IPAddress = ip
	}
	if userAgent != "" {
		signer.UserAgent = userAgent
	}

	for i := range d.Fields {
		f := &d.Fields[i]
		if f.SignerID != signerID {
			continue
		}
		switch f.Kind {
		case FieldSignature, FieldInitial:
			f.Value = artifactRef
		case FieldDate:
			f.Value = now.Format("2006-01-02")
		default:
			if v, ok := values[f.ID]; ok {
				f.Value = v
			}
		}
		fieldSignedAt := now
		f.SignedAt = &fieldSignedAt
	}

	completed := d.allSigned()
	if completed {
		d.Status = StatusCompleted
		completedAt := now
		d.CompletedAt = &completedAt
	}
	d.touch()
	return completed, nil
}

func (d *Document) allSigned() bool {
	for _, s := range d.Signers {
		if s.Status != SignerSigned {
			return false
		}
	}
	return len(d.Signers) > 0
}

// Decline records a signer's refusal. With voidDocument the whole
// document voids; otherwise only the signer is blocked.
func (d *Document) Decline(signerID types.ID, reason string, now time.Time, voidDocument bool) error {
	if d.Status != StatusOutForSignature {
		return errors.InvalidState(fmt.Sprintf("document in status %s is not open for signing", d.Status))
	}
	signer, err := d.signer(signerID)
	if err != nil {
		return err
	}
	if signer.Status == SignerSigned {
		return errors.InvalidState("signer has already signed")
	}
	if signer.Status == SignerDeclined {
		return errors.InvalidState("signer has already declined")
	}

	declinedAt := now
	signer.Status = SignerDeclined
	signer.DeclinedAt = &declinedAt
	signer.DeclineReason = reason

	if voidDocument {
		voidedAt := now
		d.Status = StatusVoided
		d.VoidedAt = &voidedAt
		d.VoidReason = fmt.Sprintf("declined by %s: %s", signer.Email, reason)
	}
	d.touch()
	return nil
}

// Void cancels the document before completion.
func (d *Document) Void(reason string, now time.Time) error {
	if d.Status != StatusDraft && d.Status != StatusOutForSignature {
		return errors.InvalidState(fmt.Sprintf("cannot void a document in status %s", d.Status))
	}
	voidedAt := now
	d.Status = StatusVoided
	d.VoidedAt = &voidedAt
	d.VoidReason = reason
	d.touch()
	return nil
}

// Expire transitions an overdue document to expired and marks every
// signer who had not signed.
func (d *Document) Expire(now time.Time) error {
	if d.Status != StatusOutForSignature {
		return errors.InvalidState(fmt.Sprintf("cannot expire a document in status %s", d.Status))
	}
	if !d.IsExpired(now) {
		return errors.InvalidState("document signing deadline has not passed")
	}

	d.Status = StatusExpired
	for i := range d.Signers {
		if d.Signers[i].Status == SignerPending || d.Signers[i].Status == SignerViewed {
			d.Signers[i].Status = SignerExpired
		}
	}
	d.touch()
	return nil
}

// ListFilter narrows document listings.
type ListFilter struct {
	IDs       []types.ID
	Status    *Status
	CreatedBy *types.ID
	Limit     int
	Offset    int
}
