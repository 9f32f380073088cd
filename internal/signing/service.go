package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"github.com/signato/platform/internal/audit"
	"github.com/signato/platform/internal/authz"
	"github.com/signato/platform/internal/document"
	"github.com/signato/platform/internal/objectstore"
	"github.com/signato/platform/internal/shared/auth"
	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/events"
	"github.com/signato/platform/internal/shared/metrics"
	"github.com/signato/platform/internal/shared/types"
	"github.com/signato/platform/internal/signature"
)

// maxUpdateRetries bounds replays of an aggregate write that lost an
// optimistic concurrency race.
const maxUpdateRetries = 3

const eventSource = "signing"

// Event types published on the bus. The notification dispatcher
// subscribes to document.*.
const (
	EventDocumentCreated   = "document.created"
	EventDocumentSent      = "document.sent"
	EventDocumentViewed    = "document.viewed"
	EventDocumentSigned    = "document.signed"
	EventDocumentCompleted = "document.completed"
	EventDocumentVoided    = "document.voided"
	EventDocumentDeclined  = "document.declined"
	EventDocumentExpired   = "document.expired"
	EventLinkResent        = "document.link_resent"
)

// IdentityProvider supplies the signing identity used to produce a
// signer's signature. The default implementation issues short-lived
// certificates from the platform CA; production deployments plug in a
// remote qualified signing device.
type IdentityProvider interface {
	IdentityFor(ctx context.Context, doc *document.Document, signer *document.Signer) (*signature.SigningIdentity, error)
}

// CAIdentityProvider issues per-signature identities from a platform CA.
type CAIdentityProvider struct {
	ca *signature.CA
}

// NewCAIdentityProvider creates an identity provider over a CA
func NewCAIdentityProvider(ca *signature.CA) *CAIdentityProvider {
	return &CAIdentityProvider{ca: ca}
}

// IdentityFor issues a signing certificate for the signer
func (p *CAIdentityProvider) IdentityFor(ctx context.Context, doc *document.Document, signer *document.Signer) (*signature.SigningIdentity, error) {
	name := signer.Name
	if name == "" {
		name = signer.Email
	}
	return p.ca.Issue(signature.IdentityOptions{CommonName: name})
}

// Deps bundles the collaborators of the signing coordinator.
type Deps struct {
	Documents  document.Store
	Trail      audit.Log
	Authorizer *authz.Engine
	Objects    *objectstore.Gateway
	Signer     *signature.Engine
	Signatures signature.Store
	Identities IdentityProvider
	Links      *LinkSigner
	Bus        events.EventBus
}

// Service is the signing coordinator: the single write path for the
// document aggregate. Every state transition commits its audit entries
// atomically with the aggregate, so a failed audit append fails the
// transition.
type Service struct {
	docs       document.Store
	trail      audit.Log
	authorizer *authz.Engine
	objects    *objectstore.Gateway
	signer     *signature.Engine
	signatures signature.Store
	identities IdentityProvider
	links      *LinkSigner
	bus        events.EventBus
	cfg        config.SigningConfig
	now        func() time.Time
}

// NewService creates the signing coordinator
func NewService(deps Deps, cfg config.SigningConfig) *Service {
	return &Service{
		docs:       deps.Documents,
		trail:      deps.Trail,
		authorizer: deps.Authorizer,
		objects:    deps.Objects,
		signer:     deps.Signer,
		signatures: deps.Signatures,
		identities: deps.Identities,
		links:      deps.Links,
		bus:        deps.Bus,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RequestContext carries caller context into audit entries.
type RequestContext struct {
	IP        string
	UserAgent string
}

// device condenses a raw User-Agent header into the short description
// stored on audit entries.
func (c RequestContext) device() string {
	if c.UserAgent == "" {
		return ""
	}
	ua := useragent.New(c.UserAgent)
	browser, version := ua.Browser()
	if browser == "" {
		return c.UserAgent
	}
	return fmt.Sprintf("%s %s (%s)", browser, version, ua.OS())
}

// CreateDocumentRequest carries document creation input.
type CreateDocumentRequest struct {
	Title     string `json:"title"`
	Format    string `json:"format"`
	Profile   string `json:"profile"`
	Ordered   bool   `json:"ordered"`
	MediaType string `json:"media_type"`
	File      []byte `json:"file"`
}

// AddSignerRequest carries signer input.
type AddSignerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// AddFieldRequest carries field placement input.
type AddFieldRequest struct {
	SignerID types.ID           `json:"signer_id"`
	Kind     document.FieldKind `json:"kind"`
	Page     int                `json:"page"`
	X        float64            `json:"x"`
	Y        float64            `json:"y"`
	Width    float64            `json:"width"`
	Height   float64            `json:"height"`
	Required bool               `json:"required"`
}

// SignerLink pairs a signer with their freshly issued signing link.
type SignerLink struct {
	SignerID types.ID `json:"signer_id"`
	Email    string   `json:"email"`
	Path     string   `json:"path"`
}

// LinkCheck is the outcome of validating a signing link.
type LinkCheck struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// authorize runs an authorization check and maps store outages to a
// retryable error instead of a denial.
func (s *Service) authorize(ctx context.Context, subject authz.Subject, permission string, object authz.Object, ip string) error {
	decision := s.authorizer.Authorize(ctx, subject, permission, object, authz.Env{Now: s.now(), IP: ip})
	if decision.Allowed {
		return nil
	}
	if decision.Reason == authz.ReasonUnavailable {
		return errors.DependencyUnavailable("authorization", fmt.Errorf("%s on %s", permission, object))
	}
	return errors.Forbidden(decision.Reason)
}

func docObject(id types.ID) authz.Object {
	return authz.Object{Type: authz.ObjectTypeDocument, ID: id}
}

func userSubject(id types.ID) authz.Subject {
	return authz.Subject{Type: "user", ID: id}
}

func signerSubject(id types.ID) authz.Subject {
	return authz.Subject{Type: "signer", ID: id}
}

// CreateDocument stores the file, persists a draft aggregate and grants
// the creator ownership.
func (s *Service) CreateDocument(ctx context.Context, actor *auth.User, req CreateDocumentRequest) (*document.Document, error) {
	if len(req.File) == 0 {
		return nil, errors.Validation("document file is required", map[string]string{"file": "required"})
	}
	// Creation inside an organization requires membership; users
	// outside any organization operate in their own space.
	if !actor.OrgID.IsZero() {
		org := authz.Object{Type: authz.ObjectTypeOrganization, ID: actor.OrgID}
		if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentCreate, org, ""); err != nil {
			return nil, err
		}
	}

	format := req.Format
	if format == "" {
		format = s.cfg.DefaultFormat
	}
	profile := req.Profile
	if profile == "" {
		profile = s.cfg.DefaultProfile
	}
	if !signature.Format(format).Valid() {
		return nil, errors.Validation(fmt.Sprintf("unknown envelope format %q", format), nil)
	}
	if !signature.Profile(profile).Valid() {
		return nil, errors.Validation(fmt.Sprintf("unknown profile %q", profile), nil)
	}

	doc, err := document.NewDocument(req.Title, actor.ID, format, profile, req.Ordered)
	if err != nil {
		return nil, err
	}

	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	ref, err := s.objects.Put(ctx, req.File, mediaType)
	if err != nil {
		return nil, err
	}
	if err := doc.SetContent(ref.String(), strings.TrimPrefix(ref.String(), "sha256:")); err != nil {
		return nil, err
	}

	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionDocumentCreated, map[string]any{
		"title":   doc.Title,
		"format":  doc.Format,
		"profile": doc.Profile,
		"ref":     doc.ContentRef,
	})
	if err := s.docs.Create(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return nil, err
	}

	if err := s.authorizer.Grant(ctx, userSubject(actor.ID), authz.RelationOwner, docObject(doc.ID)); err != nil {
		return nil, errors.DependencyUnavailable("authorization", err)
	}
	if !actor.OrgID.IsZero() {
		org := authz.Subject{Type: "organization", ID: actor.OrgID}
		if err := s.authorizer.Grant(ctx, org, authz.RelationParent, docObject(doc.ID)); err != nil {
			return nil, errors.DependencyUnavailable("authorization", err)
		}
	}
	if err := s.mirrorAttributes(ctx, doc); err != nil {
		return nil, err
	}

	metrics.RecordDocumentCreated(doc.Format)
	s.publish(ctx, EventDocumentCreated, actor.ID, "user", map[string]any{
		"document_id": doc.ID,
		"title":       doc.Title,
	})
	return doc, nil
}

// mirrorAttributes keeps the authorization attributes in step with the
// aggregate so ABAC predicates see current status and expiry.
func (s *Service) mirrorAttributes(ctx context.Context, doc *document.Document) error {
	object := docObject(doc.ID)
	if err := s.authorizer.SetAttribute(ctx, object, "status", string(doc.Status)); err != nil {
		return errors.DependencyUnavailable("authorization", err)
	}
	if doc.ExpiresAt != nil {
		if err := s.authorizer.SetAttribute(ctx, object, "expires_at", doc.ExpiresAt.Format(time.RFC3339)); err != nil {
			return errors.DependencyUnavailable("authorization", err)
		}
	}
	return nil
}

// AddSigner adds a signer to a draft document.
func (s *Service) AddSigner(ctx context.Context, actor *auth.User, documentID types.ID, req AddSignerRequest) (*document.Signer, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentUpdate, docObject(documentID), ""); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	signer, err := doc.AddSigner(req.Email, req.Name, req.Order)
	if err != nil {
		return nil, err
	}
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionSignerAdded, map[string]any{
		"signer_id": signer.ID,
		"email":     signer.Email,
		"order":     signer.Order,
	})
	if err := s.docs.Update(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return nil, err
	}
	return signer, nil
}

// AddField places a field on a draft document.
func (s *Service) AddField(ctx context.Context, actor *auth.User, documentID types.ID, req AddFieldRequest) (*document.Field, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentUpdate, docObject(documentID), ""); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	field, err := doc.AddField(req.SignerID, req.Kind, req.Page, req.X, req.Y, req.Width, req.Height, req.Required)
	if err != nil {
		return nil, err
	}
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionFieldAdded, map[string]any{
		"field_id":  field.ID,
		"signer_id": field.SignerID,
		"kind":      field.Kind,
	})
	if err := s.docs.Update(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return nil, err
	}
	return field, nil
}

// Send transitions the document out for signature and issues a signing
// link to every signer.
func (s *Service) Send(ctx context.Context, actor *auth.User, documentID types.ID) ([]SignerLink, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentSend, docObject(documentID), ""); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var expiresAt *time.Time
	if s.cfg.DefaultExpiry > 0 {
		deadline := now.Add(s.cfg.DefaultExpiry)
		expiresAt = &deadline
	}

	notified := now
	for i := range doc.Signers {
		doc.Signers[i].LinkNonce = NewNonce()
		doc.Signers[i].LastNotifiedAt = &notified
	}
	if err := doc.Send(now, expiresAt); err != nil {
		return nil, err
	}

	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionDocumentSent, map[string]any{
		"signers":    len(doc.Signers),
		"expires_at": doc.ExpiresAt,
	})
	if err := s.docs.Update(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return nil, err
	}
	metrics.RecordDocumentStatusChange(string(document.StatusDraft), string(doc.Status))

	// Signer relations let the authorization engine vet link-based
	// signing the same way it vets platform users.
	for _, signer := range doc.Signers {
		if err := s.authorizer.Grant(ctx, signerSubject(signer.ID), authz.RelationSigner, docObject(doc.ID)); err != nil {
			return nil, errors.DependencyUnavailable("authorization", err)
		}
	}
	if err := s.mirrorAttributes(ctx, doc); err != nil {
		return nil, err
	}

	links := make([]SignerLink, 0, len(doc.Signers))
	for _, signer := range doc.Signers {
		token := s.links.Issue(doc.ID, signer.ID, signer.LinkNonce)
		link := SignerLink{
			SignerID: signer.ID,
			Email:    signer.Email,
			Path:     s.links.Path(doc.ID, signer.ID, token),
		}
		links = append(links, link)
		s.publish(ctx, EventDocumentSent, signer.ID, "signer", map[string]any{
			"document_id": doc.ID,
			"signer_id":   signer.ID,
			"email":       signer.Email,
			"name":        signer.Name,
			"title":       doc.Title,
			"link":        link.Path,
		})
	}
	return links, nil
}

// ValidateLink checks a signing link without side effects.
func (s *Service) ValidateLink(ctx context.Context, documentID, signerID types.ID, token string) (LinkCheck, error) {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Code(err) == "NOT_FOUND" {
			return LinkCheck{Valid: false, Reason: "document not found"}, nil
		}
		return LinkCheck{}, err
	}
	signer, err := doc.SignerByID(signerID)
	if err != nil {
		return LinkCheck{Valid: false, Reason: "signer not found"}, nil
	}
	if doc.Status != document.StatusOutForSignature {
		return LinkCheck{Valid: false, Reason: fmt.Sprintf("document is %s", doc.Status)}, nil
	}
	if doc.IsExpired(s.now()) {
		return LinkCheck{Valid: false, Reason: "document has expired"}, nil
	}
	if ok, reason := s.links.Validate(documentID, signerID, signer.LinkNonce, token); !ok {
		return LinkCheck{Valid: false, Reason: reason}, nil
	}
	return LinkCheck{Valid: true}, nil
}

// openDocument validates the link and loads the aggregate, expiring it
// lazily when the deadline has passed.
func (s *Service) openDocument(ctx context.Context, documentID, signerID types.ID, token string) (*document.Document, *document.Signer, error) {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	signer, err := doc.SignerByID(signerID)
	if err != nil {
		return nil, nil, err
	}
	if ok, reason := s.links.Validate(documentID, signerID, signer.LinkNonce, token); !ok {
		return nil, nil, errors.Unauthorized(reason)
	}

	if doc.Status == document.StatusOutForSignature && doc.IsExpired(s.now()) {
		if err := s.expireDocument(ctx, doc); err != nil {
			return nil, nil, err
		}
		return nil, nil, errors.InvalidState("document has expired")
	}
	if err := s.authorize(ctx, signerSubject(signerID), authz.PermDocumentSign, docObject(documentID), ""); err != nil {
		return nil, nil, err
	}
	return doc, signer, nil
}

// Open records that a signer viewed the document.
func (s *Service) Open(ctx context.Context, documentID, signerID types.ID, token string, reqCtx RequestContext) (*document.Document, error) {
	doc, signer, err := s.openDocument(ctx, documentID, signerID, token)
	if err != nil {
		return nil, err
	}

	firstView := signer.Status == document.SignerPending
	if err := doc.MarkViewed(signerID, s.now(), reqCtx.IP, reqCtx.UserAgent); err != nil {
		return nil, err
	}

	var entries []*audit.AuditEntry
	if firstView {
		entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeSigner, signerID, audit.ActionDocumentViewed, map[string]any{
			"email": signer.Email,
		}).WithRequest(reqCtx.IP, reqCtx.device())
		entries = append(entries, entry)
	}
	if err := s.docs.Update(ctx, doc, entries); err != nil {
		return nil, err
	}

	if firstView {
		s.publish(ctx, EventDocumentViewed, signerID, "signer", map[string]any{
			"document_id": doc.ID,
			"signer_id":   signerID,
			"owner_id":    doc.CreatedBy,
		})
	}
	return doc, nil
}

// SubmitResult is the outcome of a signature submission.
type SubmitResult struct {
	Document  *document.Document         `json:"document"`
	Record    *signature.SignatureRecord `json:"-"`
	Completed bool                       `json:"completed"`
}

// SubmitSignature produces the signature record for a signer and commits
// the signer transition. The record blob is content-addressed, so the
// commit either lands with its audit entries or the record stays
// unreferenced; a lost version race is replayed against a fresh read.
func (s *Service) SubmitSignature(ctx context.Context, documentID, signerID types.ID, token string, values map[types.ID]string, reqCtx RequestContext) (*SubmitResult, error) {
	doc, signer, err := s.openDocument(ctx, documentID, signerID, token)
	if err != nil {
		return nil, err
	}
	if err := doc.CanSign(signerID); err != nil {
		// No state transition happened, so the rejection record is
		// appended directly rather than through the aggregate commit.
		_ = s.trail.Append(ctx, audit.NewAuditEntry(doc.ID, audit.ActorTypeSigner, signerID, audit.ActionSignatureRejected, map[string]any{
			"email":  signer.Email,
			"reason": err.Error(),
		}).WithRequest(reqCtx.IP, reqCtx.device()))
		return nil, err
	}

	content, err := s.objects.Get(ctx, objectstore.Ref(doc.ContentRef))
	if err != nil {
		return nil, err
	}
	identity, err := s.identities.IdentityFor(ctx, doc, signer)
	if err != nil {
		return nil, err
	}

	record, err := s.signer.Sign(ctx, content, *identity, signature.SignOptions{
		DocumentID: doc.ID,
		SignerID:   signerID,
		Format:     signature.Format(doc.Format),
		Profile:    signature.Profile(doc.Profile),
	})
	if err != nil {
		return nil, err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode signature record")
	}
	envelopeRef, err := s.objects.Put(ctx, recordJSON, "application/json")
	if err != nil {
		return nil, err
	}

	now := s.now()
	var completed bool
	for attempt := 0; ; attempt++ {
		completed, err = doc.RecordSignature(signerID, envelopeRef.String(), values, now, reqCtx.IP, reqCtx.UserAgent)
		if err != nil {
			return nil, err
		}

		entries := []*audit.AuditEntry{
			audit.NewAuditEntry(doc.ID, audit.ActorTypeSigner, signerID, audit.ActionDocumentSigned, map[string]any{
				"email":        signer.Email,
				"format":       doc.Format,
				"profile":      doc.Profile,
				"envelope_ref": envelopeRef.String(),
			}).WithRequest(reqCtx.IP, reqCtx.device()),
		}
		if completed {
			entries = append(entries, audit.NewAuditEntry(doc.ID, audit.ActorTypeSystem, "", audit.ActionDocumentCompleted, map[string]any{
				"signers": len(doc.Signers),
			}))
		}

		err = s.docs.Update(ctx, doc, entries)
		if err == nil {
			break
		}
		if errors.Code(err) != "CONFLICTING_UPDATE" || attempt >= maxUpdateRetries {
			return nil, err
		}
		// Lost the version race; replay against a fresh read. The
		// re-read may show the document completed by another signer's
		// commit, in which case RecordSignature re-derives the verdict.
		doc, err = s.docs.Get(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if signer, err = doc.SignerByID(signerID); err != nil {
			return nil, err
		}
	}

	certSum := sha256.Sum256(record.SignerCert)
	stored := &signature.StoredSignature{
		ID:              record.ID,
		DocumentID:      doc.ID,
		SignerID:        signerID,
		Format:          record.Format,
		Profile:         record.Profile,
		EnvelopeRef:     envelopeRef.String(),
		CertFingerprint: hex.EncodeToString(certSum[:]),
		SignedAt:        record.SigningTime,
	}
	if record.Timestamp != nil {
		ts := record.Timestamp.GenTime
		stored.TimestampedAt = &ts
		stored.TSAName = record.Timestamp.Authority
	}
	if err := s.signatures.Save(ctx, stored); err != nil {
		// The aggregate and audit trail are committed; the metadata row
		// is a query surface rebuilt by reconciliation if this fails.
		return nil, errors.Wrap(err, "signature committed but metadata row failed")
	}

	s.publish(ctx, EventDocumentSigned, signerID, "signer", map[string]any{
		"document_id": doc.ID,
		"signer_id":   signerID,
		"owner_id":    doc.CreatedBy,
		"email":       signer.Email,
	})
	if completed {
		metrics.RecordDocumentStatusChange(string(document.StatusOutForSignature), string(document.StatusCompleted))
		if err := s.mirrorAttributes(ctx, doc); err != nil {
			return nil, err
		}
		s.publish(ctx, EventDocumentCompleted, doc.CreatedBy, "system", map[string]any{
			"document_id": doc.ID,
			"owner_id":    doc.CreatedBy,
			"title":       doc.Title,
		})
	}
	return &SubmitResult{Document: doc, Record: record, Completed: completed}, nil
}

// ValidationOutcome is the verification verdict for one signature.
type ValidationOutcome struct {
	SignerID types.ID                    `json:"signer_id"`
	Report   *signature.ValidationReport `json:"report"`
}

// ValidateSignatures re-verifies every signature on a document against
// the current trust state. A validation run is a read, so its audit
// entry is best effort.
func (s *Service) ValidateSignatures(ctx context.Context, actor *auth.User, documentID types.ID) ([]ValidationOutcome, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentRead, docObject(documentID), ""); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	content, err := s.objects.Get(ctx, objectstore.Ref(doc.ContentRef))
	if err != nil {
		return nil, err
	}
	sigs, err := s.signatures.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	outcomes := make([]ValidationOutcome, 0, len(sigs))
	summary := make(map[string]any, len(sigs))
	for _, stored := range sigs {
		recordJSON, err := s.objects.Get(ctx, objectstore.Ref(stored.EnvelopeRef))
		if err != nil {
			return nil, err
		}
		var record signature.SignatureRecord
		if err := json.Unmarshal(recordJSON, &record); err != nil {
			return nil, errors.Wrap(err, "failed to decode signature record")
		}

		report := s.signer.Verify(ctx, &record, content, now)
		outcomes = append(outcomes, ValidationOutcome{SignerID: stored.SignerID, Report: report})
		summary[stored.SignerID.String()] = report.Indication
	}

	entry := audit.NewAuditEntry(documentID, audit.ActorTypeUser, actor.ID, audit.ActionValidationRun, map[string]any{
		"signatures": len(outcomes),
		"results":    summary,
	})
	_ = s.trail.Append(ctx, entry)
	return outcomes, nil
}

// Decline records a signer's refusal, voiding the document when the
// decline policy says so.
func (s *Service) Decline(ctx context.Context, documentID, signerID types.ID, token, reason string, reqCtx RequestContext) (*document.Document, error) {
	doc, signer, err := s.openDocument(ctx, documentID, signerID, token)
	if err != nil {
		return nil, err
	}

	voidDocument := s.cfg.DeclinePolicy == "void_document"
	if err := doc.Decline(signerID, reason, s.now(), voidDocument); err != nil {
		return nil, err
	}

	entries := []*audit.AuditEntry{
		audit.NewAuditEntry(doc.ID, audit.ActorTypeSigner, signerID, audit.ActionSignerDeclined, map[string]any{
			"email":  signer.Email,
			"reason": reason,
		}).WithRequest(reqCtx.IP, reqCtx.device()),
	}
	if voidDocument {
		entries = append(entries, audit.NewAuditEntry(doc.ID, audit.ActorTypeSystem, "", audit.ActionDocumentVoided, map[string]any{
			"reason": doc.VoidReason,
		}))
	}
	if err := s.docs.Update(ctx, doc, entries); err != nil {
		return nil, err
	}
	if voidDocument {
		metrics.RecordDocumentStatusChange(string(document.StatusOutForSignature), string(doc.Status))
	}
	if err := s.mirrorAttributes(ctx, doc); err != nil {
		return nil, err
	}

	s.publish(ctx, EventDocumentDeclined, signerID, "signer", map[string]any{
		"document_id": doc.ID,
		"signer_id":   signerID,
		"owner_id":    doc.CreatedBy,
		"reason":      reason,
	})
	return doc, nil
}

// Void cancels a document before completion.
func (s *Service) Void(ctx context.Context, actor *auth.User, documentID types.ID, reason string) (*document.Document, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentVoid, docObject(documentID), ""); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	from := doc.Status
	if err := doc.Void(reason, s.now()); err != nil {
		return nil, err
	}
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionDocumentVoided, map[string]any{
		"reason": reason,
	})
	if err := s.docs.Update(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return nil, err
	}
	metrics.RecordDocumentStatusChange(string(from), string(doc.Status))
	if err := s.mirrorAttributes(ctx, doc); err != nil {
		return nil, err
	}

	s.publish(ctx, EventDocumentVoided, actor.ID, "user", map[string]any{
		"document_id": doc.ID,
		"owner_id":    doc.CreatedBy,
		"reason":      reason,
	})
	return doc, nil
}

// ResendLink rotates a signer's link nonce and issues a fresh link,
// invalidating every previously sent one.
func (s *Service) ResendLink(ctx context.Context, actor *auth.User, documentID, signerID types.ID) (*SignerLink, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentSend, docObject(documentID), ""); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != document.StatusOutForSignature {
		return nil, errors.InvalidState(fmt.Sprintf("cannot resend links for a document in status %s", doc.Status))
	}
	signer, err := doc.SignerByID(signerID)
	if err != nil {
		return nil, err
	}
	if signer.Status == document.SignerSigned || signer.Status == document.SignerDeclined {
		return nil, errors.InvalidState(fmt.Sprintf("signer is %s", signer.Status))
	}

	now := s.now()
	signer.LinkNonce = NewNonce()
	signer.LastNotifiedAt = &now
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionLinkResent, map[string]any{
		"signer_id": signerID,
		"email":     signer.Email,
	})
	if err := s.docs.Update(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return nil, err
	}

	token := s.links.Issue(doc.ID, signerID, signer.LinkNonce)
	link := &SignerLink{
		SignerID: signerID,
		Email:    signer.Email,
		Path:     s.links.Path(doc.ID, signerID, token),
	}
	s.publish(ctx, EventLinkResent, signerID, "signer", map[string]any{
		"document_id": doc.ID,
		"signer_id":   signerID,
		"email":       signer.Email,
		"title":       doc.Title,
		"link":        link.Path,
	})
	return link, nil
}

// DownloadURL returns a signed, time-bounded URL for the original
// document content. The download is a read, so a failed audit append
// does not block it.
func (s *Service) DownloadURL(ctx context.Context, actor *auth.User, documentID types.ID) (string, error) {
	if err := s.authorize(ctx, userSubject(actor.ID), authz.PermDocumentDownload, docObject(documentID), ""); err != nil {
		return "", err
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.ContentRef == "" {
		return "", errors.NotFound("document content", documentID.String())
	}

	url, err := s.objects.URL(objectstore.Ref(doc.ContentRef), 0)
	if err != nil {
		return "", err
	}
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, actor.ID, audit.ActionDocumentDownloaded, nil)
	_ = s.trail.Append(ctx, entry)
	return url, nil
}

// expireDocument performs the expiry transition for one document.
func (s *Service) expireDocument(ctx context.Context, doc *document.Document) error {
	if err := doc.Expire(s.now()); err != nil {
		return err
	}
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeSystem, "", audit.ActionDocumentExpired, map[string]any{
		"expired_at": doc.ExpiresAt,
	})
	if err := s.docs.Update(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		return err
	}
	metrics.RecordDocumentStatusChange(string(document.StatusOutForSignature), string(document.StatusExpired))
	if err := s.mirrorAttributes(ctx, doc); err != nil {
		return err
	}
	s.publish(ctx, EventDocumentExpired, doc.CreatedBy, "system", map[string]any{
		"document_id": doc.ID,
		"owner_id":    doc.CreatedBy,
		"title":       doc.Title,
	})
	return nil
}

// ExpireOverdue sweeps documents past their deadline. Returns how many
// documents it expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.docs.ListExpired(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		doc, err := s.docs.Get(ctx, id)
		if err != nil {
			continue
		}
		if doc.Status != document.StatusOutForSignature || !doc.IsExpired(s.now()) {
			continue
		}
		if err := s.expireDocument(ctx, doc); err != nil {
			continue
		}
		expired++
	}
	return expired, nil
}

// RunExpirySweep expires overdue documents on a fixed interval until
// the context is cancelled.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireOverdue(ctx)
		}
	}
}

func (s *Service) publish(ctx context.Context, eventType string, actorID types.ID, actorType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(eventType, eventSource, data).WithActor(actorID, actorType)
	_ = s.bus.Publish(ctx, event)
}
