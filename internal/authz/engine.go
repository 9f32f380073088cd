package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/signato/platform/internal/shared/metrics"
	"github.com/signato/platform/internal/shared/types"
)

// TupleStore persists relationship tuples.
type TupleStore interface {
	Write(ctx context.Context, tuple Tuple) error
	Delete(ctx context.Context, tuple Tuple) error
	ListBySubject(ctx context.Context, subject Subject) ([]Tuple, error)
	ListByObject(ctx context.Context, object Object) ([]Tuple, error)
	// ListObjects returns ids of objects of the given type on which the
	// subject holds any of the relations.
	ListObjects(ctx context.Context, subject Subject, relations []Relation, objectType ObjectType) ([]types.ID, error)
}

// AttributeStore persists object attributes for ABAC predicates.
type AttributeStore interface {
	Set(ctx context.Context, object Object, key, value string) error
	GetAll(ctx context.Context, object Object) (map[string]string, error)
}

// predicate is one ABAC condition attached to a permission. It returns
// ok and, when failing, a user-safe reason.
type predicate func(attrs map[string]string, env Env) (bool, string)

func statusIn(allowed ...string) predicate {
	return func(attrs map[string]string, env Env) (bool, string) {
		status, ok := attrs["status"]
		if !ok {
			return true, ""
		}
		for _, s := range allowed {
			if status == s {
				return true, ""
			}
		}
		return false, fmt.Sprintf("document status %q does not permit this action", status)
	}
}

func notExpired(attrs map[string]string, env Env) (bool, string) {
	raw, ok := attrs["expires_at"]
	if !ok || raw == "" {
		return true, ""
	}
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, ""
	}
	now := env.Now
	if now.IsZero() {
		now = time.Now()
	}
	if now.After(expiresAt) {
		return false, "document has expired"
	}
	return true, ""
}

// permissionPredicates attaches ABAC conditions to permissions.
// Every predicate must pass for the permission to be granted.
var permissionPredicates = map[string][]predicate{
	PermDocumentSign:   {statusIn("out_for_signature", "draft"), notExpired},
	PermDocumentUpdate: {statusIn("draft")},
	// Send covers the initial send from draft and link resends while
	// out for signature; the aggregate guards the actual transition.
	PermDocumentSend: {statusIn("draft", "out_for_signature"), notExpired},
	PermDocumentVoid: {statusIn("draft", "out_for_signature")},
}

// Engine evaluates fine-grained authorization: a relationship must
// grant the permission AND every attribute predicate for the permission
// must hold. Default deny.
type Engine struct {
	tuples     TupleStore
	attributes AttributeStore
}

// NewEngine creates an authorization engine
func NewEngine(tuples TupleStore, attributes AttributeStore) *Engine {
	return &Engine{tuples: tuples, attributes: attributes}
}

// Authorize decides allow or deny for (subject, permission, object).
// Store failures yield deny with ReasonUnavailable so the caller can
// translate to a retryable error instead of a permanent denial.
func (e *Engine) Authorize(ctx context.Context, subject Subject, permission string, object Object, env Env) Decision {
	decision := e.authorize(ctx, subject, permission, object, env)
	metrics.RecordAuthorizationDecision(string(object.Type), permission, decision.Allowed)
	return decision
}

func (e *Engine) authorize(ctx context.Context, subject Subject, permission string, object Object, env Env) Decision {
	granting := grantingRelations(permission)
	if len(granting) == 0 {
		return Decision{Allowed: false, Reason: ReasonUnknownPermission}
	}

	relations, err := e.relationsOn(ctx, subject, object)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonUnavailable}
	}

	granted := false
	for _, relation := range granting {
		if relations[relation] {
			granted = true
			break
		}
	}
	if !granted {
		return Decision{Allowed: false, Reason: ReasonNoRelationship}
	}

	predicates := permissionPredicates[permission]
	if len(predicates) > 0 {
		attrs, err := e.attributes.GetAll(ctx, object)
		if err != nil {
			return Decision{Allowed: false, Reason: ReasonUnavailable}
		}
		for _, pred := range predicates {
			if ok, reason := pred(attrs, env); !ok {
				return Decision{Allowed: false, Reason: reason}
			}
		}
	}

	return Decision{Allowed: true}
}

// relationsOn collects the subject's effective relations on an object:
// direct tuples plus organization relations propagated through parent
// edges.
func (e *Engine) relationsOn(ctx context.Context, subject Subject, object Object) (map[Relation]bool, error) {
	relations := make(map[Relation]bool)

	objectTuples, err := e.tuples.ListByObject(ctx, object)
	if err != nil {
		return nil, err
	}

	var parentOrgs []types.ID
	for _, t := range objectTuples {
		if t.Subject.Type == subject.Type && t.Subject.ID == subject.ID {
			relations[t.Relation] = true
		}
		if t.Relation == RelationParent && t.Subject.Type == "organization" {
			parentOrgs = append(parentOrgs, t.Subject.ID)
		}
	}

	// Organization-level relations propagate to contained documents.
	for _, orgID := range parentOrgs {
		org := Object{Type: ObjectTypeOrganization, ID: orgID}
		orgTuples, err := e.tuples.ListByObject(ctx, org)
		if err != nil {
			return nil, err
		}
		for _, t := range orgTuples {
			if t.Subject.Type == subject.Type && t.Subject.ID == subject.ID {
				relations[t.Relation] = true
			}
		}
	}

	return relations, nil
}

// ListRelationships returns every tuple where the subject appears.
func (e *Engine) ListRelationships(ctx context.Context, subject Subject) ([]Tuple, error) {
	return e.tuples.ListBySubject(ctx, subject)
}

// ListObjectsOfType enumerates object ids of the given type on which
// the subject holds the permission through some relation. Used to list
// a user's accessible documents.
func (e *Engine) ListObjectsOfType(ctx context.Context, subject Subject, permission string, objectType ObjectType) ([]types.ID, error) {
	granting := grantingRelations(permission)
	if len(granting) == 0 {
		return nil, nil
	}

	ids, err := e.tuples.ListObjects(ctx, subject, granting, objectType)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.ID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}

	// Documents reachable through organization membership.
	if objectType == ObjectTypeDocument {
		orgIDs, err := e.tuples.ListObjects(ctx, subject, granting, ObjectTypeOrganization)
		if err != nil {
			return nil, err
		}
		for _, orgID := range orgIDs {
			orgSubject := Subject{Type: "organization", ID: orgID}
			docIDs, err := e.tuples.ListObjects(ctx, orgSubject, []Relation{RelationParent}, ObjectTypeDocument)
			if err != nil {
				return nil, err
			}
			for _, id := range docIDs {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}

	return ids, nil
}

// Grant writes a relationship tuple.
func (e *Engine) Grant(ctx context.Context, subject Subject, relation Relation, object Object) error {
	return e.tuples.Write(ctx, Tuple{
		Subject:   subject,
		Relation:  relation,
		Object:    object,
		CreatedAt: time.Now().UTC(),
	})
}

// Revoke deletes a relationship tuple.
func (e *Engine) Revoke(ctx context.Context, subject Subject, relation Relation, object Object) error {
	return e.tuples.Delete(ctx, Tuple{Subject: subject, Relation: relation, Object: object})
}

// SetAttribute records an object attribute used by ABAC predicates.
func (e *Engine) SetAttribute(ctx context.Context, object Object, key, value string) error {
	return e.attributes.Set(ctx, object, key, value)
}
