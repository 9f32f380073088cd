package authz

import (
	"fmt"
	"time"

	"github.com/signato/platform/internal/shared/types"
)

// ObjectType discriminates authorization objects
type ObjectType string

const (
	ObjectTypeDocument     ObjectType = "document"
	ObjectTypeOrganization ObjectType = "organization"
	ObjectTypeSignerSlot   ObjectType = "signer_slot"
)

// Relation names an edge in the relationship graph
type Relation string

const (
	RelationOwner  Relation = "owner"
	RelationEditor Relation = "editor"
	RelationSigner Relation = "signer"
	RelationViewer Relation = "viewer"
	RelationMember Relation = "member"
	// RelationParent links a document to its containing organization so
	// organization-level relations propagate to the document.
	RelationParent Relation = "parent"
)

// Subject identifies who is asking
type Subject struct {
	Type string   `json:"type"` // user, organization
	ID   types.ID `json:"id"`
}

// Object identifies what is being accessed
type Object struct {
	Type ObjectType `json:"type"`
	ID   types.ID   `json:"id"`
}

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.Type, o.ID)
}

// Tuple is one relationship edge: subject has relation on object.
type Tuple struct {
	Subject   Subject   `json:"subject"`
	Relation  Relation  `json:"relation"`
	Object    Object    `json:"object"`
	CreatedAt time.Time `json:"created_at"`
}

// Permissions understood by the engine
const (
	PermDocumentCreate   = "document:create"
	PermDocumentRead     = "document:read"
	PermDocumentUpdate   = "document:update"
	PermDocumentSend     = "document:send"
	PermDocumentSign     = "document:sign"
	PermDocumentVoid     = "document:void"
	PermDocumentDownload = "document:download"
)

// relationGrants maps a relation on a document to the permissions it
// grants. Owners hold every permission.
var relationGrants = map[Relation][]string{
	RelationOwner: {
		PermDocumentRead, PermDocumentUpdate, PermDocumentSend,
		PermDocumentSign, PermDocumentVoid, PermDocumentDownload,
	},
	RelationEditor: {PermDocumentRead, PermDocumentUpdate, PermDocumentDownload},
	RelationSigner: {PermDocumentRead, PermDocumentSign},
	RelationViewer: {PermDocumentRead, PermDocumentDownload},
	// Membership in an organization grants document creation within it.
	RelationMember: {PermDocumentCreate},
}

// grantingRelations returns the relations that grant a permission.
func grantingRelations(permission string) []Relation {
	var relations []Relation
	for relation, perms := range relationGrants {
		for _, p := range perms {
			if p == permission {
				relations = append(relations, relation)
				break
			}
		}
	}
	return relations
}

// Decision is the outcome of an authorization check. The reason is
// specific enough to distinguish a missing relationship from a failed
// attribute predicate, and safe to show to end users.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Deny reasons
const (
	ReasonNoRelationship    = "missing_relationship"
	ReasonUnavailable       = "authorization_unavailable"
	ReasonUnknownPermission = "unknown_permission"
)

// Env carries the request environment for attribute predicates.
type Env struct {
	Now time.Time
	IP  string
}
