package policy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"guardian/internal/domain"
)

func (e *Env) now() string {
	if e.Store.Now != nil {
		return e.Store.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// newDocument builds an unanchored pending document owned by the actor.
func (e *Env) newDocument(actor domain.Actor, blockID, kind, docType, content string, relationships []string) domain.Document {
	now := e.now()
	doc := domain.Document{
		ID:            uuid.New().String(),
		PolicyID:      e.Policy.ID,
		BlockID:       blockID,
		Kind:          kind,
		Type:          docType,
		OwnerDID:      actor.DID,
		Status:        domain.DocStatusPending,
		Relationships: relationships,
		Content:       content,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if actor.GroupID != "" {
		g := actor.GroupID
		doc.GroupID = &g
	}
	return doc
}

// contentFields decodes a document's JSON content into a map for expression
// evaluation. A document with non-object content yields an empty map.
func contentFields(doc *domain.Document) map[string]any {
	fields := map[string]any{}
	if doc == nil || doc.Content == "" {
		return fields
	}
	_ = json.Unmarshal([]byte(doc.Content), &fields)
	return fields
}

// exprEnv is the evaluation environment for block expressions: the
// document's content fields plus metadata under "document" and the actor
// under "actor".
func exprEnv(doc *domain.Document, actor domain.Actor) map[string]any {
	env := contentFields(doc)
	meta := map[string]any{}
	if doc != nil {
		meta = map[string]any{
			"id":     doc.ID,
			"kind":   doc.Kind,
			"type":   doc.Type,
			"owner":  doc.OwnerDID,
			"status": doc.Status,
		}
	}
	env["document"] = meta
	env["actor"] = map[string]any{
		"did":   actor.DID,
		"role":  actor.Role,
		"group": actor.GroupID,
	}
	return env
}
