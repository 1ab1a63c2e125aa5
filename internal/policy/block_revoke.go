package policy

import (
	"context"
	"errors"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/notify"
	"guardian/internal/store"
)

func init() {
	Register("revokeBlock", newRevokeBlock)
}

// Revoker implements cascading revocation over the provenance chain.
type Revoker struct {
	env *Env
}

func NewRevoker(env *Env) *Revoker {
	return &Revoker{env: env}
}

// closure returns the message ids invalidated by revoking root: root itself
// plus, transitively, every anchored document that lists a member of the
// closure among its relationships. Breadth-first, so parents precede their
// dependents in the result.
func (r *Revoker) closure(ctx context.Context, root string) ([]string, error) {
	order := []string{root}
	seen := map[string]bool{root: true}
	frontier := []string{root}
	for len(frontier) > 0 {
		docs, err := r.env.Store.FindDocuments(ctx,
			store.Filter{"relationships": store.InStrings(frontier)}, store.Options{})
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, doc := range docs {
			if doc.MessageID == "" || seen[doc.MessageID] {
				continue
			}
			seen[doc.MessageID] = true
			order = append(order, doc.MessageID)
			frontier = append(frontier, doc.MessageID)
		}
	}
	return order, nil
}

// Revoke revokes the message and everything that depends on it. For every
// member of the closure not already revoked, a revoke envelope is anchored
// and the stored document transitioned to revoked. Already-revoked members
// are skipped without a submission, so re-revoking a closure is a no-op.
// Returns the documents whose status changed.
func (r *Revoker) Revoke(ctx context.Context, actor domain.Actor, messageID string) ([]domain.Document, error) {
	order, err := r.closure(ctx, messageID)
	if err != nil {
		return nil, err
	}
	var changed []domain.Document
	for _, id := range order {
		doc, err := r.env.Store.FindOneDocument(ctx, store.Filter{"message_id": id})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if doc.Status == domain.DocStatusRevoked {
			continue
		}

		env := ledger.NewEnvelope(ledger.TypeVCDocument, ledger.ActionRevokeDocument)
		env.Account = actor.DID
		if id == messageID {
			env.Revoke(id, doc.OwnerDID, nil)
		} else {
			env.Revoke(id, doc.OwnerDID, []string{messageID})
		}
		if _, err := r.env.Submit(ctx, env); err != nil {
			return nil, err
		}

		doc.Status = domain.DocStatusRevoked
		if err := r.env.Store.SaveDocument(ctx, doc); err != nil {
			return nil, err
		}
		r.env.publish(notify.TopicDocumentRevoked, doc.ID, id)
		changed = append(changed, doc)
	}
	return changed, nil
}

// revokeBlock revokes the incoming document's provenance closure and pushes
// the revoked set downstream.
type revokeBlock struct {
	*Base
	revoker *Revoker
}

func newRevokeBlock(b *Base) (Block, error) {
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun, EventError}
	}
	return &revokeBlock{Base: b, revoker: NewRevoker(b.env)}, nil
}

func (r *revokeBlock) Validate(tree *Tree) []string { return nil }

func (r *revokeBlock) Run(ctx context.Context, ev Event) error {
	doc := ev.Doc()
	if doc == nil {
		return actionErr("block %q: no document to revoke", r.Tag())
	}
	if doc.MessageID == "" {
		return actionErr("block %q: document %s is not anchored", r.Tag(), doc.ID)
	}
	changed, err := r.revoker.Revoke(ctx, ev.Actor, doc.MessageID)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	return r.emit(ctx, Event{Type: EventRun, Actor: ev.Actor, Docs: changed})
}
