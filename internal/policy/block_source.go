package policy

import (
	"context"
	"fmt"

	"guardian/internal/domain"
	"guardian/internal/store"
)

func init() {
	Register("interfaceDocumentsSourceBlock", newDocumentsSourceBlock)
}

type documentsSourceOptions struct {
	// Kind restricts the listing to one document kind; empty lists all.
	Kind string `json:"kind,omitempty"`
	// DocumentType restricts the listing to one type tag.
	DocumentType string `json:"documentType,omitempty"`
	// Statuses restricts the listing; empty lists all.
	Statuses []string `json:"statuses,omitempty"`
	// OnlyOwn limits the view to the actor's own documents. Off, the actor
	// sees the whole group's documents when in a group, otherwise their own.
	OnlyOwn bool `json:"onlyOwn,omitempty"`
	// Limit caps the listing; 0 means unlimited.
	Limit int `json:"limit,omitempty"`
}

// documentsSourceBlock exposes a per-actor document listing. It never runs;
// it only answers GetData.
type documentsSourceBlock struct {
	*Base
	opts documentsSourceOptions
}

func newDocumentsSourceBlock(b *Base) (Block, error) {
	db := &documentsSourceBlock{Base: b}
	if err := b.unmarshalOptions(&db.opts); err != nil {
		return nil, err
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRefresh}
	}
	return db, nil
}

func (d *documentsSourceBlock) Validate(tree *Tree) []string {
	if d.opts.Kind != "" {
		switch d.opts.Kind {
		case domain.DocKindVC, domain.DocKindVP, domain.DocKindDID:
		default:
			return []string{fmt.Sprintf("block %q: unknown kind %q", d.Tag(), d.opts.Kind)}
		}
	}
	return nil
}

func (d *documentsSourceBlock) Run(ctx context.Context, ev Event) error { return nil }

func (d *documentsSourceBlock) GetData(ctx context.Context, actor domain.Actor) (any, error) {
	f := store.Filter{"policy_id": d.env.Policy.ID}
	if d.opts.Kind != "" {
		f["kind"] = d.opts.Kind
	}
	if d.opts.DocumentType != "" {
		f["type"] = d.opts.DocumentType
	}
	if len(d.opts.Statuses) > 0 {
		f["status"] = store.InStrings(d.opts.Statuses)
	}
	if !d.opts.OnlyOwn && actor.GroupID != "" {
		f["group_id"] = actor.GroupID
	} else {
		f["owner"] = actor.DID
	}
	docs, err := d.env.Store.FindDocuments(ctx, f, store.Options{Limit: d.opts.Limit})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"blockType": d.Type(),
		"documents": docs,
	}, nil
}
