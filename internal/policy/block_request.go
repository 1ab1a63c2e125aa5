package policy

import (
	"context"
	"encoding/json"

	"guardian/internal/domain"
	"guardian/internal/notify"
)

func init() {
	Register("requestVcDocumentBlock", newRequestBlock)
}

type requestOptions struct {
	// DocumentType tags the credential produced from the actor's input.
	DocumentType string `json:"documentType"`
	// Schema names the expected input shape; enforcement is delegated to
	// the schema service, the block only records it.
	Schema string `json:"schema,omitempty"`
}

type requestState struct {
	Awaiting     bool   `json:"awaiting"`
	LastDocument string `json:"lastDocument,omitempty"`
}

// requestBlock waits for actor-submitted input, turns it into a pending
// credential document and pushes it downstream.
type requestBlock struct {
	*Base
	opts requestOptions
}

func newRequestBlock(b *Base) (Block, error) {
	rb := &requestBlock{Base: b}
	if err := b.unmarshalOptions(&rb.opts); err != nil {
		return nil, err
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun, EventRefresh}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun, EventRefresh}
	}
	return rb, nil
}

func (r *requestBlock) Validate(tree *Tree) []string {
	if r.opts.DocumentType == "" {
		return []string{"block \"" + r.Tag() + "\": documentType is required"}
	}
	return nil
}

// Run marks the actor as awaiting input. The actual document is produced by
// SetData.
func (r *requestBlock) Run(ctx context.Context, ev Event) error {
	return r.saveState(ctx, ev.Actor.DID, requestState{Awaiting: true})
}

func (r *requestBlock) GetData(ctx context.Context, actor domain.Actor) (any, error) {
	var st requestState
	if _, err := r.loadState(ctx, actor.DID, &st); err != nil {
		return nil, err
	}
	return map[string]any{
		"blockType":    r.Type(),
		"documentType": r.opts.DocumentType,
		"schema":       r.opts.Schema,
		"awaiting":     st.Awaiting,
	}, nil
}

// SetData accepts the actor's submission, stores it as a pending credential
// and fires the run cascade with it.
func (r *requestBlock) SetData(ctx context.Context, actor domain.Actor, input json.RawMessage) (any, error) {
	if len(input) == 0 {
		return nil, actionErr("block %q: empty submission", r.Tag())
	}
	var probe map[string]any
	if err := json.Unmarshal(input, &probe); err != nil {
		return nil, actionErr("block %q: submission is not a json object", r.Tag())
	}

	doc := r.env.newDocument(actor, r.ID(), domain.DocKindVC, r.opts.DocumentType, string(input), nil)
	if err := r.env.Store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	if err := r.saveState(ctx, actor.DID, requestState{Awaiting: false, LastDocument: doc.ID}); err != nil {
		return nil, err
	}
	r.env.publish(notify.TopicBlockRun, r.Tag(), actor.DID)

	if err := r.emit(ctx, Event{Type: EventRun, Actor: actor, Docs: []domain.Document{doc}}); err != nil {
		return nil, err
	}
	return map[string]any{"document": doc.ID}, nil
}
