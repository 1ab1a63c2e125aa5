package policy

import (
	"context"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/notify"
)

func init() {
	Register("sendToGuardianBlock", newSendBlock)
}

type sendOptions struct {
	// DataSource selects where the document lands: "ledger" anchors it on
	// the instance topic before saving, "database" saves it locally only.
	DataSource string `json:"dataSource"`
	// DocumentType overrides the document's type tag when set.
	DocumentType string `json:"documentType,omitempty"`
}

// sendBlock persists the event's documents and, for the ledger data source,
// anchors each one as a credential message first. Documents become issued
// either way.
type sendBlock struct {
	*Base
	opts sendOptions
}

func newSendBlock(b *Base) (Block, error) {
	sb := &sendBlock{Base: b}
	if err := b.unmarshalOptions(&sb.opts); err != nil {
		return nil, err
	}
	if sb.opts.DataSource == "" {
		sb.opts.DataSource = "database"
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun, EventRefresh}
	}
	return sb, nil
}

func (s *sendBlock) Validate(tree *Tree) []string {
	switch s.opts.DataSource {
	case "ledger", "database":
		return nil
	default:
		return []string{"block \"" + s.Tag() + "\": dataSource must be \"ledger\" or \"database\""}
	}
}

func (s *sendBlock) Run(ctx context.Context, ev Event) error {
	if len(ev.Docs) == 0 {
		return actionErr("block %q: no document to send", s.Tag())
	}
	out := make([]domain.Document, 0, len(ev.Docs))
	for _, doc := range ev.Docs {
		if s.opts.DocumentType != "" {
			doc.Type = s.opts.DocumentType
		}
		if s.opts.DataSource == "ledger" {
			env := ledger.NewEnvelope(ledger.TypeVCDocument, ledger.ActionCreateVC)
			env.Account = doc.OwnerDID
			env.Relationships = doc.Relationships
			env.SetDocument([]byte(doc.Content))
			messageID, err := s.env.Submit(ctx, env)
			if err != nil {
				return err
			}
			doc.MessageID = messageID
			doc.TopicID = s.env.Policy.InstanceTopicID
			doc.Hash = env.Hash
		}
		doc.Status = domain.DocStatusIssued
		if err := s.env.Store.SaveDocument(ctx, doc); err != nil {
			return err
		}
		s.env.publish(notify.TopicDocumentIssued, doc.ID, doc.MessageID)
		out = append(out, doc)
	}
	return s.emit(ctx, Event{Type: EventRun, Actor: ev.Actor, Docs: out})
}
