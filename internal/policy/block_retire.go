package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/notify"
)

func init() {
	Register("retirementDocumentBlock", newRetireBlock)
}

// Aggregation functions.
const (
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

type retireOptions struct {
	// TokenID names the token withdrawn on retirement.
	TokenID string `json:"tokenId"`
	// Field is the numeric content field aggregated across the input
	// documents.
	Field string `json:"field"`
	// Aggregation selects the function applied to the field values.
	Aggregation string `json:"aggregation"`
}

// retireBlock burns credits: it aggregates a quantity across the input
// documents, anchors a wipe credential and a presentation bundling the
// inputs with it, and only then performs the irreversible token withdrawal.
// A crash between the anchor and the withdrawal leaves an auditable record
// from which the effect can be re-driven.
type retireBlock struct {
	*Base
	opts retireOptions
}

func newRetireBlock(b *Base) (Block, error) {
	rb := &retireBlock{Base: b}
	if err := b.unmarshalOptions(&rb.opts); err != nil {
		return nil, err
	}
	if rb.opts.Field == "" {
		rb.opts.Field = "amount"
	}
	if rb.opts.Aggregation == "" {
		rb.opts.Aggregation = AggSum
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun, EventError}
	}
	return rb, nil
}

func (r *retireBlock) Validate(tree *Tree) []string {
	var errs []string
	if r.opts.TokenID == "" {
		errs = append(errs, fmt.Sprintf("block %q: tokenId is required", r.Tag()))
	}
	switch r.opts.Aggregation {
	case AggSum, AggMin, AggMax, AggCount:
	default:
		errs = append(errs, fmt.Sprintf("block %q: unknown aggregation %q", r.Tag(), r.opts.Aggregation))
	}
	return errs
}

func (r *retireBlock) aggregate(docs []domain.Document) (float64, error) {
	if r.opts.Aggregation == AggCount {
		return float64(len(docs)), nil
	}
	var acc float64
	for i := range docs {
		v, ok := numericField(&docs[i], r.opts.Field)
		if !ok {
			return 0, actionErr("block %q: document %s has no numeric field %q", r.Tag(), docs[i].ID, r.opts.Field)
		}
		switch {
		case i == 0:
			acc = v
		case r.opts.Aggregation == AggSum:
			acc += v
		case r.opts.Aggregation == AggMin && v < acc:
			acc = v
		case r.opts.Aggregation == AggMax && v > acc:
			acc = v
		}
	}
	return acc, nil
}

func (r *retireBlock) Run(ctx context.Context, ev Event) error {
	if len(ev.Docs) == 0 {
		return actionErr("block %q: no documents to retire", r.Tag())
	}
	amount, err := r.aggregate(ev.Docs)
	if err != nil {
		return err
	}
	amountStr := strconv.FormatFloat(amount, 'f', -1, 64)
	// Tokens are wiped in whole units; a fractional aggregate would anchor
	// one amount and withdraw another.
	if amount != math.Trunc(amount) {
		return actionErr("block %q: aggregate %s is not a whole token amount", r.Tag(), amountStr)
	}

	sources := make([]string, 0, len(ev.Docs))
	for _, doc := range ev.Docs {
		if doc.MessageID != "" {
			sources = append(sources, doc.MessageID)
		}
	}

	// Wipe credential first.
	wipeContent, err := json.Marshal(map[string]any{
		"type":    "WipeCredential",
		"tokenId": r.opts.TokenID,
		"amount":  amountStr,
	})
	if err != nil {
		return err
	}
	wipe := r.env.newDocument(ev.Actor, r.ID(), domain.DocKindVC, "WipeCredential", string(wipeContent), sources)
	wipeEnv := ledger.NewEnvelope(ledger.TypeVCDocument, ledger.ActionCreateVC)
	wipeEnv.Account = ev.Actor.DID
	wipeEnv.Relationships = sources
	wipeEnv.SetDocument(wipeContent)
	wipeMsg, err := r.env.Submit(ctx, wipeEnv)
	if err != nil {
		return err
	}
	wipe.MessageID = wipeMsg
	wipe.TopicID = r.env.Policy.InstanceTopicID
	wipe.Hash = wipeEnv.Hash
	wipe.Status = domain.DocStatusIssued
	if err := r.env.Store.CreateDocument(ctx, wipe); err != nil {
		return err
	}

	// Presentation bundling the inputs with the wipe credential.
	bundled := make([]json.RawMessage, 0, len(ev.Docs)+1)
	for _, doc := range ev.Docs {
		bundled = append(bundled, json.RawMessage(doc.Content))
	}
	bundled = append(bundled, json.RawMessage(wipe.Content))
	vpContent, err := json.Marshal(map[string]any{
		"type":      "RetirementPresentation",
		"documents": bundled,
	})
	if err != nil {
		return err
	}
	vpRels := append(append([]string{}, sources...), wipeMsg)
	vp := r.env.newDocument(ev.Actor, r.ID(), domain.DocKindVP, "RetirementPresentation", string(vpContent), vpRels)
	vpEnv := ledger.NewEnvelope(ledger.TypeVPDocument, ledger.ActionCreateVP)
	vpEnv.Account = ev.Actor.DID
	vpEnv.Relationships = vpRels
	vpEnv.SetDocument(vpContent)
	vpMsg, err := r.env.Submit(ctx, vpEnv)
	if err != nil {
		return err
	}
	vp.MessageID = vpMsg
	vp.TopicID = r.env.Policy.InstanceTopicID
	vp.Hash = vpEnv.Hash
	vp.Status = domain.DocStatusIssued
	if err := r.env.Store.CreateDocument(ctx, vp); err != nil {
		return err
	}

	for _, doc := range ev.Docs {
		doc.Status = domain.DocStatusRetired
		if err := r.env.Store.SaveDocument(ctx, doc); err != nil {
			return err
		}
		r.env.publish(notify.TopicDocumentRetired, doc.ID, doc.MessageID)
	}

	// The irreversible effect comes last: everything above is already
	// anchored and retryable.
	if r.env.Wiper != nil {
		if err := r.env.Wiper.Wipe(ctx, r.opts.TokenID, ev.Actor.DID, int64(amount)); err != nil {
			return err
		}
	}
	return r.emit(ctx, Event{Type: EventRun, Actor: ev.Actor, Docs: []domain.Document{vp}})
}

// numericField extracts a number from a content field, accepting both json
// numbers and numeric strings.
func numericField(doc *domain.Document, field string) (float64, bool) {
	v, ok := contentFields(doc)[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
