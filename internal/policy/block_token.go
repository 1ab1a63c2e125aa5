package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"guardian/internal/domain"
	"guardian/internal/ledger"
)

func init() {
	Register("createTokenBlock", newCreateTokenBlock)
}

type createTokenOptions struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

type createTokenState struct {
	TokenID string `json:"tokenId"`
}

// createTokenBlock allocates the policy's token: a token message is anchored
// on the instance topic and the token recorded locally. The block is
// idempotent per actor; a second run reuses the existing token.
type createTokenBlock struct {
	*Base
	opts createTokenOptions
}

func newCreateTokenBlock(b *Base) (Block, error) {
	tb := &createTokenBlock{Base: b}
	if err := b.unmarshalOptions(&tb.opts); err != nil {
		return nil, err
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun}
	}
	return tb, nil
}

func (t *createTokenBlock) Validate(tree *Tree) []string {
	var errs []string
	if t.opts.Name == "" {
		errs = append(errs, fmt.Sprintf("block %q: name is required", t.Tag()))
	}
	if t.opts.Symbol == "" {
		errs = append(errs, fmt.Sprintf("block %q: symbol is required", t.Tag()))
	}
	return errs
}

func (t *createTokenBlock) Run(ctx context.Context, ev Event) error {
	var st createTokenState
	ok, err := t.loadState(ctx, ev.Actor.DID, &st)
	if err != nil {
		return err
	}
	if ok && st.TokenID != "" {
		return t.emit(ctx, ev)
	}

	token := domain.Token{
		ID:        uuid.New().String(),
		PolicyID:  t.env.Policy.ID,
		Name:      t.opts.Name,
		Symbol:    t.opts.Symbol,
		OwnerDID:  ev.Actor.DID,
		CreatedAt: t.env.now(),
	}
	body, err := json.Marshal(map[string]string{
		"tokenId": token.ID,
		"name":    token.Name,
		"symbol":  token.Symbol,
	})
	if err != nil {
		return err
	}
	env := ledger.NewEnvelope(ledger.TypeToken, ledger.ActionCreateToken)
	env.Account = ev.Actor.DID
	env.SetDocument(body)
	messageID, err := t.env.Submit(ctx, env)
	if err != nil {
		return err
	}
	token.MessageID = messageID
	if err := t.env.Store.CreateToken(ctx, token); err != nil {
		return err
	}
	if err := t.saveState(ctx, ev.Actor.DID, createTokenState{TokenID: token.ID}); err != nil {
		return err
	}
	return t.emit(ctx, ev)
}
