package policy

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"guardian/internal/domain"
	"guardian/internal/store"
)

func init() {
	Register("aggregateDocumentBlock", newAggregateBlock)
}

type aggregateOptions struct {
	// Threshold is how many accepted documents release one batch.
	Threshold int `json:"threshold"`
	// Expression optionally filters which documents join the batch; it must
	// yield a boolean. Empty accepts everything.
	Expression string `json:"expression,omitempty"`
}

type aggregateState struct {
	DocumentIDs []string `json:"documentIds"`
}

// aggregateBlock accumulates incoming documents per actor until the batch
// threshold is reached, then releases the whole batch downstream in one
// event. Accumulated state survives restarts.
type aggregateBlock struct {
	*Base
	opts   aggregateOptions
	filter *vm.Program
}

func newAggregateBlock(b *Base) (Block, error) {
	ab := &aggregateBlock{Base: b}
	if err := b.unmarshalOptions(&ab.opts); err != nil {
		return nil, err
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun, EventPop}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun, EventRelease}
	}
	if ab.opts.Expression != "" {
		prog, err := expr.Compile(ab.opts.Expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("block %q: expression %q: %w", b.node.Tag, ab.opts.Expression, err)
		}
		ab.filter = prog
	}
	return ab, nil
}

func (a *aggregateBlock) Validate(tree *Tree) []string {
	if a.opts.Threshold <= 0 {
		return []string{fmt.Sprintf("block %q: threshold must be positive", a.Tag())}
	}
	return nil
}

// Run folds the event's documents into the actor's batch. EventPop forces
// an early release of whatever has accumulated.
func (a *aggregateBlock) Run(ctx context.Context, ev Event) error {
	var st aggregateState
	if _, err := a.loadState(ctx, ev.Actor.DID, &st); err != nil {
		return err
	}

	if ev.Type == EventPop {
		return a.release(ctx, ev.Actor, &st)
	}

	for i := range ev.Docs {
		doc := &ev.Docs[i]
		if a.filter != nil {
			out, err := expr.Run(a.filter, exprEnv(doc, ev.Actor))
			if err != nil {
				return actionErr("block %q: expression %q: %v", a.Tag(), a.opts.Expression, err)
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		st.DocumentIDs = append(st.DocumentIDs, doc.ID)
	}

	if len(st.DocumentIDs) >= a.opts.Threshold {
		return a.release(ctx, ev.Actor, &st)
	}
	return a.saveState(ctx, ev.Actor.DID, st)
}

func (a *aggregateBlock) release(ctx context.Context, actor domain.Actor, st *aggregateState) error {
	if len(st.DocumentIDs) == 0 {
		return a.saveState(ctx, actor.DID, aggregateState{})
	}
	docs, err := a.env.Store.FindDocuments(ctx, store.Filter{"id": store.InStrings(st.DocumentIDs)}, store.Options{})
	if err != nil {
		return err
	}
	if err := a.saveState(ctx, actor.DID, aggregateState{}); err != nil {
		return err
	}
	return a.emit(ctx, Event{Type: EventRun, Actor: actor, Docs: docs})
}
