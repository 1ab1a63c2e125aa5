package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/notify"
	"guardian/internal/store"
)

// Block is one workflow step in a policy's execution tree.
type Block interface {
	ID() string
	Tag() string
	Type() string
	Children() []Block
	InputEvents() []EventType
	OutputEvents() []EventType
	// Validate reports configuration problems. It runs at publish time;
	// a block with validation errors never runs.
	Validate(tree *Tree) []string
	// Run reacts to an input event, mutates documents and state, then emits
	// declared output events.
	Run(ctx context.Context, ev Event) error
}

// DataGetter is implemented by blocks that expose a per-actor view model.
type DataGetter interface {
	GetData(ctx context.Context, actor domain.Actor) (any, error)
}

// DataSetter is implemented by blocks that accept actor-submitted input.
type DataSetter interface {
	SetData(ctx context.Context, actor domain.Actor, input json.RawMessage) (any, error)
}

// TokenWiper performs the irreversible external token withdrawal. It is
// called only after the corresponding ledger messages are anchored.
type TokenWiper interface {
	Wipe(ctx context.Context, tokenID, account string, amount int64) error
}

// ErrActionFailed wraps a block precondition failure. The workflow step is
// aborted and the error surfaced to the actor; the instance keeps running.
var ErrActionFailed = errors.New("block action failed")

func actionErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrActionFailed, fmt.Sprintf(format, args...))
}

// Env is the shared environment every block in an instance runs against.
type Env struct {
	Policy  domain.Policy
	Store   store.Store
	Gateway *ledger.Gateway
	Wiper   TokenWiper
	Notify  *notify.Bus
	Log     zerolog.Logger

	router *Router
}

// Submit anchors an envelope on the policy's instance topic.
func (e *Env) Submit(ctx context.Context, env *ledger.Envelope) (string, error) {
	return e.Gateway.Submit(ctx, e.Policy.InstanceTopicID, env)
}

func (e *Env) publish(topic string, args ...any) {
	if e.Notify != nil {
		e.Notify.Publish(topic, args...)
	}
}

// Constructor builds a block of one type over its shared base.
type Constructor func(b *Base) (Block, error)

var registry = map[string]Constructor{}

// Register adds a block type to the registry. Block types are a closed set;
// registration happens in package init.
func Register(blockType string, c Constructor) {
	if _, dup := registry[blockType]; dup {
		panic(fmt.Sprintf("policy: block type %q registered twice", blockType))
	}
	registry[blockType] = c
}

// RegisteredTypes lists the known block types, sorted.
func RegisteredTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Base carries the tree node, environment and children shared by all block
// variants. Concrete blocks embed it.
type Base struct {
	node     Node
	env      *Env
	self     Block
	children []Block
}

func (b *Base) ID() string                { return b.node.ID }
func (b *Base) Tag() string               { return b.node.Tag }
func (b *Base) Type() string              { return b.node.Type }
func (b *Base) Children() []Block         { return b.children }
func (b *Base) InputEvents() []EventType  { return b.node.Input }
func (b *Base) OutputEvents() []EventType { return b.node.Output }

func (b *Base) log() zerolog.Logger {
	return b.env.Log.With().Str("block", b.node.Tag).Str("type", b.node.Type).Logger()
}

// unmarshalOptions decodes the node's type-specific configuration.
func (b *Base) unmarshalOptions(v any) error {
	if len(b.node.Options) == 0 {
		return nil
	}
	if err := json.Unmarshal(b.node.Options, v); err != nil {
		return fmt.Errorf("block %q: invalid options: %w", b.node.Tag, err)
	}
	return nil
}

// emit propagates an output event through the router, enforcing the block's
// declared output set.
func (b *Base) emit(ctx context.Context, ev Event) error {
	if !hasEvent(b.node.Output, ev.Type) {
		return fmt.Errorf("block %q does not emit %s", b.node.Tag, ev.Type)
	}
	return b.env.router.Emit(ctx, b.self, ev)
}

// loadState reads this block's scratch state for one actor. Returns false
// when no state exists yet.
func (b *Base) loadState(ctx context.Context, actorDID string, v any) (bool, error) {
	st, err := b.env.Store.GetBlockState(ctx, b.env.Policy.ID, b.node.ID, actorDID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(st.Data), v); err != nil {
		return false, fmt.Errorf("block %q: corrupt state for %s: %w", b.node.Tag, actorDID, err)
	}
	return true, nil
}

// saveState persists this block's scratch state for one actor.
func (b *Base) saveState(ctx context.Context, actorDID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.env.Store.SaveBlockState(ctx, domain.BlockState{
		PolicyID: b.env.Policy.ID,
		BlockID:  b.node.ID,
		ActorDID: actorDID,
		Data:     string(data),
	})
}
