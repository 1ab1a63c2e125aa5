package policy

import (
	"context"
	"fmt"

	"guardian/internal/domain"
)

// EventType is the closed vocabulary of events blocks exchange.
type EventType string

const (
	EventRun     EventType = "RunEvent"
	EventRefresh EventType = "RefreshEvent"
	EventRelease EventType = "ReleaseEvent"
	EventTimer   EventType = "TimerEvent"
	EventPop     EventType = "PopEvent"
	EventError   EventType = "ErrorEvent"
)

// Event carries one or more documents and the acting identity between
// blocks.
type Event struct {
	Type  EventType
	Actor domain.Actor
	Docs  []domain.Document
}

// Doc returns the event's primary document, or nil when the event carries
// none.
func (e Event) Doc() *domain.Document {
	if len(e.Docs) == 0 {
		return nil
	}
	return &e.Docs[0]
}

// LinkDef wires an explicit event edge between two blocks by tag: when
// Source emits Output, Target is triggered with Input. Links supplement the
// default parent-to-children cascade and may cross the tree.
type LinkDef struct {
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Output   EventType `json:"output"`
	Input    EventType `json:"input"`
	Disabled bool      `json:"disabled,omitempty"`
}

// Router delivers events between blocks. Wiring is checked once at
// validation time; at run time the router only walks edges that validation
// already admitted.
type Router struct {
	tree  *Tree
	links map[string][]LinkDef // keyed by source tag
}

func newRouter(tree *Tree) *Router {
	r := &Router{tree: tree, links: map[string][]LinkDef{}}
	for _, l := range tree.Links {
		if l.Disabled {
			continue
		}
		r.links[l.Source] = append(r.links[l.Source], l)
	}
	return r
}

// Trigger fires an input event directly on a block. The declared input set
// is enforced here as a last line of defense; a well-formed tree never trips
// it because validation checks all wiring up front.
func (r *Router) Trigger(ctx context.Context, target Block, ev Event) error {
	if !hasEvent(target.InputEvents(), ev.Type) {
		return fmt.Errorf("block %q does not accept %s", target.Tag(), ev.Type)
	}
	return target.Run(ctx, ev)
}

// TriggerTag fires an input event on the block with the given tag.
func (r *Router) TriggerTag(ctx context.Context, tag string, ev Event) error {
	target, ok := r.tree.ByTag(tag)
	if !ok {
		return fmt.Errorf("unknown block tag %q", tag)
	}
	return r.Trigger(ctx, target, ev)
}

// Emit propagates an output event from a block. Explicit links fire first,
// then the event cascades depth-first over the block's children in declared
// order; children that do not declare the event type are skipped. Each
// consuming child runs to completion before its next sibling, so side
// effects stay totally ordered within the instance.
func (r *Router) Emit(ctx context.Context, source Block, ev Event) error {
	for _, l := range r.links[source.Tag()] {
		if l.Output != ev.Type {
			continue
		}
		linked := ev
		linked.Type = l.Input
		if err := r.TriggerTag(ctx, l.Target, linked); err != nil {
			return err
		}
	}
	for _, child := range source.Children() {
		if !hasEvent(child.InputEvents(), ev.Type) {
			continue
		}
		if err := child.Run(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func hasEvent(set []EventType, t EventType) bool {
	for _, e := range set {
		if e == t {
			return true
		}
	}
	return false
}
