package policy

import (
	"context"
)

func init() {
	Register("interfaceContainerBlock", newContainerBlock)
}

// containerBlock groups children and forwards events to them unchanged. It
// is the usual root of a policy tree.
type containerBlock struct {
	*Base
}

func newContainerBlock(b *Base) (Block, error) {
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun, EventRefresh}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun, EventRefresh}
	}
	return &containerBlock{Base: b}, nil
}

func (c *containerBlock) Validate(tree *Tree) []string { return nil }

func (c *containerBlock) Run(ctx context.Context, ev Event) error {
	return c.emit(ctx, ev)
}
