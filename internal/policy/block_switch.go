package policy

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

func init() {
	Register("switchBlock", newSwitchBlock)
}

// Execution flow policies.
const (
	FlowFirstTrue = "firstTrue"
	FlowAllTrue   = "allTrue"
)

type switchCondition struct {
	// Expression is evaluated against the document's content fields; it
	// must yield a boolean.
	Expression string `json:"expression"`
	// Target is the tag of the branch block triggered when the condition
	// holds.
	Target string `json:"target"`
}

type switchOptions struct {
	ExecutionFlow string            `json:"executionFlow"`
	Conditions    []switchCondition `json:"conditions"`
}

// switchBlock routes the incoming document to the branches whose conditions
// hold. firstTrue short-circuits after the first match; allTrue fires every
// matching branch.
type switchBlock struct {
	*Base
	opts     switchOptions
	programs []*vm.Program
}

func newSwitchBlock(b *Base) (Block, error) {
	sb := &switchBlock{Base: b}
	if err := b.unmarshalOptions(&sb.opts); err != nil {
		return nil, err
	}
	if sb.opts.ExecutionFlow == "" {
		sb.opts.ExecutionFlow = FlowFirstTrue
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun}
	}
	for _, c := range sb.opts.Conditions {
		prog, err := expr.Compile(c.Expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("block %q: condition %q: %w", b.node.Tag, c.Expression, err)
		}
		sb.programs = append(sb.programs, prog)
	}
	return sb, nil
}

func (s *switchBlock) Validate(tree *Tree) []string {
	var errs []string
	if len(s.opts.Conditions) == 0 {
		errs = append(errs, fmt.Sprintf("block %q: at least one condition is required", s.Tag()))
	}
	switch s.opts.ExecutionFlow {
	case FlowFirstTrue, FlowAllTrue:
	default:
		errs = append(errs, fmt.Sprintf("block %q: unknown executionFlow %q", s.Tag(), s.opts.ExecutionFlow))
	}
	for _, c := range s.opts.Conditions {
		target, ok := tree.ByTag(c.Target)
		if !ok {
			errs = append(errs, fmt.Sprintf("block %q: branch target %q not found", s.Tag(), c.Target))
			continue
		}
		if !hasEvent(target.InputEvents(), EventRun) {
			errs = append(errs, fmt.Sprintf("block %q: branch target %q does not declare input %s", s.Tag(), c.Target, EventRun))
		}
	}
	return errs
}

func (s *switchBlock) Run(ctx context.Context, ev Event) error {
	env := exprEnv(ev.Doc(), ev.Actor)
	for i, c := range s.opts.Conditions {
		out, err := expr.Run(s.programs[i], env)
		if err != nil {
			return actionErr("block %q: condition %q: %v", s.Tag(), c.Expression, err)
		}
		matched, _ := out.(bool)
		if !matched {
			continue
		}
		branch := ev
		branch.Type = EventRun
		if err := s.env.router.TriggerTag(ctx, c.Target, branch); err != nil {
			return err
		}
		if s.opts.ExecutionFlow == FlowFirstTrue {
			return nil
		}
	}
	return nil
}
