package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"guardian/internal/domain"
)

func init() {
	Register("calculateContainerBlock", newCalculateBlock)
}

type calculateField struct {
	// Name of the output field.
	Name string `json:"name"`
	// Expression computes the field's value from the input document.
	Expression string `json:"expression"`
}

type calculateOptions struct {
	// OutputType tags the derived credential.
	OutputType string           `json:"outputType"`
	Fields     []calculateField `json:"fields"`
}

// calculateBlock derives a new credential from the incoming document by
// evaluating one expression per output field. The derived document records
// the source message in its provenance chain.
type calculateBlock struct {
	*Base
	opts     calculateOptions
	programs []*vm.Program
}

func newCalculateBlock(b *Base) (Block, error) {
	cb := &calculateBlock{Base: b}
	if err := b.unmarshalOptions(&cb.opts); err != nil {
		return nil, err
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRun}
	}
	for _, f := range cb.opts.Fields {
		prog, err := expr.Compile(f.Expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("block %q: field %q: %w", b.node.Tag, f.Name, err)
		}
		cb.programs = append(cb.programs, prog)
	}
	return cb, nil
}

func (c *calculateBlock) Validate(tree *Tree) []string {
	var errs []string
	if c.opts.OutputType == "" {
		errs = append(errs, fmt.Sprintf("block %q: outputType is required", c.Tag()))
	}
	if len(c.opts.Fields) == 0 {
		errs = append(errs, fmt.Sprintf("block %q: at least one field is required", c.Tag()))
	}
	return errs
}

func (c *calculateBlock) Run(ctx context.Context, ev Event) error {
	doc := ev.Doc()
	if doc == nil {
		return actionErr("block %q: no input document", c.Tag())
	}
	env := exprEnv(doc, ev.Actor)
	out := map[string]any{}
	for i, f := range c.opts.Fields {
		v, err := expr.Run(c.programs[i], env)
		if err != nil {
			return actionErr("block %q: field %q: %v", c.Tag(), f.Name, err)
		}
		out[f.Name] = v
	}
	content, err := json.Marshal(out)
	if err != nil {
		return err
	}

	var relationships []string
	if doc.MessageID != "" {
		relationships = []string{doc.MessageID}
	}
	derived := c.env.newDocument(ev.Actor, c.ID(), domain.DocKindVC, c.opts.OutputType, string(content), relationships)
	if err := c.env.Store.CreateDocument(ctx, derived); err != nil {
		return err
	}
	return c.emit(ctx, Event{Type: EventRun, Actor: ev.Actor, Docs: []domain.Document{derived}})
}
