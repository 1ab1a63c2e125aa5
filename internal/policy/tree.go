package policy

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Node is the static definition of one block in a policy definition. The
// definition document is a single root node; children nest.
type Node struct {
	ID       string          `json:"id"`
	Tag      string          `json:"tag"`
	Type     string          `json:"blockType"`
	Options  json.RawMessage `json:"options,omitempty"`
	Input    []EventType     `json:"inputEvents,omitempty"`
	Output   []EventType     `json:"outputEvents,omitempty"`
	Children []Node          `json:"children,omitempty"`
}

// Definition is a parsed policy definition: the block tree plus explicit
// event links.
type Definition struct {
	Root  Node      `json:"root"`
	Links []LinkDef `json:"links,omitempty"`
}

// ParseDefinition decodes a policy definition document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse policy definition: %w", err)
	}
	if def.Root.Type == "" {
		return nil, fmt.Errorf("parse policy definition: missing root block")
	}
	return &def, nil
}

// Encode serializes the definition back to its stored form.
func (d *Definition) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// RegenerateIDs assigns fresh block ids across the whole tree. Tags are
// preserved; links reference tags so they survive. Used on import so two
// policies never share block ids.
func (d *Definition) RegenerateIDs() {
	var walk func(n *Node)
	walk = func(n *Node) {
		n.ID = uuid.New().String()
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(&d.Root)
}

// Tree is the built, runnable block tree of one policy instance.
type Tree struct {
	Root  Block
	Links []LinkDef

	byTag map[string]Block
	byID  map[string]Block
}

// ByTag looks a block up by its tag.
func (t *Tree) ByTag(tag string) (Block, bool) {
	b, ok := t.byTag[tag]
	return b, ok
}

// ByID looks a block up by its id.
func (t *Tree) ByID(id string) (Block, bool) {
	b, ok := t.byID[id]
	return b, ok
}

// Walk visits every block pre-order, children in declared order.
func (t *Tree) Walk(fn func(Block)) {
	var walk func(b Block)
	walk = func(b Block) {
		fn(b)
		for _, c := range b.Children() {
			walk(c)
		}
	}
	walk(t.Root)
}

// Build constructs the runnable tree from a definition, instantiating each
// node through the block-type registry, then validates the whole tree.
// A definition that fails validation is a configuration error and never
// produces a runnable tree.
func Build(def *Definition, env *Env) (*Tree, error) {
	tree := &Tree{
		Links: def.Links,
		byTag: map[string]Block{},
		byID:  map[string]Block{},
	}

	var build func(n Node) (Block, error)
	build = func(n Node) (Block, error) {
		ctor, ok := registry[n.Type]
		if !ok {
			return nil, fmt.Errorf("unknown block type %q (block %q)", n.Type, n.Tag)
		}
		base := &Base{node: n, env: env}
		block, err := ctor(base)
		if err != nil {
			return nil, err
		}
		base.self = block
		for _, c := range n.Children {
			child, err := build(c)
			if err != nil {
				return nil, err
			}
			base.children = append(base.children, child)
		}
		if prev, dup := tree.byTag[n.Tag]; dup {
			return nil, fmt.Errorf("duplicate block tag %q (blocks %s, %s)", n.Tag, prev.ID(), n.ID)
		}
		if _, dup := tree.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate block id %q", n.ID)
		}
		tree.byTag[n.Tag] = block
		tree.byID[n.ID] = block
		return block, nil
	}

	root, err := build(def.Root)
	if err != nil {
		return nil, err
	}
	tree.Root = root
	env.router = newRouter(tree)

	if errs := tree.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid policy definition: %s", errs[0])
	}
	return tree, nil
}

// Validate checks every block's configuration and the event wiring: an
// explicit link may only carry an event its source declares as output into a
// target that declares it as input. Wiring problems surface here, at publish
// time, never during a run.
func (t *Tree) Validate() []string {
	var errs []string
	t.Walk(func(b Block) {
		errs = append(errs, b.Validate(t)...)
	})
	for _, l := range t.Links {
		if l.Disabled {
			continue
		}
		src, ok := t.byTag[l.Source]
		if !ok {
			errs = append(errs, fmt.Sprintf("link source %q not found", l.Source))
			continue
		}
		dst, ok := t.byTag[l.Target]
		if !ok {
			errs = append(errs, fmt.Sprintf("link target %q not found", l.Target))
			continue
		}
		if !hasEvent(src.OutputEvents(), l.Output) {
			errs = append(errs, fmt.Sprintf("block %q does not declare output %s", l.Source, l.Output))
		}
		if !hasEvent(dst.InputEvents(), l.Input) {
			errs = append(errs, fmt.Sprintf("block %q does not declare input %s", l.Target, l.Input))
		}
	}
	return errs
}
