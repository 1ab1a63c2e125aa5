package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"guardian/internal/domain"
)

func init() {
	Register("groupManagerBlock", newGroupManagerBlock)
}

type groupManagerOptions struct {
	// Groups the block manages; membership requests outside this set are
	// rejected.
	Groups []string `json:"groups"`
	// Role assigned to joining members.
	Role string `json:"role"`
}

type groupRequest struct {
	Action  string `json:"action"` // "join" or "leave"
	GroupID string `json:"groupId"`
}

// groupManagerBlock lets actors join and leave the policy's groups. Group
// membership partitions document ownership and block state.
type groupManagerBlock struct {
	*Base
	opts groupManagerOptions
}

func newGroupManagerBlock(b *Base) (Block, error) {
	gb := &groupManagerBlock{Base: b}
	if err := b.unmarshalOptions(&gb.opts); err != nil {
		return nil, err
	}
	if len(b.node.Input) == 0 {
		b.node.Input = []EventType{EventRun, EventRefresh}
	}
	if len(b.node.Output) == 0 {
		b.node.Output = []EventType{EventRefresh}
	}
	return gb, nil
}

func (g *groupManagerBlock) Validate(tree *Tree) []string {
	var errs []string
	if len(g.opts.Groups) == 0 {
		errs = append(errs, fmt.Sprintf("block %q: at least one group is required", g.Tag()))
	}
	if g.opts.Role == "" {
		errs = append(errs, fmt.Sprintf("block %q: role is required", g.Tag()))
	}
	return errs
}

func (g *groupManagerBlock) Run(ctx context.Context, ev Event) error { return nil }

func (g *groupManagerBlock) manages(groupID string) bool {
	for _, id := range g.opts.Groups {
		if id == groupID {
			return true
		}
	}
	return false
}

// GetData lists the actor's memberships across the managed groups.
func (g *groupManagerBlock) GetData(ctx context.Context, actor domain.Actor) (any, error) {
	memberships, err := g.env.Store.FindActorGroups(ctx, g.env.Policy.ID, actor.DID)
	if err != nil {
		return nil, err
	}
	joined := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if g.manages(m.GroupID) {
			joined = append(joined, m.GroupID)
		}
	}
	return map[string]any{
		"blockType": g.Type(),
		"groups":    g.opts.Groups,
		"joined":    joined,
	}, nil
}

func (g *groupManagerBlock) SetData(ctx context.Context, actor domain.Actor, input json.RawMessage) (any, error) {
	var req groupRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, actionErr("block %q: invalid request: %v", g.Tag(), err)
	}
	if !g.manages(req.GroupID) {
		return nil, actionErr("block %q: group %q is not managed here", g.Tag(), req.GroupID)
	}
	switch req.Action {
	case "join":
		err := g.env.Store.UpsertGroupMember(ctx, domain.GroupMember{
			PolicyID: g.env.Policy.ID,
			GroupID:  req.GroupID,
			ActorDID: actor.DID,
			Role:     g.opts.Role,
		})
		if err != nil {
			return nil, err
		}
	case "leave":
		if err := g.env.Store.RemoveGroupMember(ctx, g.env.Policy.ID, req.GroupID, actor.DID); err != nil {
			return nil, err
		}
	default:
		return nil, actionErr("block %q: unknown action %q", g.Tag(), req.Action)
	}
	if err := g.emit(ctx, Event{Type: EventRefresh, Actor: actor}); err != nil {
		return nil, err
	}
	return map[string]any{"group": req.GroupID, "action": req.Action}, nil
}
