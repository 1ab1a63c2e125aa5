package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/notify"
	"guardian/internal/store"
)

// ErrStopped is returned for operations against an instance whose worker has
// exited.
var ErrStopped = errors.New("policy instance stopped")

type task struct {
	run  func(ctx context.Context) error
	done chan error
}

// Instance is one executing policy: the built block tree plus a single
// worker goroutine that serializes every operation. An event run completes,
// including its ledger and store calls, before the next queued operation
// starts, so side effects are totally ordered per instance.
type Instance struct {
	Env  *Env
	Tree *Tree

	tasks chan task
	quit  chan struct{}
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// NewInstance parses the policy's definition and builds its tree. The
// environment's Policy must be set.
func NewInstance(env *Env) (*Instance, error) {
	if env.Policy.Definition == "" {
		return nil, fmt.Errorf("policy %s has no definition", env.Policy.ID)
	}
	def, err := ParseDefinition([]byte(env.Policy.Definition))
	if err != nil {
		return nil, err
	}
	tree, err := Build(def, env)
	if err != nil {
		return nil, err
	}
	return &Instance{
		Env:   env,
		Tree:  tree,
		tasks: make(chan task, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Start launches the worker. A panicking block run is recorded as the
// instance's failure and terminates the worker; the scheduler decides
// whether to respawn.
func (in *Instance) Start(ctx context.Context) {
	go in.work(ctx)
}

func (in *Instance) work(ctx context.Context) {
	defer close(in.done)
	defer func() {
		if r := recover(); r != nil {
			in.setErr(fmt.Errorf("policy instance panic: %v", r))
			in.Env.Log.Error().Str("policy", in.Env.Policy.ID).Msgf("instance worker panic: %v", r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			in.setErr(ctx.Err())
			return
		case <-in.quit:
			return
		case t := <-in.tasks:
			t.done <- t.run(ctx)
		}
	}
}

// Stop shuts the worker down cleanly.
func (in *Instance) Stop() {
	select {
	case <-in.quit:
	default:
		close(in.quit)
	}
}

// Done is closed when the worker has exited.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Err reports why the worker exited; nil means a clean stop.
func (in *Instance) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

func (in *Instance) setErr(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.err == nil {
		in.err = err
	}
}

// do runs f on the worker and waits for its result.
func (in *Instance) do(ctx context.Context, f func(ctx context.Context) error) error {
	t := task{run: f, done: make(chan error, 1)}
	select {
	case in.tasks <- t:
	case <-in.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-in.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveActor builds the acting identity for a DID: the policy owner gets
// the owner role, everyone else carries their first group membership.
func (in *Instance) ResolveActor(ctx context.Context, did string) (domain.Actor, error) {
	if did == "" {
		return domain.Actor{}, actionErr("actor did is required")
	}
	actor := domain.Actor{DID: did, Location: domain.LocationLocal}
	if did == in.Env.Policy.OwnerDID {
		actor.Role = "owner"
		return actor, nil
	}
	groups, err := in.Env.Store.FindActorGroups(ctx, in.Env.Policy.ID, did)
	if err != nil {
		return domain.Actor{}, err
	}
	if len(groups) > 0 {
		actor.GroupID = groups[0].GroupID
		actor.Role = groups[0].Role
	}
	return actor, nil
}

// GetBlockData returns the block's per-actor view model.
func (in *Instance) GetBlockData(ctx context.Context, actorDID, tag string) (any, error) {
	var out any
	err := in.do(ctx, func(ctx context.Context) error {
		block, ok := in.Tree.ByTag(tag)
		if !ok {
			return actionErr("unknown block %q", tag)
		}
		getter, ok := block.(DataGetter)
		if !ok {
			return actionErr("block %q has no view", tag)
		}
		actor, err := in.ResolveActor(ctx, actorDID)
		if err != nil {
			return err
		}
		out, err = getter.GetData(ctx, actor)
		return err
	})
	return out, err
}

// SetBlockData submits actor input to a block and runs the resulting event
// cascade to completion.
func (in *Instance) SetBlockData(ctx context.Context, actorDID, tag string, input json.RawMessage) (any, error) {
	var out any
	err := in.do(ctx, func(ctx context.Context) error {
		block, ok := in.Tree.ByTag(tag)
		if !ok {
			return actionErr("unknown block %q", tag)
		}
		setter, ok := block.(DataSetter)
		if !ok {
			return actionErr("block %q does not accept input", tag)
		}
		actor, err := in.ResolveActor(ctx, actorDID)
		if err != nil {
			return err
		}
		out, err = setter.SetData(ctx, actor, input)
		return err
	})
	return out, err
}

// TriggerEvent fires an input event on a block, carrying the given stored
// documents.
func (in *Instance) TriggerEvent(ctx context.Context, actorDID, tag string, eventType EventType, docIDs []string) error {
	return in.do(ctx, func(ctx context.Context) error {
		actor, err := in.ResolveActor(ctx, actorDID)
		if err != nil {
			return err
		}
		var docs []domain.Document
		if len(docIDs) > 0 {
			docs, err = in.Env.Store.FindDocuments(ctx,
				store.Filter{"id": store.InStrings(docIDs)}, store.Options{})
			if err != nil {
				return err
			}
		}
		return in.Env.router.TriggerTag(ctx, tag, Event{Type: eventType, Actor: actor, Docs: docs})
	})
}

// Sync replays the instance topic and folds remote messages into local
// state: revocations observed on the ledger transition the matching local
// documents without re-submitting anything. Undecodable messages were
// already degraded by the gateway and are skipped.
func (in *Instance) Sync(ctx context.Context) error {
	return in.do(ctx, func(ctx context.Context) error {
		entries, err := in.Env.Gateway.Sync(ctx, in.Env.Policy.InstanceTopicID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Envelope == nil {
				continue
			}
			if err := in.applyRemote(ctx, entry.Envelope); err != nil {
				return err
			}
		}
		return nil
	})
}

func (in *Instance) applyRemote(ctx context.Context, env *ledger.Envelope) error {
	if !env.IsRevoked() {
		return nil
	}
	doc, err := in.Env.Store.FindOneDocument(ctx, store.Filter{"message_id": env.RevokeMessage})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Status == domain.DocStatusRevoked {
		return nil
	}
	doc.Status = domain.DocStatusRevoked
	if err := in.Env.Store.SaveDocument(ctx, doc); err != nil {
		return err
	}
	in.Env.publish(notify.TopicDocumentRevoked, doc.ID, env.RevokeMessage)
	return nil
}
