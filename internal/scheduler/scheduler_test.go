package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"guardian/internal/db"
	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/migrate"
	"guardian/internal/notify"
	"guardian/internal/policy"
	"guardian/internal/scheduler"
	"guardian/internal/store"
)

// crashBlock panics on every run, simulating an instance crash.
type crashBlock struct {
	*policy.Base
}

func init() {
	policy.Register("crashBlock", func(b *policy.Base) (policy.Block, error) {
		return &crashBlock{Base: b}, nil
	})
}

func (c *crashBlock) Validate(tree *policy.Tree) []string { return nil }

func (c *crashBlock) Run(ctx context.Context, ev policy.Event) error {
	panic("boom")
}

const crashDefinition = `{
	"root": {
		"id": "b-root", "tag": "root", "blockType": "interfaceContainerBlock",
		"children": [
			{"id": "b-crash", "tag": "crash", "blockType": "crashBlock", "inputEvents": ["RunEvent"]}
		]
	}
}`

type schedEnv struct {
	Store store.Store
	Sched *scheduler.Scheduler
	Bus   *notify.Bus
	Ctx   context.Context
}

func newSchedEnv(t *testing.T, maxInstances int) schedEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.Store{DB: conn}
	gw := ledger.NewGateway(ledger.NewMemoryConsensus(), s,
		ledger.Codec{MaxChunkSize: 1024},
		ledger.RetryPolicy{Attempts: 2, Delay: time.Millisecond},
		"policy", zerolog.Nop())
	bus := notify.New()
	factory := func(p domain.Policy) (*policy.Instance, error) {
		return policy.NewInstance(&policy.Env{
			Policy:  p,
			Store:   s,
			Gateway: gw,
			Notify:  bus,
			Log:     zerolog.Nop(),
		})
	}
	sched := scheduler.New(s, factory, scheduler.Options{
		MaxInstances: maxInstances,
		Cooldown:     20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})
	return schedEnv{Store: s, Sched: sched, Bus: bus, Ctx: context.Background()}
}

func (e schedEnv) publishPolicy(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	err := e.Store.CreatePolicy(e.Ctx, domain.Policy{
		ID:              id,
		UUID:            "uuid-" + id,
		Name:            "Sched Test",
		Version:         "1.0.0",
		OwnerDID:        "did:owner",
		Status:          domain.PolicyStatusPublished,
		InstanceTopicID: "0.0.1001",
		Definition:      crashDefinition,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSchedulerStartsPublishedPolicies(t *testing.T) {
	env := newSchedEnv(t, 4)
	env.publishPolicy(t, "pol-1")
	waitFor(t, "instance to start", func() bool {
		_, ok := env.Sched.Get("pol-1")
		return ok
	})
	if free := env.Sched.FreeCapacity(); free != 3 {
		t.Fatalf("free capacity = %d, want 3", free)
	}
}

func TestSchedulerRespawnsCrashedInstance(t *testing.T) {
	env := newSchedEnv(t, 4)
	env.publishPolicy(t, "pol-1")

	var first *policy.Instance
	waitFor(t, "instance to start", func() bool {
		inst, ok := env.Sched.Get("pol-1")
		first = inst
		return ok
	})

	// Panic inside a block run kills the worker.
	_ = first.TriggerEvent(env.Ctx, "did:owner", "crash", policy.EventRun, nil)
	<-first.Done()
	if first.Err() == nil {
		t.Fatal("crashed instance should record an error")
	}

	// After the cooldown the scheduler spawns a fresh worker.
	waitFor(t, "respawn", func() bool {
		inst, ok := env.Sched.Get("pol-1")
		return ok && inst != first
	})
}

func TestSchedulerRemovesCleanlyStoppedInstance(t *testing.T) {
	env := newSchedEnv(t, 4)
	env.publishPolicy(t, "pol-1")
	waitFor(t, "instance to start", func() bool {
		_, ok := env.Sched.Get("pol-1")
		return ok
	})

	env.Sched.StopInstance("pol-1")
	waitFor(t, "removal", func() bool {
		_, ok := env.Sched.Get("pol-1")
		return !ok
	})
	// A clean stop is not a crash; the policy must not be respawned.
	time.Sleep(60 * time.Millisecond)
	if _, ok := env.Sched.Get("pol-1"); ok {
		t.Fatal("cleanly stopped instance was respawned")
	}

	// An operator can resume it explicitly.
	env.Sched.Resume("pol-1")
	waitFor(t, "resume", func() bool {
		_, ok := env.Sched.Get("pol-1")
		return ok
	})
}

func TestSchedulerHonorsMaxInstances(t *testing.T) {
	env := newSchedEnv(t, 1)

	queries := make(chan struct{}, 16)
	_ = env.Bus.Subscribe(notify.TopicCapacityQuery, func() {
		select {
		case queries <- struct{}{}:
		default:
		}
	})

	env.publishPolicy(t, "pol-1")
	env.publishPolicy(t, "pol-2")

	waitFor(t, "one instance", func() bool {
		_, ok1 := env.Sched.Get("pol-1")
		_, ok2 := env.Sched.Get("pol-2")
		return ok1 || ok2
	})
	time.Sleep(50 * time.Millisecond)
	_, ok1 := env.Sched.Get("pol-1")
	_, ok2 := env.Sched.Get("pol-2")
	if ok1 && ok2 {
		t.Fatal("scheduler exceeded max instances")
	}
	if env.Sched.FreeCapacity() != 0 {
		t.Fatalf("free capacity = %d, want 0", env.Sched.FreeCapacity())
	}
	// The deferred policy triggered an advisory capacity query.
	select {
	case <-queries:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a capacity query while at capacity")
	}
}
