// Package scheduler supervises one isolated runtime per published policy,
// bounded by a configurable maximum concurrent instance count.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"guardian/internal/domain"
	"guardian/internal/notify"
	"guardian/internal/policy"
	"guardian/internal/store"
)

var (
	instancesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_scheduler_instances",
		Help: "Policy instances currently running.",
	})
	respawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_scheduler_respawns_total",
		Help: "Instances respawned after a crash.",
	})
)

// Options bound the scheduler.
type Options struct {
	MaxInstances int
	// Cooldown is the wait before a crashed instance is respawned. There is
	// no retry cap: a crash-looping instance keeps respawning on this
	// cadence until an operator intervenes.
	Cooldown     time.Duration
	PollInterval time.Duration
}

// Factory builds a runnable instance for a policy.
type Factory func(p domain.Policy) (*policy.Instance, error)

// Scheduler polls for published policies and keeps one worker per policy
// alive. A crashed worker is respawned after the cooldown; a cleanly
// stopped one is removed.
type Scheduler struct {
	Store   store.Store
	Factory Factory
	Opts    Options
	Bus     *notify.Bus
	Log     zerolog.Logger

	mu      sync.Mutex
	running map[string]*policy.Instance
	cooling map[string]time.Time
	retired map[string]bool

	quit chan struct{}
	done chan struct{}
}

func New(s store.Store, factory Factory, opts Options, bus *notify.Bus, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Store:   s,
		Factory: factory,
		Opts:    opts,
		Bus:     bus,
		Log:     log.With().Str("component", "scheduler").Logger(),
		running: map[string]*policy.Instance{},
		cooling: map[string]time.Time{},
		retired: map[string]bool{},
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run polls until the context is cancelled or Stop is called. It answers
// peer capacity queries on the bus while running.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	if s.Bus != nil {
		reply := func() { s.Bus.Publish(notify.TopicCapacityReply, s.FreeCapacity()) }
		_ = s.Bus.Subscribe(notify.TopicCapacityQuery, reply)
		defer func() { _ = s.Bus.Unsubscribe(notify.TopicCapacityQuery, reply) }()
	}
	ticker := time.NewTicker(s.Opts.PollInterval)
	defer ticker.Stop()
	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-s.quit:
			s.stopAll()
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Stop shuts every instance down and ends the poll loop.
func (s *Scheduler) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
}

func (s *Scheduler) poll(ctx context.Context) {
	policies, err := s.Store.FindPolicies(ctx, store.Filter{"status": domain.PolicyStatusPublished})
	if err != nil {
		s.Log.Error().Err(err).Msg("poll failed")
		return
	}
	now := time.Now()
	for _, p := range policies {
		s.mu.Lock()
		_, isRunning := s.running[p.ID]
		until, isCooling := s.cooling[p.ID]
		isRetired := s.retired[p.ID]
		atCapacity := len(s.running) >= s.Opts.MaxInstances
		s.mu.Unlock()

		if isRunning || isRetired {
			continue
		}
		if isCooling && now.Before(until) {
			continue
		}
		if atCapacity {
			// Advisory only: ask peers to report free capacity so an
			// operator can provision more. Admission stays bounded here.
			if s.Bus != nil {
				s.Bus.Publish(notify.TopicCapacityQuery)
			}
			s.Log.Warn().Str("policy", p.ID).Int("max", s.Opts.MaxInstances).Msg("at capacity, instance deferred")
			continue
		}
		s.spawn(ctx, p, isCooling)
	}
}

func (s *Scheduler) spawn(ctx context.Context, p domain.Policy, respawn bool) {
	inst, err := s.Factory(p)
	if err != nil {
		s.Log.Error().Err(err).Str("policy", p.ID).Msg("instance build failed")
		s.mu.Lock()
		s.cooling[p.ID] = time.Now().Add(s.Opts.Cooldown)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.running[p.ID] = inst
	delete(s.cooling, p.ID)
	s.mu.Unlock()
	instancesGauge.Inc()
	if respawn {
		respawnsTotal.Inc()
	}

	inst.Start(ctx)
	s.Log.Info().Str("policy", p.ID).Str("version", p.Version).Bool("respawn", respawn).Msg("instance started")
	if s.Bus != nil {
		s.Bus.Publish(notify.TopicInstanceState, p.ID, "running")
	}

	go func() {
		<-inst.Done()
		err := inst.Err()
		s.mu.Lock()
		delete(s.running, p.ID)
		if err != nil {
			s.cooling[p.ID] = time.Now().Add(s.Opts.Cooldown)
		} else {
			s.retired[p.ID] = true
		}
		s.mu.Unlock()
		instancesGauge.Dec()
		if err != nil {
			s.Log.Error().Err(err).Str("policy", p.ID).Dur("cooldown", s.Opts.Cooldown).Msg("instance crashed, respawn scheduled")
			if s.Bus != nil {
				s.Bus.Publish(notify.TopicInstanceState, p.ID, "crashed")
			}
		} else {
			s.Log.Info().Str("policy", p.ID).Msg("instance stopped")
			if s.Bus != nil {
				s.Bus.Publish(notify.TopicInstanceState, p.ID, "stopped")
			}
		}
	}()
}

// Get returns the running instance for a policy. Callers treat a missing
// instance as the "not yet initialized" state, not an error.
func (s *Scheduler) Get(policyID string) (*policy.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.running[policyID]
	return inst, ok
}

// StopInstance cleanly stops one policy's worker and removes it.
func (s *Scheduler) StopInstance(policyID string) {
	s.mu.Lock()
	inst, ok := s.running[policyID]
	s.mu.Unlock()
	if ok {
		inst.Stop()
		<-inst.Done()
	}
}

// Resume clears the retired mark so a stopped policy can be scheduled
// again.
func (s *Scheduler) Resume(policyID string) {
	s.mu.Lock()
	delete(s.retired, policyID)
	s.mu.Unlock()
}

// FreeCapacity reports how many more instances this scheduler can run.
func (s *Scheduler) FreeCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.Opts.MaxInstances - len(s.running)
	if free < 0 {
		return 0
	}
	return free
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	instances := make([]*policy.Instance, 0, len(s.running))
	for _, inst := range s.running {
		instances = append(instances, inst)
	}
	s.mu.Unlock()
	for _, inst := range instances {
		inst.Stop()
		<-inst.Done()
	}
}
