package core

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
)

// Maintenance runs the engine's periodic jobs: the score cache sweep and
// concept vitality decay. An empty schedule disables its job.
type Maintenance struct {
	engine  *Engine
	cron    *cron.Cron
	logger  interfaces.Logger
	entries map[string]cron.EntryID

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewMaintenance registers the jobs configured for engine. Schedules use
// the standard five-field cron syntax plus descriptors such as "@hourly"
// and "@every 5m".
func NewMaintenance(engine *Engine, log interfaces.Logger) (*Maintenance, error) {
	if engine == nil {
		return nil, errors.NewConfigInvalidError("maintenance requires an engine")
	}
	m := &Maintenance{
		engine:  engine,
		cron:    cron.New(),
		logger:  logger.OrNop(log).WithFields(map[string]interface{}{"component": "maintenance"}),
		entries: make(map[string]cron.EntryID),
	}

	cfg := engine.Config()
	if err := m.register("cache_sweep", cfg.Cache.SweepSchedule, m.SweepCache); err != nil {
		return nil, err
	}
	if err := m.register("concept_decay", cfg.Recall.DecaySchedule, m.DecayConcepts); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Maintenance) register(name, schedule string, job func()) error {
	if schedule == "" {
		return nil
	}
	id, err := m.cron.AddFunc(schedule, job)
	if err != nil {
		return errors.NewConfigInvalidError("invalid maintenance schedule").
			WithDetail("job", name).
			WithDetail("schedule", schedule)
	}
	m.entries[name] = id
	return nil
}

// Jobs returns the names of the registered jobs
func (m *Maintenance) Jobs() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	return names
}

// Start runs the scheduler until ctx is done or Stop is called
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.cron.Start()

	go func() {
		<-runCtx.Done()
		m.Stop()
	}()

	m.logger.Info("Maintenance started", map[string]interface{}{"jobs": len(m.entries)})
}

// Stop halts the scheduler and waits for running jobs to finish
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	<-m.cron.Stop().Done()
	m.logger.Info("Maintenance stopped")
}

// SweepCache runs one cache sweep
func (m *Maintenance) SweepCache() {
	removed := m.engine.SweepCache()
	if removed > 0 {
		m.logger.Debug("Swept score cache", map[string]interface{}{"removed": removed})
	}
}

// DecayConcepts runs one vitality decay pass
func (m *Maintenance) DecayConcepts() {
	updated, err := m.engine.DecayConcepts(context.Background())
	if err != nil {
		m.logger.Error("Concept decay failed", err)
		return
	}
	m.logger.Debug("Decayed concept vitality", map[string]interface{}{"updated": updated})
}
