package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CycleRunner executes one full cognition cycle for an agent.
type CycleRunner interface {
	RunCycle(ctx context.Context, agentID string) error
}

// Scheduler fans ticks out to agent cycles. Per agent it is single
// flight: a cycle still running when the next tick arrives is skipped,
// never queued. A global semaphore bounds how many cycles run at once.
type Scheduler struct {
	runner      CycleRunner
	listAgents  func(ctx context.Context) ([]string, error)
	sem         chan struct{}
	grace       time.Duration
	cycleBudget time.Duration
	logger      *zap.Logger

	inflight sync.Map // agentID -> struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// NewScheduler creates a scheduler with the given concurrency cap.
func NewScheduler(runner CycleRunner, listAgents func(ctx context.Context) ([]string, error),
	maxConcurrent int, grace time.Duration, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Scheduler{
		runner:      runner,
		listAgents:  listAgents,
		sem:         make(chan struct{}, maxConcurrent),
		grace:       grace,
		cycleBudget: 45 * time.Second,
		logger:      logger,
	}
}

// Resume allows scheduling again after a Stop.
func (s *Scheduler) Resume() {
	s.stopped.Store(false)
}

// OnTick implements the clock listener: schedule one cycle per idle agent.
func (s *Scheduler) OnTick(worldTime time.Time) {
	if s.stopped.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ids, err := s.listAgents(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("tick skipped, agent listing failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
			s.logger.Debug("cycle still running, tick skipped", zap.String("agent", id))
			continue
		}
		s.wg.Add(1)
		go s.run(id)
	}
}

func (s *Scheduler) run(agentID string) {
	defer s.wg.Done()
	defer s.inflight.Delete(agentID)

	// The slot wait is bounded so a stuck cycle cannot strand the rest
	// of the population behind the semaphore.
	select {
	case s.sem <- struct{}{}:
	case <-time.After(s.cycleBudget):
		s.logger.Warn("no cycle slot available", zap.String("agent", agentID))
		return
	}
	defer func() { <-s.sem }()

	if s.stopped.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cycleBudget)
	defer cancel()

	if err := s.runner.RunCycle(ctx, agentID); err != nil {
		s.logger.Warn("cognition cycle failed", zap.String("agent", agentID), zap.Error(err))
	}
}

// Stop prevents new cycles and waits for in-flight ones up to the grace
// timeout. Returns true if everything drained in time.
func (s *Scheduler) Stop() bool {
	s.stopped.Store(true)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(s.grace):
		s.logger.Warn("cycles still in flight after grace period")
		return false
	}
}
