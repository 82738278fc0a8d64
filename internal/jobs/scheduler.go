package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs periodic maintenance on cron specs. A run still in progress
// when its next tick arrives is not started twice.
type Scheduler struct {
	cron     *cron.Cron
	log      *zap.Logger
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		log:      log,
		inflight: map[string]struct{}{},
	}
}

// Register adds fn under name on spec, e.g. "@every 1m" or "*/5 * * * *"
func (s *Scheduler) Register(name, spec string, fn func(ctx context.Context) error) error {
	if _, err := s.cron.AddFunc(spec, func() {
		s.run(name, fn)
	}); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.log.Info("Scheduled job", zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop; the returned context is done once running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// run reports whether fn was started
func (s *Scheduler) run(name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	if _, ok := s.inflight[name]; ok {
		s.mu.Unlock()
		s.log.Debug("Skipping job, previous run still in progress", zap.String("job", name))
		return false
	}
	s.inflight[name] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, name)
		s.mu.Unlock()
	}()

	if err := fn(context.Background()); err != nil {
		s.log.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
	}
	return true
}
