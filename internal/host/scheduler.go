package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs named periodic jobs. Adding a job under an existing name
// replaces it.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]cron.EntryID

	log zerolog.Logger
}

func NewScheduler(log zerolog.Logger, jobTimeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		ctx:     ctx,
		cancel:  cancel,
		timeout: jobTimeout,
		jobs:    make(map[string]cron.EntryID),
		log:     log,
	}
}

func (s *Scheduler) Add(name, spec string, job func(ctx context.Context)) error {
	if name == "" {
		return fmt.Errorf("schedule: empty job name")
	}
	if job == nil {
		return fmt.Errorf("schedule %s: nil job", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return fmt.Errorf("schedule %s: scheduler stopped", name)
	}
	id, err := s.cron.AddFunc(spec, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	s.log.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// RunNow runs a scheduled job synchronously and reports whether it exists.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e := s.cron.Entry(id)
	if !e.Valid() {
		return false
	}
	e.WrappedJob.Run()
	return true
}

func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) wrap(name string, job func(ctx context.Context)) func() {
	return func() {
		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, s.timeout)
		}
		defer cancel()
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		job(ctx)
		s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job done")
	}
}

// cronLogger feeds cron's key/value logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
