// Package scheduler runs named recurring jobs on cron specs. Plugins use
// it for periodic work (reminder delivery, cleanup) instead of hand-rolled
// tickers.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

type def struct {
	name string
	spec string
	fn   func(ctx context.Context)
}

// Service wraps a cron runner with named jobs and panic isolation. Jobs
// added while the service runs are scheduled immediately; definitions
// survive a stop/start cycle.
type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	runCtx context.Context
	defs   map[string]def
	ids    map[string]cron.EntryID
}

func New(log logx.Logger) *Service {
	return &Service{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds)
		// cron specs, plus descriptors like @every.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]def{},
		ids:    map[string]cron.EntryID{},
	}
}

// Add registers a job. The spec is validated up front so a bad expression
// fails at registration, not silently at runtime.
func (s *Service) Add(name, spec string, fn func(ctx context.Context)) error {
	if name == "" || fn == nil {
		return fmt.Errorf("scheduler: empty name or nil job")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: job %s: bad spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.defs[name]; dup {
		return fmt.Errorf("scheduler: job %s: duplicate", name)
	}
	d := def{name: name, spec: spec, fn: fn}
	s.defs[name] = d
	if s.c != nil {
		return s.scheduleLocked(d)
	}
	return nil
}

// Remove drops a job by name. Safe to call while running.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	if id, ok := s.ids[name]; ok && s.c != nil {
		s.c.Remove(id)
	}
	delete(s.ids, name)
}

// Jobs reports the number of registered jobs.
func (s *Service) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.defs)
}

func (s *Service) scheduleLocked(d def) error {
	runCtx := s.runCtx
	id, err := s.c.AddFunc(d.spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked",
					logx.String("job", d.name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		d.fn(runCtx)
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", d.name, err)
	}
	s.ids[d.name] = id
	return nil
}

// Run services jobs until ctx is cancelled, then waits for in-flight runs
// to finish.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.c = cron.New(cron.WithParser(s.parser))
	s.runCtx = ctx
	s.ids = map[string]cron.EntryID{}
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.c.Start()
	n := len(s.defs)
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Int("jobs", n))
	<-ctx.Done()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ids = map[string]cron.EntryID{}
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}
