package cleanup

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type job struct {
	timer *time.Timer
	fn    func()
	gen   uint64
}

// Scheduler runs deferred deletions keyed by artifact. Scheduling a key that
// already has a pending job replaces it.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	gen     uint64
	stopped bool
	logger  *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: map[string]*job{}, logger: logger}
}

func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.jobs[key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	j := &job{fn: fn, gen: s.gen}
	j.timer = time.AfterFunc(delay, func() { s.fire(key, j.gen) })
	s.jobs[key] = j
}

// Cancel drops the pending job for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	j.timer.Stop()
	delete(s.jobs, key)
	return true
}

// RunNow executes the pending job for key immediately.
func (s *Scheduler) RunNow(key string) bool {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		j.timer.Stop()
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.run(key, j.fn)
	return true
}

// Pending returns the keys with a job still waiting, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels every pending job. When flush is set the jobs run first.
func (s *Scheduler) Stop(flush bool) {
	s.mu.Lock()
	s.stopped = true
	pending := s.jobs
	s.jobs = map[string]*job{}
	s.mu.Unlock()

	for key, j := range pending {
		j.timer.Stop()
		if flush {
			s.run(key, j.fn)
		}
	}
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, key)
	s.mu.Unlock()

	s.run(key, j.fn)
}

func (s *Scheduler) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("cleanup_job_panic", "key", key, "panic", r)
		}
	}()
	fn()
	s.logger.Debug("cleanup_job_done", "key", key)
}
