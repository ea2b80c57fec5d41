// Package scheduler runs the execution core's background loops.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/metrics"
)

// Func is one loop iteration.
type Func func(ctx context.Context) error

// Loop is a registered background job.
type Loop struct {
	Name     string
	Interval time.Duration
	Fn       Func
	// Timeout bounds one iteration; zero means no bound.
	Timeout time.Duration
}

// LoopStatus is the observable state of one loop.
type LoopStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Runs       uint64        `json:"runs"`
	Failures   uint64        `json:"failures"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastTook   time.Duration `json:"last_took"`
	InProgress bool          `json:"in_progress"`
}

// Status is the scheduler's state.
type Status struct {
	Running bool         `json:"running"`
	Started *time.Time   `json:"started,omitempty"`
	Loops   []LoopStatus `json:"loops"`
}

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrRunning        = errors.New("cannot register while running")
)

// Scheduler owns independently paced loops. Stop is cooperative: it signals
// every loop and waits for in-flight iterations, which run on a context that
// is not canceled by Stop.
type Scheduler struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	loops   []*loopState
	running bool
	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

type loopState struct {
	Loop
	status LoopStatus
}

func New(logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{log: logger.Named("scheduler"), metrics: m}
}

// Register adds a loop. Loops must be registered before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn Func) error {
	return s.RegisterLoop(Loop{Name: name, Interval: interval, Fn: fn})
}

// RegisterLoop adds a fully configured loop.
func (s *Scheduler) RegisterLoop(l Loop) error {
	if l.Interval <= 0 {
		return errors.New("loop interval must be positive")
	}
	if l.Fn == nil {
		return errors.New("loop function is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.loops = append(s.loops, &loopState{Loop: l, status: LoopStatus{Name: l.Name, Interval: l.Interval}})
	return nil
}

// Start launches every loop. Each loop runs one iteration immediately and
// then once per interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.started = time.Now().UTC()
	s.stop = make(chan struct{})

	// Iterations must not be aborted mid-transaction by shutdown.
	iterCtx := context.WithoutCancel(ctx)
	for _, l := range s.loops {
		s.wg.Add(1)
		go s.run(ctx, iterCtx, l, s.stop)
	}
	s.log.Info("scheduler started", zap.Int("loops", len(s.loops)))
	return nil
}

func (s *Scheduler) run(ctx, iterCtx context.Context, l *loopState, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		s.iterate(iterCtx, l)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context, l *loopState) {
	s.mu.Lock()
	l.status.InProgress = true
	s.mu.Unlock()

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeCall(ctx, l)
	took := time.Since(start)
	s.metrics.LoopRun(l.Name, took, err)

	s.mu.Lock()
	now := time.Now().UTC()
	l.status.InProgress = false
	l.status.Runs++
	l.status.LastRun = &now
	l.status.LastTook = took
	l.status.LastError = ""
	if err != nil {
		l.status.Failures++
		l.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("loop iteration failed", zap.String("loop", l.Name), zap.Duration("took", took), zap.Error(err))
	}
}

// safeCall keeps a panicking iteration from killing its loop.
func (s *Scheduler) safeCall(ctx context.Context, l *loopState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop iteration panicked", zap.String("loop", l.Name), zap.Any("panic", r))
			err = errors.New("panic in loop iteration")
		}
	}()
	return l.Fn(ctx)
}

// Stop signals every loop and waits for in-flight iterations to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Running reports whether loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of every loop.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, Loops: make([]LoopStatus, 0, len(s.loops))}
	if s.running {
		started := s.started
		st.Started = &started
	}
	for _, l := range s.loops {
		ls := l.status
		if ls.LastRun != nil {
			t := *ls.LastRun
			ls.LastRun = &t
		}
		st.Loops = append(st.Loops, ls)
	}
	return st
}
