package promise

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor delivers one action to an external receiver. Returning an error
// wrapping ErrUnreachable marks the receiver as unreachable; any other error is
// an explicit rejection.
type Executor interface {
	Execute(ctx context.Context, receiver string, action Action) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, receiver string, action Action) ([]byte, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, receiver string, action Action) ([]byte, error) {
	return f(ctx, receiver, action)
}

const defaultMaxParallel = 8

// Scheduler runs promises and their continuations.
type Scheduler struct {
	exec        Executor
	logger      *slog.Logger
	maxParallel int
	wg          sync.WaitGroup
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for chain failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxParallel bounds how many branches of one promise execute at once.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// NewScheduler builds a scheduler around exec.
func NewScheduler(exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:        exec,
		logger:      slog.Default(),
		maxParallel: defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs p in the background and returns immediately. The chain is
// detached from ctx cancellation so that an issued delivery always reaches its
// continuation; ctx values (trace spans, loggers) are preserved.
func (s *Scheduler) Submit(ctx context.Context, p *Promise) *Handle {
	h := newHandle()
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.Run(detached, p)
		if err != nil {
			s.logger.Error("promise chain failed", slog.String("component", "promise"), slog.Any("error", err))
		}
		h.finish(err)
	}()
	return h
}

// Run executes p and every chained continuation synchronously.
func (s *Scheduler) Run(ctx context.Context, p *Promise) error {
	for p != nil {
		if !p.started.CompareAndSwap(false, true) {
			return ErrAlreadyScheduled
		}
		outcomes := s.execute(ctx, p.branches)
		if p.then == nil {
			return nil
		}
		next, err := p.then(ctx, outcomes)
		if err != nil {
			return err
		}
		p = next
	}
	return nil
}

// Wait blocks until every submitted chain has completed.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) execute(ctx context.Context, branches [][]Batch) []Outcome {
	outcomes := make([]Outcome, len(branches))
	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for i, chain := range branches {
		g.Go(func() error {
			outcomes[i] = s.runChain(ctx, chain)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Scheduler) runChain(ctx context.Context, chain []Batch) Outcome {
	out := Success(nil)
	for _, batch := range chain {
		for _, action := range batch.Actions {
			if err := ctx.Err(); err != nil {
				return Failure(err)
			}
			if s.exec == nil {
				return Failure(ErrUnreachable)
			}
			result, err := s.exec.Execute(ctx, batch.Receiver, action)
			if err != nil {
				s.logger.Warn("external action failed",
					slog.String("component", "promise"),
					slog.String("receiver", batch.Receiver),
					slog.String("kind", action.Kind.String()),
					slog.String("method", action.Method),
					slog.Any("error", err))
				return Failure(err)
			}
			out.Result = result
		}
	}
	return out
}

// Handle observes a submitted chain.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle { return &Handle{done: make(chan struct{})} }

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the chain has completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the chain completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
