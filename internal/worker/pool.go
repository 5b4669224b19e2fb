package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"blogflow/internal/domain"
	"blogflow/internal/queue"
	"blogflow/internal/retry"
)

type Pool struct {
	store     *queue.Store
	retries   *retry.Controller
	handlers  *Registry
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
	timeout   time.Duration
}

// NewPool builds a dispatcher running at most size handlers at once. A zero
// timeout disables the per-attempt execution budget.
func NewPool(store *queue.Store, retries *retry.Controller, handlers *Registry, size int, pollEvery, timeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	return &Pool{
		store:     store,
		retries:   retries,
		handlers:  handlers,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		timeout:   timeout,
	}
}

// Run dispatches until ctx is done or Stop is called, then waits for running
// handlers to return.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	log.Info().Int("concurrency", cap(p.sem)).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.drain(ctx)
		case <-p.store.Ready():
			p.drain(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// drain claims jobs while a slot is free and something is dispatchable. The
// slot is taken before the claim so a job never sits active without a worker.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
		job, lease, err := p.store.Claim(p.store.Now())
		if err != nil {
			<-p.sem
			return
		}
		p.wg.Add(1)
		go func(j domain.Job, l queue.Lease) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, j, l)
		}(job, lease)
	}
}

func (p *Pool) execute(ctx context.Context, job domain.Job, lease queue.Lease) {
	logger := log.With().Str("job_id", job.ID).Str("type", string(job.Type)).Int("attempt", job.Attempts).Logger()

	h, ok := p.handlers.lookup(job.Type)
	if !ok {
		_, _ = p.retries.HandleFailure(lease, fmt.Errorf("Handler: no handler registered for %s", job.Type))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.store.BindCancel(lease, cancel); err != nil {
		logger.Warn().Err(err).Msg("job lease lost before start")
		return
	}

	started := time.Now()
	logger.Debug().Msg("job started")
	result, err := p.invoke(runCtx, cancel, h, job, lease)
	if err != nil {
		_, _ = p.retries.HandleFailure(lease, err)
		return
	}
	done, err := p.store.Complete(lease, result)
	if err != nil {
		logger.Warn().Err(err).Msg("discarding result for stale lease")
		return
	}
	logger.Info().Str("status", string(done.Status)).Dur("took", time.Since(started)).Msg("job finished")
}

type outcome struct {
	result domain.Result
	err    error
}

// invoke runs the handler, converting panics into errors. When the execution
// budget runs out the handler context is cancelled and the attempt fails once
// the handler has returned; whatever it returned is dropped. The worker slot
// and the lease stay held until then, so the job cannot be dispatched again
// while an earlier attempt is still running.
func (p *Pool) invoke(ctx context.Context, cancel context.CancelFunc, h Handler, job domain.Job, lease queue.Lease) (domain.Result, error) {
	done := make(chan outcome, 1)
	exec := Execution{
		JobID:   job.ID,
		Attempt: job.Attempts,
		Payload: job.Payload,
		Progress: func(pct int) {
			_ = p.store.SetProgress(lease, pct)
		},
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("Panic: %v", r)}
			}
		}()
		res, err := h.Handle(ctx, exec)
		done <- outcome{result: res, err: err}
	}()

	var budget <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		budget = t.C
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-budget:
	}
	cancel()
	log.Warn().Str("job_id", job.ID).Int("attempt", job.Attempts).Dur("budget", p.timeout).
		Msg("job exceeded execution budget, waiting for handler to return")
	<-done
	return nil, fmt.Errorf("Timeout: job exceeded execution budget of %s", p.timeout)
}
