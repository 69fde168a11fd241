// Package pool hands out a fixed number of engine workers to concurrent
// callers and replaces the ones that come back broken.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/backoff"
	"github.com/randomizedcoder/go-rserve-pool/internal/worker"
)

var (
	// ErrBusy means no worker became free before the acquire timeout.
	// Callers should retry later.
	ErrBusy = errors.New("all engine workers busy")

	// ErrLockTimeout means the pool lock could not be taken in time.
	ErrLockTimeout = errors.New("pool lock timeout")

	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("pool closed")

	// ErrUnknownWorker is returned when releasing a worker the caller does
	// not hold.
	ErrUnknownWorker = errors.New("worker not checked out from this pool")
)

// MaxCapacity is the largest pool size accepted.
const MaxCapacity = 99

// Result says what Release did with a worker.
type Result int

const (
	// Returned means the worker went back to the available list.
	Returned Result = iota
	// Replaced means the worker was destroyed and a new one took its place.
	Replaced
	// Discarded means the pool was shut down while the worker was out.
	Discarded
)

func (r Result) String() string {
	switch r {
	case Returned:
		return "returned"
	case Replaced:
		return "replaced"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Creator builds workers. worker.Factory implements it.
type Creator interface {
	Prepare(ctx context.Context) error
	Create(ctx context.Context, slot int) (*worker.Worker, error)
	Teardown(ctx context.Context) error
}

// Callbacks contains optional callback functions for pool events.
type Callbacks struct {
	// OnAcquire is called after a worker is handed out.
	OnAcquire func(wait time.Duration)

	// OnBusy is called when Acquire gives up with ErrBusy.
	OnBusy func(wait time.Duration)

	// OnRelease is called after every successful Release.
	OnRelease func(r Result)

	// OnReplace is called when a new worker takes a destroyed one's slot.
	OnReplace func(slot, oldPID, newPID int)

	// OnReplaceFailed is called when a replacement could not be created.
	OnReplaceFailed func(slot int, err error)

	// OnDestroy is called after a worker is destroyed.
	OnDestroy func(tier worker.Tier, err error)
}

// Config holds configuration for creating a new Pool.
type Config struct {
	Capacity int
	Creator  Creator
	Logger   *slog.Logger

	// LockTimeout bounds every wait for the pool lock.
	LockTimeout time.Duration

	// Refill keeps retrying slots whose replacement failed, in the
	// background, with Backoff between attempts.
	Refill         bool
	Backoff        backoff.Config
	RefillAttempts int

	Callbacks Callbacks
}

// state is the shutdown tri-state.
const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// Pool is a fixed set of workers. All membership changes happen under one
// lock; creating and destroying workers never does.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	creator Creator

	// lock is a mutex that can be waited on with a timeout.
	lock chan struct{}

	// Guarded by lock.
	all       []*worker.Worker
	available []*worker.Worker
	inUse     map[*worker.Worker]struct{}
	missing   map[int]bool
	changed   chan struct{}

	state atomic.Int32

	replacements    atomic.Int64
	replaceFailures atomic.Int64
	busy            atomic.Int64

	refillCtx    context.Context
	refillCancel context.CancelFunc
	refillWG     sync.WaitGroup

	// refillMu orders refill starts against Shutdown so no Add races
	// refillWG.Wait.
	refillMu sync.Mutex
}

// New prepares the creator and starts cfg.Capacity workers one after the
// other. If any of them fails, every worker started so far is destroyed,
// the creator is torn down and the error is returned.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Capacity < 1 || cfg.Capacity > MaxCapacity {
		return nil, fmt.Errorf("pool capacity %d out of range 1-%d", cfg.Capacity, MaxCapacity)
	}
	if cfg.Creator == nil {
		return nil, errors.New("pool: nil creator")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.Backoff == (backoff.Config{}) {
		cfg.Backoff = backoff.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		creator: cfg.Creator,
		lock:    make(chan struct{}, 1),
		inUse:   make(map[*worker.Worker]struct{}),
		missing: make(map[int]bool),
		changed: make(chan struct{}),
	}
	p.refillCtx, p.refillCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := p.creator.Prepare(ctx); err != nil {
		p.refillCancel()
		if terr := p.creator.Teardown(context.WithoutCancel(ctx)); terr != nil {
			err = errors.Join(err, terr)
		}
		return nil, fmt.Errorf("prepare engine backend: %w", err)
	}

	for slot := 0; slot < cfg.Capacity; slot++ {
		w, err := p.creator.Create(ctx, slot)
		if err != nil {
			p.refillCancel()
			cleanup := context.WithoutCancel(ctx)
			errs := []error{fmt.Errorf("create worker %d of %d: %w", slot+1, cfg.Capacity, err)}
			for _, created := range p.all {
				if _, derr := created.Destroy(cleanup, true); derr != nil {
					errs = append(errs, derr)
				}
			}
			if terr := p.creator.Teardown(cleanup); terr != nil {
				errs = append(errs, terr)
			}
			logger.Error("pool_init_failed",
				"created", len(p.all),
				"capacity", cfg.Capacity,
				"error", err,
			)
			return nil, errors.Join(errs...)
		}
		p.all = append(p.all, w)
		p.available = append(p.available, w)
	}

	logger.Info("pool_started", "capacity", cfg.Capacity)
	return p, nil
}

// acquireLock takes the pool lock, waiting at most LockTimeout.
func (p *Pool) acquireLock(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	default:
	}
	t := time.NewTimer(p.cfg.LockTimeout)
	defer t.Stop()
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-t.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) releaseLock() { <-p.lock }

// broadcast wakes every Acquire waiting for a change. Must hold lock.
func (p *Pool) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Acquire checks out a worker, waiting up to timeout for one to be
// returned. Every wake re-checks the available list.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*worker.Worker, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		w, wake, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if w != nil {
			wait := time.Since(start)
			p.logger.Debug("pool_acquired",
				"worker_id", w.ID,
				"pid", w.PID,
				"wait", wait,
			)
			if p.cfg.Callbacks.OnAcquire != nil {
				p.cfg.Callbacks.OnAcquire(wait)
			}
			return w, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			wait := time.Since(start)
			p.busy.Add(1)
			p.logger.Warn("pool_acquire_busy",
				"timeout", timeout,
				"wait", wait,
			)
			if p.cfg.Callbacks.OnBusy != nil {
				p.cfg.Callbacks.OnBusy(wait)
			}
			return nil, ErrBusy
		}

		t := time.NewTimer(remaining)
		select {
		case <-wake:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()
	}
}

// tryAcquire pops an available worker, or returns the channel that will be
// closed on the next change.
func (p *Pool) tryAcquire(ctx context.Context) (*worker.Worker, <-chan struct{}, error) {
	if err := p.acquireLock(ctx); err != nil {
		return nil, nil, err
	}
	defer p.releaseLock()

	if p.state.Load() != stateOpen {
		return nil, nil, ErrClosed
	}
	for len(p.available) > 0 {
		w := p.available[0]
		p.available = p.available[1:]
		if !w.SetState(worker.StateInUse) {
			p.logger.Error("pool_destroyed_worker_available", "worker_id", w.ID)
			continue
		}
		p.inUse[w] = struct{}{}
		return w, nil, nil
	}
	return nil, p.changed, nil
}

// Release returns w to the pool. When force is set, or w's session is no
// longer connected, w is destroyed and a new worker is created in its slot.
// A failed replacement is returned and the pool stays one short until a
// later create succeeds.
func (p *Pool) Release(ctx context.Context, w *worker.Worker, force bool) (Result, error) {
	if w == nil {
		return Returned, ErrUnknownWorker
	}
	if err := p.acquireLock(ctx); err != nil {
		return Returned, err
	}
	if p.state.Load() != stateOpen {
		p.releaseLock()
		p.destroy(ctx, w, false)
		p.logger.Info("pool_release_after_shutdown", "worker_id", w.ID)
		return Discarded, ErrClosed
	}
	if _, ok := p.inUse[w]; !ok {
		p.releaseLock()
		return Returned, fmt.Errorf("%w: %s", ErrUnknownWorker, w.ID)
	}
	delete(p.inUse, w)

	if !force && w.Healthy() && w.SetState(worker.StateReady) {
		p.available = append(p.available, w)
		p.broadcast()
		p.releaseLock()
		p.logger.Debug("pool_released", "worker_id", w.ID, "pid", w.PID)
		p.released(Returned)
		return Returned, nil
	}

	p.removeLocked(w)
	p.missing[w.Slot] = true
	p.releaseLock()

	p.logger.Info("pool_replacing_worker",
		"worker_id", w.ID,
		"slot", w.Slot,
		"pid", w.PID,
		"forced", force,
	)
	p.destroy(ctx, w, !force)

	nw, err := p.creator.Create(ctx, w.Slot)
	if err != nil {
		p.replaceFailures.Add(1)
		p.logger.Error("pool_replace_failed",
			"slot", w.Slot,
			"error", err,
		)
		if p.cfg.Callbacks.OnReplaceFailed != nil {
			p.cfg.Callbacks.OnReplaceFailed(w.Slot, err)
		}
		p.startRefill(w.Slot)
		return Returned, fmt.Errorf("replace worker in slot %d: %w", w.Slot, err)
	}

	if err := p.insert(ctx, nw); err != nil {
		return Returned, err
	}
	p.replacements.Add(1)
	if p.cfg.Callbacks.OnReplace != nil {
		p.cfg.Callbacks.OnReplace(w.Slot, w.PID, nw.PID)
	}
	p.released(Replaced)
	return Replaced, nil
}

func (p *Pool) released(r Result) {
	if p.cfg.Callbacks.OnRelease != nil {
		p.cfg.Callbacks.OnRelease(r)
	}
}

// insert adds a freshly created worker and wakes waiters. If the pool was
// shut down in the meantime the worker is destroyed instead.
func (p *Pool) insert(ctx context.Context, w *worker.Worker) error {
	if err := p.acquireLock(context.WithoutCancel(ctx)); err != nil {
		p.destroy(ctx, w, true)
		return err
	}
	if p.state.Load() != stateOpen {
		p.releaseLock()
		p.destroy(ctx, w, true)
		return ErrClosed
	}
	delete(p.missing, w.Slot)
	p.all = append(p.all, w)
	p.available = append(p.available, w)
	p.broadcast()
	p.releaseLock()
	return nil
}

// removeLocked drops w from the worker list. Must hold lock.
func (p *Pool) removeLocked(w *worker.Worker) {
	for i, x := range p.all {
		if x == w {
			p.all = append(p.all[:i], p.all[i+1:]...)
			return
		}
	}
}

// destroy stops w. Failures are logged; the caller carries on.
func (p *Pool) destroy(ctx context.Context, w *worker.Worker, graceful bool) {
	tier, err := w.Destroy(context.WithoutCancel(ctx), graceful)
	if errors.Is(err, worker.ErrDestroyed) {
		return
	}
	if err != nil {
		p.logger.Error("pool_destroy_failed",
			"worker_id", w.ID,
			"pid", w.PID,
			"error", err,
		)
	}
	if p.cfg.Callbacks.OnDestroy != nil {
		p.cfg.Callbacks.OnDestroy(tier, err)
	}
}

// startRefill keeps trying to create a worker for slot in the background.
func (p *Pool) startRefill(slot int) {
	if !p.cfg.Refill {
		return
	}
	p.refillMu.Lock()
	if p.state.Load() != stateOpen {
		p.refillMu.Unlock()
		return
	}
	p.refillWG.Add(1)
	p.refillMu.Unlock()

	go func() {
		defer p.refillWG.Done()
		b := backoff.New(slot, time.Now().UnixNano(), p.cfg.Backoff)
		err := backoff.Retry(p.refillCtx, b, p.cfg.RefillAttempts, func(ctx context.Context) error {
			nw, err := p.creator.Create(ctx, slot)
			if err != nil {
				p.logger.Warn("pool_refill_failed",
					"slot", slot,
					"attempt", b.Attempts()+1,
					"error", err,
				)
				return err
			}
			return p.insert(ctx, nw)
		})
		if err != nil {
			p.logger.Error("pool_refill_abandoned",
				"slot", slot,
				"error", err,
			)
			return
		}
		p.logger.Info("pool_refilled", "slot", slot)
	}()
}

// Shutdown destroys every worker, including checked-out ones, and tears
// down the backend. Only the first call does anything.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.refillMu.Lock()
	swapped := p.state.CompareAndSwap(stateOpen, stateClosing)
	p.refillMu.Unlock()
	if !swapped {
		return nil
	}
	p.refillCancel()
	p.refillWG.Wait()

	var victims []*worker.Worker
	if err := p.acquireLock(context.WithoutCancel(ctx)); err != nil {
		p.state.Store(stateClosed)
		return fmt.Errorf("shutdown: %w", err)
	}
	victims = append(victims, p.all...)
	p.all = nil
	p.available = nil
	p.inUse = make(map[*worker.Worker]struct{})
	p.missing = make(map[int]bool)
	p.broadcast()
	p.releaseLock()

	p.logger.Info("pool_shutting_down", "workers", len(victims))

	var errs []error
	for _, w := range victims {
		tier, err := w.Destroy(ctx, true)
		if errors.Is(err, worker.ErrDestroyed) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			p.logger.Error("pool_destroy_failed",
				"worker_id", w.ID,
				"pid", w.PID,
				"error", err,
			)
		}
		if p.cfg.Callbacks.OnDestroy != nil {
			p.cfg.Callbacks.OnDestroy(tier, err)
		}
	}
	if err := p.creator.Teardown(ctx); err != nil {
		errs = append(errs, err)
		p.logger.Error("pool_teardown_failed", "error", err)
	}

	p.state.Store(stateClosed)
	p.logger.Info("pool_stopped")
	return errors.Join(errs...)
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool { return p.state.Load() != stateOpen }

// Capacity returns the configured number of workers.
func (p *Pool) Capacity() int { return p.cfg.Capacity }
