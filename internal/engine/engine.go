package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/store"
)

// Defaults for engine options.
const (
	// DefaultMaxSteps bounds instructions per fiber resume. This prevents
	// a miscompiled loop without suspension points from spinning forever.
	DefaultMaxSteps = 1000

	// DefaultRetryLimit is the retry budget for failed service tasks.
	DefaultRetryLimit = 3

	// DefaultDeadLetterTTL is how long an unmatched delivery is parked.
	DefaultDeadLetterTTL = 24 * time.Hour

	// DefaultClaimTTL is the worker claim lease; expired claims are
	// requeued by recovery.
	DefaultClaimTTL = 5 * time.Minute
)

// Engine drives fiber execution over the durable store.
//
// Thread-safety model:
//   - all exported ports are safe from any goroutine
//   - mutations of one instance are serialized by its lock; the store's
//     single writer serializes the transactions themselves
//   - compiled programs are immutable, so the program cache needs only a
//     read/write mutex
type Engine struct {
	store    *store.Store
	registry *contract.Registry
	idgen    IDGenerator
	clock    Clock
	log      *slog.Logger

	maxSteps      int
	retryLimit    int64
	deadLetterTTL time.Duration
	claimTTL      time.Duration

	progMu   sync.RWMutex
	programs map[string]*bytecode.Program

	locks instanceLocks
}

// Option configures engine parameters.
type Option func(*Engine)

// WithMaxSteps sets the per-resume instruction budget.
//
// Default: 1000 steps (DefaultMaxSteps).
// Use a small value like WithMaxSteps(10) for testing quota enforcement.
func WithMaxSteps(maxSteps int) Option {
	return func(e *Engine) { e.maxSteps = maxSteps }
}

// WithRetryLimit sets the retry budget for failed service tasks.
func WithRetryLimit(n int64) Option {
	return func(e *Engine) { e.retryLimit = n }
}

// WithDeadLetterTTL sets how long unmatched deliveries are parked before
// being purged as unresolved.
func WithDeadLetterTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.deadLetterTTL = ttl }
}

// WithClaimTTL sets the worker claim lease duration.
func WithClaimTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.claimTTL = ttl }
}

// WithClock sets the wall clock (tests use FixedClock).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine over the store and contract registry.
//
// The registry is the process-wide, load-once contract table; the engine
// never mutates it. A registry reload means a new engine, not a live swap.
func New(s *store.Store, reg *contract.Registry, idgen IDGenerator, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		registry:      reg,
		idgen:         idgen,
		clock:         SystemClock{},
		log:           slog.Default(),
		maxSteps:      DefaultMaxSteps,
		retryLimit:    DefaultRetryLimit,
		deadLetterTTL: DefaultDeadLetterTTL,
		claimTTL:      DefaultClaimTTL,
		programs:      make(map[string]*bytecode.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store for read-only query ports.
func (e *Engine) Store() *store.Store { return e.store }

// program loads the pinned bytecode for a version, caching decoded
// programs. Programs are content-addressed and write-once, so the cache
// can never go stale.
func (e *Engine) program(ctx context.Context, version string) (*bytecode.Program, error) {
	e.progMu.RLock()
	p, ok := e.programs[version]
	e.progMu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.store.GetProgram(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}

	e.progMu.Lock()
	e.programs[version] = p
	e.progMu.Unlock()
	return p, nil
}

// nowMilli returns the clock reading as unix milliseconds, the wall-time
// representation persisted by the store.
func (e *Engine) nowMilli() int64 {
	return e.clock.Now().UnixMilli()
}

// fiberRef identifies one ready fiber in the drive queue.
type fiberRef struct {
	instanceID string
	fiberID    int64
}

// drain steps ready fibers one at a time until quiescent. Steps may ready
// more fibers (forks, join winners); those are appended and driven in FIFO
// order.
func (e *Engine) drain(ctx context.Context, ready []fiberRef) error {
	for len(ready) > 0 {
		ref := ready[0]
		ready = ready[1:]

		more, err := e.stepFiber(ctx, ref)
		if err != nil {
			return err
		}
		ready = append(ready, more...)
	}
	return nil
}

// instanceLocks serializes mutations per instance. Locks are created on
// first use and never removed; instances are archived, not deleted, and
// the per-instance footprint is one mutex.
type instanceLocks struct {
	m sync.Map // instance id -> *sync.Mutex
}

func (l *instanceLocks) lock(instanceID string) func() {
	mu, _ := l.m.LoadOrStore(instanceID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
