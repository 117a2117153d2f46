// Package binder links one editable field to a remotely replicated value.
//
// A Binder keeps the locally edited value responsive while merging remote
// (value, timestamp) pairs as they arrive. Valid edits are written back through
// OnChange after a debounce window; the write timestamp is remembered so the
// replication echo of an older state can never overwrite a newer local edit.
//
//	b := binder.New(remoteName, remoteUpdatedAt, binder.Options[string]{
//	    Validate: func(v string) error { ... },
//	    OnChange: func(ctx context.Context, v string, at time.Time) error {
//	        return store.WriteAt(ctx, habitID, "Name", v, at)
//	    },
//	})
//	defer b.Dispose()
package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mschirtzinger/habitsync/internal/clock"
)

// DefaultDebounce is the write-back delay used when Options.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// ErrDisposed is returned by Flush after Dispose.
var ErrDisposed = errors.New("binder is disposed")

// Options configures a Binder.
type Options[T any] struct {
	// Debounce is the delay after the last valid edit before OnChange runs
	// (default: DefaultDebounce).
	Debounce time.Duration

	// Validate rejects an edit by returning an error. A panic counts as a
	// rejection. Nil accepts every edit.
	Validate func(T) error

	// AlwaysUpdate adopts every remote value regardless of its timestamp.
	AlwaysUpdate bool

	// OnChange writes a settled edit back to the remote. It is called at most
	// once per edit burst, with the timestamp assigned to the last edit.
	OnChange func(ctx context.Context, value T, at time.Time) error

	// Clock supplies edit timestamps and debounce timers (default: clock.System()).
	Clock clock.Clock

	// Logger for failed writes (default: slog.Default()).
	Logger *slog.Logger
}

type pendingWrite[T any] struct {
	value T
	at    time.Time
}

// Binder is the reconciliation state of one bound field.
type Binder[T any] struct {
	debounce     time.Duration
	validate     func(T) error
	alwaysUpdate bool
	onChange     func(ctx context.Context, value T, at time.Time) error
	clock        clock.Clock
	logger       *slog.Logger

	mu        sync.Mutex
	value     T
	validated T
	committed T
	lastWrite time.Time
	remote    T
	remoteAt  time.Time
	pending   *pendingWrite[T]
	timer     clock.Timer
	gen       uint64
	disposed  bool

	// flushMu serializes OnChange calls so writes leave in edit order.
	flushMu sync.Mutex
}

// New binds a field to the remote pair (remote, remoteAt). A zero remoteAt
// means the remote has no timestamp yet, so the next remote update is adopted
// unconditionally.
func New[T any](remote T, remoteAt time.Time, opts Options[T]) *Binder[T] {
	b := &Binder[T]{
		debounce:     opts.Debounce,
		validate:     opts.Validate,
		alwaysUpdate: opts.AlwaysUpdate,
		onChange:     opts.OnChange,
		clock:        opts.Clock,
		logger:       opts.Logger,
		value:        remote,
		validated:    remote,
		committed:    remote,
		lastWrite:    remoteAt,
		remote:       remote,
		remoteAt:     remoteAt,
	}
	if b.debounce <= 0 {
		b.debounce = DefaultDebounce
	}
	if b.clock == nil {
		b.clock = clock.System()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "binder")
	return b
}

// Value returns the current local value, valid or not.
func (b *Binder[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Validated returns the last value that passed validation, or the adopted
// remote value if no edit has been accepted since.
func (b *Binder[T]) Validated() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validated
}

// LastWrite returns the timestamp remote updates must beat to be adopted.
func (b *Binder[T]) LastWrite() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWrite
}

// Pending reports whether a debounced write is waiting.
func (b *Binder[T]) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// OnRemoteUpdate offers a remote (value, timestamp) pair. It is adopted when
// AlwaysUpdate is set, when no write timestamp is known yet, or when at is
// strictly after the last write. It reports whether the pair was adopted.
func (b *Binder[T]) OnRemoteUpdate(value T, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.alwaysUpdate && !b.lastWrite.IsZero() && !at.After(b.lastWrite) {
		return false
	}

	b.value = value
	b.validated = value
	b.committed = value
	b.remote = value
	b.remoteAt = at
	if at.After(b.lastWrite) {
		b.lastWrite = at
	}
	return true
}

// Update applies a local edit. The value is taken immediately; a write-back
// is scheduled only if it validates.
func (b *Binder[T]) Update(value T) {
	ok := b.check(value)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.value = value
	if !ok {
		return
	}

	at := b.clock.Now()
	if !at.After(b.lastWrite) {
		at = b.lastWrite.Add(time.Nanosecond)
	}
	b.lastWrite = at
	b.validated = value

	if b.disposed {
		b.logger.Debug("edit after dispose not written back")
		return
	}

	b.pending = &pendingWrite[T]{value: value, at: at}
	b.armLocked()
}

// Reset reverts to the last adopted remote pair and cancels any pending write.
func (b *Binder[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelLocked()
	b.value = b.remote
	b.validated = b.remote
	b.committed = b.remote
	b.lastWrite = b.remoteAt
}

// Flush runs a pending write now and returns its error.
func (b *Binder[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed && b.pending == nil {
		b.mu.Unlock()
		return ErrDisposed
	}
	b.cancelLocked()
	b.mu.Unlock()

	return b.write(ctx)
}

// Dispose flushes any pending write and stops further write-backs.
func (b *Binder[T]) Dispose(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.cancelLocked()
	b.disposed = true
	b.mu.Unlock()

	return b.write(ctx)
}

func (b *Binder[T]) check(value T) (ok bool) {
	if b.validate == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("validator panicked", "panic", r)
			ok = false
		}
	}()
	return b.validate(value) == nil
}

func (b *Binder[T]) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		if gen != b.gen {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		b.mu.Unlock()

		// Timer-driven writes have no caller to report to.
		_ = b.write(context.Background())
	})
}

func (b *Binder[T]) cancelLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

// write hands the pending value to OnChange. On failure the validated value
// rolls back to the last successful write unless a newer edit is pending.
func (b *Binder[T]) write(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.mu.Unlock()

	if p == nil || b.onChange == nil {
		if p != nil {
			b.mu.Lock()
			b.committed = p.value
			b.mu.Unlock()
		}
		return nil
	}

	err := b.call(ctx, p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.logger.Error("write-back failed", "at", p.at, "error", err)
		if b.pending == nil {
			b.validated = b.committed
		}
		return fmt.Errorf("failed to write value: %w", err)
	}
	b.committed = p.value
	return nil
}

func (b *Binder[T]) call(ctx context.Context, p *pendingWrite[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write-back panicked: %v", r)
		}
	}()
	return b.onChange(ctx, p.value, p.at)
}
