// Package correlation matches asynchronous replies to the requests that caused
// them.
//
// A Table maps an outstanding request identifier to a one-shot continuation.
// Senders Register an id before writing the request, then wait on the
// returned channel. The reader side calls Settle when a reply arrives. Each
// entry is removed the instant it is settled, so sustained traffic never grows
// the table.
//
//	ch, err := table.Register(id)
//	if err != nil {
//	    return err
//	}
//	if err := write(frame); err != nil {
//	    table.Remove(id) // roll back; nobody will ever settle it
//	    return err
//	}
//	res := <-ch
//
// Settle on an unknown id (a late reply after a timeout, or a duplicate) is a
// no-op. After RejectAll the table is closed and further Register calls fail.
package correlation

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateID is returned when an id is registered while an entry for
	// it is still outstanding.
	ErrDuplicateID = errors.New("duplicate request id")

	// ErrTableClosed is returned by Register after RejectAll when no explicit
	// close error was supplied.
	ErrTableClosed = errors.New("correlation table closed")
)

// Result is what a continuation receives: a value or an error, never both.
type Result[V any] struct {
	Value V
	Err   error
}

// Table is a set of pending continuations keyed by request id.
// It is safe for concurrent use.
type Table[K comparable, V any] struct {
	mu       sync.Mutex
	pending  map[K]chan Result[V]
	closed   bool
	closeErr error
}

// New creates an empty table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{
		pending: make(map[K]chan Result[V]),
	}
}

// Register creates the pending entry for id and returns the channel that
// receives its result exactly once.
func (t *Table[K, V]) Register(id K) (<-chan Result[V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, t.closeErr
	}
	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateID, id)
	}

	// Buffered so Settle never blocks on a caller that stopped listening.
	ch := make(chan Result[V], 1)
	t.pending[id] = ch
	return ch, nil
}

// Settle delivers a result to the entry for id and removes it.
// It reports whether an entry existed; an unknown id is silently ignored.
func (t *Table[K, V]) Settle(id K, value V, err error) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- Result[V]{Value: value, Err: err}
	return true
}

// Remove drops the entry for id without delivering anything.
func (t *Table[K, V]) Remove(id K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// RejectAll settles every outstanding entry with err and closes the table.
// It returns the number of entries rejected. Calling it again is a no-op.
func (t *Table[K, V]) RejectAll(err error) int {
	if err == nil {
		err = ErrTableClosed
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	t.closeErr = err
	drained := t.pending
	t.pending = make(map[K]chan Result[V])
	t.mu.Unlock()

	var zero V
	for _, ch := range drained {
		ch <- Result[V]{Value: zero, Err: err}
	}
	return len(drained)
}

// Len returns the number of outstanding entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Closed reports whether RejectAll has been called.
func (t *Table[K, V]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
