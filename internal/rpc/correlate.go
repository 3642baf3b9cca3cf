// Package rpc turns a bidirectional message channel into independently
// awaitable JSON-RPC calls. The Table tracks in-flight requests and
// routes each response to the one pending call with a matching id; the
// Conn pumps a Channel through the codec and the table so arbitrarily
// many callers can share one stream.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphub/internal/jsonrpc"
)

// DefaultTimeout bounds a call when the caller does not supply one.
const DefaultTimeout = 30 * time.Second

// ErrCancelled is returned from Pending.Await when the call was
// cancelled explicitly rather than resolved or rejected. Callers can
// tell it apart from a peer-reported error with errors.Is.
var ErrCancelled = errors.New("rpc: call cancelled")

// outcome is the single resolution event delivered to an awaiting caller.
type outcome struct {
	resp *jsonrpc.Response
	err  error
}

// Pending is the awaitable handle for one in-flight call. It resolves
// exactly once: with a response, a failure, a synthesized timeout
// response, or ErrCancelled — whichever happens first.
type Pending struct {
	id   string
	done chan outcome
}

// ID returns the correlation token for this call.
func (p *Pending) ID() string { return p.id }

// Await blocks until the call resolves or ctx is done. Context expiry
// does not remove the call from its table — the caller should follow
// up with Cancel if it is abandoning the call.
func (p *Pending) Await(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-p.done:
		return out.resp, out.err
	}
}

// Table owns the live set of pending calls. All mutation happens under
// its mutex; resolving, rejecting, or cancelling an id that is not in
// the live set is a silent no-op because responses legitimately race
// with timeouts across process boundaries.
type Table struct {
	mu      sync.Mutex
	pending map[string]*entry
	logger  *slog.Logger
}

type entry struct {
	call  *Pending
	timer *time.Timer
}

// NewTable creates an empty pending-call table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending: make(map[string]*entry),
		logger:  logger,
	}
}

// NewID returns a correlation token that is not currently in the live
// set. Collisions with long-resolved ids are fine; only concurrently
// pending calls must differ.
func (t *Table) NewID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, live := t.pending[id]; !live {
			return id
		}
	}
}

// Register creates a pending call for id and arms its timeout. When
// the timeout fires first, the call resolves with a synthesized
// timeout-shaped error response so callers that only understand
// responses still get a well-formed value.
func (t *Table) Register(id string, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &Pending{id: id, done: make(chan outcome, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := &entry{call: p}
	e.timer = time.AfterFunc(timeout, func() { t.timeout(id) })
	t.pending[id] = e
	return p
}

// Resolve routes a response to its pending call. Unknown ids are
// dropped silently: they are late replies for calls that already timed
// out, were cancelled, or were resolved by a duplicate.
func (t *Table) Resolve(resp *jsonrpc.Response) {
	if resp == nil {
		return
	}
	if e := t.remove(resp.ID); e != nil {
		e.call.done <- outcome{resp: resp}
	}
}

// Reject fails the pending call for id with cause. No-op for unknown ids.
func (t *Table) Reject(id string, cause error) {
	if e := t.remove(id); e != nil {
		e.call.done <- outcome{err: cause}
	}
}

// Cancel completes the pending call for id in the cancelled state.
// No-op for unknown ids.
func (t *Table) Cancel(id string) {
	if e := t.remove(id); e != nil {
		e.call.done <- outcome{err: ErrCancelled}
	}
}

// CancelAll cancels every pending call. Used on teardown.
func (t *Table) CancelAll() {
	for _, e := range t.removeAll() {
		e.call.done <- outcome{err: ErrCancelled}
	}
}

// RejectAll fails every pending call with cause. Used when the
// underlying channel drops with calls still in flight.
func (t *Table) RejectAll(cause error) {
	for _, e := range t.removeAll() {
		e.call.done <- outcome{err: cause}
	}
}

// Len reports the number of live pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// timeout resolves a call with a synthesized timeout response. By the
// time the timer fires the call may already be gone; that is the
// normal race and remove handles it.
func (t *Table) timeout(id string) {
	e := t.remove(id)
	if e == nil {
		return
	}
	t.logger.Debug("pending call timed out", "id", id)
	resp := jsonrpc.MakeError(id, jsonrpc.CodeTimeout, jsonrpc.ErrorMessage(jsonrpc.CodeTimeout), nil)
	e.call.done <- outcome{resp: resp}
}

// remove takes an entry out of the live set and disarms its timer.
// Returns nil if the id is not live.
func (t *Table) remove(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

// removeAll empties the live set and disarms every timer.
func (t *Table) removeAll() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*entry, 0, len(t.pending))
	for id, e := range t.pending {
		delete(t.pending, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		out = append(out, e)
	}
	return out
}
