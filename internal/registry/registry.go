// Package registry tracks in-flight protocol commands and correlates replies
// with the caller waiting on them.
//
// A single mutex guards both the pending map and the id counter. It is held
// only for map operations; continuations always run after the lock has been
// released because they are allowed to re-enter the session (for example to
// send a follow-up command).
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"debugbridge/internal/logging"
	"debugbridge/internal/protocol"
)

// Continuation receives the outcome of exactly one command.
type Continuation interface {
	Resolve(result json.RawMessage)
	Reject(err error)
}

// Funcs adapts a pair of functions to Continuation.
type Funcs struct {
	OnResult func(result json.RawMessage)
	OnError  func(err error)
}

// Resolve calls OnResult if set.
func (f Funcs) Resolve(result json.RawMessage) {
	if f.OnResult != nil {
		f.OnResult(result)
	}
}

// Reject calls OnError if set.
func (f Funcs) Reject(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// Outcome is a reply: a result, or an error when Err is non-nil.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Entry describes a pending request for diagnostics.
type Entry struct {
	ID        protocol.RequestID
	Method    string
	CreatedAt time.Time
}

type pendingRequest struct {
	Entry
	cont Continuation
}

// InvariantError reports misuse of the registry. It is raised with panic:
// these are programming errors, not runtime conditions.
type InvariantError struct {
	ID     protocol.RequestID
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("registry invariant violated for request %d: %s", e.ID, e.Reason)
}

// Registry maps request ids to pending continuations.
type Registry struct {
	mu      sync.Mutex
	lastID  protocol.RequestID
	pending map[protocol.RequestID]*pendingRequest
	now     func() time.Time
}

// New creates an empty registry. Ids start at 1.
func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock creates a registry that timestamps entries with now.
func NewWithClock(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		pending: make(map[protocol.RequestID]*pendingRequest),
		now:     now,
	}
}

// Allocate returns the next unused id, strictly greater than every id
// allocated before.
func (r *Registry) Allocate() protocol.RequestID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	return r.lastID
}

// Insert registers cont under id. id must come from Allocate and must not be
// pending already; otherwise Insert panics with *InvariantError.
func (r *Registry) Insert(id protocol.RequestID, method string, cont Continuation) {
	if cont == nil {
		panic(&InvariantError{ID: id, Reason: "nil continuation"})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id <= 0 || id > r.lastID {
		panic(&InvariantError{ID: id, Reason: "id was not allocated"})
	}
	if _, exists := r.pending[id]; exists {
		panic(&InvariantError{ID: id, Reason: "id already pending"})
	}
	r.pending[id] = &pendingRequest{
		Entry: Entry{ID: id, Method: method, CreatedAt: r.now()},
		cont:  cont,
	}
}

// Resolve removes id and fires its continuation with outcome. It returns
// false, without side effects, when id is not pending (already resolved,
// cancelled, abandoned, or never inserted).
func (r *Registry) Resolve(id protocol.RequestID, outcome Outcome) bool {
	r.mu.Lock()
	req, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		logging.Get(logging.CategoryRegistry).Debug("stale reply for request %d ignored", id)
		return false
	}
	if outcome.Err != nil {
		req.cont.Reject(outcome.Err)
	} else {
		req.cont.Resolve(outcome.Result)
	}
	return true
}

// Remove drops id without firing its continuation. Used when the caller
// abandons a request.
func (r *Registry) Remove(id protocol.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// CancelAll drains every pending entry and rejects each with reason. All
// continuations have fired by the time CancelAll returns. Entries inserted
// after the drain began are left for a later Resolve or CancelAll.
func (r *Registry) CancelAll(reason error) int {
	r.mu.Lock()
	drained := r.pending
	r.pending = make(map[protocol.RequestID]*pendingRequest)
	r.mu.Unlock()

	if len(drained) == 0 {
		return 0
	}

	// Fire in id order so callers observe cancellation in send order.
	reqs := make([]*pendingRequest, 0, len(drained))
	for _, req := range drained {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	for _, req := range reqs {
		req.cont.Reject(reason)
	}
	logging.Get(logging.CategoryRegistry).Debug("cancelled %d pending requests: %v", len(reqs), reason)
	return len(reqs)
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Lookup returns the entry for id if it is pending.
func (r *Registry) Lookup(id protocol.RequestID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return Entry{}, false
	}
	return req.Entry, true
}

// Snapshot returns the pending entries ordered by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.pending))
	for _, req := range r.pending {
		entries = append(entries, req.Entry)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
