// Package sessions is the process-wide table of live bridge sessions keyed by
// conversation id.
package sessions

import (
	"context"
	"slices"
	"sync"

	"github.com/vango-go/vai-bridge/pkg/core"
)

// Handle is what the registry needs from a live session.
type Handle interface {
	Stop(reason string)
	Done() <-chan struct{}
}

// Registry enforces at most one live session per conversation. Entries leave
// the table when their session is done or when they are taken for stopping,
// whichever comes first.
type Registry[H Handle] struct {
	mu      sync.Mutex
	entries map[string]*entry[H]
	wg      sync.WaitGroup
}

type entry[H Handle] struct {
	handle H
}

func New[H Handle]() *Registry[H] {
	return &Registry[H]{
		entries: make(map[string]*entry[H]),
	}
}

// Reserve claims id for h. It fails with core.ErrAlreadyActive, leaving the
// existing entry untouched, when id is already live.
func (r *Registry[H]) Reserve(id string, h H) error {
	e := &entry[H]{handle: h}

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*entry[H])
	}
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return core.ErrAlreadyActive.WithMessage("a bridge session is already active for conversation %q", id)
	}
	r.entries[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		<-h.Done()
		r.remove(id, e)
	}()
	return nil
}

func (r *Registry[H]) remove(id string, e *entry[H]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] != e {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry[H]) Lookup(id string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero H
		return zero, false
	}
	return e.handle, true
}

// Take removes id from the table and returns its session. A new session for
// the same conversation may be reserved as soon as Take returns, even while
// the old one is still tearing down.
func (r *Registry[H]) Take(id string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero H
		return zero, false
	}
	delete(r.entries, id)
	return e.handle, true
}

// Release removes id only while it still maps to h. It is used when a
// reserved session fails to start, so the id is free before the caller
// reports the failure.
func (r *Registry[H]) Release(id string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || any(e.handle) != any(h) {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry[H]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the live conversation ids in sorted order.
func (r *Registry[H]) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Snapshot returns the live sessions ordered by conversation id.
func (r *Registry[H]) Snapshot() []H {
	ids := r.IDs()
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.Lookup(id); ok {
			out = append(out, h)
		}
	}
	return out
}

// StopAll takes every entry and stops it.
func (r *Registry[H]) StopAll(reason string) (stopped int) {
	r.mu.Lock()
	handles := make([]H, 0, len(r.entries))
	for id, e := range r.entries {
		handles = append(handles, e.handle)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Stop(reason)
		stopped++
	}
	return stopped
}

// Wait blocks until every session ever reserved is done, or ctx ends.
func (r *Registry[H]) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
