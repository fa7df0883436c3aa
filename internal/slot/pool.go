// Package slot manages the fixed inventory of exclusive session handles the
// broker transport uses to route asynchronous events back to a request.
package slot

import (
	"errors"
	"strconv"
	"sync"
)

// ErrExhausted is returned by Acquire when every slot is assigned.
// It is not fatal: callers retry on a later cycle.
var ErrExhausted = errors.New("slot: exhausted")

// Slot is an opaque session handle, e.g. "2001".
type Slot string

// Pool hands out slots to owners (correlation ids). There is no wait queue.
type Pool struct {
	mu       sync.Mutex
	free     []Slot          // FIFO: released slots go to the back
	byOwner  map[string]Slot // owner -> slot
	ownerOf  map[Slot]string // slot -> owner
	capacity int
}

// New creates a pool of count slots numbered from base ("2001", "2002", ...).
func New(base, count int) *Pool {
	ids := make([]Slot, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, Slot(strconv.Itoa(base+i)))
	}
	return NewWithIDs(ids)
}

// NewWithIDs creates a pool over an explicit set of slot ids.
// Duplicate ids are collapsed.
func NewWithIDs(ids []Slot) *Pool {
	p := &Pool{
		byOwner: make(map[string]Slot, len(ids)),
		ownerOf: make(map[Slot]string, len(ids)),
	}
	seen := make(map[Slot]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p.free = append(p.free, id)
	}
	p.capacity = len(p.free)
	return p
}

// Acquire returns the slot already held by owner, or assigns the oldest free one.
func (p *Pool) Acquire(owner string) (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.byOwner[owner]; ok {
		return s, nil
	}
	if len(p.free) == 0 {
		return "", ErrExhausted
	}
	s := p.free[0]
	p.free = p.free[1:]
	p.byOwner[owner] = s
	p.ownerOf[s] = owner
	return s, nil
}

// Release returns s to the free set if owner currently holds it.
// Releasing twice, or releasing a slot that has since been reassigned, is a no-op.
// It reports whether the slot was actually freed.
func (p *Pool) Release(s Slot, owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.ownerOf[s]; !ok || cur != owner {
		return false
	}
	delete(p.ownerOf, s)
	delete(p.byOwner, owner)
	p.free = append(p.free, s)
	return true
}

// ReleaseAll drains every assignment. Used at shutdown only.
// It returns the number of slots that were assigned.
func (p *Pool) ReleaseAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ownerOf)
	for s, owner := range p.ownerOf {
		delete(p.byOwner, owner)
		delete(p.ownerOf, s)
		p.free = append(p.free, s)
	}
	return n
}

// Owner returns the current owner of s.
func (p *Pool) Owner(s Slot) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.ownerOf[s]
	return o, ok
}

// Stats reports assigned and free counts.
type Stats struct {
	Capacity int `json:"capacity"`
	Assigned int `json:"assigned"`
	Free     int `json:"free"`
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Assigned: len(p.ownerOf),
		Free:     len(p.free),
	}
}
