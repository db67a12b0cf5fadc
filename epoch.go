package pinmap

import (
	"sync/atomic"
	"unsafe"
)

const guardSlotsPerChunk = 32

// collector implements epoch-based reclamation for unlinked nodes and
// retired tables. Every goroutine operating on a map pins itself first;
// memory unlinked while any overlapping pin is active is parked on a
// deferred list and only dropped once the global epoch has advanced past
// every such pin.
//
// The epoch invariant: a pinned slot carrying epoch p blocks the global
// epoch from advancing beyond p+1, and a deferred list for epoch e is
// drained only when the global epoch reaches e+2. Together these
// guarantee that no guard active at (or before) an unlink can still
// observe the memory when its callbacks run.
type collector struct {
	epoch     atomic.Uint64
	chunks    atomic.Pointer[guardChunk]
	bags      [3]retireBag
	reclaimed atomic.Uint64
}

// guardSlot state encoding: 0 means free, otherwise (epoch<<1)|1 while
// pinned. Slots are padded so two goroutines pinning concurrently do not
// share a cache line.
type guardSlot struct {
	state atomic.Uint64

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		state atomic.Uint64
	}{})%CacheLineSize) % CacheLineSize]byte
}

// guardChunk is a block of slots. Chunks are allocated on demand and
// CAS-published at the head of a singly linked list; they are never
// removed, so the registry scan needs no synchronization beyond the
// per-slot atomics.
type guardChunk struct {
	slots [guardSlotsPerChunk]guardSlot
	next  atomic.Pointer[guardChunk]
}

type retired struct {
	next *retired
	fn   func()
}

type retireBag struct {
	head atomic.Pointer[retired]

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		head atomic.Pointer[retired]
	}{})%CacheLineSize) % CacheLineSize]byte
}

// Guard is a thread-scoped token asserting "I may be holding references
// into the table; do not reclaim anything I could still see". Every map
// and set operation requires one. A Guard must only be used by the
// goroutine that acquired it and must be released exactly once.
//
// Keep in mind that for as long as you hold onto a Guard, you are
// delaying the reclamation of everything unlinked during its lifetime.
type Guard struct {
	c    *collector
	slot *guardSlot
}

func (c *collector) pin() *Guard {
	s := c.acquireSlot()
	// Settle on the current epoch: if the global epoch moves between the
	// publish and the re-read, republish so this pin never pins an epoch
	// older than one step behind.
	for {
		e := c.epoch.Load()
		s.state.Store(e<<1 | 1)
		if c.epoch.Load() == e {
			break
		}
	}
	return &Guard{c: c, slot: s}
}

func (c *collector) acquireSlot() *guardSlot {
	for {
		for ch := c.chunks.Load(); ch != nil; ch = ch.next.Load() {
			for i := range ch.slots {
				s := &ch.slots[i]
				if s.state.Load() == 0 &&
					s.state.CompareAndSwap(0, c.epoch.Load()<<1|1) {
					return s
				}
			}
		}
		// All slots busy; publish a fresh chunk with slot 0 pre-claimed.
		ch := new(guardChunk)
		ch.slots[0].state.Store(c.epoch.Load()<<1 | 1)
		for {
			head := c.chunks.Load()
			ch.next.Store(head)
			if c.chunks.CompareAndSwap(head, ch) {
				return &ch.slots[0]
			}
		}
	}
}

// Release unpins the guard. Any reference obtained through it becomes
// invalid; retaining one past this call is a contract violation.
// Releasing also opportunistically advances the epoch and drains
// whatever the advance made unreachable.
func (g *Guard) Release() {
	if g.slot == nil {
		panic("pinmap: Guard released twice")
	}
	g.slot.state.Store(0)
	g.slot = nil
	g.c.tryAdvance()
}

func (g *Guard) active() bool {
	return g != nil && g.slot != nil
}

// retire registers fn to run once no guard active at call time can still
// observe the memory it tears down.
func (c *collector) retire(fn func()) {
	bag := &c.bags[c.epoch.Load()%3]
	r := &retired{fn: fn}
	for {
		head := bag.head.Load()
		r.next = head
		if bag.head.CompareAndSwap(head, r) {
			return
		}
	}
}

// tryAdvance bumps the global epoch if every pinned slot has observed the
// current one, then drains the deferred list that the bump made safe.
func (c *collector) tryAdvance() {
	e := c.epoch.Load()
	for ch := c.chunks.Load(); ch != nil; ch = ch.next.Load() {
		for i := range ch.slots {
			st := ch.slots[i].state.Load()
			if st != 0 && st>>1 != e {
				return
			}
		}
	}
	if c.epoch.CompareAndSwap(e, e+1) {
		// New epoch E = e+1; the list for epoch E-2 ((E+1)%3) is now
		// invisible to every active guard.
		c.drain((e + 2) % 3)
	}
}

func (c *collector) drain(idx uint64) {
	head := c.bags[idx].head.Swap(nil)
	n := uint64(0)
	for r := head; r != nil; r = r.next {
		r.fn()
		n++
	}
	if n != 0 {
		c.reclaimed.Add(n)
	}
}
