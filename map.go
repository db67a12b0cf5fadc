package pinmap

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync/atomic"
	"unsafe"
)

// enableFastPath short-circuits operations that turn out to be
// read-only (deleting an absent key, load-or-store of a present one)
// before entering the conditional-replace loop.
const enableFastPath = true

// Map is a concurrent hash map safe for use by multiple goroutines
// without additional locking. Unlike sync.Map it requires every
// operation to run under an epoch Guard obtained from Pin, which is
// what allows removed entries to be reclaimed deterministically while
// readers still hold references into the structure.
//
// Internally the map is an array of bins addressed by hash. A bin is an
// immutable value: a short chain of entries, a hash-ordered tree once
// the chain grows past a threshold, or a forwarding marker while the
// table is being migrated to a doubled successor. All mutations build a
// replacement bin and publish it with a single compare-and-swap of the
// table slot; contention and in-progress migration are resolved by
// retrying, never by blocking on a lock. Any goroutine that observes a
// migration in progress helps carry it forward, so resizes are
// cooperative and never stop readers.
//
// The zero value is ready to use. A Map must not be copied after first
// use.
type Map[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table        atomic.Pointer[table[struct{}, struct{}]]
		resizeState  atomic.Pointer[resizeState[struct{}, struct{}]]
		totalGrowths atomic.Uint32
		totalClears  atomic.Uint32
		collector    collector
		seed         uintptr
		keyHash      hashFunc
		minTableLen  int
	}{})%CacheLineSize) % CacheLineSize]byte

	table        atomic.Pointer[table[K, V]]
	resizeState  atomic.Pointer[resizeState[K, V]]
	totalGrowths atomic.Uint32
	totalClears  atomic.Uint32
	collector    collector
	seed         uintptr
	keyHash      hashFunc
	minTableLen  int // WithPresize
}

// NewMap creates a new Map instance. Direct initialization of the zero
// value is also supported.
//
// Parameters:
//   - WithPresize option for initial capacity
func NewMap[K comparable, V any](options ...func(*MapConfig)) *Map[K, V] {
	return NewMapWithHasher[K, V](nil, options...)
}

// NewMapWithHasher creates a Map with a custom key hashing function.
// A nil keyHash uses the built-in hasher.
func NewMapWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(keyHash, options...)
	return m
}

// MapConfig defines configurable Map options.
type MapConfig struct {
	sizeHint int
}

// WithPresize configures a new Map instance with capacity enough to
// hold sizeHint entries. The capacity is treated as the minimal
// capacity: the table never shrinks below it (Clear resets to it). If
// sizeHint is zero or negative, the value is ignored.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// Init configures the Map in place. It is not thread-safe and can only
// be used before the Map is utilized; if it is not called, the map
// initializes itself lazily with the default configuration.
func (m *Map[K, V]) Init(
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*MapConfig),
) {
	var hs hashFunc
	if keyHash != nil {
		hs = func(p unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(p), seed)
		}
	}
	m.init(hs, options...)
}

func (m *Map[K, V]) init(hs hashFunc, options ...func(*MapConfig)) *table[K, V] {
	c := &MapConfig{}
	for _, o := range options {
		o(c)
	}

	m.seed = uintptr(rand.Uint64())
	m.keyHash = defaultHasher[K]()
	if hs != nil {
		m.keyHash = hs
	}
	m.minTableLen = calcTableLen(c.sizeHint)

	t := newMapTable[K, V](m.minTableLen, runtime.GOMAXPROCS(0), 0)
	m.table.Store(t)
	return t
}

// initSlow may be called concurrently by multiple goroutines, so it
// synchronizes through the resize coordinator slot.
func (m *Map[K, V]) initSlow() *table[K, V] {
	for {
		if t := m.table.Load(); t != nil {
			return t
		}
		rs := m.resizeState.Load()
		if rs != nil {
			rs.wg.Wait()
			continue
		}
		rs = new(resizeState[K, V])
		rs.wg.Add(1)
		if !m.resizeState.CompareAndSwap(nil, rs) {
			continue
		}
		t := m.table.Load()
		if t == nil {
			t = m.init(nil)
		}
		m.resizeState.Store(nil)
		rs.wg.Done()
		return t
	}
}

// Pin marks the calling goroutine as active and returns the Guard that
// every other operation requires. While the Guard is held, nothing
// reachable from the map at pin time will be reclaimed. Release the
// Guard as soon as the batch of operations is done; holding one across
// a long-lived scope delays reclamation of everything unlinked during
// that scope.
func (m *Map[K, V]) Pin() *Guard {
	return m.collector.pin()
}

// PinRef returns a view of the map with the calling goroutine pinned;
// see MapRef.
func (m *Map[K, V]) PinRef() *MapRef[K, V] {
	return &MapRef[K, V]{m: m, g: m.Pin()}
}

func (m *Map[K, V]) check(g *Guard) {
	if !g.active() {
		panic("pinmap: operation requires an active Guard")
	}
	if g.c != &m.collector {
		panic("pinmap: Guard was pinned on a different collection")
	}
}

// findNode locates the live node for key, following forwarding bins
// into the table under construction.
func (m *Map[K, V]) findNode(t *table[K, V], hash uintptr, key *K) *node[K, V] {
	for {
		b := t.slots[t.index(hash)].Load()
		if b != nil && b.kind == binForward {
			t = b.fwd
			continue
		}
		return b.find(hash, key)
	}
}

// Load retrieves the value for a key. The returned value is a copy; use
// Get for a reference scoped to the guard.
func (m *Map[K, V]) Load(g *Guard, key K) (value V, ok bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		return
	}
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	if n := m.findNode(t, hash, &key); n != nil {
		return n.value, true
	}
	return
}

// Get retrieves a reference to the value for a key. The reference stays
// valid for the lifetime of the guard, even if the entry is concurrently
// removed or replaced; it must not be retained past Release.
func (m *Map[K, V]) Get(g *Guard, key K) (value *V, ok bool) {
	if n := m.getNode(g, key); n != nil {
		return &n.value, true
	}
	return nil, false
}

func (m *Map[K, V]) getNode(g *Guard, key K) *node[K, V] {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		return nil
	}
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	return m.findNode(t, hash, &key)
}

// Contains reports whether the map holds the key.
func (m *Map[K, V]) Contains(g *Guard, key K) bool {
	_, ok := m.Get(g, key)
	return ok
}

// processEntry is the foundation of every mutation: locate the bin,
// consult fn with the current node for the key (nil if absent), build
// the replacement bin and publish it with a compare-and-swap of the
// slot. A lost CAS or an encountered forwarding bin restarts the loop;
// fn may therefore be called more than once if the bin changes
// concurrently.
//
// fn's contract: return nil to delete (or to do nothing when old is
// nil), old itself for no modification, or a fresh node to
// insert/replace. The V and bool results are passed through.
func (m *Map[K, V]) processEntry(
	t *table[K, V],
	hash uintptr,
	key *K,
	fn func(old *node[K, V]) (*node[K, V], V, bool),
) (V, bool) {
	spins := 0
	for {
		idx := t.index(hash)
		slot := &t.slots[idx]
		b := slot.Load()

		if b != nil && b.kind == binForward {
			// Help finish the migration, then restart on whichever
			// table is current.
			if rs := m.resizeState.Load(); rs != nil && rs.table != nil {
				m.helpCopyAndWait(rs)
			}
			if nt := m.table.Load(); nt != t {
				t = nt
			} else {
				t = b.fwd
			}
			continue
		}

		old := b.find(hash, key)
		newNode, value, status := fn(old)

		if newNode == old {
			// Covers both "absent and leave absent" and "present and
			// leave as-is".
			return value, status
		}

		var nb *bin[K, V]
		switch {
		case old == nil: // insert
			newNode.hash = hash
			newNode.key = *key
			nb = b.withInsert(newNode, len(t.slots))
		case newNode != nil: // replace
			newNode.hash = hash
			newNode.key = *key
			nb = b.withReplace(old, newNode)
		default: // remove
			nb = b.withRemove(old)
		}

		if !slot.CompareAndSwap(b, nb) {
			delay(&spins)
			continue
		}

		switch {
		case old == nil:
			t.addSize(idx, 1)
			tableLen := len(t.slots)
			if nb.kind == binChain && nb.count > treeifyThreshold &&
				tableLen < minTreeBinTableLen {
				// Pathological bin in a small table: growing spreads the
				// keys more cheaply than a tree would.
				m.tryResize(t, mapGrowHint, tableLen<<1)
			} else if t.sumSize() >= int(float64(tableLen)*mapLoadFactor) {
				m.tryResize(t, mapGrowHint, tableLen<<1)
			}
		case newNode == nil:
			t.addSize(idx, -1)
			m.retireNode(old)
		default:
			m.retireNode(old)
		}
		return value, status
	}
}

// retireNode hands an unlinked node to the collector. The severing runs
// once no guard that could still see the node remains active; until
// then, references obtained under such guards stay valid.
func (m *Map[K, V]) retireNode(n *node[K, V]) {
	m.collector.retire(func() {
		n.next = nil
		var zero V
		n.value = zero
	})
}

func (m *Map[K, V]) hashOf(key *K) uintptr {
	return m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
}

// Store inserts or updates the value for a key.
func (m *Map[K, V]) Store(g *Guard, key K, value V) {
	m.Swap(g, key, value)
}

// Swap stores value for key and returns the previous value if any.
func (m *Map[K, V]) Swap(g *Guard, key K, value V) (previous V, loaded bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		t = m.initSlow()
	}
	hash := m.hashOf(&key)
	return m.processEntry(t, hash, &key,
		func(old *node[K, V]) (*node[K, V], V, bool) {
			if old != nil {
				return &node[K, V]{value: value}, old.value, true
			}
			var zero V
			return &node[K, V]{value: value}, zero, false
		},
	)
}

// LoadOrStore retrieves the existing value for key if present;
// otherwise it stores value. The loaded result is true if the value was
// loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(g *Guard, key K, value V) (actual V, loaded bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		t = m.initSlow()
	}
	hash := m.hashOf(&key)

	if enableFastPath {
		if n := m.findNode(t, hash, &key); n != nil {
			return n.value, true
		}
	}

	return m.processEntry(t, hash, &key,
		func(old *node[K, V]) (*node[K, V], V, bool) {
			if old != nil {
				return old, old.value, true
			}
			return &node[K, V]{value: value}, value, false
		},
	)
}

// Delete removes the entry for a key.
func (m *Map[K, V]) Delete(g *Guard, key K) {
	m.LoadAndDelete(g, key)
}

// LoadAndDelete removes the entry for a key, returning the previous
// value if the map held one.
func (m *Map[K, V]) LoadAndDelete(g *Guard, key K) (value V, loaded bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		return
	}
	hash := m.hashOf(&key)

	if enableFastPath {
		if n := m.findNode(t, hash, &key); n == nil {
			return
		}
	}

	return m.processEntry(t, hash, &key,
		func(old *node[K, V]) (*node[K, V], V, bool) {
			if old != nil {
				return nil, old.value, true
			}
			var zero V
			return nil, zero, false
		},
	)
}

// Take removes the entry for a key and returns a reference to the
// removed value. Like Get, the reference is valid for the guard's
// lifetime only.
func (m *Map[K, V]) Take(g *Guard, key K) (value *V, ok bool) {
	if n, ok := m.takeNode(g, key); ok {
		return &n.value, true
	}
	return nil, false
}

func (m *Map[K, V]) takeNode(g *Guard, key K) (*node[K, V], bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		return nil, false
	}
	hash := m.hashOf(&key)

	if enableFastPath {
		if n := m.findNode(t, hash, &key); n == nil {
			return nil, false
		}
	}

	var taken *node[K, V]
	_, ok := m.processEntry(t, hash, &key,
		func(old *node[K, V]) (*node[K, V], V, bool) {
			taken = old
			var zero V
			return nil, zero, old != nil
		},
	)
	if !ok {
		return nil, false
	}
	return taken, true
}

// ComputeOp directs what Compute does with the entry.
type ComputeOp int

const (
	// CancelOp signals to Compute to not do anything as a result of
	// executing the lambda. If the entry was not present, nothing
	// happens, and if it was present, the returned value is ignored.
	CancelOp ComputeOp = iota
	// UpdateOp signals to Compute to update the entry to the value
	// returned by the lambda, creating it if necessary.
	UpdateOp
	// DeleteOp signals to Compute to always delete the entry from the
	// map.
	DeleteOp
)

// Compute either sets the computed new value for the key, deletes the
// entry, or does nothing, based on the returned ComputeOp. The ok
// result indicates whether the entry is present after the operation;
// actual holds the value if present.
//
// valueFn is re-invoked if the bin changed concurrently between the
// read and the conditional replace, so it must be pure with respect to
// its inputs.
func (m *Map[K, V]) Compute(
	g *Guard,
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		t = m.initSlow()
	}
	hash := m.hashOf(&key)
	return m.processEntry(t, hash, &key,
		func(old *node[K, V]) (*node[K, V], V, bool) {
			if old != nil {
				newValue, op := valueFn(old.value, true)
				switch op {
				case UpdateOp:
					return &node[K, V]{value: newValue}, newValue, true
				case DeleteOp:
					return nil, old.value, false
				}
				return old, old.value, true
			}
			var zero V
			newValue, op := valueFn(zero, false)
			if op == UpdateOp {
				return &node[K, V]{value: newValue}, newValue, true
			}
			return nil, zero, false
		},
	)
}

// Retain keeps only the entries for which pred returns true. Each bin
// is filtered against a consistent snapshot of itself; there is no
// single snapshot across bins.
func (m *Map[K, V]) Retain(g *Guard, pred func(key K, value V) bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		return
	}
	for i := range t.slots {
		m.retainBin(t, i, pred)
	}
}

func (m *Map[K, V]) retainBin(t *table[K, V], i int, pred func(key K, value V) bool) {
	slot := &t.slots[i]
	spins := 0
	for {
		b := slot.Load()
		if b == nil {
			return
		}
		if b.kind == binForward {
			nt := b.fwd
			m.retainBin(nt, i, pred)
			m.retainBin(nt, i+len(t.slots), pred)
			return
		}
		var head *node[K, V]
		var removed []*node[K, V]
		kept := 0
		b.forEach(func(n *node[K, V]) bool {
			if pred(n.key, n.value) {
				c := *n
				c.next = head
				head = &c
				kept++
			} else {
				removed = append(removed, n)
			}
			return true
		})
		if len(removed) == 0 {
			return
		}
		if !slot.CompareAndSwap(b, buildBin(head, kept, len(t.slots))) {
			delay(&spins)
			continue
		}
		t.addSize(uintptr(i), -len(removed))
		for _, n := range removed {
			m.retireNode(n)
		}
		return
	}
}

// Clear removes all entries, resetting the table to its minimum
// capacity. Operations overlapping the Clear may be serialized before
// it and thus not survive.
func (m *Map[K, V]) Clear(g *Guard) {
	m.check(g)
	if m.table.Load() == nil {
		return
	}
	m.resize(mapClearHint, m.minTableLen, true)
}

// Reserve grows the table so that at least additional more entries fit
// without further resizing.
func (m *Map[K, V]) Reserve(g *Guard, additional int) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		t = m.initSlow()
	}
	m.resize(mapGrowHint, calcTableLen(t.sumSize()+additional), true)
}

// rangeEntries iterates all nodes visible to this guard. A forwarding
// bin is resolved by descending into the two successor slots of the new
// table, so migrated entries are visited exactly where they live now.
func (m *Map[K, V]) rangeEntries(g *Guard, yield func(*node[K, V]) bool) {
	m.check(g)
	t := m.table.Load()
	if t == nil {
		return
	}
	for i := range t.slots {
		if !rangeBin(t, i, yield) {
			return
		}
	}
}

func rangeBin[K comparable, V any](t *table[K, V], i int, yield func(*node[K, V]) bool) bool {
	b := t.slots[i].Load()
	if b == nil {
		return true
	}
	if b.kind == binForward {
		nt := b.fwd
		return rangeBin(nt, i, yield) && rangeBin(nt, i+len(t.slots), yield)
	}
	return b.forEach(yield)
}

// Range iterates over the entries of the map. The iteration is weakly
// consistent: it reflects some per-bin snapshot taken as the walk
// passes, not a single global one. Entries are yielded at most once per
// call; a fresh call produces a fresh sequence.
func (m *Map[K, V]) Range(g *Guard, yield func(key K, value V) bool) {
	m.rangeEntries(g, func(n *node[K, V]) bool {
		return yield(n.key, n.value)
	})
}

// All is the iterator form of Range.
func (m *Map[K, V]) All(g *Guard) func(yield func(K, V) bool) {
	return func(yield func(K, V) bool) {
		m.Range(g, yield)
	}
}

// Size returns the number of entries. Under concurrent mutation the
// result is a best-effort, eventually consistent count. O(stripes), no
// guard required.
func (m *Map[K, V]) Size() int {
	t := m.table.Load()
	if t == nil {
		return 0
	}
	return t.sumSize()
}

// IsEmpty reports whether the map holds no entries; same consistency
// caveats as Size.
func (m *Map[K, V]) IsEmpty() bool {
	t := m.table.Load()
	if t == nil {
		return true
	}
	return t.isZero()
}

// EqualFunc reports whether both maps hold the same keys with values
// equal under eq. Each map is iterated under its own guard; there is no
// atomicity across the two, so concurrent mutation yields a fuzzy
// comparison.
func (m *Map[K, V]) EqualFunc(
	other *Map[K, V],
	g, otherG *Guard,
	eq func(a, b V) bool,
) bool {
	if m.Size() != other.Size() {
		return false
	}
	equal := true
	m.rangeEntries(g, func(n *node[K, V]) bool {
		ov, ok := other.Load(otherG, n.key)
		if !ok || !eq(n.value, ov) {
			equal = false
		}
		return equal
	})
	return equal
}

// ToMap collects the entries into a plain map[K]V under the guard.
func (m *Map[K, V]) ToMap(g *Guard) map[K]V {
	a := make(map[K]V, m.Size())
	m.rangeEntries(g, func(n *node[K, V]) bool {
		a[n.key] = n.value
		return true
	})
	return a
}

func (m *Map[K, V]) toMapWithLimit(g *Guard, limit int) map[K]V {
	if limit < 0 {
		limit = math.MaxInt
	}
	a := make(map[K]V, min(m.Size(), limit))
	m.rangeEntries(g, func(n *node[K, V]) bool {
		a[n.key] = n.value
		limit--
		return limit > 0
	})
	return a
}

// String implements fmt.Stringer, pinning internally.
func (m *Map[K, V]) String() string {
	const limit = 1024
	g := m.Pin()
	defer g.Release()
	return strings.Replace(fmt.Sprint(m.toMapWithLimit(g, limit)), "map[", "Map[", 1)
}

// MarshalJSON serializes the map as a JSON object.
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	g := m.Pin()
	defer g.Release()
	return json.Marshal(m.ToMap(g))
}

// UnmarshalJSON merges a JSON object into the map.
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	g := m.Pin()
	defer g.Release()
	for k, v := range a {
		m.Store(g, k, v)
	}
	return nil
}

// Stats returns statistics for the Map, pinning internally. It is
// thread-safe, but it is an O(N) operation meant for diagnostics only.
func (m *Map[K, V]) Stats() *MapStats {
	g := m.Pin()
	defer g.Release()
	stats := &MapStats{
		TotalGrowths: m.totalGrowths.Load(),
		TotalClears:  m.totalClears.Load(),
		MinEntries:   math.MaxInt,
	}
	t := m.table.Load()
	if t == nil {
		stats.MinEntries = 0
		return stats
	}
	stats.RootBins = len(t.slots)
	stats.Generation = t.generation
	stats.Counter = t.sumSize()
	stats.CounterLen = len(t.size)
	for i := range t.slots {
		nentries := 0
		switch b := t.slots[i].Load(); {
		case b == nil:
			stats.EmptyBins++
		case b.kind == binForward:
			stats.ForwardBins++
		case b.kind == binTree:
			stats.TreeBins++
			nentries = b.count
		default:
			stats.Chains++
			nentries = b.count
		}
		stats.Size += nentries
		if nentries < stats.MinEntries {
			stats.MinEntries = nentries
		}
		if nentries > stats.MaxEntries {
			stats.MaxEntries = nentries
		}
	}
	return stats
}

// MapStats is Map statistics.
//
// Warning: map statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// RootBins is the number of bins in the current table.
	RootBins int
	// EmptyBins is the number of bins that hold no entries.
	EmptyBins int
	// Chains is the number of bins stored as linked chains.
	Chains int
	// TreeBins is the number of bins promoted to hash-ordered trees.
	TreeBins int
	// ForwardBins is the number of bins already migrated to an
	// in-progress successor table.
	ForwardBins int
	// Size is the number of entries counted during the scan. In case of
	// concurrent modification it may differ from Counter.
	Size int
	// Counter is the entry count according to the striped counters.
	Counter int
	// CounterLen is the number of counter stripes.
	CounterLen int
	// MinEntries is the minimum number of entries per bin.
	MinEntries int
	// MaxEntries is the maximum number of entries per bin.
	MaxEntries int
	// TotalGrowths is the number of times the table grew.
	TotalGrowths uint32
	// TotalClears is the number of times the table was reset by Clear.
	TotalClears uint32
	// Generation is the current table's generation counter,
	// incremented on every replacement.
	Generation uint64
}

// ToString returns a string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("RootBins:     %d\n", s.RootBins))
	sb.WriteString(fmt.Sprintf("EmptyBins:    %d\n", s.EmptyBins))
	sb.WriteString(fmt.Sprintf("Chains:       %d\n", s.Chains))
	sb.WriteString(fmt.Sprintf("TreeBins:     %d\n", s.TreeBins))
	sb.WriteString(fmt.Sprintf("ForwardBins:  %d\n", s.ForwardBins))
	sb.WriteString(fmt.Sprintf("Size:         %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:      %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("CounterLen:   %d\n", s.CounterLen))
	sb.WriteString(fmt.Sprintf("MinEntries:   %d\n", s.MinEntries))
	sb.WriteString(fmt.Sprintf("MaxEntries:   %d\n", s.MaxEntries))
	sb.WriteString(fmt.Sprintf("TotalGrowths: %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalClears:  %d\n", s.TotalClears))
	sb.WriteString(fmt.Sprintf("Generation:   %d\n", s.Generation))
	sb.WriteString("}\n")
	return sb.String()
}
