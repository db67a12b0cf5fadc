package pinmap

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// mapLoadFactor defines the occupancy threshold that triggers a table
	// grow during insertion. A table of n bins holds up to
	// mapLoadFactor*n entries before doubling (this is a soft limit).
	mapLoadFactor = 0.75
	// defaultMinTableLen defines the minimum table size (number of bins).
	defaultMinTableLen = 32
	// minBinsPerGoroutine defines the minimum chunk size for parallel
	// migration. Tables smaller than this are migrated single-threaded.
	minBinsPerGoroutine = 4
	// asyncResizeThreshold defines the minimum number of new-table bins
	// required to push a resize onto a background goroutine instead of
	// completing it on the triggering one.
	asyncResizeThreshold = 16 << 10
)

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	c uintptr

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c uintptr
	}{})%CacheLineSize) % CacheLineSize]byte
}

// table is one generation of bin storage: a power-of-two array of bin
// slots, striped size counters, and the chunk geometry used when this
// table is migrated to its successor. Tables are replaced wholesale on
// resize, never mutated bin-by-bin in place.
type table[K comparable, V any] struct {
	slots      []atomic.Pointer[bin[K, V]]
	size       []counterStripe
	generation uint64
	// number of chunks and chunk size for cooperative migration
	chunks    int
	chunkSize int
}

func newMapTable[K comparable, V any](tableLen, cpus int, generation uint64) *table[K, V] {
	chunkSize, chunks := calcParallelism(tableLen, minBinsPerGoroutine, cpus)
	return &table[K, V]{
		slots:      make([]atomic.Pointer[bin[K, V]], tableLen),
		size:       make([]counterStripe, calcSizeLen(tableLen, cpus)),
		generation: generation,
		chunks:     chunks,
		chunkSize:  chunkSize,
	}
}

// calcTableLen computes the bin count needed to hold sizeHint entries
// within the load factor. The result is a power of two.
func calcTableLen(sizeHint int) int {
	tableLen := defaultMinTableLen
	if sizeHint > int(float64(defaultMinTableLen)*mapLoadFactor) {
		tableLen = nextPowOf2(int(float64(sizeHint) / mapLoadFactor))
	}
	return tableLen
}

// calcSizeLen computes the counter stripe count; a power of two.
func calcSizeLen(tableLen, cpus int) int {
	return nextPowOf2(min(cpus, tableLen>>10))
}

func (t *table[K, V]) addSize(binIdx uintptr, delta int) {
	cidx := uintptr(len(t.size)-1) & binIdx
	atomic.AddUintptr(&t.size[cidx].c, uintptr(delta))
}

func (t *table[K, V]) sumSize() int {
	var sum int
	for i := range t.size {
		sum += int(atomic.LoadUintptr(&t.size[i].c))
	}
	return sum
}

func (t *table[K, V]) isZero() bool {
	for i := range t.size {
		if atomic.LoadUintptr(&t.size[i].c) != 0 {
			return false
		}
	}
	return true
}

func (t *table[K, V]) index(hash uintptr) uintptr {
	return uintptr(len(t.slots)-1) & spread(hash)
}

// calcParallelism calculates chunking for cooperative work over items.
// Returns the chunk size and the number of chunks, capped at the CPU
// count; small inputs stay single-chunk to avoid coordination overhead.
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}

type mapResizeHint int

const (
	mapGrowHint  mapResizeHint = 0
	mapClearHint mapResizeHint = 1
)

// resizeState represents an in-progress table replacement. It is
// published through the map's resizeState pointer; any goroutine that
// observes it may claim migration chunks and help finish.
type resizeState[K comparable, V any] struct {
	wg        sync.WaitGroup
	table     *table[K, V]
	newTable  atomic.Pointer[table[K, V]]
	fwd       atomic.Pointer[bin[K, V]]
	process   atomic.Int32
	completed atomic.Int32
}

// resize drives the table toward sizeHint bins. Growth proceeds one
// doubling at a time: the migration split relies on the successor table
// having exactly one extra address bit, so a large Reserve is a sequence
// of doublings rather than a single jump.
func (m *Map[K, V]) resize(hint mapResizeHint, sizeHint int, waitCompleted bool) {
	for {
		t := m.table.Load()
		tableLen := len(t.slots)
		newTableLen := sizeHint
		if hint == mapGrowHint {
			if tableLen >= sizeHint {
				return
			}
			newTableLen = tableLen << 1
		} else {
			if tableLen == sizeHint && t.isZero() {
				return
			}
		}

		ok, rs := m.tryResize(t, hint, newTableLen)
		if rs != nil && waitCompleted {
			rs.wg.Wait()
		}
		if ok && (hint == mapClearHint || !waitCompleted) {
			return
		}
	}
}

func (m *Map[K, V]) tryResize(
	t *table[K, V],
	hint mapResizeHint,
	newTableLen int,
) (bool, *resizeState[K, V]) {

	rs := m.resizeState.Load()
	if rs != nil {
		return false, rs
	}

	rs = new(resizeState[K, V])
	rs.wg.Add(1)
	rs.table = t

	// Winning this CAS makes us the coordinator for this resize.
	if !m.resizeState.CompareAndSwap(nil, rs) {
		return false, m.resizeState.Load()
	}

	// The table may have been replaced before we acquired the slot.
	if m.table.Load() != t {
		m.resizeState.Store(nil)
		rs.wg.Done()
		return false, nil
	}

	cpus := runtime.GOMAXPROCS(0)
	if hint == mapClearHint {
		nt := newMapTable[K, V](newTableLen, cpus, t.generation+1)
		m.table.Store(nt)
		m.resizeState.Store(nil)
		m.totalClears.Add(1)
		m.collector.retire(func() { t.slots = nil })
		rs.wg.Done()
		return true, nil
	}

	if newTableLen >= asyncResizeThreshold && cpus > 1 {
		go m.finalizeResize(t, newTableLen, rs, cpus)
		return true, rs
	}
	m.finalizeResize(t, newTableLen, rs, cpus)
	return true, nil
}

func (m *Map[K, V]) finalizeResize(
	t *table[K, V], newTableLen int, rs *resizeState[K, V], cpus int) {

	nt := newMapTable[K, V](newTableLen, cpus, t.generation+1)
	rs.fwd.Store(newForwardBin(nt))
	rs.newTable.Store(nt)
	m.totalGrowths.Add(1)
	m.helpCopyAndWait(rs)
}

// helpCopyAndWait joins an in-progress migration: claim a chunk of old
// bins through the shared cursor, migrate it, repeat; when no chunks
// remain, wait for the stragglers. The goroutine that completes the last
// chunk publishes the new table and retires the old one.
func (m *Map[K, V]) helpCopyAndWait(rs *resizeState[K, V]) {
	t := rs.table
	nt := rs.newTable.Load()
	if nt == nil {
		// Coordinator is still allocating; nothing to help with yet.
		rs.wg.Wait()
		return
	}
	fwd := rs.fwd.Load()
	tableLen := len(t.slots)
	chunks := int32(t.chunks)
	chunkSize := t.chunkSize
	for {
		process := rs.process.Add(1)
		if process > chunks {
			rs.wg.Wait()
			return
		}
		process--
		start := int(process) * chunkSize
		end := min(start+chunkSize, tableLen)
		m.migrateRange(t, nt, fwd, start, end)
		if rs.completed.Add(1) == chunks {
			m.table.Store(nt)
			m.resizeState.Store(nil)
			// Old bins and the nodes they still reference are garbage
			// now; sever the slot array once no guard can reach it.
			m.collector.retire(func() { t.slots = nil })
			rs.wg.Done()
			return
		}
	}
}

// migrateRange migrates old bins [start, end). Per bin: snapshot, split
// the nodes by the new address bit, publish the two halves into the new
// table, then swing the old slot to the forwarding bin. A failed swing
// means a writer got in between; redo the split from its result. The new
// slots are invisible until the forwarding bin lands, so they can be
// stored plainly and overwritten on retry.
func (m *Map[K, V]) migrateRange(t, nt *table[K, V], fwd *bin[K, V], start, end int) {
	copied := 0
	bit := uintptr(len(t.slots))
	ntLen := len(nt.slots)
	for i := start; i < end; i++ {
		slot := &t.slots[i]
		for {
			b := slot.Load()
			if b == nil {
				// Empty bins are forwarded too, or a late writer could
				// still insert into the retiring table.
				if slot.CompareAndSwap(nil, fwd) {
					break
				}
				continue
			}
			if b.kind == binForward {
				break
			}
			lo, hi, n := b.split(bit, ntLen)
			nt.slots[i].Store(lo)
			nt.slots[i+len(t.slots)].Store(hi)
			if slot.CompareAndSwap(b, fwd) {
				copied += n
				break
			}
		}
	}
	if copied != 0 {
		nt.addSize(uintptr(start), copied)
	}
}
