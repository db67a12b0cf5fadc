package pinmap

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// waitResizeQuiesce blocks until no table migration is in flight, so
// size and stats assertions see settled counters.
func waitResizeQuiesce[K comparable, V any](m *Map[K, V]) {
	for m.resizeState.Load() != nil {
		runtime.Gosched()
	}
}

func TestMapZeroValueReady(t *testing.T) {
	var m Map[string, int]
	require.True(t, m.IsEmpty())
	require.Equal(t, 0, m.Size())
	g := m.Pin()
	defer g.Release()
	m.Store(g, "a", 1)
	v, ok := m.Load(g, "a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 1, m.Size())
}

func TestMapStoreLoadDelete(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	_, ok := m.Load(g, "missing")
	require.False(t, ok)
	require.False(t, m.Contains(g, "missing"))

	m.Store(g, "a", 1)
	m.Store(g, "b", 2)
	require.Equal(t, 2, m.Size())
	require.True(t, m.Contains(g, "a"))

	m.Store(g, "a", 10)
	v, ok := m.Load(g, "a")
	require.True(t, ok)
	require.Equal(t, 10, v)
	require.Equal(t, 2, m.Size())

	m.Delete(g, "a")
	require.False(t, m.Contains(g, "a"))
	require.Equal(t, 1, m.Size())
}

func TestMapSwap(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	prev, loaded := m.Swap(g, "k", 1)
	require.False(t, loaded)
	require.Zero(t, prev)

	prev, loaded = m.Swap(g, "k", 2)
	require.True(t, loaded)
	require.Equal(t, 1, prev)
}

func TestMapLoadOrStore(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	actual, loaded := m.LoadOrStore(g, "k", 1)
	require.False(t, loaded)
	require.Equal(t, 1, actual)

	actual, loaded = m.LoadOrStore(g, "k", 2)
	require.True(t, loaded)
	require.Equal(t, 1, actual)
	require.Equal(t, 1, m.Size())
}

func TestMapLoadAndDeleteIdempotent(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	m.Store(g, "k", 7)
	v, loaded := m.LoadAndDelete(g, "k")
	require.True(t, loaded)
	require.Equal(t, 7, v)

	v, loaded = m.LoadAndDelete(g, "k")
	require.False(t, loaded)
	require.Zero(t, v)
	require.Equal(t, 0, m.Size())
}

func TestMapGetReference(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	m.Store(g, "k", 42)
	p, ok := m.Get(g, "k")
	require.True(t, ok)
	require.Equal(t, 42, *p)

	// Updating installs a replacement node; the reference keeps
	// observing the value it was obtained for.
	m.Store(g, "k", 43)
	require.Equal(t, 42, *p)
	q, _ := m.Get(g, "k")
	require.Equal(t, 43, *q)
}

func TestMapTake(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	_, ok := m.Take(g, "k")
	require.False(t, ok)

	m.Store(g, "k", 9)
	p, ok := m.Take(g, "k")
	require.True(t, ok)
	require.Equal(t, 9, *p)
	require.False(t, m.Contains(g, "k"))

	_, ok = m.Take(g, "k")
	require.False(t, ok)
}

func TestMapCompute(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	defer g.Release()

	// Absent, cancel: nothing stored.
	v, ok := m.Compute(g, "k", func(old int, loaded bool) (int, ComputeOp) {
		require.False(t, loaded)
		return 0, CancelOp
	})
	require.False(t, ok)
	require.False(t, m.Contains(g, "k"))

	// Absent, update: inserted.
	v, ok = m.Compute(g, "k", func(old int, loaded bool) (int, ComputeOp) {
		return 10, UpdateOp
	})
	require.True(t, ok)
	require.Equal(t, 10, v)

	// Present, update.
	v, ok = m.Compute(g, "k", func(old int, loaded bool) (int, ComputeOp) {
		require.True(t, loaded)
		return old + 5, UpdateOp
	})
	require.True(t, ok)
	require.Equal(t, 15, v)

	// Present, cancel: unchanged.
	v, ok = m.Compute(g, "k", func(old int, loaded bool) (int, ComputeOp) {
		return 999, CancelOp
	})
	require.True(t, ok)
	require.Equal(t, 15, v)

	// Present, delete.
	v, ok = m.Compute(g, "k", func(old int, loaded bool) (int, ComputeOp) {
		return 0, DeleteOp
	})
	require.False(t, ok)
	require.Equal(t, 15, v)
	require.False(t, m.Contains(g, "k"))

	// Absent, delete: still absent.
	_, ok = m.Compute(g, "k", func(old int, loaded bool) (int, ComputeOp) {
		return 0, DeleteOp
	})
	require.False(t, ok)
}

func TestMapRetain(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()

	for i := 0; i < 100; i++ {
		m.Store(g, i, i)
	}
	m.Retain(g, func(k, v int) bool { return k%2 == 0 })
	require.Equal(t, 50, m.Size())
	for i := 0; i < 100; i++ {
		require.Equal(t, i%2 == 0, m.Contains(g, i))
	}
}

func TestMapRange(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()

	for i := 0; i < 64; i++ {
		m.Store(g, i, i*2)
	}
	seen := make(map[int]int)
	m.Range(g, func(k, v int) bool {
		_, dup := seen[k]
		require.False(t, dup, "key %d yielded twice", k)
		seen[k] = v
		return true
	})
	require.Len(t, seen, 64)
	for k, v := range seen {
		require.Equal(t, k*2, v)
	}
}

func TestMapRangeFalseReturned(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()
	for i := 0; i < 16; i++ {
		m.Store(g, i, i)
	}
	n := 0
	m.Range(g, func(k, v int) bool {
		n++
		return n < 5
	})
	require.Equal(t, 5, n)
}

func TestMapRangeNestedDelete(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()
	for i := 0; i < 32; i++ {
		m.Store(g, i, i)
	}
	m.Range(g, func(k, v int) bool {
		m.Delete(g, k)
		return true
	})
	require.Equal(t, 0, m.Size())
}

func TestMapAllIterator(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()
	for i := 0; i < 8; i++ {
		m.Store(g, i, i)
	}
	sum := 0
	for _, v := range m.All(g) {
		sum += v
	}
	require.Equal(t, 28, sum)
}

func TestMapClear(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()
	for i := 0; i < 1000; i++ {
		m.Store(g, i, i)
	}
	m.Clear(g)
	require.Equal(t, 0, m.Size())
	require.True(t, m.IsEmpty())
	require.False(t, m.Contains(g, 1))
	stats := m.Stats()
	require.Equal(t, uint32(1), stats.TotalClears)
	// Clear resets to the configured minimum capacity.
	require.Equal(t, defaultMinTableLen, stats.RootBins)
}

func TestMapReserve(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	defer g.Release()
	m.Store(g, 1, 1)
	m.Reserve(g, 5000)
	stats := m.Stats()
	require.GreaterOrEqual(t, stats.RootBins, calcTableLen(5000))
	require.True(t, m.Contains(g, 1))
}

func TestMapWithPresize(t *testing.T) {
	m := NewMap[int, int](WithPresize(5000))
	require.GreaterOrEqual(t, m.Stats().RootBins, calcTableLen(5000))
	g := m.Pin()
	defer g.Release()
	for i := 0; i < 5000; i++ {
		m.Store(g, i, i)
	}
	// Presized to fit: no growth should have happened.
	require.Equal(t, uint32(0), m.Stats().TotalGrowths)
}

func TestMapGuardRequired(t *testing.T) {
	m := NewMap[int, int]()
	require.Panics(t, func() { m.Load(nil, 1) })

	g := m.Pin()
	g.Release()
	require.Panics(t, func() { m.Store(g, 1, 1) })
}

func TestMapGuardFromOtherMapPanics(t *testing.T) {
	m1 := NewMap[int, int]()
	m2 := NewMap[int, int]()
	g := m1.Pin()
	defer g.Release()
	require.Panics(t, func() { m2.Store(g, 1, 1) })
}

func TestMapStructKeys(t *testing.T) {
	type point struct{ x, y int }
	m := NewMap[point, string]()
	g := m.Pin()
	defer g.Release()
	for i := 0; i < 100; i++ {
		m.Store(g, point{i, -i}, fmt.Sprint(i))
	}
	for i := 0; i < 100; i++ {
		v, ok := m.Load(g, point{i, -i})
		require.True(t, ok)
		require.Equal(t, fmt.Sprint(i), v)
	}
	require.False(t, m.Contains(g, point{1, 1}))
}

func TestMapString(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	m.Store(g, "a", 1)
	g.Release()
	require.Equal(t, "Map[a:1]", m.String())
}

func TestMapJSON(t *testing.T) {
	m := NewMap[string, int]()
	g := m.Pin()
	m.Store(g, "a", 1)
	m.Store(g, "b", 2)
	g.Release()

	data, err := json.Marshal(m)
	require.NoError(t, err)

	m2 := NewMap[string, int]()
	require.NoError(t, json.Unmarshal(data, m2))
	g2 := m2.Pin()
	defer g2.Release()
	require.Equal(t, map[string]int{"a": 1, "b": 2}, m2.ToMap(g2))
}

func TestMapEqualFunc(t *testing.T) {
	a := NewMap[string, int]()
	b := NewMap[string, int]()
	ga, gb := a.Pin(), b.Pin()
	defer ga.Release()
	defer gb.Release()

	eq := func(x, y int) bool { return x == y }
	require.True(t, a.EqualFunc(b, ga, gb, eq))

	a.Store(ga, "k", 1)
	require.False(t, a.EqualFunc(b, ga, gb, eq))

	b.Store(gb, "k", 2)
	require.False(t, a.EqualFunc(b, ga, gb, eq))

	b.Store(gb, "k", 1)
	require.True(t, a.EqualFunc(b, ga, gb, eq))
}

func TestMapStats(t *testing.T) {
	m := NewMap[int, int]()
	g := m.Pin()
	for i := 0; i < 10_000; i++ {
		m.Store(g, i, i)
	}
	g.Release()
	waitResizeQuiesce(m)
	stats := m.Stats()
	require.Equal(t, 10_000, stats.Size)
	require.Equal(t, 10_000, stats.Counter)
	require.GreaterOrEqual(t, stats.TotalGrowths, uint32(1))
	require.GreaterOrEqual(t, stats.Generation, uint64(1))
	require.GreaterOrEqual(t, stats.RootBins, calcTableLen(10_000))
	require.NotEmpty(t, stats.ToString())
}

// Promotion transparency: a hasher that maps everything onto a handful
// of bins forces tree bins; lookups must behave identically to chains.
func TestMapCollidingHashTreeBins(t *testing.T) {
	m := NewMapWithHasher[int, int](
		func(key int, seed uintptr) uintptr { return uintptr(key % 4) },
		WithPresize(1000),
	)
	g := m.Pin()
	defer g.Release()

	const total = 200
	for i := 0; i < total; i++ {
		m.Store(g, i, i*3)
	}
	require.GreaterOrEqual(t, m.Stats().TreeBins, 1)
	for i := 0; i < total; i++ {
		v, ok := m.Load(g, i)
		require.True(t, ok, "key %d missing from tree bin", i)
		require.Equal(t, i*3, v)
	}

	// Shrink the bins below the demotion threshold and re-check.
	for i := 0; i < total; i++ {
		if i >= 16 {
			m.Delete(g, i)
		}
	}
	require.Equal(t, 0, m.Stats().TreeBins)
	for i := 0; i < 16; i++ {
		v, ok := m.Load(g, i)
		require.True(t, ok, "key %d lost during demotion", i)
		require.Equal(t, i*3, v)
	}
}

// A pathological bin in a small table triggers a grow instead of a
// treeification; entries must survive the migration.
func TestMapPathologicalBinForcesGrow(t *testing.T) {
	m := NewMapWithHasher[int, int](
		func(key int, seed uintptr) uintptr { return 0 },
	)
	g := m.Pin()
	defer g.Release()

	for i := 0; i < 50; i++ {
		m.Store(g, i, i)
	}
	stats := m.Stats()
	require.GreaterOrEqual(t, stats.RootBins, minTreeBinTableLen)
	require.Equal(t, 1, stats.TreeBins)
	for i := 0; i < 50; i++ {
		v, ok := m.Load(g, i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestMapResizeSafety(t *testing.T) {
	const (
		workers = 8
		perW    = 10_000
	)
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			g := m.Pin()
			for i := 0; i < perW; i++ {
				m.Store(g, w*perW+i, w*perW+i)
				// Re-pin periodically so reclamation can run during
				// the insert storm.
				if i%1024 == 1023 {
					g.Release()
					g = m.Pin()
				}
			}
			g.Release()
		}(w)
	}
	wg.Wait()
	waitResizeQuiesce(m)

	require.Equal(t, workers*perW, m.Size())
	stats := m.Stats()
	require.GreaterOrEqual(t, stats.TotalGrowths, uint32(1))
	g := m.Pin()
	defer g.Release()
	for i := 0; i < workers*perW; i++ {
		v, ok := m.Load(g, i)
		require.True(t, ok, "key %d lost across resizes", i)
		require.Equal(t, i, v)
	}
}

func TestMapNoLostUpdates(t *testing.T) {
	const (
		workers = 32
		perW    = 200
	)
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			g := m.Pin()
			defer g.Release()
			for i := 0; i < perW; i++ {
				k := w*perW + i
				m.Store(g, k, k)
				_, loaded := m.LoadAndDelete(g, k)
				if !loaded {
					t.Errorf("key %d lost before delete", k)
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 0, m.Size())
	require.True(t, m.IsEmpty())
	g := m.Pin()
	defer g.Release()
	m.Range(g, func(k, v int) bool {
		t.Errorf("unexpected surviving entry %d", k)
		return true
	})
}

func TestMapPerKeyLinearizability(t *testing.T) {
	const (
		workers = 8
		iters   = 1000
	)
	m := NewMap[string, int]()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := m.Pin()
			defer g.Release()
			for i := 0; i < iters; i++ {
				m.Compute(g, "ctr", func(old int, loaded bool) (int, ComputeOp) {
					return old + 1, UpdateOp
				})
			}
		}()
	}
	wg.Wait()
	g := m.Pin()
	defer g.Release()
	v, ok := m.Load(g, "ctr")
	require.True(t, ok)
	require.Equal(t, workers*iters, v)
}

func TestMapReclamationSafety(t *testing.T) {
	m := NewMap[int, int]()
	g0 := m.Pin()
	m.Store(g0, 1, 42)
	p, ok := m.Get(g0, 1)
	require.True(t, ok)

	// Another guard removes the entry and churns enough pin/release
	// cycles that reclamation would fire were g0 not held.
	g1 := m.Pin()
	_, loaded := m.LoadAndDelete(g1, 1)
	require.True(t, loaded)
	g1.Release()
	for i := 0; i < 16; i++ {
		g := m.Pin()
		m.Store(g, 100+i, i)
		m.Delete(g, 100+i)
		g.Release()
	}

	// g0 predates the unlink, so the node must still be intact.
	require.Equal(t, 42, *p)
	require.False(t, m.Contains(g0, 1))
	g0.Release()

	for i := 0; i < 3; i++ {
		g := m.Pin()
		g.Release()
	}
	require.GreaterOrEqual(t, m.collector.reclaimed.Load(), uint64(1))
}

func TestMapConcurrentReadWriteStress(t *testing.T) {
	const (
		keys    = 256
		writers = 4
		readers = 4
		iters   = 20_000
	)
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			g := m.Pin()
			defer g.Release()
			for i := 0; i < iters; i++ {
				k := (w + i) % keys
				switch i % 3 {
				case 0:
					m.Store(g, k, k*2)
				case 1:
					m.Store(g, k, k*3)
				default:
					m.Delete(g, k)
				}
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := m.Pin()
			defer g.Release()
			for i := 0; i < iters; i++ {
				k := (r + i) % keys
				if v, ok := m.Load(g, k); ok {
					if v != k*2 && v != k*3 {
						t.Errorf("key %d: read torn value %d", k, v)
					}
				}
			}
		}(r)
	}
	wg.Wait()

	g := m.Pin()
	defer g.Release()
	m.Range(g, func(k, v int) bool {
		if v != k*2 && v != k*3 {
			t.Errorf("key %d: final torn value %d", k, v)
		}
		return true
	})
}

func TestMapConcurrentClearAndWrite(t *testing.T) {
	const iters = 2000
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g := m.Pin()
		defer g.Release()
		for i := 0; i < iters; i++ {
			m.Store(g, i%64, i)
		}
	}()
	go func() {
		defer wg.Done()
		g := m.Pin()
		defer g.Release()
		for i := 0; i < 20; i++ {
			m.Clear(g)
		}
	}()
	wg.Wait()
	g := m.Pin()
	defer g.Release()
	// Whatever survived must be well-formed and counted correctly.
	n := 0
	m.Range(g, func(k, v int) bool {
		n++
		return true
	})
	require.Equal(t, n, m.Size())
}

func TestCalcTableLen(t *testing.T) {
	require.Equal(t, defaultMinTableLen, calcTableLen(0))
	require.Equal(t, defaultMinTableLen, calcTableLen(24))
	require.Equal(t, 64, calcTableLen(25))
	require.Equal(t, 2048, calcTableLen(1000))
}

func TestNextPowOf2(t *testing.T) {
	require.Equal(t, 1, nextPowOf2(0))
	require.Equal(t, 1, nextPowOf2(1))
	require.Equal(t, 2, nextPowOf2(2))
	require.Equal(t, 4, nextPowOf2(3))
	require.Equal(t, 64, nextPowOf2(33))
	require.Equal(t, 64, nextPowOf2(64))
}

func TestCalcParallelism(t *testing.T) {
	size, n := calcParallelism(4, 4, 8)
	require.Equal(t, 4, size)
	require.Equal(t, 1, n)

	size, n = calcParallelism(64, 4, 8)
	require.Equal(t, 8, size)
	require.Equal(t, 8, n)

	size, n = calcParallelism(64, 4, 4)
	require.Equal(t, 16, size)
	require.Equal(t, 4, n)
}
