package pinmap

// MapRef is a view of a Map with the calling goroutine pinned,
// constructed with [Map.PinRef]. Every method delegates to the backing
// map using the bound Guard, so a batch of operations pays for a single
// pin.
//
// The pin lasts until Release is called. Keep in mind that for as long
// as you hold onto a MapRef, you are delaying the reclamation of
// everything unlinked from the map during its lifetime. A MapRef must
// only be used by the goroutine that created it.
type MapRef[K comparable, V any] struct {
	m *Map[K, V]
	g *Guard
}

// Guard exposes the bound guard, e.g. for pairwise comparisons against
// another collection.
func (r *MapRef[K, V]) Guard() *Guard {
	return r.g
}

// Release unpins the view. Any reference obtained through it becomes
// invalid. Releasing twice panics.
func (r *MapRef[K, V]) Release() {
	r.g.Release()
}

// Size returns the number of entries; see [Map.Size].
func (r *MapRef[K, V]) Size() int {
	return r.m.Size()
}

// IsEmpty reports whether the map holds no entries; see [Map.IsEmpty].
func (r *MapRef[K, V]) IsEmpty() bool {
	return r.m.IsEmpty()
}

// Load retrieves the value for a key; see [Map.Load].
func (r *MapRef[K, V]) Load(key K) (value V, ok bool) {
	return r.m.Load(r.g, key)
}

// Get retrieves a reference to the value for a key, valid until
// Release; see [Map.Get].
func (r *MapRef[K, V]) Get(key K) (value *V, ok bool) {
	return r.m.Get(r.g, key)
}

// Contains reports whether the map holds the key; see [Map.Contains].
func (r *MapRef[K, V]) Contains(key K) bool {
	return r.m.Contains(r.g, key)
}

// Store inserts or updates the value for a key; see [Map.Store].
func (r *MapRef[K, V]) Store(key K, value V) {
	r.m.Store(r.g, key, value)
}

// Swap stores value for key and returns the previous value if any; see
// [Map.Swap].
func (r *MapRef[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	return r.m.Swap(r.g, key, value)
}

// LoadOrStore retrieves the existing value or stores the given one; see
// [Map.LoadOrStore].
func (r *MapRef[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	return r.m.LoadOrStore(r.g, key, value)
}

// Delete removes the entry for a key; see [Map.Delete].
func (r *MapRef[K, V]) Delete(key K) {
	r.m.Delete(r.g, key)
}

// LoadAndDelete removes the entry for a key, returning the previous
// value if any; see [Map.LoadAndDelete].
func (r *MapRef[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	return r.m.LoadAndDelete(r.g, key)
}

// Take removes the entry for a key and returns a reference to the
// removed value, valid until Release; see [Map.Take].
func (r *MapRef[K, V]) Take(key K) (value *V, ok bool) {
	return r.m.Take(r.g, key)
}

// Compute updates, inserts, or deletes the entry for a key through
// valueFn; see [Map.Compute].
func (r *MapRef[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	return r.m.Compute(r.g, key, valueFn)
}

// Retain keeps only the entries for which pred returns true; see
// [Map.Retain].
func (r *MapRef[K, V]) Retain(pred func(key K, value V) bool) {
	r.m.Retain(r.g, pred)
}

// Clear removes all entries; see [Map.Clear].
func (r *MapRef[K, V]) Clear() {
	r.m.Clear(r.g)
}

// Reserve grows the table for at least additional more entries; see
// [Map.Reserve].
func (r *MapRef[K, V]) Reserve(additional int) {
	r.m.Reserve(r.g, additional)
}

// Range iterates over the entries of the map; see [Map.Range].
func (r *MapRef[K, V]) Range(yield func(key K, value V) bool) {
	r.m.Range(r.g, yield)
}

// All is the iterator form of Range.
func (r *MapRef[K, V]) All() func(yield func(K, V) bool) {
	return r.m.All(r.g)
}

// EqualFunc compares against another pinned view using both guards; see
// [Map.EqualFunc].
func (r *MapRef[K, V]) EqualFunc(other *MapRef[K, V], eq func(a, b V) bool) bool {
	return r.m.EqualFunc(other.m, r.g, other.g, eq)
}

// ToMap collects the entries into a plain map[K]V; see [Map.ToMap].
func (r *MapRef[K, V]) ToMap() map[K]V {
	return r.m.ToMap(r.g)
}
