package pinmap

// SetRef is a view of a Set with the calling goroutine pinned,
// constructed with [Set.PinRef]. Every method delegates to the backing
// set using the bound Guard; pairwise comparisons between two views use
// both bound guards.
//
// The pin lasts until Release is called. Keep in mind that for as long
// as you hold onto a SetRef, you are delaying the reclamation of
// everything unlinked from the set during its lifetime. A SetRef must
// only be used by the goroutine that created it.
type SetRef[T comparable] struct {
	s *Set[T]
	g *Guard
}

// Guard exposes the bound guard.
func (r *SetRef[T]) Guard() *Guard {
	return r.g
}

// Release unpins the view. Any reference obtained through it becomes
// invalid. Releasing twice panics.
func (r *SetRef[T]) Release() {
	r.g.Release()
}

// Len returns the number of elements; see [Set.Len].
func (r *SetRef[T]) Len() int {
	return r.s.Len()
}

// IsEmpty reports whether the set holds no elements; see [Set.IsEmpty].
func (r *SetRef[T]) IsEmpty() bool {
	return r.s.IsEmpty()
}

// Contains reports whether value is an element of the set; see
// [Set.Contains].
func (r *SetRef[T]) Contains(value T) bool {
	return r.s.Contains(r.g, value)
}

// Get returns a reference to the element equal to value, valid until
// Release; see [Set.Get].
func (r *SetRef[T]) Get(value T) (*T, bool) {
	return r.s.Get(r.g, value)
}

// Insert adds value to the set; see [Set.Insert].
func (r *SetRef[T]) Insert(value T) bool {
	return r.s.Insert(r.g, value)
}

// Remove removes value from the set; see [Set.Remove].
func (r *SetRef[T]) Remove(value T) bool {
	return r.s.Remove(r.g, value)
}

// Take removes the element equal to value and returns a reference to
// it, valid until Release; see [Set.Take].
func (r *SetRef[T]) Take(value T) (*T, bool) {
	return r.s.Take(r.g, value)
}

// Retain keeps only the elements for which pred returns true; see
// [Set.Retain].
func (r *SetRef[T]) Retain(pred func(value T) bool) {
	r.s.Retain(r.g, pred)
}

// Clear removes all elements; see [Set.Clear].
func (r *SetRef[T]) Clear() {
	r.s.Clear(r.g)
}

// Reserve grows the set for at least additional more elements; see
// [Set.Reserve].
func (r *SetRef[T]) Reserve(additional int) {
	r.s.Reserve(r.g, additional)
}

// Range iterates over the elements of the set; see [Set.Range].
func (r *SetRef[T]) Range(yield func(value T) bool) {
	r.s.Range(r.g, yield)
}

// All is the iterator form of Range.
func (r *SetRef[T]) All() func(yield func(T) bool) {
	return r.s.All(r.g)
}

// Disjoint reports whether the two views' sets share no elements; see
// [Set.Disjoint] for the fuzzy-snapshot semantics.
func (r *SetRef[T]) Disjoint(other *SetRef[T]) bool {
	return r.s.Disjoint(other.s, r.g, other.g)
}

// Subset reports whether every element of this view's set is in the
// other's; see [Set.Subset].
func (r *SetRef[T]) Subset(other *SetRef[T]) bool {
	return r.s.Subset(other.s, r.g, other.g)
}

// Superset reports whether this view's set contains every element of
// the other's; see [Set.Superset].
func (r *SetRef[T]) Superset(other *SetRef[T]) bool {
	return r.s.Superset(other.s, r.g, other.g)
}

// Equal reports whether both views' sets hold the same elements; see
// [Set.Equal].
func (r *SetRef[T]) Equal(other *SetRef[T]) bool {
	return r.s.Equal(other.s, r.g, other.g)
}

// ToSlice collects the elements into a slice; see [Set.ToSlice].
func (r *SetRef[T]) ToSlice() []T {
	return r.s.ToSlice(r.g)
}
