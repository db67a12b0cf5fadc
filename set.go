package pinmap

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Set is a concurrent hash set built on top of Map with unit values.
// Like the map, every operation runs under an epoch Guard obtained from
// Pin, and the zero value is ready to use. A Set must not be copied
// after first use.
type Set[T comparable] struct {
	m Map[T, struct{}]
}

// NewSet creates a new Set instance. Direct initialization of the zero
// value is also supported.
//
// Parameters:
//   - WithPresize option for initial capacity
func NewSet[T comparable](options ...func(*MapConfig)) *Set[T] {
	return NewSetWithHasher[T](nil, options...)
}

// NewSetWithHasher creates a Set with a custom element hashing
// function. A nil hash uses the built-in hasher.
func NewSetWithHasher[T comparable](
	hash func(value T, seed uintptr) uintptr,
	options ...func(*MapConfig),
) *Set[T] {
	s := &Set[T]{}
	s.m.Init(hash, options...)
	return s
}

// Init configures the Set in place. It is not thread-safe and can only
// be used before the Set is utilized.
func (s *Set[T]) Init(
	hash func(value T, seed uintptr) uintptr,
	options ...func(*MapConfig),
) {
	s.m.Init(hash, options...)
}

// Pin marks the calling goroutine as active and returns the Guard that
// every other operation requires; see [Map.Pin].
func (s *Set[T]) Pin() *Guard {
	return s.m.Pin()
}

// PinRef returns a view of the set with the calling goroutine pinned;
// see SetRef.
func (s *Set[T]) PinRef() *SetRef[T] {
	return &SetRef[T]{s: s, g: s.m.Pin()}
}

// Len returns the number of elements. Under concurrent mutation the
// result is a best-effort, eventually consistent count.
func (s *Set[T]) Len() int {
	return s.m.Size()
}

// IsEmpty reports whether the set holds no elements; same consistency
// caveats as Len.
func (s *Set[T]) IsEmpty() bool {
	return s.m.IsEmpty()
}

// Contains reports whether value is an element of the set.
func (s *Set[T]) Contains(g *Guard, value T) bool {
	return s.m.Contains(g, value)
}

// Get returns a reference to the element of the set equal to value, if
// any. The reference stays valid for the lifetime of the guard.
func (s *Set[T]) Get(g *Guard, value T) (*T, bool) {
	if n := s.m.getNode(g, value); n != nil {
		return &n.key, true
	}
	return nil, false
}

// Insert adds value to the set. Returns true if it was not already
// present.
func (s *Set[T]) Insert(g *Guard, value T) bool {
	_, loaded := s.m.LoadOrStore(g, value, struct{}{})
	return !loaded
}

// Remove removes value from the set. Returns true if it was present.
func (s *Set[T]) Remove(g *Guard, value T) bool {
	_, loaded := s.m.LoadAndDelete(g, value)
	return loaded
}

// Take removes the element equal to value and returns a reference to
// it. Like Get, the reference is valid for the guard's lifetime only.
func (s *Set[T]) Take(g *Guard, value T) (*T, bool) {
	if n, ok := s.m.takeNode(g, value); ok {
		return &n.key, true
	}
	return nil, false
}

// Retain keeps only the elements for which pred returns true; see
// [Map.Retain] for the consistency model.
func (s *Set[T]) Retain(g *Guard, pred func(value T) bool) {
	s.m.Retain(g, func(key T, _ struct{}) bool {
		return pred(key)
	})
}

// Clear removes all elements, resetting the table to its minimum
// capacity.
func (s *Set[T]) Clear(g *Guard) {
	s.m.Clear(g)
}

// Reserve grows the set so that at least additional more elements fit
// without further resizing.
func (s *Set[T]) Reserve(g *Guard, additional int) {
	s.m.Reserve(g, additional)
}

// Range iterates over the elements of the set. The iteration is weakly
// consistent; see [Map.Range].
func (s *Set[T]) Range(g *Guard, yield func(value T) bool) {
	s.m.Range(g, func(key T, _ struct{}) bool {
		return yield(key)
	})
}

// All is the iterator form of Range.
func (s *Set[T]) All(g *Guard) func(yield func(T) bool) {
	return func(yield func(T) bool) {
		s.Range(g, yield)
	}
}

// Disjoint reports whether s has no elements in common with other. Each
// set is iterated under its own guard; there is no atomicity across the
// two, so under concurrent mutation the result reflects a fuzzy
// snapshot rather than a serialized comparison.
func (s *Set[T]) Disjoint(other *Set[T], g, otherG *Guard) bool {
	disjoint := true
	s.Range(g, func(value T) bool {
		if other.Contains(otherG, value) {
			disjoint = false
		}
		return disjoint
	})
	return disjoint
}

// Subset reports whether every element of s is also in other. Same
// consistency caveats as Disjoint.
func (s *Set[T]) Subset(other *Set[T], g, otherG *Guard) bool {
	subset := true
	s.Range(g, func(value T) bool {
		if !other.Contains(otherG, value) {
			subset = false
		}
		return subset
	})
	return subset
}

// Superset reports whether s contains every element of other. Same
// consistency caveats as Disjoint.
func (s *Set[T]) Superset(other *Set[T], g, otherG *Guard) bool {
	return other.Subset(s, otherG, g)
}

// Equal reports whether both sets hold the same elements. Same
// consistency caveats as Disjoint.
func (s *Set[T]) Equal(other *Set[T], g, otherG *Guard) bool {
	if s.Len() != other.Len() {
		return false
	}
	return s.Subset(other, g, otherG)
}

// ToSlice collects the elements into a slice under the guard, in
// arbitrary order.
func (s *Set[T]) ToSlice(g *Guard) []T {
	a := make([]T, 0, s.Len())
	s.Range(g, func(value T) bool {
		a = append(a, value)
		return true
	})
	return a
}

// Stats returns statistics for the underlying table; see [Map.Stats].
func (s *Set[T]) Stats() *MapStats {
	return s.m.Stats()
}

// String implements fmt.Stringer, pinning internally.
func (s *Set[T]) String() string {
	g := s.Pin()
	defer g.Release()
	return strings.Replace(fmt.Sprint(s.ToSlice(g)), "[", "Set[", 1)
}

// MarshalJSON serializes the set as a JSON array.
func (s *Set[T]) MarshalJSON() ([]byte, error) {
	g := s.Pin()
	defer g.Release()
	return json.Marshal(s.ToSlice(g))
}

// UnmarshalJSON merges a JSON array into the set.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var a []T
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	g := s.Pin()
	defer g.Release()
	for _, v := range a {
		s.Insert(g, v)
	}
	return nil
}
