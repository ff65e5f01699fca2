// Package hashset is a small generic set used for subscription bookkeeping.
package hashset

import (
	"cmp"
	"slices"
)

type Set[T comparable] map[T]struct{}

func NewSet[T comparable]() Set[T] {
	return map[T]struct{}{}
}

func SetFromSlice[T comparable](vals []T) Set[T] {
	set := make(Set[T], len(vals))
	set.Add(vals...)
	return set
}

func (vs Set[T]) Add(xs ...T) {
	for _, x := range xs {
		vs[x] = struct{}{}
	}
}

func (vs Set[T]) Has(v T) bool {
	_, ok := vs[v]
	return ok
}

func (vs Set[T]) Delete(v T) {
	delete(vs, v)
}

func (vs Set[T]) Len() int {
	return len(vs)
}

// Difference returns the values of vs that are not in xs.
func (vs Set[T]) Difference(xs Set[T]) Set[T] {
	result := NewSet[T]()
	for v := range vs {
		if !xs.Has(v) {
			result.Add(v)
		}
	}
	return result
}

func (vs Set[T]) AsSlice() []T {
	slice := make([]T, 0, len(vs))
	for s := range vs {
		slice = append(slice, s)
	}
	return slice
}

// Sorted returns the values of s in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	out := s.AsSlice()
	slices.Sort(out)
	return out
}
