// Package refcount implements a generic shared-ownership smart pointer with
// an interior atomic reference count, per spec.md §9's mapping of the
// source's manual reference-counted records onto an idiomatic Go
// equivalent: value shared by multiple holders, lifetime = longest holder,
// destructor runs exactly once on the last release.
package refcount

import "sync/atomic"

// Ref wraps a value shared by multiple holders. The holder that creates it
// via New counts as the first reference; every other holder must call
// Retain before keeping its own copy and Release when done with it. destroy
// runs exactly once, the moment the count reaches zero.
type Ref[T any] struct {
	value   T
	count   atomic.Int32
	destroy func(T)
}

// New wraps value with a reference count of one. destroy may be nil.
func New[T any](value T, destroy func(T)) *Ref[T] {
	r := &Ref[T]{value: value, destroy: destroy}
	r.count.Store(1)
	return r
}

// Retain adds one reference. Call before handing the Ref to a new holder
// that will independently call Release.
func (r *Ref[T]) Retain() {
	r.count.Add(1)
}

// Release drops one reference, running destroy if this was the last one.
// Calling Release more times than the Ref has been retained drives the
// count below zero without running destroy again; callers must pair every
// Retain (and the implicit first reference from New) with exactly one
// Release.
func (r *Ref[T]) Release() {
	if r.count.Add(-1) == 0 && r.destroy != nil {
		r.destroy(r.value)
	}
}

// Value returns the wrapped value, valid for as long as the caller holds a
// reference to it.
func (r *Ref[T]) Value() T {
	return r.value
}

// Count reports the current reference count, for diagnostics and tests.
func (r *Ref[T]) Count() int32 {
	return r.count.Load()
}
