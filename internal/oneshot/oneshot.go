// Package oneshot provides a value that can be resolved exactly once.
// Later resolutions are silent no-ops, so several racing producers can share it.
package oneshot

import "sync"

type Value[T any] struct {
	once sync.Once
	done chan struct{}
	v    T
}

func New[T any]() *Value[T] {
	return &Value[T]{done: make(chan struct{})}
}

// Resolve stores v if nothing was stored yet. It reports whether this call won.
func (o *Value[T]) Resolve(v T) bool {
	won := false
	o.once.Do(func() {
		o.v = v
		close(o.done)
		won = true
	})
	return won
}

// Done is closed once a value has been stored.
func (o *Value[T]) Done() <-chan struct{} {
	return o.done
}

// Get blocks until resolved and returns the winning value.
func (o *Value[T]) Get() T {
	<-o.done
	return o.v
}

func (o *Value[T]) Resolved() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}
