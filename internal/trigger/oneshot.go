package trigger

import "sync"

// Oneshot is a value delivered exactly once, possibly after the receiver
// started waiting. Consumers use it to receive the Sender of their
// downstream consumer, which may be spawned later.
type Oneshot[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewOneshot returns an unresolved Oneshot.
func NewOneshot[T any]() *Oneshot[T] {
	return &Oneshot[T]{done: make(chan struct{})}
}

// Resolved returns a Oneshot that already holds v.
func Resolved[T any](v T) *Oneshot[T] {
	o := NewOneshot[T]()
	o.Resolve(v)
	return o
}

// Resolve delivers v. Only the first call has an effect; it returns
// whether this call delivered the value.
func (o *Oneshot[T]) Resolve(v T) bool {
	resolved := false
	o.once.Do(func() {
		o.value = v
		close(o.done)
		resolved = true
	})
	return resolved
}

// Await blocks until the value is resolved or stop is closed. The second
// result is false if stop won.
func (o *Oneshot[T]) Await(stop <-chan struct{}) (T, bool) {
	select {
	case <-o.done:
		return o.value, true
	default:
	}
	select {
	case <-o.done:
		return o.value, true
	case <-stop:
		var zero T
		return zero, false
	}
}
