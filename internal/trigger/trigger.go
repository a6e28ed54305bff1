// Package trigger provides the coalescing wake-up signal that connects
// queue consumers.
//
// A trigger carries no payload. Any number of Trigger calls made while a
// consumer is busy collapse into a single pending unit of work, so a
// consumer never runs more iterations than it has been woken for plus one.
package trigger

// Job is what a consumer should do next.
type Job int

const (
	// Work means at least one trigger arrived since the last Listen.
	Work Job = iota + 1
	// Shutdown means the stop broadcast fired.
	Shutdown
)

func (j Job) String() string {
	switch j {
	case Work:
		return "work"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Sender wakes the consumer that owns the paired Receiver.
// Sender is a small value and is safe to copy and share between goroutines.
// The zero Sender is valid and discards triggers.
type Sender struct {
	signal chan struct{} // buffered, size 1
}

// Receiver is owned by exactly one consumer loop.
type Receiver struct {
	signal chan struct{}
}

// New creates a connected Sender/Receiver pair.
func New() (Sender, *Receiver) {
	signal := make(chan struct{}, 1)
	return Sender{signal: signal}, &Receiver{signal: signal}
}

// Trigger marks work as pending. It never blocks; if a unit is already
// pending the call is absorbed.
func (s Sender) Trigger() {
	if s.signal == nil {
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Pending reports whether a trigger is waiting to be consumed.
func (s Sender) Pending() bool {
	return s.signal != nil && len(s.signal) > 0
}

// Listen blocks until a trigger arrives or stop is closed. A closed stop
// channel takes priority over a pending trigger.
func (r *Receiver) Listen(stop <-chan struct{}) Job {
	select {
	case <-stop:
		return Shutdown
	default:
	}

	select {
	case <-stop:
		return Shutdown
	case <-r.signal:
		return Work
	}
}
