package realtime

import (
	"sync"
	"time"
)

// State is a snapshot of the connection, for display ("reconnecting, 3/5").
type State struct {
	Connected            bool
	Connecting           bool
	LastError            error
	ReconnectAttempts    int
	MaxReconnectAttempts int
	LastActivity         time.Time
	ServerVersion        string
}

// stateFeed delivers snapshots in the order they were pushed, on a goroutine
// of its own so publishers never call out while holding a lock.
type stateFeed struct {
	deliver func(State)

	mu     sync.Mutex
	queue  []State
	closed bool
	wake   chan struct{}
}

func newStateFeed(deliver func(State)) *stateFeed {
	f := &stateFeed{deliver: deliver, wake: make(chan struct{}, 1)}
	go f.run()
	return f
}

func (f *stateFeed) push(s State) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, s)
	select {
	case f.wake <- struct{}{}:
	default:
	}
	f.mu.Unlock()
}

func (f *stateFeed) close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.wake)
	}
	f.mu.Unlock()
}

func (f *stateFeed) run() {
	for range f.wake {
		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			batch := f.queue
			f.queue = nil
			f.mu.Unlock()
			for _, s := range batch {
				f.deliver(s)
			}
		}
	}
}
