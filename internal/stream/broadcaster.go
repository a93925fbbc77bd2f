// Package stream carries the mixed output to remote listeners.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultQueue is the per-listener queue length: 10 frames, 200ms.
// Listeners hear mix changes no later than this behind the speaker.
const DefaultQueue = 10

// Broadcaster fans out PCM frames from the mixer to N listeners.
type Broadcaster struct {
	queue int

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	dropped   atomic.Uint64
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan []int16 // buffered channel of 20ms PCM frames
	done chan struct{}
	once sync.Once
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a broadcaster whose listeners queue at most queue
// frames (DefaultQueue if queue <= 0).
func NewBroadcaster(queue int) *Broadcaster {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Broadcaster{
		queue:     queue,
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, b.queue),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Unsubscribing
// twice is a no-op.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Dropped returns how many frames were dropped for slow listeners.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Flush discards every frame still queued for listeners. Called when
// playback restarts so remote listeners do not hear the old mix after the
// change.
func (b *Broadcaster) Flush() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
	drain:
		for {
			select {
			case <-l.C:
			default:
				break drain
			}
		}
	}
}

// Run reads frames from source and fans out to all listeners.
// Slow listeners get frames dropped rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}
