// Package signalbus provides the single process-wide interruption signal
// observed by batch runners, probes, the reaper, and the API server.
package signalbus

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Bus latches an interrupt. It is set once (by OS signal or Trip) and never
// cleared except through Reset, which exists for test fixtures.
type Bus struct {
	mu     sync.Mutex
	ch     chan struct{}
	armed  bool
	sigCh  chan os.Signal
	stopFn func()
}

// New returns an un-tripped, un-armed bus.
func New() *Bus {
	return &Bus{ch: make(chan struct{})}
}

// Arm subscribes the bus to SIGINT and SIGTERM. Must be called before any
// worker goroutine starts so no window exists where an interrupt is lost.
func (b *Bus) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed {
		return
	}
	b.armed = true
	b.sigCh = make(chan os.Signal, 1)
	signal.Notify(b.sigCh, syscall.SIGINT, syscall.SIGTERM)
	sigCh := b.sigCh
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Printf("[signal] received %v, interrupting", sig)
		b.Trip()
	}()
}

// Trip latches the interrupted state. Idempotent.
func (b *Bus) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.ch:
	default:
		close(b.ch)
	}
}

// Interrupted reports whether the bus has tripped.
func (b *Bus) Interrupted() bool {
	select {
	case <-b.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the bus trips.
func (b *Bus) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Context derives a context cancelled when the bus trips (or when the
// parent is cancelled). The returned cancel must still be called by the
// owner to release the watcher.
func (b *Bus) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := b.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Reset disarms and re-opens the bus. Test fixtures only; a live process
// never clears an interrupt.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sigCh != nil {
		signal.Stop(b.sigCh)
		close(b.sigCh)
		b.sigCh = nil
	}
	b.armed = false
	b.ch = make(chan struct{})
}
