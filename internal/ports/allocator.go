// Package ports hands out TCP ports from a bounded pool for terminal
// viewer processes.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nextlevelbuilder/orka/internal/faults"
)

// probeFunc reports whether a port is free to bind. Swapped in tests.
type probeFunc func(port int) bool

// Allocator tracks reservations over [min, max]. Safe for concurrent use.
type Allocator struct {
	min, max int
	probe    probeFunc

	mu       sync.Mutex
	reserved map[int]bool
}

// NewAllocator creates an allocator for the inclusive range [min, max].
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		min:      min,
		max:      max,
		probe:    probeBind,
		reserved: make(map[int]bool),
	}
}

func probeBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Acquire reserves and returns a free port from the pool. Ports already
// bound by other processes are skipped. Fails with Exhausted when the
// pool is drained.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if a.reserved[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.reserved[port] = true
		return port, nil
	}
	return 0, faults.New(faults.Exhausted, "port pool [%d, %d] drained", a.min, a.max)
}

// Release returns a port to the pool. Releasing an unreserved port is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved returns a snapshot of the currently reserved ports.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		out = append(out, p)
	}
	return out
}

// Sweep runs a background loop reclaiming reserved ports whose bound
// process has exited (the port probes as free again). Blocks until ctx
// is cancelled.
func (a *Allocator) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce()
		}
	}
}

func (a *Allocator) sweepOnce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := range a.reserved {
		if a.probe(port) {
			// Nothing is listening anymore; the viewer died without
			// releasing its port.
			delete(a.reserved, port)
			slog.Warn("reclaimed orphaned port", "port", port)
		}
	}
}
