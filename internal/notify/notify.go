// Package notify pushes operator-facing alerts (agents requesting help,
// crashed assistants) to the configured messaging channels.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink delivers one alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// Dispatcher fans alerts out to every configured sink. Delivery is
// best-effort: a failing sink is logged, never propagated to the caller.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// Add registers another sink.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify sends the alert to every sink. Sinks run concurrently with a
// shared deadline so one slow channel cannot stall the others.
func (d *Dispatcher) Notify(ctx context.Context, title, body string) {
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, title, body); err != nil {
				slog.Warn("notification delivery failed", "sink", s.Name(), "error", err)
			}
		}(s)
	}
	go func() {
		wg.Wait()
		cancel()
	}()
}

// LogSink writes alerts to the structured log. Always registered so an
// alert is never silently lost when no chat channel is configured.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, title, body string) error {
	slog.Warn("operator alert", "title", title, "detail", body)
	return nil
}
