// Package hooks ingests lifecycle hook events fired by the assistant
// CLI. Delivery is fire-and-forget: a hook either nudges the matching
// agents' supervision loops or is dropped; the sender never waits.
package hooks

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/orka/internal/agents"
	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// Triggerer nudges an agent's supervision loop.
type Triggerer interface {
	Trigger(agentID string) bool
}

// Ingestor routes hooks to subscribed agents, rate-limited per agent so
// a hook storm from a busy assistant cannot melt the policy backend.
type Ingestor struct {
	agents    *agents.Store
	runtime   Triggerer
	publisher bus.EventPublisher

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewIngestor creates an ingestor allowing perMinute hooks per agent.
// publisher may be nil.
func NewIngestor(agentStore *agents.Store, runtime Triggerer, publisher bus.EventPublisher, perMinute int) *Ingestor {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Ingestor{
		agents:    agentStore,
		runtime:   runtime,
		publisher: publisher,
		limit:     rate.Limit(float64(perMinute) / 60.0),
		burst:     perMinute/6 + 1,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (i *Ingestor) limiterFor(agentID string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(i.limit, i.burst)
		i.limiters[agentID] = l
	}
	return l
}

// Result summarizes one ingestion.
type Result struct {
	Matched   int `json:"matched"`
	Triggered int `json:"triggered"`
	Coalesced int `json:"coalesced"`
	Dropped   int `json:"dropped"`
}

// Event is one hook delivery from an assistant process. Either BranchID
// or MuxPaneID may narrow delivery to agents bound to that branch or
// pane; Payload is the hook's opaque body, passed through to observers.
type Event struct {
	Kind      state.HookKind
	SessionID string
	BranchID  string
	MuxPaneID string
	Payload   map[string]any
}

func (ev Event) matches(a *state.Agent) bool {
	if ev.BranchID != "" {
		return a.Connection != nil && a.Connection.BranchID == ev.BranchID
	}
	if ev.MuxPaneID != "" {
		return a.Connection != nil && a.Connection.MuxPaneID == ev.MuxPaneID
	}
	return true
}

// Ingest fans a hook out to every subscribed agent. Events carrying a
// session id fan out within that session; events carrying only a pane
// id route to whichever agents sit on that pane. Unknown kinds are
// rejected; everything else succeeds immediately.
func (i *Ingestor) Ingest(ev Event) (Result, error) {
	var res Result
	if !state.ValidHookKind(ev.Kind) {
		return res, faults.New(faults.Validation, "unknown hook kind %q", ev.Kind)
	}
	if ev.SessionID == "" && ev.MuxPaneID == "" {
		return res, faults.New(faults.Validation, "hook needs a session id or a pane id")
	}

	var candidates []*state.Agent
	if ev.SessionID != "" {
		candidates = i.agents.ForHook(ev.SessionID, ev.Kind)
	} else {
		candidates = i.agents.ForHookPane(ev.MuxPaneID, ev.Kind)
	}
	for _, a := range candidates {
		if !ev.matches(a) {
			continue
		}
		res.Matched++
		if !i.limiterFor(a.ID).Allow() {
			res.Dropped++
			slog.Debug("hook dropped by rate limit", "agent", a.ID, "kind", ev.Kind)
			i.publish(protocol.EventHookDropped, a.ID, ev, "rate limit")
			continue
		}
		if i.runtime.Trigger(a.ID) {
			res.Triggered++
		} else {
			// A cycle is already pending; this hook folds into it.
			res.Coalesced++
		}
		i.publish(protocol.EventHookReceived, a.ID, ev, "")
	}
	return res, nil
}

func (i *Ingestor) publish(name, agentID string, ev Event, reason string) {
	if i.publisher == nil {
		return
	}
	payload := map[string]any{"agentId": agentID, "sessionId": ev.SessionID, "kind": ev.Kind}
	if ev.MuxPaneID != "" {
		payload["muxPaneId"] = ev.MuxPaneID
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if len(ev.Payload) > 0 {
		payload["hookPayload"] = ev.Payload
	}
	i.publisher.Broadcast(bus.Event{Name: name, Payload: payload})
}
