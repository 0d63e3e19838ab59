package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/capture"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/mux"
	"github.com/nextlevelbuilder/orka/internal/policy"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
	"github.com/nextlevelbuilder/orka/internal/tracing"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// PaneMux is the slice of the multiplexer driver the runtime needs.
type PaneMux interface {
	CapturePane(ctx context.Context, paneID string, lastN int) (string, error)
	SendText(ctx context.Context, paneID, text string, pressEnter bool) error
	SendKey(ctx context.Context, paneID string, key mux.Key) error
}

// Notifier pushes human-facing alerts to configured channels.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Runtime runs one supervision loop per connected agent. Cycles within
// one agent are strictly serial; triggers arriving mid-cycle coalesce
// into at most one pending cycle.
type Runtime struct {
	agents    *Store
	mux       PaneMux
	policy    policy.Policy
	logs      *store.Store
	publisher bus.EventPublisher
	cfg       *config.Config
	notifier  Notifier

	engineMu sync.RWMutex
	engine   *capture.Engine

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

// NewRuntime wires the agent runtime. notifier and publisher may be nil.
func NewRuntime(agents *Store, pm PaneMux, pol policy.Policy, logs *store.Store, publisher bus.EventPublisher, cfg *config.Config, notifier Notifier) (*Runtime, error) {
	engine, err := capture.NewEngine(cfg.CaptureSnapshot())
	if err != nil {
		return nil, err
	}
	return &Runtime{
		agents:    agents,
		mux:       pm,
		policy:    pol,
		logs:      logs,
		publisher: publisher,
		cfg:       cfg,
		notifier:  notifier,
		engine:    engine,
		loops:     make(map[string]*loop),
	}, nil
}

// RefreshEngine recompiles the capture classifiers after a config reload.
func (r *Runtime) RefreshEngine() error {
	engine, err := capture.NewEngine(r.cfg.CaptureSnapshot())
	if err != nil {
		return err
	}
	r.engineMu.Lock()
	r.engine = engine
	r.engineMu.Unlock()
	return nil
}

func (r *Runtime) currentEngine() *capture.Engine {
	r.engineMu.RLock()
	defer r.engineMu.RUnlock()
	return r.engine
}

// Start launches the supervision loop for a connected agent. Starting a
// running agent is a no-op.
func (r *Runtime) Start(agentID string) error {
	a, err := r.agents.Get(agentID)
	if err != nil {
		return err
	}
	if a.Connection == nil {
		return faults.New(faults.Conflict, "agent %s is not connected", agentID)
	}
	if a.Status == state.AgentError {
		if _, err := r.agents.Update(agentID, func(cur *state.Agent) error {
			cur.Status = state.AgentActive
			cur.LastError = ""
			return nil
		}); err != nil {
			return err
		}
		r.publishStatus(agentID, state.AgentActive)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.loops[agentID]; running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	lp := &loop{
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	r.loops[agentID] = lp
	go r.run(ctx, agentID, a.Caps, lp)
	slog.Info("agent loop started", "agent", agentID)
	return nil
}

// StartAll resumes loops for every connected agent. Used at boot.
func (r *Runtime) StartAll() {
	for _, a := range r.agents.List() {
		if a.Connection == nil {
			continue
		}
		if a.Status == state.AgentActive || a.Status == state.AgentWaitingHuman {
			if err := r.Start(a.ID); err != nil {
				slog.Warn("agent loop not restarted", "agent", a.ID, "error", err)
			}
		}
	}
}

// Stop cancels an agent's loop and waits for the in-flight cycle.
func (r *Runtime) Stop(agentID string) {
	r.mu.Lock()
	lp, ok := r.loops[agentID]
	if ok {
		delete(r.loops, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	lp.cancel()
	<-lp.done
	slog.Info("agent loop stopped", "agent", agentID)
}

// StopAll cancels every loop. Used on daemon shutdown.
func (r *Runtime) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

// Trigger requests a cycle. Returns false when a cycle was already
// pending and this trigger coalesced into it, or the agent has no loop.
func (r *Runtime) Trigger(agentID string) bool {
	r.mu.Lock()
	lp, ok := r.loops[agentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case lp.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Running reports whether an agent's loop is up.
func (r *Runtime) Running(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[agentID]
	return ok
}

// Pause suspends decision making without tearing the loop down.
func (r *Runtime) Pause(agentID string) error {
	_, err := r.agents.Update(agentID, func(a *state.Agent) error {
		if a.Status != state.AgentActive && a.Status != state.AgentWaitingHuman {
			return faults.New(faults.Conflict, "agent %s is %s", agentID, a.Status)
		}
		a.Status = state.AgentPaused
		return nil
	})
	if err == nil {
		r.publishStatus(agentID, state.AgentPaused)
	}
	return err
}

// Resume reactivates a paused or waiting agent. Human intervention
// resets the consecutive-response counter.
func (r *Runtime) Resume(agentID string) error {
	_, err := r.agents.Update(agentID, func(a *state.Agent) error {
		if a.Status != state.AgentPaused && a.Status != state.AgentWaitingHuman && a.Status != state.AgentError {
			return faults.New(faults.Conflict, "agent %s is %s", agentID, a.Status)
		}
		a.Status = state.AgentActive
		a.ConsecutiveResponses = 0
		a.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}
	r.publishStatus(agentID, state.AgentActive)
	r.Trigger(agentID)
	return nil
}

func (r *Runtime) run(ctx context.Context, agentID string, caps state.AgentCaps, lp *loop) {
	defer close(lp.done)

	var tick <-chan time.Time
	if caps.PollIntervalMs > 0 {
		ticker := time.NewTicker(time.Duration(caps.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		fromTick := false
		select {
		case <-ctx.Done():
			return
		case <-lp.trigger:
		case <-tick:
			fromTick = true
		}

		acted := r.runCycle(ctx, agentID, fromTick)

		// A cycle error parks the agent; the loop tears itself down and
		// stays down until the next explicit start.
		if cur, err := r.agents.Get(agentID); err == nil && cur.Status == state.AgentError {
			r.halt(agentID, lp)
			slog.Warn("agent loop halted on error", "agent", agentID, "error", cur.LastError)
			return
		}

		if acted && caps.ActionCooldownMs > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(caps.ActionCooldownMs) * time.Millisecond):
			}
		}
	}
}

// halt removes the loop registration if it still belongs to lp. Stop may
// have raced and claimed it already.
func (r *Runtime) halt(agentID string, lp *loop) {
	r.mu.Lock()
	if cur, ok := r.loops[agentID]; ok && cur == lp {
		delete(r.loops, agentID)
	}
	r.mu.Unlock()
}

// runCycle executes one capture, decide, execute pass. Returns true when
// the agent acted on the pane (cooldown applies). Tick-initiated cycles
// are gated on the attention score; hooks and manual triggers are not.
func (r *Runtime) runCycle(ctx context.Context, agentID string, fromTick bool) bool {
	a, err := r.agents.Get(agentID)
	if err != nil || a.Connection == nil {
		return false
	}
	if a.Status != state.AgentActive {
		return false
	}

	cycleID := uuid.NewString()
	pane := a.Connection.MuxPaneID

	ctx, span := tracing.Tracer("orka.agents").Start(ctx, "agent.cycle",
		trace.WithAttributes(
			attribute.String("agent.id", a.ID),
			attribute.String("cycle.id", cycleID),
		))
	defer span.End()

	r.logCycle(a.ID, cycleID, protocol.PhaseCapture, state.LogDebug, "capturing pane", nil)
	raw, err := r.mux.CapturePane(ctx, pane, r.cfg.CaptureSnapshot().Lines)
	if err != nil {
		r.logCycle(a.ID, cycleID, protocol.PhaseCapture, state.LogError,
			fmt.Sprintf("capture failed: %v", err), nil)
		r.fail(a.ID, fmt.Sprintf("capture failed: %v", err))
		return false
	}

	snap := r.currentEngine().Classify(raw)
	span.SetAttributes(attribute.String("terminal.state", string(snap.State)))
	r.logCycle(a.ID, cycleID, protocol.PhaseAnalyze, state.LogInfo,
		"terminal state "+string(snap.State),
		map[string]any{"state": snap.State, "attention": snap.Attention})

	if fromTick && snap.Attention < a.Caps.AttentionThreshold {
		r.logCycle(a.ID, cycleID, protocol.PhaseAnalyze, state.LogDebug,
			fmt.Sprintf("attention %.2f below threshold %.2f, poll skipped",
				snap.Attention, a.Caps.AttentionThreshold), nil)
		return false
	}

	decision := r.decide(ctx, a, cycleID, snap)
	acted := r.execute(ctx, a, cycleID, pane, decision)

	r.logCycle(a.ID, cycleID, protocol.PhaseDone, state.LogDebug, "cycle complete", nil)
	return acted
}

// decide picks the decision for this cycle. Cheap local rules handle the
// unambiguous states; only genuine judgment calls reach the LLM.
func (r *Runtime) decide(ctx context.Context, a *state.Agent, cycleID string, snap capture.Snapshot) state.Decision {
	now := time.Now().UTC()
	switch snap.State {
	case capture.StateRunning:
		return state.Decision{Action: state.ActionWait, Reason: "assistant is working", Confidence: 1, Timestamp: now}
	case capture.StateCrashed:
		return state.Decision{Action: state.ActionRequestHelp, Reason: "assistant appears crashed", Confidence: 1, Timestamp: now}
	case capture.StatePermissionPrompt:
		if a.AutoApprove {
			return state.Decision{Action: state.ActionApprove, Reason: "auto-approve enabled", Confidence: 1, Timestamp: now}
		}
	case capture.StateUnknown:
		return state.Decision{Action: state.ActionWait, Reason: "screen state unclear", Confidence: 1, Timestamp: now}
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PolicyTimeout())
	defer cancel()
	decision, err := r.policy.Decide(pctx, policy.Request{
		MasterPrompt: a.MasterPrompt,
		Snapshot:     snap,
		History:      a.DecisionHistory,
		AutoApprove:  a.AutoApprove,
	})
	if err != nil {
		level := state.LogError
		if faults.IsKind(err, faults.PolicyProtocol) {
			level = state.LogWarn
		}
		r.logCycle(a.ID, cycleID, protocol.PhaseDecide, level,
			fmt.Sprintf("policy failed, waiting: %v", err), nil)
		return policy.FallbackWait("policy unavailable: " + string(faults.KindOf(err)))
	}

	// Low-confidence verdicts on consequential actions escalate instead.
	if decision.Confidence < a.Caps.AttentionThreshold && decision.Action != state.ActionWait {
		r.logCycle(a.ID, cycleID, protocol.PhaseDecide, state.LogWarn,
			fmt.Sprintf("confidence %.2f below threshold %.2f, escalating",
				decision.Confidence, a.Caps.AttentionThreshold), nil)
		return state.Decision{
			Action:     state.ActionRequestHelp,
			Reason:     fmt.Sprintf("low confidence (%.2f) on %s: %s", decision.Confidence, decision.Action, decision.Reason),
			Confidence: decision.Confidence,
			Timestamp:  time.Now().UTC(),
		}
	}
	r.logCycle(a.ID, cycleID, protocol.PhaseDecide, state.LogInfo,
		fmt.Sprintf("decided %s: %s", decision.Action, decision.Reason),
		map[string]any{"action": decision.Action, "confidence": decision.Confidence})
	return decision
}

// execute applies the decision to the pane and updates the agent record.
// Every non-wait action counts toward the consecutive-response cap; wait
// and request_help reset it.
func (r *Runtime) execute(ctx context.Context, a *state.Agent, cycleID, pane string, d state.Decision) bool {
	// A pause or stop landing between decide and execute wins: re-check
	// before touching the pane.
	cur, err := r.agents.Get(a.ID)
	if err != nil || cur.Status != state.AgentActive {
		r.logCycle(a.ID, cycleID, protocol.PhaseExecute, state.LogDebug,
			"agent no longer active, decision discarded", map[string]any{"action": d.Action})
		return false
	}

	var execErr error
	acted := false

	switch d.Action {
	case state.ActionWait:
		// Nothing to do.
	case state.ActionRespond:
		execErr = r.mux.SendText(ctx, pane, d.Response, true)
		acted = true
	case state.ActionApprove:
		execErr = r.mux.SendText(ctx, pane, "y", true)
		acted = true
	case state.ActionReject:
		execErr = r.mux.SendText(ctx, pane, "n", true)
		acted = true
	case state.ActionInterrupt:
		execErr = r.mux.SendKey(ctx, pane, mux.KeyCtrlC)
		acted = true
	case state.ActionCompact:
		execErr = r.mux.SendText(ctx, pane, "/compact", true)
		acted = true
	case state.ActionRequestHelp:
		r.escalate(ctx, a, cycleID, d.Reason)
		return acted
	}

	if execErr != nil {
		r.logCycle(a.ID, cycleID, protocol.PhaseExecute, state.LogError,
			fmt.Sprintf("execute %s failed: %v", d.Action, execErr), nil)
		_, _ = r.agents.Update(a.ID, func(cur *state.Agent) error {
			cur.LastError = execErr.Error()
			return nil
		})
		return acted
	}
	if acted {
		r.logCycle(a.ID, cycleID, protocol.PhaseExecute, state.LogAction,
			"executed "+string(d.Action), map[string]any{"action": d.Action})
	}

	// A cancelled loop lets an in-flight send finish but skips the
	// history append and cooldown.
	if ctx.Err() != nil {
		return acted
	}

	breach := false
	updated, err := r.agents.Update(a.ID, func(cur *state.Agent) error {
		if d.Action == state.ActionWait {
			cur.ConsecutiveResponses = 0
		} else {
			cur.ConsecutiveResponses++
		}
		cur.DecisionHistory = append(cur.DecisionHistory, d)
		if d.Action != state.ActionWait && cur.ConsecutiveResponses >= cur.Caps.MaxConsecutiveResponses {
			cur.Status = state.AgentWaitingHuman
			breach = true
		}
		return nil
	})
	if err != nil {
		slog.Warn("agent record update failed", "agent", a.ID, "error", err)
	} else if breach {
		r.logCycle(a.ID, cycleID, protocol.PhaseExecute, state.LogWarn,
			fmt.Sprintf("%d consecutive responses reached the cap, pausing for human review",
				updated.ConsecutiveResponses), nil)
		r.needHelp(ctx, updated, "response cap reached: "+
			fmt.Sprintf("%d consecutive automated responses", updated.ConsecutiveResponses))
	}
	return acted
}

// fail parks the agent in error state; the loop halts until start().
func (r *Runtime) fail(agentID, reason string) {
	if _, err := r.agents.Update(agentID, func(cur *state.Agent) error {
		cur.Status = state.AgentError
		cur.LastError = reason
		return nil
	}); err != nil {
		slog.Warn("agent error transition failed", "agent", agentID, "error", err)
		return
	}
	r.publishStatus(agentID, state.AgentError)
}

// escalate flips the agent to waiting_human and alerts the operator.
func (r *Runtime) escalate(ctx context.Context, a *state.Agent, cycleID, reason string) {
	updated, err := r.agents.Update(a.ID, func(cur *state.Agent) error {
		cur.Status = state.AgentWaitingHuman
		cur.ConsecutiveResponses = 0
		cur.DecisionHistory = append(cur.DecisionHistory, state.Decision{
			Action: state.ActionRequestHelp, Reason: reason, Confidence: 1,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		slog.Warn("escalation update failed", "agent", a.ID, "error", err)
		return
	}
	r.logCycle(a.ID, cycleID, protocol.PhaseExecute, state.LogWarn, "requesting human help: "+reason, nil)
	r.needHelp(ctx, updated, reason)
}

func (r *Runtime) needHelp(ctx context.Context, a *state.Agent, reason string) {
	r.publishStatus(a.ID, a.Status)
	if r.publisher != nil {
		r.publisher.Broadcast(bus.Event{Name: protocol.EventAgentNeedHelp, Payload: map[string]any{
			"agentId": a.ID, "name": a.Name, "reason": reason,
		}})
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, fmt.Sprintf("Agent %s needs attention", a.Name), reason)
	}
}

func (r *Runtime) publishStatus(agentID string, status state.AgentStatus) {
	if r.publisher != nil {
		r.publisher.Broadcast(bus.Event{Name: protocol.EventAgentStatus, Payload: map[string]any{
			"agentId": agentID, "status": status,
		}})
	}
}

// logCycle appends to the agent's durable log and mirrors the event to
// WebSocket subscribers.
func (r *Runtime) logCycle(agentID, cycleID, phase string, level state.LogLevel, msg string, details map[string]any) {
	ev := state.LogEvent{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		CycleID:   cycleID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Phase:     phase,
		Details:   details,
	}
	if err := r.logs.AppendAgentLog(agentID, ev); err != nil {
		slog.Warn("agent log append failed", "agent", agentID, "error", err)
	}
	if r.publisher != nil {
		r.publisher.Broadcast(bus.Event{Name: protocol.EventAgentCycle, Payload: ev})
	}
}
