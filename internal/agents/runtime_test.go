package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/mux"
	"github.com/nextlevelbuilder/orka/internal/policy"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

const (
	idleScreen    = "All done with the task.\n│ > \n"
	promptScreen  = "Do you want to run `go test ./...`?\n❯ 1. Yes\n  2. No\n"
	runningScreen = "⠙ Working…\nesc to interrupt\n"
)

type fakePaneMux struct {
	mu      sync.Mutex
	screen  string
	sent    []string
	keys    []mux.Key
	capErr  error
	sendErr error
}

func (f *fakePaneMux) CapturePane(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screen, f.capErr
}

func (f *fakePaneMux) SendText(_ context.Context, _ string, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakePaneMux) SendKey(_ context.Context, _ string, k mux.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, k)
	return nil
}

type policyFunc func(ctx context.Context, req policy.Request) (state.Decision, error)

func (f policyFunc) Decide(ctx context.Context, req policy.Request) (state.Decision, error) {
	return f(ctx, req)
}

type countingPolicy struct {
	mu       sync.Mutex
	calls    int
	decision state.Decision
	err      error
}

func (p *countingPolicy) Decide(context.Context, policy.Request) (state.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.decision, p.err
}

type rtFixture struct {
	rt      *Runtime
	agents  *Store
	pane    *fakePaneMux
	pol     *countingPolicy
	bus     *bus.Bus
	persist *store.Store
	agentID string
}

func newRtFixture(t *testing.T, params CreateParams) *rtFixture {
	t.Helper()
	persist, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	agentStore, err := NewStore(persist)
	if err != nil {
		t.Fatal(err)
	}
	pane := &fakePaneMux{screen: idleScreen}
	pol := &countingPolicy{decision: state.Decision{
		Action: state.ActionWait, Reason: "default", Confidence: 1,
	}}
	b := bus.New()
	rt, err := NewRuntime(agentStore, pane, pol, persist, b, config.Default(), nil)
	if err != nil {
		t.Fatal(err)
	}

	a, err := agentStore.Create(params)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agentStore.Connect(a.ID, state.AgentConnection{
		ProjectPath: "/p", SessionID: "sess-1", BranchID: "br-1", MuxPaneID: "%5",
	}); err != nil {
		t.Fatal(err)
	}
	return &rtFixture{rt: rt, agents: agentStore, pane: pane, pol: pol, bus: b, persist: persist, agentID: a.ID}
}

func TestCycleRespondsWhenIdle(t *testing.T) {
	f := newRtFixture(t, testParams("responder"))
	f.pol.decision = state.Decision{
		Action: state.ActionRespond, Response: "looks good, continue",
		Reason: "assistant finished a step", Confidence: 0.9,
	}

	acted := f.rt.runCycle(context.Background(), f.agentID, false)
	if !acted {
		t.Fatal("cycle did not act")
	}
	if len(f.pane.sent) != 1 || f.pane.sent[0] != "looks good, continue" {
		t.Errorf("sent = %v", f.pane.sent)
	}

	a, _ := f.agents.Get(f.agentID)
	if a.ConsecutiveResponses != 1 {
		t.Errorf("consecutiveResponses = %d, want 1", a.ConsecutiveResponses)
	}
	if len(a.DecisionHistory) != 1 || a.DecisionHistory[0].Action != state.ActionRespond {
		t.Errorf("history = %+v", a.DecisionHistory)
	}

	// The durable cycle log covers capture through done.
	events, err := f.persist.ReadAgentLogs(f.agentID, 0)
	if err != nil {
		t.Fatal(err)
	}
	phases := map[string]bool{}
	for _, ev := range events {
		phases[ev.Phase] = true
		if ev.CycleID == "" {
			t.Error("log event missing cycle id")
		}
	}
	for _, want := range []string{protocol.PhaseCapture, protocol.PhaseAnalyze, protocol.PhaseDecide, protocol.PhaseExecute, protocol.PhaseDone} {
		if !phases[want] {
			t.Errorf("missing phase %s in log", want)
		}
	}
}

func TestCycleWaitsWhileRunning(t *testing.T) {
	f := newRtFixture(t, testParams("patient"))
	f.pane.screen = runningScreen

	acted := f.rt.runCycle(context.Background(), f.agentID, false)
	if acted {
		t.Error("acted on a running assistant")
	}
	if f.pol.calls != 0 {
		t.Errorf("policy called %d times for a running screen", f.pol.calls)
	}
}

func TestCycleAutoApprovesPrompt(t *testing.T) {
	p := testParams("approver")
	p.AutoApprove = true
	f := newRtFixture(t, p)
	f.pane.screen = promptScreen

	acted := f.rt.runCycle(context.Background(), f.agentID, false)
	if !acted {
		t.Fatal("cycle did not act")
	}
	if f.pol.calls != 0 {
		t.Errorf("policy consulted despite auto-approve")
	}
	if len(f.pane.sent) != 1 || f.pane.sent[0] != "y" {
		t.Errorf("sent = %v, want [y]", f.pane.sent)
	}
}

func TestCyclePromptGoesToPolicy(t *testing.T) {
	f := newRtFixture(t, testParams("careful"))
	f.pane.screen = promptScreen
	f.pol.decision = state.Decision{
		Action: state.ActionReject, Reason: "destructive command", Confidence: 0.95,
	}

	f.rt.runCycle(context.Background(), f.agentID, false)
	if f.pol.calls != 1 {
		t.Errorf("policy calls = %d, want 1", f.pol.calls)
	}
	if len(f.pane.sent) != 1 || f.pane.sent[0] != "n" {
		t.Errorf("sent = %v, want [n]", f.pane.sent)
	}
	// A rejection is still an automated action and counts toward the cap.
	a, _ := f.agents.Get(f.agentID)
	if a.ConsecutiveResponses != 1 {
		t.Errorf("consecutiveResponses = %d, want 1", a.ConsecutiveResponses)
	}
}

func TestPolicyFailureFallsBackToWait(t *testing.T) {
	f := newRtFixture(t, testParams("fallback"))
	f.pol.err = faults.New(faults.PolicyProtocol, "model returned prose")

	acted := f.rt.runCycle(context.Background(), f.agentID, false)
	if acted {
		t.Error("acted despite policy failure")
	}
	if len(f.pane.sent) != 0 || len(f.pane.keys) != 0 {
		t.Error("pane touched despite fallback wait")
	}
}

func TestResponseCapEscalates(t *testing.T) {
	p := testParams("capped")
	p.Caps = state.AgentCaps{MaxConsecutiveResponses: 2, ActionCooldownMs: 1, AttentionThreshold: 0.5}
	f := newRtFixture(t, p)
	f.pol.decision = state.Decision{
		Action: state.ActionRespond, Response: "continue", Reason: "keep going", Confidence: 0.9,
	}

	var events []bus.Event
	var mu sync.Mutex
	f.bus.Subscribe("test", func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	f.rt.runCycle(context.Background(), f.agentID, false)
	f.rt.runCycle(context.Background(), f.agentID, false)

	a, _ := f.agents.Get(f.agentID)
	if a.Status != state.AgentWaitingHuman {
		t.Fatalf("status = %v, want waiting_human", a.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range events {
		if ev.Name == protocol.EventAgentNeedHelp {
			found = true
		}
	}
	if !found {
		t.Error("need_help event not broadcast")
	}

	// A waiting agent runs no further cycles.
	calls := f.pol.calls
	if f.rt.runCycle(context.Background(), f.agentID, false) {
		t.Error("waiting agent acted")
	}
	if f.pol.calls != calls {
		t.Error("waiting agent consulted policy")
	}

	// Human resume resets the streak.
	if err := f.rt.Resume(f.agentID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	a, _ = f.agents.Get(f.agentID)
	if a.Status != state.AgentActive || a.ConsecutiveResponses != 0 {
		t.Errorf("after resume: %+v", a)
	}
}

func TestLowConfidenceEscalates(t *testing.T) {
	p := testParams("unsure")
	p.Caps = state.AgentCaps{AttentionThreshold: 0.8}
	f := newRtFixture(t, p)
	f.pol.decision = state.Decision{
		Action: state.ActionRespond, Response: "maybe this", Reason: "guessing", Confidence: 0.3,
	}

	f.rt.runCycle(context.Background(), f.agentID, false)

	if len(f.pane.sent) != 0 {
		t.Error("low-confidence response reached the pane")
	}
	a, _ := f.agents.Get(f.agentID)
	if a.Status != state.AgentWaitingHuman {
		t.Errorf("status = %v, want waiting_human", a.Status)
	}
	if got := a.DecisionHistory[len(a.DecisionHistory)-1]; got.Action != state.ActionRequestHelp {
		t.Errorf("last decision = %+v", got)
	}
}

func TestCrashedScreenEscalates(t *testing.T) {
	f := newRtFixture(t, testParams("crashed"))
	f.pane.screen = "claude: command not found\n"

	f.rt.runCycle(context.Background(), f.agentID, false)
	a, _ := f.agents.Get(f.agentID)
	if a.Status != state.AgentWaitingHuman {
		t.Errorf("status = %v, want waiting_human", a.Status)
	}
	if f.pol.calls != 0 {
		t.Error("policy consulted for a crashed screen")
	}
}

func TestPauseBlocksCycles(t *testing.T) {
	f := newRtFixture(t, testParams("paused"))
	if err := f.rt.Pause(f.agentID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if f.rt.runCycle(context.Background(), f.agentID, false) {
		t.Error("paused agent acted")
	}
	if f.pol.calls != 0 {
		t.Error("paused agent consulted policy")
	}
	if err := f.rt.Resume(f.agentID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	f := newRtFixture(t, testParams("coalesced"))

	// Block the in-flight cycle inside the policy call.
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := policyFunc(func(context.Context, policy.Request) (state.Decision, error) {
		close(entered)
		<-release
		return state.Decision{Action: state.ActionWait, Reason: "r", Confidence: 1}, nil
	})
	f.rt.policy = blocking

	if err := f.rt.Start(f.agentID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.rt.Stop(f.agentID)

	if !f.rt.Trigger(f.agentID) {
		t.Fatal("first trigger rejected")
	}
	<-entered

	// One pending trigger fits; the next coalesces away.
	if !f.rt.Trigger(f.agentID) {
		t.Error("second trigger should queue")
	}
	if f.rt.Trigger(f.agentID) {
		t.Error("third trigger should coalesce")
	}
	close(release)
}

func TestApproveStreakTripsCap(t *testing.T) {
	p := testParams("rubber-stamp")
	p.AutoApprove = true
	p.Caps = state.AgentCaps{MaxConsecutiveResponses: 2, AttentionThreshold: 0.5}
	f := newRtFixture(t, p)
	f.pane.screen = promptScreen

	f.rt.runCycle(context.Background(), f.agentID, false)
	f.rt.runCycle(context.Background(), f.agentID, false)

	// Approvals are automated actions too; a streak of them pauses the
	// agent just like responses would.
	a, _ := f.agents.Get(f.agentID)
	if a.Status != state.AgentWaitingHuman {
		t.Fatalf("status = %v, want waiting_human", a.Status)
	}
	if len(a.DecisionHistory) != 2 || a.DecisionHistory[1].Action != state.ActionApprove {
		t.Errorf("history = %+v", a.DecisionHistory)
	}
}

func TestWaitResetsStreakAndIsRecorded(t *testing.T) {
	f := newRtFixture(t, testParams("pacer"))
	f.pol.decision = state.Decision{
		Action: state.ActionRespond, Response: "continue", Reason: "keep going", Confidence: 0.9,
	}
	f.rt.runCycle(context.Background(), f.agentID, false)

	f.pol.decision = state.Decision{Action: state.ActionWait, Reason: "settling", Confidence: 0.9}
	f.rt.runCycle(context.Background(), f.agentID, false)

	a, _ := f.agents.Get(f.agentID)
	if a.ConsecutiveResponses != 0 {
		t.Errorf("consecutiveResponses = %d, want 0", a.ConsecutiveResponses)
	}
	// Waits land in the history like every other decision.
	if len(a.DecisionHistory) != 2 || a.DecisionHistory[1].Action != state.ActionWait {
		t.Errorf("history = %+v", a.DecisionHistory)
	}
}

func TestCaptureFailureHaltsAgent(t *testing.T) {
	f := newRtFixture(t, testParams("fragile"))
	f.pane.mu.Lock()
	f.pane.capErr = errors.New("pane vanished")
	f.pane.mu.Unlock()

	if err := f.rt.Start(f.agentID); err != nil {
		t.Fatal(err)
	}
	f.rt.Trigger(f.agentID)

	deadline := time.After(5 * time.Second)
	for f.rt.Running(f.agentID) {
		select {
		case <-deadline:
			t.Fatal("loop did not halt on capture failure")
		case <-time.After(10 * time.Millisecond):
		}
	}

	a, _ := f.agents.Get(f.agentID)
	if a.Status != state.AgentError {
		t.Fatalf("status = %v, want error", a.Status)
	}
	if !strings.Contains(a.LastError, "capture failed") {
		t.Errorf("lastError = %q", a.LastError)
	}

	// A halted agent stays down until an explicit start, which clears
	// the error.
	f.pane.mu.Lock()
	f.pane.capErr = nil
	f.pane.mu.Unlock()
	if err := f.rt.Start(f.agentID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer f.rt.Stop(f.agentID)
	a, _ = f.agents.Get(f.agentID)
	if a.Status != state.AgentActive || a.LastError != "" {
		t.Errorf("after restart: status=%v lastError=%q", a.Status, a.LastError)
	}
	if !f.rt.Running(f.agentID) {
		t.Error("loop not running after restart")
	}
}

func TestPauseMidCycleDiscardsDecision(t *testing.T) {
	f := newRtFixture(t, testParams("interrupted"))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.rt.policy = policyFunc(func(context.Context, policy.Request) (state.Decision, error) {
		close(entered)
		<-release
		return state.Decision{
			Action: state.ActionRespond, Response: "go on", Reason: "step done", Confidence: 1,
		}, nil
	})

	done := make(chan bool)
	go func() { done <- f.rt.runCycle(context.Background(), f.agentID, false) }()
	<-entered
	if err := f.rt.Pause(f.agentID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	// The pause landed between decide and execute; the decision must not
	// reach the pane.
	if <-done {
		t.Error("cycle acted after pause")
	}
	if len(f.pane.sent) != 0 || len(f.pane.keys) != 0 {
		t.Errorf("pane touched after pause: sent=%v keys=%v", f.pane.sent, f.pane.keys)
	}
	a, _ := f.agents.Get(f.agentID)
	if len(a.DecisionHistory) != 0 {
		t.Errorf("history = %+v", a.DecisionHistory)
	}
}

func TestTickGatedOnAttention(t *testing.T) {
	p := testParams("watchful")
	p.Caps = state.AgentCaps{MaxConsecutiveResponses: 10, AttentionThreshold: 0.9}
	f := newRtFixture(t, p)

	// An idle screen scores below the raised threshold, so a watchdog
	// poll stops after classification.
	if f.rt.runCycle(context.Background(), f.agentID, true) {
		t.Error("poll acted below threshold")
	}
	if f.pol.calls != 0 {
		t.Error("policy consulted on a skipped poll")
	}
	a, _ := f.agents.Get(f.agentID)
	if len(a.DecisionHistory) != 0 {
		t.Errorf("skipped poll recorded a decision: %+v", a.DecisionHistory)
	}

	// A pending permission prompt clears any threshold.
	f.pane.mu.Lock()
	f.pane.screen = promptScreen
	f.pane.mu.Unlock()
	f.rt.runCycle(context.Background(), f.agentID, true)
	if f.pol.calls != 1 {
		t.Errorf("policy calls = %d, want 1", f.pol.calls)
	}

	// Hook and manual triggers are never gated.
	f.pane.mu.Lock()
	f.pane.screen = idleScreen
	f.pane.mu.Unlock()
	f.rt.runCycle(context.Background(), f.agentID, false)
	if f.pol.calls != 2 {
		t.Errorf("policy calls = %d, want 2", f.pol.calls)
	}
}

func TestStartRequiresConnection(t *testing.T) {
	f := newRtFixture(t, testParams("solo"))
	b, err := f.agents.Create(testParams("unbound"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.rt.Start(b.ID); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("kind = %v, want conflict", faults.KindOf(err))
	}
}

func TestStopWaitsForCycle(t *testing.T) {
	f := newRtFixture(t, testParams("stopper"))
	if err := f.rt.Start(f.agentID); err != nil {
		t.Fatal(err)
	}
	if !f.rt.Running(f.agentID) {
		t.Fatal("loop not running")
	}
	done := make(chan struct{})
	go func() {
		f.rt.Stop(f.agentID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if f.rt.Running(f.agentID) {
		t.Error("loop still registered after Stop")
	}
}
