package agents

import (
	"testing"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	persist, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(persist)
	if err != nil {
		t.Fatal(err)
	}
	return s, persist
}

func testParams(name string) CreateParams {
	return CreateParams{
		Name:         name,
		MasterPrompt: "keep the work moving",
		HookEvents:   []state.HookKind{state.HookStop, state.HookNotification},
	}
}

func TestCreateAndReload(t *testing.T) {
	s, persist := newTestStore(t)

	a, err := s.Create(testParams("reviewer"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Status != state.AgentIdle {
		t.Errorf("status = %v, want idle", a.Status)
	}
	if a.Caps.MaxConsecutiveResponses != 10 || a.Caps.ActionCooldownMs != 2000 {
		t.Errorf("caps not defaulted: %+v", a.Caps)
	}

	// A fresh Store over the same root sees the agent.
	reloaded, err := NewStore(persist)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get(a.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Name != "reviewer" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Create(CreateParams{MasterPrompt: "x"}); !faults.IsKind(err, faults.Validation) {
		t.Errorf("no name: kind = %v", faults.KindOf(err))
	}
	if _, err := s.Create(CreateParams{Name: "a"}); !faults.IsKind(err, faults.Validation) {
		t.Errorf("no prompt: kind = %v", faults.KindOf(err))
	}
	p := testParams("bad-hooks")
	p.HookEvents = []state.HookKind{"NoSuchHook"}
	if _, err := s.Create(p); !faults.IsKind(err, faults.Validation) {
		t.Errorf("bad hook: kind = %v", faults.KindOf(err))
	}

	if _, err := s.Create(testParams("dup")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(testParams("dup")); !faults.IsKind(err, faults.AlreadyExists) {
		t.Errorf("dup name: kind = %v", faults.KindOf(err))
	}
}

func TestConnectDisconnect(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Create(testParams("one"))
	b, _ := s.Create(testParams("two"))

	conn := state.AgentConnection{
		ProjectPath: "/p", SessionID: "sess-1", BranchID: "br-1", MuxPaneID: "%3",
	}
	got, err := s.Connect(a.ID, conn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got.Status != state.AgentActive || got.Connection.MuxPaneID != "%3" {
		t.Errorf("connected agent = %+v", got)
	}

	// Same pane cannot be supervised twice.
	if _, err := s.Connect(b.ID, conn); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("pane conflict: kind = %v", faults.KindOf(err))
	}
	// Already-connected agent cannot connect again.
	if _, err := s.Connect(a.ID, conn); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("double connect: kind = %v", faults.KindOf(err))
	}

	// Connected agents cannot be deleted.
	if err := s.Delete(a.ID); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("delete connected: kind = %v", faults.KindOf(err))
	}

	got, err = s.Disconnect(a.ID)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got.Status != state.AgentIdle || got.Connection != nil {
		t.Errorf("disconnected agent = %+v", got)
	}
	if err := s.Delete(a.ID); err != nil {
		t.Errorf("delete after disconnect: %v", err)
	}
}

func TestForHook(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Create(testParams("subscribed"))
	p := testParams("other-session")
	b, _ := s.Create(p)

	s.Connect(a.ID, state.AgentConnection{ProjectPath: "/p", SessionID: "sess-1", BranchID: "b1", MuxPaneID: "%1"})
	s.Connect(b.ID, state.AgentConnection{ProjectPath: "/p", SessionID: "sess-2", BranchID: "b2", MuxPaneID: "%2"})

	got := s.ForHook("sess-1", state.HookStop)
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("ForHook = %+v", got)
	}
	// Unsubscribed kind matches nothing.
	if got := s.ForHook("sess-1", state.HookPreToolUse); len(got) != 0 {
		t.Errorf("ForHook(unsubscribed) = %+v", got)
	}
}

func TestHistoryCap(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Create(testParams("hist"))

	for i := 0; i < historyCap+20; i++ {
		_, err := s.Update(a.ID, func(cur *state.Agent) error {
			cur.DecisionHistory = append(cur.DecisionHistory, state.Decision{
				Action: state.ActionWait, Reason: "r", Confidence: 1,
			})
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.Get(a.ID)
	if len(got.DecisionHistory) != historyCap {
		t.Errorf("history = %d, want %d", len(got.DecisionHistory), historyCap)
	}
}
