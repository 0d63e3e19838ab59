package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
)

func sessionWithForks() *state.Session {
	s := &state.Session{
		ID: "s1",
		Main: &state.Branch{
			ID: "main", SessionID: "s1", Name: "main", Status: state.BranchSaved,
		},
		Forks: []*state.Branch{
			{ID: "f1", SessionID: "s1", Name: "explore", ParentID: "main", Status: state.BranchActive},
			{ID: "f2", SessionID: "s1", Name: "old", ParentID: "main", Status: state.BranchMerged},
		},
	}
	return s
}

func TestActiveBranch(t *testing.T) {
	s := sessionWithForks()
	if br := ActiveBranch(s); br == nil || br.ID != "f1" {
		t.Errorf("ActiveBranch = %+v, want f1", br)
	}
	s.Forks[0].Status = state.BranchSaved
	if br := ActiveBranch(s); br != nil {
		t.Errorf("ActiveBranch = %+v, want nil", br)
	}
}

func TestCanFork(t *testing.T) {
	s := sessionWithForks()

	// The active branch with no live children may fork.
	if err := CanFork(s, s.Forks[0]); err != nil {
		t.Errorf("CanFork(f1) = %v", err)
	}
	// A saved branch is not the active branch.
	if err := CanFork(s, s.Main); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("CanFork(main saved) kind = %v, want conflict", faults.KindOf(err))
	}
	// A parent with a live child is busy.
	s.Main.Status = state.BranchActive
	s.Forks[0].Status = state.BranchSaved
	if err := CanFork(s, s.Main); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("CanFork(busy parent) kind = %v, want conflict", faults.KindOf(err))
	}
	// Terminal children do not block.
	s.Forks[0].Status = state.BranchClosed
	if err := CanFork(s, s.Main); err != nil {
		t.Errorf("CanFork after child closed = %v", err)
	}
	// Terminal parents never fork.
	s.Main.Status = state.BranchMerged
	if err := CanFork(s, s.Main); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("CanFork(terminal) kind = %v, want conflict", faults.KindOf(err))
	}
}

func TestTransitionBranch(t *testing.T) {
	tests := []struct {
		from, to state.BranchStatus
		ok       bool
	}{
		{state.BranchActive, state.BranchSaved, true},
		{state.BranchActive, state.BranchMerged, true},
		{state.BranchSaved, state.BranchActive, true},
		{state.BranchSaved, state.BranchClosed, true},
		{state.BranchClosed, state.BranchActive, false},
		{state.BranchMerged, state.BranchSaved, false},
		{state.BranchMerged, state.BranchClosed, false},
	}
	for _, tt := range tests {
		br := &state.Branch{ID: "b", Status: tt.from}
		err := TransitionBranch(br, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: %v", tt.from, tt.to, err)
		}
		if !tt.ok && !faults.IsKind(err, faults.Conflict) {
			t.Errorf("%s -> %s: kind = %v, want conflict", tt.from, tt.to, faults.KindOf(err))
		}
	}

	// Re-asserting the current status is a no-op, even for terminal.
	br := &state.Branch{ID: "b", Status: state.BranchMerged}
	if err := TransitionBranch(br, state.BranchMerged); err != nil {
		t.Errorf("merged -> merged: %v", err)
	}
}

func TestTransitionSession(t *testing.T) {
	s := &state.Session{ID: "s", Status: state.SessionClosed}
	if err := TransitionSession(s, state.SessionActive); !faults.IsKind(err, faults.Conflict) {
		t.Errorf("closed -> active kind = %v, want conflict", faults.KindOf(err))
	}
	s.Status = state.SessionSaved
	if err := TransitionSession(s, state.SessionActive); err != nil {
		t.Errorf("saved -> active: %v", err)
	}
}
