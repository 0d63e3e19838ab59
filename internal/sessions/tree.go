package sessions

import (
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
)

// ActiveBranch returns the session's single active branch, or nil.
// At most one branch of a session is active at any time; fork, merge,
// and select all preserve that.
func ActiveBranch(s *state.Session) *state.Branch {
	for _, br := range s.Branches() {
		if br.Status == state.BranchActive {
			return br
		}
	}
	return nil
}

// FindBranch locates a branch by id within a session, or nil.
func FindBranch(s *state.Session, branchID string) *state.Branch {
	for _, br := range s.Branches() {
		if br.ID == branchID {
			return br
		}
	}
	return nil
}

// ChildrenOf returns the direct children of a branch.
func ChildrenOf(s *state.Session, parentID string) []*state.Branch {
	var out []*state.Branch
	for _, br := range s.Forks {
		if br.ParentID == parentID {
			out = append(out, br)
		}
	}
	return out
}

// CanFork checks whether a new child may be forked off parent. A parent
// whose child is still active is busy: its conversation state is shared
// with that child until the child merges or closes. Saved children, a
// drift-demoted fork included, do not block a new fork.
func CanFork(s *state.Session, parent *state.Branch) error {
	if parent.Status.Terminal() {
		return faults.New(faults.Conflict, "branch %s is %s", parent.ID, parent.Status)
	}
	if parent.Status != state.BranchActive {
		return faults.New(faults.Conflict, "branch %s is not the active branch", parent.ID)
	}
	for _, child := range ChildrenOf(s, parent.ID) {
		if child.Status == state.BranchActive {
			return faults.New(faults.Conflict,
				"branch %s already has active child %s", parent.ID, child.ID)
		}
	}
	return nil
}

// branchTransitions lists the legal status moves. Terminal statuses have
// no outgoing edges.
var branchTransitions = map[state.BranchStatus][]state.BranchStatus{
	state.BranchActive: {state.BranchSaved, state.BranchClosed, state.BranchMerged},
	state.BranchSaved:  {state.BranchActive, state.BranchClosed, state.BranchMerged},
}

// TransitionBranch moves a branch to a new status, rejecting illegal
// moves. Re-asserting the current status is a no-op.
func TransitionBranch(br *state.Branch, to state.BranchStatus) error {
	if br.Status == to {
		return nil
	}
	for _, legal := range branchTransitions[br.Status] {
		if legal == to {
			br.Status = to
			return nil
		}
	}
	return faults.New(faults.Conflict, "branch %s cannot move %s -> %s", br.ID, br.Status, to)
}

var sessionTransitions = map[state.SessionStatus][]state.SessionStatus{
	state.SessionActive: {state.SessionSaved, state.SessionClosed},
	state.SessionSaved:  {state.SessionActive, state.SessionClosed},
}

// TransitionSession moves a session to a new status, rejecting illegal
// moves.
func TransitionSession(s *state.Session, to state.SessionStatus) error {
	if s.Status == to {
		return nil
	}
	for _, legal := range sessionTransitions[s.Status] {
		if legal == to {
			s.Status = to
			return nil
		}
	}
	return faults.New(faults.Conflict, "session %s cannot move %s -> %s", s.ID, s.Status, to)
}
