package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// ForkBranch splits a new pane off the parent branch and starts a forked
// assistant conversation in it. The child becomes the session's active
// branch; the parent is saved until the child merges or closes. vertical
// controls the pane split direction.
func (m *Manager) ForkBranch(ctx context.Context, projectPath, sessionID, parentBranchID, name string, vertical bool) (*state.Branch, error) {
	if strings.TrimSpace(name) == "" {
		return nil, faults.New(faults.Validation, "branch name is required")
	}

	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return nil, faults.New(faults.NotFound, "session %s not found", sessionID)
	}
	if sess.Status != state.SessionActive {
		return nil, faults.New(faults.Conflict, "session %s is %s", sessionID, sess.Status)
	}
	var parent *state.Branch
	if parentBranchID == "" {
		parent = ActiveBranch(sess)
		if parent == nil {
			return nil, faults.New(faults.Conflict, "session %s has no active branch", sessionID)
		}
	} else {
		parent = FindBranch(sess, parentBranchID)
		if parent == nil {
			return nil, faults.New(faults.NotFound, "branch %s not found", parentBranchID)
		}
	}
	if err := CanFork(sess, parent); err != nil {
		return nil, err
	}
	for _, br := range sess.Branches() {
		if br.Name == name && !br.Status.Terminal() {
			return nil, faults.New(faults.AlreadyExists, "branch %q already exists", name)
		}
	}

	now := m.now()
	child := &state.Branch{
		ID:           m.newID(),
		SessionID:    sess.ID,
		Name:         name,
		ParentID:     parent.ID,
		Status:       state.BranchSaved, // active once its pane is up
		CreatedAt:    now,
		LastActivity: now,
	}
	sess.Forks = append(sess.Forks, child)
	if err := m.store.SaveProject(ps); err != nil {
		return nil, err
	}

	cmd := strings.TrimSpace(m.cfg.Assistant.Command + " " + m.cfg.Assistant.ForkArg)
	var paneID string
	err = m.withRetry(func() error {
		var e error
		paneID, e = m.mux.SplitPane(ctx, parent.MuxPaneID, vertical, projectPath, cmd)
		return e
	})
	if err != nil {
		sess.Forks = sess.Forks[:len(sess.Forks)-1]
		if saveErr := m.store.SaveProject(ps); saveErr != nil {
			slog.Error("fork rollback save failed", "session", sess.ID, "error", saveErr)
		}
		return nil, err
	}
	if err := m.mux.SetPaneTitle(ctx, paneID, m.paneTitle(sess, child)); err != nil {
		slog.Warn("set pane title failed", "pane", paneID, "error", err)
	}

	child.MuxPaneID = paneID
	child.Status = state.BranchActive
	child.TranscriptPath = m.store.TranscriptPath(projectPath, sess.ID, child.ID)
	parent.Status = state.BranchSaved
	m.touch(sess, child)
	if err := m.store.SaveProject(ps); err != nil {
		return nil, err
	}
	if err := m.mux.SelectPane(ctx, paneID); err != nil {
		slog.Warn("select pane failed", "pane", paneID, "error", err)
	}

	slog.Info("branch forked",
		"session", sess.ID, "parent", parent.ID, "branch", child.ID, "name", name)
	m.publish(protocol.EventBranchForked, branchSummary(sess, child))
	return child, nil
}

// mergeFrame is the delimiter written into the parent transcript before
// the merged child transcript.
func mergeFrame(child *state.Branch) string {
	return fmt.Sprintf("===== merged from %s (%s) =====\n", child.Name, child.ID)
}

// MergeBranch folds a child branch back into its parent: the child's
// transcript is framed and appended to the parent's, the child's pane is
// killed, and the parent becomes the active branch again.
func (m *Manager) MergeBranch(ctx context.Context, projectPath, sessionID, branchID string) error {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return faults.New(faults.NotFound, "session %s not found", sessionID)
	}
	child := FindBranch(sess, branchID)
	if child == nil {
		return faults.New(faults.NotFound, "branch %s not found", branchID)
	}
	if child.ParentID == "" {
		return faults.New(faults.Validation, "the main branch cannot be merged")
	}
	if child.Status.Terminal() {
		return faults.New(faults.Conflict, "branch %s is already %s", child.ID, child.Status)
	}
	parent := FindBranch(sess, child.ParentID)
	if parent == nil || parent.Status.Terminal() {
		return faults.New(faults.Conflict, "parent of branch %s is gone", child.ID)
	}

	if child.MuxPaneID != "" {
		m.snapshotTranscript(ctx, sess, child)
	}
	childTranscript, err := m.store.ReadTranscript(projectPath, sess.ID, child.ID)
	if err != nil {
		return err
	}
	merged := mergeFrame(child) + childTranscript
	if !strings.HasSuffix(merged, "\n") {
		merged += "\n"
	}
	if err := m.store.AppendTranscript(projectPath, sess.ID, parent.ID, merged); err != nil {
		return err
	}

	if child.MuxPaneID != "" {
		if err := m.withRetry(func() error { return m.mux.KillPane(ctx, child.MuxPaneID) }); err != nil {
			if !faults.IsKind(err, faults.NotFound) {
				return err
			}
		}
	}

	if err := TransitionBranch(child, state.BranchMerged); err != nil {
		return err
	}
	child.MuxPaneID = ""
	if ActiveBranch(sess) == nil {
		if err := TransitionBranch(parent, state.BranchActive); err != nil {
			return err
		}
	}
	m.touch(sess, parent)
	if err := m.store.SaveProject(ps); err != nil {
		return err
	}
	if parent.MuxPaneID != "" {
		if err := m.mux.SelectPane(ctx, parent.MuxPaneID); err != nil {
			slog.Warn("select pane failed", "pane", parent.MuxPaneID, "error", err)
		}
	}

	slog.Info("branch merged", "session", sess.ID, "branch", child.ID, "parent", parent.ID)
	m.publish(protocol.EventBranchMerged, branchSummary(sess, child))
	return nil
}

// CloseBranch discards a fork without merging. Its transcript is kept.
// The main branch cannot be closed; close the session instead.
func (m *Manager) CloseBranch(ctx context.Context, projectPath, sessionID, branchID string) error {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return faults.New(faults.NotFound, "session %s not found", sessionID)
	}
	br := FindBranch(sess, branchID)
	if br == nil {
		return faults.New(faults.NotFound, "branch %s not found", branchID)
	}
	if br.ParentID == "" {
		return faults.New(faults.Validation, "the main branch cannot be closed; close the session")
	}
	if br.Status.Terminal() {
		return nil
	}
	for _, c := range ChildrenOf(sess, br.ID) {
		if !c.Status.Terminal() {
			return faults.New(faults.Conflict, "branch %s has live child %s", br.ID, c.ID)
		}
	}

	wasActive := br.Status == state.BranchActive
	if br.MuxPaneID != "" {
		m.snapshotTranscript(ctx, sess, br)
		if err := m.withRetry(func() error { return m.mux.KillPane(ctx, br.MuxPaneID) }); err != nil {
			if !faults.IsKind(err, faults.NotFound) {
				return err
			}
		}
	}
	if err := TransitionBranch(br, state.BranchClosed); err != nil {
		return err
	}
	br.MuxPaneID = ""

	if wasActive {
		parent := FindBranch(sess, br.ParentID)
		if parent != nil && !parent.Status.Terminal() {
			if err := TransitionBranch(parent, state.BranchActive); err != nil {
				return err
			}
			if parent.MuxPaneID != "" {
				if err := m.mux.SelectPane(ctx, parent.MuxPaneID); err != nil {
					slog.Warn("select pane failed", "pane", parent.MuxPaneID, "error", err)
				}
			}
		}
	}
	sess.LastActivity = m.now()
	if err := m.store.SaveProject(ps); err != nil {
		return err
	}

	slog.Info("branch closed", "session", sess.ID, "branch", br.ID)
	m.publish(protocol.EventBranchClosed, branchSummary(sess, br))
	return nil
}

// SelectBranch switches which branch is active, focusing its pane.
func (m *Manager) SelectBranch(ctx context.Context, projectPath, sessionID, branchID string) error {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return faults.New(faults.NotFound, "session %s not found", sessionID)
	}
	target := FindBranch(sess, branchID)
	if target == nil {
		return faults.New(faults.NotFound, "branch %s not found", branchID)
	}
	if target.Status.Terminal() {
		return faults.New(faults.Conflict, "branch %s is %s", target.ID, target.Status)
	}
	if target.MuxPaneID == "" {
		return faults.New(faults.Conflict, "branch %s has no live pane", target.ID)
	}
	if target.Status == state.BranchActive {
		return nil
	}

	if current := ActiveBranch(sess); current != nil {
		if err := TransitionBranch(current, state.BranchSaved); err != nil {
			return err
		}
	}
	if err := TransitionBranch(target, state.BranchActive); err != nil {
		return err
	}
	if err := m.withRetry(func() error { return m.mux.SelectPane(ctx, target.MuxPaneID) }); err != nil {
		return err
	}
	m.touch(sess, target)
	if err := m.store.SaveProject(ps); err != nil {
		return err
	}

	m.publish(protocol.EventBranchSelected, branchSummary(sess, target))
	return nil
}

func branchSummary(sess *state.Session, br *state.Branch) map[string]any {
	return map[string]any{
		"sessionId": sess.ID,
		"branchId":  br.ID,
		"name":      br.Name,
		"parentId":  br.ParentID,
		"status":    br.Status,
	}
}
