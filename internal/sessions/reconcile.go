package sessions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// Reconcile aligns the durable records with the live multiplexer. Run at
// daemon startup, before the HTTP surface accepts traffic.
//
// Drift repair: a session recorded active whose multiplexer session is
// gone flips to saved; a branch whose pane is gone flips to saved (the
// conversation can be resumed, the pane cannot). Adoption: a live
// multiplexer session carrying the orchestrator's name prefix with no
// record gets a minimal record so it shows up in listings.
func (m *Manager) Reconcile(ctx context.Context) error {
	known := make(map[string]bool)

	for _, ps := range m.ListProjects() {
		changed := false
		for _, sess := range ps.Sessions {
			known[sess.MuxSessionName] = true
			if m.reconcileSession(ctx, sess) {
				changed = true
			}
		}
		if changed {
			if err := m.store.SaveProject(ps); err != nil {
				return err
			}
		}
	}
	return m.adoptOrphans(ctx, known)
}

// reconcileSession repairs one session record. Returns true when the
// record changed.
func (m *Manager) reconcileSession(ctx context.Context, sess *state.Session) bool {
	if sess.Status != state.SessionActive {
		return false
	}
	alive, err := m.mux.SessionExists(ctx, sess.MuxSessionName)
	if err != nil {
		slog.Warn("reconcile probe failed", "session", sess.ID, "error", err)
		return false
	}

	if !alive {
		sess.Status = state.SessionSaved
		sess.ViewerPort = 0
		var drifted []string
		for _, br := range sess.Branches() {
			if !br.Status.Terminal() {
				br.Status = state.BranchSaved
				br.MuxPaneID = ""
				drifted = append(drifted, br.ID)
			}
		}
		slog.Warn("session drifted: backend gone", "session", sess.ID)
		m.publish(protocol.EventReconcileDrift, map[string]any{
			"sessionId": sess.ID, "branchIds": drifted, "reason": "mux session missing",
		})
		return true
	}

	panes, err := m.mux.ListPanes(ctx, sess.MuxSessionName)
	if err != nil {
		slog.Warn("reconcile list-panes failed", "session", sess.ID, "error", err)
		return false
	}
	livePanes := make(map[string]bool, len(panes))
	for _, p := range panes {
		livePanes[p.ID] = true
	}

	changed := false
	var drifted []string
	for _, br := range sess.Branches() {
		if br.Status.Terminal() || br.MuxPaneID == "" {
			continue
		}
		if !livePanes[br.MuxPaneID] {
			br.Status = state.BranchSaved
			br.MuxPaneID = ""
			drifted = append(drifted, br.ID)
			changed = true
		}
	}
	if len(drifted) > 0 {
		slog.Warn("branches drifted: panes gone", "session", sess.ID, "branches", drifted)
		m.publish(protocol.EventReconcileDrift, map[string]any{
			"sessionId": sess.ID, "branchIds": drifted, "reason": "pane missing",
		})
	}

	// An active session needs an active branch and a viewer.
	if ActiveBranch(sess) == nil {
		if !sess.Main.Status.Terminal() && sess.Main.MuxPaneID != "" {
			sess.Main.Status = state.BranchActive
			changed = true
		} else {
			sess.Status = state.SessionSaved
			sess.ViewerPort = 0
			changed = true
		}
	}
	if sess.Status == state.SessionActive && m.viewers.Port(sess.ID) == 0 {
		old := sess.ViewerPort
		sess.ViewerPort = 0
		m.startViewer(sess)
		if sess.ViewerPort != old {
			changed = true
		}
	}
	return changed
}

// adoptOrphans records live multiplexer sessions that carry our prefix
// but have no durable record. Adopted sessions have no project binding,
// so they land under the adopted-sessions project.
func (m *Manager) adoptOrphans(ctx context.Context, known map[string]bool) error {
	prefix := m.cfg.Mux.SessionPrefix
	if prefix == "" {
		prefix = "orka"
	}
	names, err := m.mux.ListSessions(ctx)
	if err != nil {
		return err
	}

	var orphans []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix+"-") && !known[name] {
			orphans = append(orphans, name)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	ps, err := m.adoptedProject()
	if err != nil {
		return err
	}
	for _, muxName := range orphans {
		paneID := ""
		if panes, err := m.mux.ListPanes(ctx, muxName); err == nil && len(panes) > 0 {
			paneID = panes[0].ID
		}
		now := m.now()
		sess := &state.Session{
			ID:             m.newID(),
			ProjectPath:    ps.Project.Path,
			Name:           strings.TrimPrefix(muxName, prefix+"-"),
			Status:         state.SessionActive,
			CreatedAt:      now,
			LastActivity:   now,
			MuxSessionName: muxName,
			Main: &state.Branch{
				ID: m.newID(), Name: "main", Status: state.BranchActive,
				MuxPaneID: paneID, CreatedAt: now, LastActivity: now,
			},
		}
		sess.Main.SessionID = sess.ID
		ps.Sessions = append(ps.Sessions, sess)

		slog.Info("adopted orphan session", "mux", muxName, "session", sess.ID)
		m.publish(protocol.EventReconcileAdopted, map[string]any{
			"sessionId": sess.ID, "muxSession": muxName,
		})
	}
	return m.store.SaveProject(ps)
}

// adoptedProject returns the synthetic project that holds adopted
// sessions, creating it on first use.
func (m *Manager) adoptedProject() (*state.ProjectState, error) {
	path := m.store.Root() + "/adopted"
	ps, err := m.store.LoadProject(path)
	if err == nil {
		return ps, nil
	}
	ps = &state.ProjectState{
		Project: state.Project{Path: path, Name: "adopted", RegisteredAt: m.now()},
	}
	return ps, nil
}
