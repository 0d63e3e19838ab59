package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
)

// ExportSession writes a markdown document with the session's metadata
// and every branch transcript, and returns the file path. Live panes get
// a fresh capture first so the export reflects the current screen.
func (m *Manager) ExportSession(ctx context.Context, projectPath, sessionID string) (string, error) {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return "", err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return "", faults.New(faults.NotFound, "session %s not found", sessionID)
	}

	for _, br := range sess.Branches() {
		if !br.Status.Terminal() && br.MuxPaneID != "" {
			m.snapshotTranscript(ctx, sess, br)
		}
	}

	doc := m.renderExport(sess)
	stamp := m.now().Format("20060102-150405")
	path, err := store.ExportPath(m.cfg.ExportsDir(), sess.Name, stamp)
	if err != nil {
		return "", err
	}
	if err := store.WriteExport(path, []byte(doc)); err != nil {
		return "", err
	}
	slog.Info("session exported", "session", sess.ID, "path", path)
	return path, nil
}

// ExportBranch writes a single branch's transcript to the exports
// directory and returns the file path. name overrides the default file
// name stem (session-branch).
func (m *Manager) ExportBranch(ctx context.Context, projectPath, sessionID, branchID, name string) (string, error) {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return "", err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return "", faults.New(faults.NotFound, "session %s not found", sessionID)
	}
	br := FindBranch(sess, branchID)
	if br == nil {
		return "", faults.New(faults.NotFound, "branch %s not found", branchID)
	}
	if !br.Status.Terminal() && br.MuxPaneID != "" {
		m.snapshotTranscript(ctx, sess, br)
	}

	transcript, err := m.store.ReadTranscript(projectPath, sess.ID, br.ID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Branch %s (session %s)\n\n", br.Name, sess.Name)
	fmt.Fprintf(&b, "- Status: %s\n", br.Status)
	fmt.Fprintf(&b, "- Exported: %s\n\n", m.now().Format("2006-01-02 15:04:05 MST"))
	b.WriteString("```\n")
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```\n")

	stem := strings.TrimSpace(name)
	if stem == "" {
		stem = sess.Name + "-" + br.Name
	}
	stamp := m.now().Format("20060102-150405")
	path, err := store.ExportPath(m.cfg.ExportsDir(), stem, stamp)
	if err != nil {
		return "", err
	}
	if err := store.WriteExport(path, []byte(b.String())); err != nil {
		return "", err
	}
	slog.Info("branch exported", "session", sess.ID, "branch", br.ID, "path", path)
	return path, nil
}

func (m *Manager) renderExport(sess *state.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", sess.Name)
	fmt.Fprintf(&b, "- Project: %s\n", sess.ProjectPath)
	fmt.Fprintf(&b, "- Status: %s\n", sess.Status)
	fmt.Fprintf(&b, "- Created: %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- Exported: %s\n", m.now().Format("2006-01-02 15:04:05 MST"))

	for _, br := range sess.Branches() {
		fmt.Fprintf(&b, "\n## Branch %s (%s)\n\n", br.Name, br.Status)
		if br.ParentID != "" {
			fmt.Fprintf(&b, "Forked from %s.\n\n", br.ParentID)
		}
		transcript, err := m.store.ReadTranscript(sess.ProjectPath, sess.ID, br.ID)
		if err != nil {
			fmt.Fprintf(&b, "_transcript unavailable: %v_\n", err)
			continue
		}
		if strings.TrimSpace(transcript) == "" {
			b.WriteString("_no transcript_\n")
			continue
		}
		b.WriteString("```\n")
		b.WriteString(transcript)
		if !strings.HasSuffix(transcript, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
	}
	return b.String()
}
