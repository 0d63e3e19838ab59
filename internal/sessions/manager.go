// Package sessions owns the session and branch lifecycle: creation,
// resume, detach, close, the fork tree, merge, export, and startup
// reconciliation against the live multiplexer.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/mux"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// Mux is the slice of the multiplexer driver the manager uses.
type Mux interface {
	NewSession(ctx context.Context, name, cwd, initialCmd string) (string, error)
	SplitPane(ctx context.Context, parentPaneID string, vertical bool, cwd, initialCmd string) (string, error)
	SendText(ctx context.Context, paneID, text string, pressEnter bool) error
	SendKey(ctx context.Context, paneID string, key mux.Key) error
	CapturePane(ctx context.Context, paneID string, lastN int) (string, error)
	ListPanes(ctx context.Context, sessionName string) ([]mux.Pane, error)
	SelectPane(ctx context.Context, paneID string) error
	SetPaneTitle(ctx context.Context, paneID, title string) error
	KillPane(ctx context.Context, paneID string) error
	KillSession(ctx context.Context, name string) error
	SessionExists(ctx context.Context, name string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
}

// Viewers is the slice of the viewer supervisor the manager uses.
type Viewers interface {
	Start(sessionID, muxSession string, port int) error
	Stop(sessionID string)
	Port(sessionID string) int
}

// PortPool hands out viewer ports.
type PortPool interface {
	Acquire() (int, error)
	Release(port int)
}

// retryDelay is the pause before the single retry of a transient
// multiplexer failure.
const retryDelay = 200 * time.Millisecond

// Manager coordinates sessions across projects. All mutating operations
// on one session are serialized through a per-session lock; the durable
// record is written before and after every multiplexer mutation.
type Manager struct {
	store     *store.Store
	mux       Mux
	viewers   Viewers
	ports     PortPool
	publisher bus.EventPublisher
	cfg       *config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now   func() time.Time
	newID func() string

	sleep func(time.Duration) // swapped in tests to skip retry pauses
}

// NewManager wires the session manager. publisher may be nil.
func NewManager(st *store.Store, m Mux, v Viewers, p PortPool, publisher bus.EventPublisher, cfg *config.Config) *Manager {
	return &Manager{
		store:     st,
		mux:       m,
		viewers:   v,
		ports:     p,
		publisher: publisher,
		cfg:       cfg,
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		sleep:     time.Sleep,
	}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) publish(name string, payload any) {
	if m.publisher != nil {
		m.publisher.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// withRetry runs a multiplexer operation, retrying once after a short
// pause when the failure is transient.
func (m *Manager) withRetry(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if faults.IsKind(err, faults.Timeout) || faults.IsKind(err, faults.BackendUnavailable) {
		m.sleep(retryDelay)
		return op()
	}
	return err
}

// RegisterProject records a working directory. Registering an already
// registered path returns the existing project.
func (m *Manager) RegisterProject(ctx context.Context, path, name string) (*state.Project, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, faults.New(faults.Validation, "project path must be absolute: %q", path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, faults.New(faults.Validation, "project path %s is not a directory", path)
	}
	if name == "" {
		name = path[strings.LastIndex(path, "/")+1:]
	}

	l := m.lockFor("project:" + path)
	l.Lock()
	defer l.Unlock()

	if ps, err := m.store.LoadProject(path); err == nil {
		return &ps.Project, nil
	} else if !faults.IsKind(err, faults.NotFound) {
		return nil, err
	}

	ps := &state.ProjectState{
		Project: state.Project{Path: path, Name: name, RegisteredAt: m.now()},
	}
	if err := m.store.SaveProject(ps); err != nil {
		return nil, err
	}
	slog.Info("project registered", "path", path, "name", name)
	return &ps.Project, nil
}

// UnregisterProject removes a project and its stored state. Every
// session must be closed first; live sessions make this a Conflict.
func (m *Manager) UnregisterProject(ctx context.Context, path string) error {
	l := m.lockFor("project:" + path)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(path)
	if err != nil {
		return err
	}
	for _, sess := range ps.Sessions {
		if sess.Status != state.SessionClosed {
			return faults.New(faults.Conflict, "session %s is %s; close it before unregistering", sess.ID, sess.Status)
		}
	}
	if err := m.store.RemoveProject(path); err != nil {
		return err
	}
	slog.Info("project unregistered", "path", path)
	m.publish(protocol.EventProjectUnregistered, map[string]any{"path": path})
	return nil
}

// ListProjects returns every registered project state. Corrupt project
// directories are logged and skipped.
func (m *Manager) ListProjects() []*state.ProjectState {
	projects, errs := m.store.ListProjects()
	for _, err := range errs {
		slog.Warn("skipping unreadable project state", "error", err)
	}
	return projects
}

// GetSession loads one session.
func (m *Manager) GetSession(projectPath, sessionID string) (*state.Session, error) {
	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}
	sess := ps.FindSession(sessionID)
	if sess == nil {
		return nil, faults.New(faults.NotFound, "session %s not found in %s", sessionID, projectPath)
	}
	return sess, nil
}

// ListSessions returns a project's sessions.
func (m *Manager) ListSessions(projectPath string) ([]*state.Session, error) {
	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}
	return ps.Sessions, nil
}

// muxSessionName derives the multiplexer session name for a session.
func (m *Manager) muxSessionName(name string) string {
	prefix := m.cfg.Mux.SessionPrefix
	if prefix == "" {
		prefix = "orka"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return prefix + "-" + strings.Trim(b.String(), "-")
}

// CreateSession starts a new session: one multiplexer session running the
// assistant, a main branch, and a viewer. The durable record is written
// before the multiplexer is touched and again after, so a crash between
// the two leaves a record reconciliation can repair.
func (m *Manager) CreateSession(ctx context.Context, projectPath, name string) (*state.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		// The name is only a human-facing label; make one up.
		name = "session-" + m.newID()[:8]
	}

	l := m.lockFor("project:" + projectPath)
	l.Lock()
	defer l.Unlock()

	ps, err := m.store.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}
	for _, existing := range ps.Sessions {
		if existing.Name == name && existing.Status != state.SessionClosed {
			return nil, faults.New(faults.AlreadyExists, "session %q already exists", name)
		}
	}

	now := m.now()
	sess := &state.Session{
		ID:             m.newID(),
		ProjectPath:    projectPath,
		Name:           name,
		Status:         state.SessionSaved, // flips to active once the backend is up
		CreatedAt:      now,
		LastActivity:   now,
		MuxSessionName: m.muxSessionName(name),
		Main: &state.Branch{
			ID:           m.newID(),
			Name:         "main",
			Status:       state.BranchSaved,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	sess.Main.SessionID = sess.ID
	ps.Sessions = append(ps.Sessions, sess)
	if err := m.store.SaveProject(ps); err != nil {
		return nil, err
	}

	var paneID string
	err = m.withRetry(func() error {
		var e error
		paneID, e = m.mux.NewSession(ctx, sess.MuxSessionName, projectPath, m.cfg.Assistant.Command)
		return e
	})
	if err != nil {
		// Roll the intent record back; nothing was created.
		ps.Sessions = ps.Sessions[:len(ps.Sessions)-1]
		if saveErr := m.store.SaveProject(ps); saveErr != nil {
			slog.Error("rollback save failed", "session", sess.ID, "error", saveErr)
		}
		return nil, err
	}
	if err := m.mux.SetPaneTitle(ctx, paneID, m.paneTitle(sess, sess.Main)); err != nil {
		slog.Warn("set pane title failed", "pane", paneID, "error", err)
	}

	sess.Status = state.SessionActive
	sess.Main.Status = state.BranchActive
	sess.Main.MuxPaneID = paneID
	sess.Main.TranscriptPath = m.store.TranscriptPath(projectPath, sess.ID, sess.Main.ID)
	m.startViewer(sess)
	if err := m.store.SaveProject(ps); err != nil {
		return nil, err
	}

	slog.Info("session created", "session", sess.ID, "name", name, "mux", sess.MuxSessionName)
	m.publish(protocol.EventSessionCreated, sessionSummary(sess))
	return sess, nil
}

// paneTitle names a pane so reconcile can recognize orchestrator-owned
// panes after a restart.
func (m *Manager) paneTitle(sess *state.Session, br *state.Branch) string {
	return fmt.Sprintf("%s:%s", sess.MuxSessionName, br.Name)
}

// startViewer acquires a port and launches the viewer. Viewer failure
// never fails the session; it degrades to no web terminal.
func (m *Manager) startViewer(sess *state.Session) {
	port, err := m.ports.Acquire()
	if err != nil {
		slog.Warn("no viewer port available", "session", sess.ID, "error", err)
		return
	}
	if err := m.viewers.Start(sess.ID, sess.MuxSessionName, port); err != nil {
		slog.Warn("viewer start failed", "session", sess.ID, "port", port, "error", err)
		m.ports.Release(port)
		return
	}
	sess.ViewerPort = port
	sess.LastError = ""
}

func (m *Manager) stopViewer(sess *state.Session) {
	if sess.ViewerPort == 0 {
		return
	}
	m.viewers.Stop(sess.ID)
	m.ports.Release(sess.ViewerPort)
	sess.ViewerPort = 0
}

// MarkViewerDown records a viewer the supervisor gave up on: the port is
// released and the loss lands on the session record. The session itself
// stays up. Wired as the viewer supervisor's OnDown callback.
func (m *Manager) MarkViewerDown(sessionID, cause string) {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	for _, ps := range m.ListProjects() {
		sess := ps.FindSession(sessionID)
		if sess == nil {
			continue
		}
		if sess.ViewerPort != 0 {
			m.ports.Release(sess.ViewerPort)
			sess.ViewerPort = 0
		}
		sess.LastError = cause
		if err := m.store.SaveProject(ps); err != nil {
			slog.Error("viewer-down save failed", "session", sessionID, "error", err)
		}
		slog.Warn("viewer down", "session", sessionID, "cause", cause)
		return
	}
	slog.Warn("viewer down for unknown session", "session", sessionID, "cause", cause)
}

// ResumeSession reactivates a saved session. If the multiplexer session
// died while saved, it is recreated with the assistant's resume flag so
// the conversation continues.
func (m *Manager) ResumeSession(ctx context.Context, projectPath, sessionID string) (*state.Session, error) {
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
	if err := TransitionSession(sess, state.SessionActive); err != nil {
		return nil, err
	}

	alive, err := m.mux.SessionExists(ctx, sess.MuxSessionName)
	if err != nil {
		return nil, err
	}
	if !alive {
		cmd := strings.TrimSpace(m.cfg.Assistant.Command + " " + m.cfg.Assistant.ResumeFlag)
		var paneID string
		err = m.withRetry(func() error {
			var e error
			paneID, e = m.mux.NewSession(ctx, sess.MuxSessionName, projectPath, cmd)
			return e
		})
		if err != nil {
			return nil, err
		}
		// Only the main branch survives a dead backend; fork panes are gone.
		for _, br := range sess.Forks {
			if !br.Status.Terminal() {
				br.Status = state.BranchClosed
				br.MuxPaneID = ""
			}
		}
		sess.Main.MuxPaneID = paneID
		if err := m.mux.SetPaneTitle(ctx, paneID, m.paneTitle(sess, sess.Main)); err != nil {
			slog.Warn("set pane title failed", "pane", paneID, "error", err)
		}
	}

	if ActiveBranch(sess) == nil {
		if err := TransitionBranch(sess.Main, state.BranchActive); err != nil {
			return nil, err
		}
	}
	sess.LastActivity = m.now()
	m.startViewer(sess)
	if err := m.store.SaveProject(ps); err != nil {
		return nil, err
	}

	slog.Info("session resumed", "session", sess.ID)
	m.publish(protocol.EventSessionResumed, sessionSummary(sess))
	return sess, nil
}

// DetachSession saves a session without touching the assistant: the
// multiplexer session keeps running, the viewer is stopped, and the
// record flips to saved.
func (m *Manager) DetachSession(ctx context.Context, projectPath, sessionID string) error {
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
	if err := TransitionSession(sess, state.SessionSaved); err != nil {
		return err
	}
	if br := ActiveBranch(sess); br != nil {
		if err := TransitionBranch(br, state.BranchSaved); err != nil {
			return err
		}
	}
	m.stopViewer(sess)
	sess.LastActivity = m.now()
	if err := m.store.SaveProject(ps); err != nil {
		return err
	}

	slog.Info("session detached", "session", sess.ID)
	m.publish(protocol.EventSessionDetached, sessionSummary(sess))
	return nil
}

// CloseSession tears a session down: final transcript snapshots, the
// multiplexer session killed, the viewer stopped, every live branch
// closed. The record is kept for history.
func (m *Manager) CloseSession(ctx context.Context, projectPath, sessionID string) error {
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
	if sess.Status == state.SessionClosed {
		return nil
	}

	for _, br := range sess.Branches() {
		if !br.Status.Terminal() && br.MuxPaneID != "" {
			m.snapshotTranscript(ctx, sess, br)
		}
	}

	if alive, _ := m.mux.SessionExists(ctx, sess.MuxSessionName); alive {
		if err := m.withRetry(func() error { return m.mux.KillSession(ctx, sess.MuxSessionName) }); err != nil {
			return err
		}
	}
	m.stopViewer(sess)

	sess.Status = state.SessionClosed
	for _, br := range sess.Branches() {
		if !br.Status.Terminal() {
			br.Status = state.BranchClosed
		}
		br.MuxPaneID = ""
	}
	sess.LastActivity = m.now()
	if err := m.store.SaveProject(ps); err != nil {
		return err
	}

	slog.Info("session closed", "session", sess.ID)
	m.publish(protocol.EventSessionClosed, sessionSummary(sess))
	return nil
}

// SendInput types text into a branch's pane and presses Enter.
func (m *Manager) SendInput(ctx context.Context, projectPath, sessionID, branchID, text string) error {
	sess, br, err := m.liveBranch(projectPath, sessionID, branchID)
	if err != nil {
		return err
	}
	if err := m.withRetry(func() error { return m.mux.SendText(ctx, br.MuxPaneID, text, true) }); err != nil {
		return err
	}
	m.touch(sess, br)
	return nil
}

// Capture returns the last lines of a branch's pane.
func (m *Manager) Capture(ctx context.Context, projectPath, sessionID, branchID string, lines int) (string, error) {
	_, br, err := m.liveBranch(projectPath, sessionID, branchID)
	if err != nil {
		return "", err
	}
	return m.mux.CapturePane(ctx, br.MuxPaneID, lines)
}

// liveBranch resolves a branch that has a pane. An empty branchID means
// the session's active branch.
func (m *Manager) liveBranch(projectPath, sessionID, branchID string) (*state.Session, *state.Branch, error) {
	sess, err := m.GetSession(projectPath, sessionID)
	if err != nil {
		return nil, nil, err
	}
	var br *state.Branch
	if branchID == "" {
		br = ActiveBranch(sess)
		if br == nil {
			return nil, nil, faults.New(faults.Conflict, "session %s has no active branch", sessionID)
		}
	} else {
		br = FindBranch(sess, branchID)
		if br == nil {
			return nil, nil, faults.New(faults.NotFound, "branch %s not found", branchID)
		}
	}
	if br.Status.Terminal() || br.MuxPaneID == "" {
		return nil, nil, faults.New(faults.Conflict, "branch %s has no live pane", br.ID)
	}
	return sess, br, nil
}

func (m *Manager) touch(sess *state.Session, br *state.Branch) {
	now := m.now()
	sess.LastActivity = now
	br.LastActivity = now
}

// snapshotTranscript captures a branch's pane into its transcript file.
func (m *Manager) snapshotTranscript(ctx context.Context, sess *state.Session, br *state.Branch) {
	text, err := m.mux.CapturePane(ctx, br.MuxPaneID, m.cfg.Capture.Lines)
	if err != nil {
		slog.Warn("transcript capture failed", "branch", br.ID, "error", err)
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := m.store.AppendTranscript(sess.ProjectPath, sess.ID, br.ID, text); err != nil {
		slog.Warn("transcript append failed", "branch", br.ID, "error", err)
	}
}

// sessionSummary is the event payload for session lifecycle broadcasts.
func sessionSummary(sess *state.Session) map[string]any {
	return map[string]any{
		"sessionId":  sess.ID,
		"project":    sess.ProjectPath,
		"name":       sess.Name,
		"status":     sess.Status,
		"viewerPort": sess.ViewerPort,
	}
}
