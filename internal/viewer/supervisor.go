// Package viewer manages web terminal processes, one per active session.
// Each viewer is a ttyd subprocess serving a read-write attach to the
// session's multiplexer session on its own port.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// Supervisor tracks viewer processes keyed by session id and restarts
// them on unexpected exit with exponential backoff, up to a budget.
// Once the budget is exhausted the viewer stays down until the session
// is resumed; the session itself is unaffected.
type Supervisor struct {
	binary      string
	muxBinary   string
	maxRestarts int
	stopTimeout time.Duration
	publisher   bus.EventPublisher

	// OnDown, when set, is called after a viewer is given up on: the
	// restart budget ran out or a relaunch failed outright. Set once at
	// wiring time, before any Start.
	OnDown func(sessionID, cause string)

	// startCmd is swapped in tests to avoid spawning real processes.
	startCmd func(ctx context.Context, name string, args ...string) (*exec.Cmd, error)

	mu      sync.Mutex
	viewers map[string]*viewerProc
}

type viewerProc struct {
	sessionID  string
	muxSession string
	port       int
	cancel     context.CancelFunc
	stopped    chan struct{} // closed when the monitor goroutine exits

	mu       sync.Mutex
	cmd      *exec.Cmd
	restarts int
	wantStop bool
}

// NewSupervisor creates a supervisor. publisher may be nil.
func NewSupervisor(binary, muxBinary string, maxRestarts int, stopTimeout time.Duration, publisher bus.EventPublisher) *Supervisor {
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	s := &Supervisor{
		binary:      binary,
		muxBinary:   muxBinary,
		maxRestarts: maxRestarts,
		stopTimeout: stopTimeout,
		publisher:   publisher,
		viewers:     make(map[string]*viewerProc),
	}
	s.startCmd = s.spawn
	return s
}

// buildArgs assembles the viewer command line: serve a writable terminal
// on the given port that attaches to the multiplexer session.
func buildArgs(muxBinary, muxSession string, port int) []string {
	return []string{
		"--port", fmt.Sprintf("%d", port),
		"--writable",
		"--once=false",
		muxBinary, "attach-session", "-t", muxSession,
	}
}

func (s *Supervisor) spawn(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Start launches a viewer for the session. Starting a session that
// already has a viewer is a conflict.
func (s *Supervisor) Start(sessionID, muxSession string, port int) error {
	s.mu.Lock()
	if _, ok := s.viewers[sessionID]; ok {
		s.mu.Unlock()
		return faults.New(faults.Conflict, "session %s already has a viewer", sessionID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	vp := &viewerProc{
		sessionID:  sessionID,
		muxSession: muxSession,
		port:       port,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	s.viewers[sessionID] = vp
	s.mu.Unlock()

	if err := s.launch(ctx, vp); err != nil {
		s.remove(sessionID)
		cancel()
		close(vp.stopped)
		return faults.Wrap(faults.BackendUnavailable, err, "start viewer for %s", sessionID)
	}
	go s.monitor(ctx, vp)
	return nil
}

func (s *Supervisor) launch(ctx context.Context, vp *viewerProc) error {
	cmd, err := s.startCmd(ctx, s.binary, buildArgs(s.muxBinary, vp.muxSession, vp.port)...)
	if err != nil {
		return err
	}
	vp.mu.Lock()
	vp.cmd = cmd
	vp.mu.Unlock()

	slog.Info("viewer started", "session", vp.sessionID, "port", vp.port, "pid", cmd.Process.Pid)
	s.publish(protocol.EventViewerStarted, map[string]any{
		"sessionId": vp.sessionID, "port": vp.port, "pid": cmd.Process.Pid,
	})
	return nil
}

// monitor waits on the process and restarts it after unexpected exits.
func (s *Supervisor) monitor(ctx context.Context, vp *viewerProc) {
	defer close(vp.stopped)
	for {
		vp.mu.Lock()
		cmd := vp.cmd
		vp.mu.Unlock()

		err := cmd.Wait()

		vp.mu.Lock()
		wantStop := vp.wantStop
		vp.restarts++
		restarts := vp.restarts
		vp.mu.Unlock()

		if wantStop || ctx.Err() != nil {
			return
		}

		s.publish(protocol.EventViewerExited, map[string]any{
			"sessionId": vp.sessionID, "port": vp.port, "error": fmt.Sprint(err),
		})
		if restarts > s.maxRestarts {
			slog.Error("viewer restart budget exhausted",
				"session", vp.sessionID, "port", vp.port, "restarts", restarts-1)
			s.giveUp(vp, fmt.Sprintf("viewer restart budget exhausted after %d restarts", restarts-1))
			return
		}

		delay := backoff(restarts)
		slog.Warn("viewer exited, restarting",
			"session", vp.sessionID, "attempt", restarts, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := s.launch(ctx, vp); err != nil {
			slog.Error("viewer restart failed", "session", vp.sessionID, "error", err)
			s.giveUp(vp, fmt.Sprintf("viewer relaunch failed: %v", err))
			return
		}
	}
}

// backoff returns the restart delay for the nth attempt (1-based),
// capped at 30s.
func backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Stop terminates a session's viewer: SIGTERM, grace period, SIGKILL.
// Stopping a session with no viewer is a no-op.
func (s *Supervisor) Stop(sessionID string) {
	s.mu.Lock()
	vp, ok := s.viewers[sessionID]
	if ok {
		delete(s.viewers, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	vp.mu.Lock()
	vp.wantStop = true
	cmd := vp.cmd
	vp.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-vp.stopped:
	case <-time.After(s.stopTimeout):
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-vp.stopped
	}
	vp.cancel()
	slog.Info("viewer stopped", "session", sessionID, "port", vp.port)
}

// StopAll terminates every viewer. Used on daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

// Port returns the viewer port for a session, or 0 when none is running.
func (s *Supervisor) Port(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vp, ok := s.viewers[sessionID]; ok {
		return vp.port
	}
	return 0
}

func (s *Supervisor) remove(sessionID string) {
	s.mu.Lock()
	delete(s.viewers, sessionID)
	s.mu.Unlock()
}

// giveUp deregisters a viewer the supervisor will not retry and tells
// the session layer, so the loss is visible on the session record, not
// just in the logs.
func (s *Supervisor) giveUp(vp *viewerProc, cause string) {
	s.remove(vp.sessionID)
	s.publish(protocol.EventViewerDown, map[string]any{
		"sessionId": vp.sessionID, "port": vp.port, "cause": cause,
	})
	if s.OnDown != nil {
		s.OnDown(vp.sessionID, cause)
	}
}

func (s *Supervisor) publish(name string, payload map[string]any) {
	if s.publisher != nil {
		s.publisher.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}
