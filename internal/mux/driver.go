// Package mux wraps the terminal multiplexer CLI. Every interaction with
// the external multiplexer lives here: session and pane lifecycle,
// keystroke injection, and pane capture. Methods take explicit arguments
// and return typed errors; no ambient state is consulted.
package mux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/orka/internal/faults"
)

// Runner executes a multiplexer CLI invocation. Production uses the real
// binary; tests substitute a scripted runner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// Pane describes one multiplexer pane.
type Pane struct {
	ID    string `json:"id"`    // e.g. "%12"
	Title string `json:"title"` // pane title, set at creation
	PID   int    `json:"pid"`   // pane's child process
}

// Driver is a typed wrapper over the multiplexer CLI. Calls are
// serialized per target (session name or pane id) to avoid interleaving
// concurrent invocations against the same terminal.
type Driver struct {
	binary  string
	timeout time.Duration
	runner  Runner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Driver.
type Option func(*Driver)

// WithRunner substitutes the command runner (tests).
func WithRunner(r Runner) Option {
	return func(d *Driver) { d.runner = r }
}

// WithTimeout overrides the per-invocation deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.timeout = timeout }
}

// NewDriver creates a driver for the given multiplexer binary.
func NewDriver(binary string, opts ...Option) *Driver {
	d := &Driver{
		binary:  binary,
		timeout: 5 * time.Second,
		runner:  execRunner{},
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// lockFor returns the serialization lock for a target key.
func (d *Driver) lockFor(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	return l
}

// run invokes the binary serialized on the target key, applying the
// per-operation deadline and classifying failures.
func (d *Driver) run(ctx context.Context, target string, args ...string) (string, error) {
	l := d.lockFor(target)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	stdout, stderr, err := d.runner.Run(ctx, d.binary, args...)
	if err != nil {
		return stdout, d.classify(err, stderr, args)
	}
	return stdout, nil
}

// classify maps a CLI failure to a typed error.
func (d *Driver) classify(err error, stderr string, args []string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return faults.Wrap(faults.Timeout, err, "%s %s timed out", d.binary, args[0])
	case errors.Is(err, context.Canceled):
		return faults.Wrap(faults.Cancelled, err, "%s %s cancelled", d.binary, args[0])
	case errors.Is(err, exec.ErrNotFound):
		return faults.Wrap(faults.BackendUnavailable, err, "%s not installed", d.binary)
	}

	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "can't find"),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "session not found"):
		return faults.Wrap(faults.NotFound, err, "%s: %s", args[0], strings.TrimSpace(stderr))
	case strings.Contains(msg, "duplicate session"):
		return faults.Wrap(faults.AlreadyExists, err, "%s: %s", args[0], strings.TrimSpace(stderr))
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting"),
		strings.Contains(msg, "lost server"):
		return faults.Wrap(faults.BackendUnavailable, err, "%s: %s", args[0], strings.TrimSpace(stderr))
	}
	return faults.Wrap(faults.Internal, err, "%s %s: %s", d.binary, args[0], strings.TrimSpace(stderr))
}

const paneFormat = "#{pane_id}\t#{pane_title}\t#{pane_pid}"

// NewSession creates a detached session running initialCmd in cwd and
// returns the id of its single pane.
func (d *Driver) NewSession(ctx context.Context, name, cwd, initialCmd string) (string, error) {
	args := []string{"new-session", "-d", "-s", name, "-P", "-F", "#{pane_id}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if initialCmd != "" {
		args = append(args, initialCmd)
	}
	out, err := d.run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	paneID := strings.TrimSpace(out)
	if paneID == "" {
		return "", faults.New(faults.Internal, "new-session returned no pane id for %q", name)
	}
	return paneID, nil
}

// SplitPane splits an existing pane and returns the new pane's id.
// vertical=true stacks top/bottom; false splits side by side.
func (d *Driver) SplitPane(ctx context.Context, parentPaneID string, vertical bool, cwd, initialCmd string) (string, error) {
	dir := "-h"
	if vertical {
		dir = "-v"
	}
	args := []string{"split-window", dir, "-d", "-t", parentPaneID, "-P", "-F", "#{pane_id}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if initialCmd != "" {
		args = append(args, initialCmd)
	}
	out, err := d.run(ctx, parentPaneID, args...)
	if err != nil {
		return "", err
	}
	paneID := strings.TrimSpace(out)
	if paneID == "" {
		return "", faults.New(faults.Internal, "split-window returned no pane id for %q", parentPaneID)
	}
	return paneID, nil
}

// SendText types literal text into a pane, optionally pressing Enter.
// Text goes through the multiplexer's literal mode so it is never
// interpreted as key names or escape sequences.
func (d *Driver) SendText(ctx context.Context, paneID, text string, pressEnter bool) error {
	if text != "" {
		if _, err := d.run(ctx, paneID, "send-keys", "-t", paneID, "-l", "--", text); err != nil {
			return err
		}
	}
	if pressEnter {
		return d.SendKey(ctx, paneID, KeyEnter)
	}
	return nil
}

// SendKey presses a single control key in a pane. Control characters are
// expressed through enumerated opcodes only.
func (d *Driver) SendKey(ctx context.Context, paneID string, key Key) error {
	name, ok := keyNames[key]
	if !ok {
		return faults.New(faults.Validation, "unknown key opcode %d", key)
	}
	_, err := d.run(ctx, paneID, "send-keys", "-t", paneID, name)
	return err
}

// CapturePane returns the last lastN lines of a pane's buffer.
func (d *Driver) CapturePane(ctx context.Context, paneID string, lastN int) (string, error) {
	if lastN <= 0 {
		lastN = 200
	}
	return d.run(ctx, paneID, "capture-pane", "-p", "-t", paneID, "-S", fmt.Sprintf("-%d", lastN))
}

// ListPanes enumerates the panes of a session.
func (d *Driver) ListPanes(ctx context.Context, sessionName string) ([]Pane, error) {
	out, err := d.run(ctx, sessionName, "list-panes", "-s", "-t", sessionName, "-F", paneFormat)
	if err != nil {
		return nil, err
	}

	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil, faults.New(faults.Internal, "unparseable list-panes line: %q", line)
		}
		pid, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, faults.New(faults.Internal, "unparseable pane pid: %q", line)
		}
		panes = append(panes, Pane{ID: parts[0], Title: parts[1], PID: pid})
	}
	return panes, nil
}

// SelectPane focuses a pane (drives UI focus for attached clients).
func (d *Driver) SelectPane(ctx context.Context, paneID string) error {
	_, err := d.run(ctx, paneID, "select-pane", "-t", paneID)
	return err
}

// SetPaneTitle names a pane; reconcile uses titles to recognize panes
// the orchestrator owns.
func (d *Driver) SetPaneTitle(ctx context.Context, paneID, title string) error {
	_, err := d.run(ctx, paneID, "select-pane", "-t", paneID, "-T", title)
	return err
}

// KillPane destroys a single pane.
func (d *Driver) KillPane(ctx context.Context, paneID string) error {
	_, err := d.run(ctx, paneID, "kill-pane", "-t", paneID)
	return err
}

// KillSession destroys a whole session and all its panes.
func (d *Driver) KillSession(ctx context.Context, name string) error {
	_, err := d.run(ctx, name, "kill-session", "-t", name)
	return err
}

// SessionExists reports whether a session is alive. A dead or absent
// server counts as "does not exist", not as an error.
func (d *Driver) SessionExists(ctx context.Context, name string) (bool, error) {
	_, err := d.run(ctx, name, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	if faults.IsKind(err, faults.NotFound) || faults.IsKind(err, faults.BackendUnavailable) {
		return false, nil
	}
	return false, err
}

// ListSessions returns the names of all live sessions. A dead or absent
// server yields an empty list.
func (d *Driver) ListSessions(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "server", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if faults.IsKind(err, faults.BackendUnavailable) || faults.IsKind(err, faults.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ActivePaneOf returns the id of a session's active pane.
func (d *Driver) ActivePaneOf(ctx context.Context, sessionName string) (string, error) {
	out, err := d.run(ctx, sessionName, "display-message", "-t", sessionName, "-p", "#{pane_id}")
	if err != nil {
		return "", err
	}
	paneID := strings.TrimSpace(out)
	if paneID == "" {
		return "", faults.New(faults.NotFound, "no active pane in session %q", sessionName)
	}
	return paneID, nil
}
