// Package store persists orchestrator state under a single storage root:
//
//	<root>/<projectSlug>/state.json
//	<root>/<projectSlug>/transcripts/<sessionId>/<branchId>.log
//	<root>/agents.json
//	<root>/agents/<agentId>/logs.jsonl
//
// Documents are written atomically (temp file, fsync, rename) so a crash
// mid-write never leaves a truncated state.json behind.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
)

// Store owns all reads and writes under the storage root. Writes to the
// same project are serialized; distinct projects may write concurrently.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by project slug, plus "agents"
}

// NewStore creates the storage root if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, faults.Wrap(faults.Internal, err, "create storage root %s", root)
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Slug derives the directory name for a project path: the sanitized base
// name plus a short digest of the full path, so distinct projects with
// the same base name never collide.
func Slug(projectPath string) string {
	base := filepath.Base(filepath.Clean(projectPath))
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "project"
	}
	sum := sha256.Sum256([]byte(filepath.Clean(projectPath)))
	return name + "-" + hex.EncodeToString(sum[:4])
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) projectDir(projectPath string) string {
	return filepath.Join(s.root, Slug(projectPath))
}

func (s *Store) statePath(projectPath string) string {
	return filepath.Join(s.projectDir(projectPath), "state.json")
}

// LoadProject reads and migrates a project's state.json.
func (s *Store) LoadProject(projectPath string) (*state.ProjectState, error) {
	data, err := os.ReadFile(s.statePath(projectPath))
	if os.IsNotExist(err) {
		return nil, faults.New(faults.NotFound, "project %s is not registered", projectPath)
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "read state for %s", projectPath)
	}
	var ps state.ProjectState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, faults.Wrap(faults.CorruptState, err, "state.json for %s is not valid JSON", projectPath)
	}
	if err := migrateProject(&ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// SaveProject writes a project's state.json atomically.
func (s *Store) SaveProject(ps *state.ProjectState) error {
	if ps.Project.Path == "" {
		return faults.New(faults.Validation, "project state has no path")
	}
	ps.Version = state.SchemaVersion

	slug := Slug(ps.Project.Path)
	l := s.lockFor(slug)
	l.Lock()
	defer l.Unlock()

	dir := s.projectDir(ps.Project.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.Wrap(faults.Internal, err, "create project dir %s", dir)
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Internal, err, "marshal state for %s", ps.Project.Path)
	}
	return atomicWrite(filepath.Join(dir, "state.json"), data)
}

// RemoveProject deletes a project's directory, state and transcripts
// included. Removing an unregistered project is a no-op.
func (s *Store) RemoveProject(projectPath string) error {
	slug := Slug(projectPath)
	l := s.lockFor(slug)
	l.Lock()
	defer l.Unlock()

	if err := os.RemoveAll(s.projectDir(projectPath)); err != nil {
		return faults.Wrap(faults.Internal, err, "remove project dir for %s", projectPath)
	}
	return nil
}

// ListProjects loads every project state under the root. Directories
// whose state.json is unreadable or corrupt are returned as errors in the
// second slice rather than aborting the listing.
func (s *Store) ListProjects() ([]*state.ProjectState, []error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, []error{faults.Wrap(faults.Internal, err, "read storage root")}
	}
	var out []*state.ProjectState
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "agents" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), "state.json"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errs = append(errs, faults.Wrap(faults.Internal, err, "read %s/state.json", e.Name()))
			continue
		}
		var ps state.ProjectState
		if err := json.Unmarshal(data, &ps); err != nil {
			errs = append(errs, faults.Wrap(faults.CorruptState, err, "%s/state.json is not valid JSON", e.Name()))
			continue
		}
		if err := migrateProject(&ps); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, &ps)
	}
	return out, errs
}

// migrateProject upgrades older documents in place. Newer-than-supported
// documents are refused rather than silently rewritten.
func migrateProject(ps *state.ProjectState) error {
	if ps.Version > state.SchemaVersion {
		return faults.New(faults.CorruptState,
			"state version %d is newer than supported %d", ps.Version, state.SchemaVersion)
	}
	// Version 0 predates the version field. Default-fill what it lacked.
	for _, sess := range ps.Sessions {
		if sess.Status == "" {
			sess.Status = state.SessionSaved
		}
		for _, br := range sess.Branches() {
			if br.Status == "" {
				br.Status = state.BranchSaved
			}
			if br.SessionID == "" {
				br.SessionID = sess.ID
			}
		}
	}
	ps.Version = state.SchemaVersion
	return nil
}

// TranscriptPath returns the on-disk path of a branch transcript.
func (s *Store) TranscriptPath(projectPath, sessionID, branchID string) string {
	return filepath.Join(s.projectDir(projectPath), "transcripts", sessionID, branchID+".log")
}

// AppendTranscript appends text to a branch transcript, creating it on
// first use.
func (s *Store) AppendTranscript(projectPath, sessionID, branchID, text string) error {
	path := s.TranscriptPath(projectPath, sessionID, branchID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return faults.Wrap(faults.Internal, err, "create transcript dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "open transcript %s", path)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return faults.Wrap(faults.Internal, err, "append transcript %s", path)
	}
	return nil
}

// ReadTranscript returns the full transcript of a branch. A branch with
// no transcript yet reads as empty.
func (s *Store) ReadTranscript(projectPath, sessionID, branchID string) (string, error) {
	data, err := os.ReadFile(s.TranscriptPath(projectPath, sessionID, branchID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", faults.Wrap(faults.Internal, err, "read transcript")
	}
	return string(data), nil
}

// RemoveTranscripts deletes all transcripts of a session.
func (s *Store) RemoveTranscripts(projectPath, sessionID string) error {
	dir := filepath.Join(s.projectDir(projectPath), "transcripts", sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return faults.Wrap(faults.Internal, err, "remove transcripts for %s", sessionID)
	}
	return nil
}

func (s *Store) agentsPath() string { return filepath.Join(s.root, "agents.json") }

// LoadAgents reads the agent catalog. A missing file is an empty catalog.
func (s *Store) LoadAgents() (*state.AgentCatalog, error) {
	data, err := os.ReadFile(s.agentsPath())
	if os.IsNotExist(err) {
		return &state.AgentCatalog{Version: state.SchemaVersion}, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "read agents.json")
	}
	var cat state.AgentCatalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, faults.Wrap(faults.CorruptState, err, "agents.json is not valid JSON")
	}
	if cat.Version > state.SchemaVersion {
		return nil, faults.New(faults.CorruptState,
			"agents.json version %d is newer than supported %d", cat.Version, state.SchemaVersion)
	}
	cat.Version = state.SchemaVersion
	return &cat, nil
}

// SaveAgents writes the agent catalog atomically.
func (s *Store) SaveAgents(cat *state.AgentCatalog) error {
	cat.Version = state.SchemaVersion
	l := s.lockFor("agents")
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Internal, err, "marshal agents.json")
	}
	return atomicWrite(s.agentsPath(), data)
}

func (s *Store) agentLogPath(agentID string) string {
	return filepath.Join(s.root, "agents", agentID, "logs.jsonl")
}

// AppendAgentLog appends one event to the agent's JSONL log.
func (s *Store) AppendAgentLog(agentID string, ev state.LogEvent) error {
	path := s.agentLogPath(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return faults.Wrap(faults.Internal, err, "create agent log dir")
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "marshal log event")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "open agent log %s", path)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return faults.Wrap(faults.Internal, err, "append agent log %s", path)
	}
	return nil
}

// ReadAgentLogs returns the most recent limit events (all when limit<=0).
// Unparseable lines are skipped; a half-written trailing line from a
// crash must not poison the whole log.
func (s *Store) ReadAgentLogs(agentID string, limit int) ([]state.LogEvent, error) {
	data, err := os.ReadFile(s.agentLogPath(agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "read agent log")
	}
	var out []state.LogEvent
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev state.LogEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ClearAgentLogs deletes an agent's log directory.
func (s *Store) ClearAgentLogs(agentID string) error {
	dir := filepath.Join(s.root, "agents", agentID)
	if err := os.RemoveAll(dir); err != nil {
		return faults.Wrap(faults.Internal, err, "clear logs for agent %s", agentID)
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsyncs, then renames over the destination.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return faults.Wrap(faults.Internal, err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return faults.Wrap(faults.Internal, err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return faults.Wrap(faults.Internal, err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return faults.Wrap(faults.Internal, err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return faults.Wrap(faults.Internal, err, "rename %s to %s", tmpName, path)
	}
	return nil
}

// ExportPath places an export file under the exports directory, creating
// it if needed. The file name embeds the session name and timestamp.
func ExportPath(exportsDir, sessionName, stamp string) (string, error) {
	if err := os.MkdirAll(exportsDir, 0o755); err != nil {
		return "", faults.Wrap(faults.Internal, err, "create exports dir %s", exportsDir)
	}
	return filepath.Join(exportsDir, fmt.Sprintf("%s-%s.md", sessionName, stamp)), nil
}

// WriteExport writes an export document atomically.
func WriteExport(path string, data []byte) error {
	return atomicWrite(path, data)
}
