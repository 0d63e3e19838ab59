package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func sampleProject(path string) *state.ProjectState {
	now := time.Now().UTC()
	return &state.ProjectState{
		Project: state.Project{Path: path, Name: filepath.Base(path), RegisteredAt: now},
		Sessions: []*state.Session{{
			ID:             "sess-1",
			ProjectPath:    path,
			Name:           "refactor",
			Status:         state.SessionActive,
			CreatedAt:      now,
			MuxSessionName: "orka-refactor",
			Main: &state.Branch{
				ID: "br-main", SessionID: "sess-1", Name: "main",
				Status: state.BranchActive, MuxPaneID: "%0", CreatedAt: now,
			},
		}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ps := sampleProject("/home/dev/proj-a")

	if err := s.SaveProject(ps); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	got, err := s.LoadProject("/home/dev/proj-a")
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if got.Version != state.SchemaVersion {
		t.Errorf("version = %d, want %d", got.Version, state.SchemaVersion)
	}
	sess := got.FindSession("sess-1")
	if sess == nil {
		t.Fatal("session sess-1 missing after reload")
	}
	if sess.Main == nil || sess.Main.MuxPaneID != "%0" {
		t.Errorf("main branch = %+v", sess.Main)
	}
}

func TestLoadMissingProject(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadProject("/nowhere")
	if !faults.IsKind(err, faults.NotFound) {
		t.Errorf("kind = %v, want not_found", faults.KindOf(err))
	}
}

func TestLoadCorruptState(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.Root(), Slug("/home/dev/proj-b"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.LoadProject("/home/dev/proj-b")
	if !faults.IsKind(err, faults.CorruptState) {
		t.Errorf("kind = %v, want corrupt_state", faults.KindOf(err))
	}
}

func TestLoadRefusesNewerVersion(t *testing.T) {
	s := newTestStore(t)
	ps := sampleProject("/home/dev/proj-c")
	if err := s.SaveProject(ps); err != nil {
		t.Fatal(err)
	}
	// Rewrite with a version from the future.
	path := filepath.Join(s.Root(), Slug("/home/dev/proj-c"), "state.json")
	data, _ := os.ReadFile(path)
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	raw["version"] = state.SchemaVersion + 5
	data, _ = json.Marshal(raw)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.LoadProject("/home/dev/proj-c")
	if !faults.IsKind(err, faults.CorruptState) {
		t.Errorf("kind = %v, want corrupt_state", faults.KindOf(err))
	}
}

func TestMigrateVersionZeroDefaults(t *testing.T) {
	s := newTestStore(t)
	// A pre-versioning document: no version, no statuses.
	doc := `{
	  "project": {"path": "/home/dev/legacy", "name": "legacy"},
	  "sessions": [{
	    "id": "old-1", "name": "old",
	    "main": {"id": "old-main", "name": "main"}
	  }]
	}`
	dir := filepath.Join(s.Root(), Slug("/home/dev/legacy"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	ps, err := s.LoadProject("/home/dev/legacy")
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	sess := ps.FindSession("old-1")
	if sess.Status != state.SessionSaved {
		t.Errorf("session status = %q, want saved", sess.Status)
	}
	if sess.Main.Status != state.BranchSaved {
		t.Errorf("branch status = %q, want saved", sess.Main.Status)
	}
	if sess.Main.SessionID != "old-1" {
		t.Errorf("branch sessionID = %q, want old-1", sess.Main.SessionID)
	}
}

func TestSlugDistinguishesSameBaseName(t *testing.T) {
	a := Slug("/home/alice/app")
	b := Slug("/home/bob/app")
	if a == b {
		t.Errorf("slugs collide: %q", a)
	}
	if !strings.HasPrefix(a, "app-") {
		t.Errorf("slug = %q, want app- prefix", a)
	}
}

func TestListProjectsSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveProject(sampleProject("/home/dev/good")); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(s.Root(), "bad-00000000")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	projects, errs := s.ListProjects()
	if len(projects) != 1 {
		t.Errorf("projects = %d, want 1", len(projects))
	}
	if len(errs) != 1 {
		t.Errorf("errs = %d, want 1", len(errs))
	}
}

func TestTranscriptAppendRead(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendTranscript("/p", "sess-1", "br-1", "first\n"); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	if err := s.AppendTranscript("/p", "sess-1", "br-1", "second\n"); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	got, err := s.ReadTranscript("/p", "sess-1", "br-1")
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if got != "first\nsecond\n" {
		t.Errorf("transcript = %q", got)
	}

	// Absent transcripts read as empty.
	got, err = s.ReadTranscript("/p", "sess-1", "no-such")
	if err != nil || got != "" {
		t.Errorf("missing transcript: %q, %v", got, err)
	}
}

func TestAgentCatalogRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cat, err := s.LoadAgents()
	if err != nil {
		t.Fatalf("LoadAgents (empty): %v", err)
	}
	if len(cat.Agents) != 0 {
		t.Fatalf("fresh catalog has %d agents", len(cat.Agents))
	}

	cat.Agents = append(cat.Agents, &state.Agent{
		ID: "ag-1", Name: "reviewer", Status: state.AgentIdle,
		Caps: state.AgentCaps{MaxConsecutiveResponses: 5},
	})
	if err := s.SaveAgents(cat); err != nil {
		t.Fatalf("SaveAgents: %v", err)
	}
	got, err := s.LoadAgents()
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	if len(got.Agents) != 1 || got.Agents[0].Name != "reviewer" {
		t.Errorf("catalog = %+v", got.Agents)
	}
}

func TestAgentLogTailAndCorruptLine(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		ev := state.LogEvent{
			ID: "ev", AgentID: "ag-1", Level: state.LogInfo,
			Message: string(rune('a' + i)), Timestamp: time.Now().UTC(),
		}
		if err := s.AppendAgentLog("ag-1", ev); err != nil {
			t.Fatalf("AppendAgentLog: %v", err)
		}
	}
	// Simulate a crash mid-append.
	f, err := os.OpenFile(s.agentLogPath("ag-1"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"trunc`)
	f.Close()

	events, err := s.ReadAgentLogs("ag-1", 3)
	if err != nil {
		t.Fatalf("ReadAgentLogs: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[2].Message != "e" {
		t.Errorf("last message = %q, want e", events[2].Message)
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveProject(sampleProject("/home/dev/proj-d")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), Slug("/home/dev/proj-d")))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
