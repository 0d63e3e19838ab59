// Package agents implements autonomous branch supervisors: a durable
// agent catalog and the runtime that drives capture, decision, and
// execution cycles against assistant panes.
package agents

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
)

// historyCap bounds the decision history kept on the agent record; the
// full trail lives in the agent's JSONL log.
const historyCap = 50

// CreateParams describes a new agent.
type CreateParams struct {
	Name         string
	MasterPrompt string
	HookEvents   []state.HookKind
	AutoApprove  bool
	Caps         state.AgentCaps
}

// Store is the in-memory agent catalog backed by agents.json. All
// mutations go through Update-style methods that persist before
// returning.
type Store struct {
	persist *store.Store

	mu     sync.RWMutex
	agents map[string]*state.Agent

	now func() time.Time
}

// NewStore loads the catalog from disk.
func NewStore(persist *store.Store) (*Store, error) {
	cat, err := persist.LoadAgents()
	if err != nil {
		return nil, err
	}
	s := &Store{
		persist: persist,
		agents:  make(map[string]*state.Agent, len(cat.Agents)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, a := range cat.Agents {
		s.agents[a.ID] = a
	}
	return s, nil
}

func (s *Store) save() error {
	cat := &state.AgentCatalog{Agents: make([]*state.Agent, 0, len(s.agents))}
	for _, a := range s.agents {
		cat.Agents = append(cat.Agents, a)
	}
	return s.persist.SaveAgents(cat)
}

func defaultCaps(c state.AgentCaps) state.AgentCaps {
	if c.MaxConsecutiveResponses <= 0 {
		c.MaxConsecutiveResponses = 10
	}
	if c.ActionCooldownMs <= 0 {
		c.ActionCooldownMs = 2000
	}
	if c.AttentionThreshold <= 0 {
		c.AttentionThreshold = 0.5
	}
	return c
}

// Create registers a new agent in idle state.
func (s *Store) Create(p CreateParams) (*state.Agent, error) {
	if p.Name == "" {
		return nil, faults.New(faults.Validation, "agent name is required")
	}
	if p.MasterPrompt == "" {
		return nil, faults.New(faults.Validation, "agent master prompt is required")
	}
	for _, k := range p.HookEvents {
		if !state.ValidHookKind(k) {
			return nil, faults.New(faults.Validation, "unknown hook kind %q", k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Name == p.Name {
			return nil, faults.New(faults.AlreadyExists, "agent %q already exists", p.Name)
		}
	}

	now := s.now()
	a := &state.Agent{
		ID:           uuid.NewString(),
		Name:         p.Name,
		MasterPrompt: p.MasterPrompt,
		HookEvents:   p.HookEvents,
		AutoApprove:  p.AutoApprove,
		Caps:         defaultCaps(p.Caps),
		Status:       state.AgentIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.agents[a.ID] = a
	if err := s.save(); err != nil {
		delete(s.agents, a.ID)
		return nil, err
	}
	return cloneAgent(a), nil
}

// Get returns a copy of an agent.
func (s *Store) Get(id string) (*state.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not found", id)
	}
	return cloneAgent(a), nil
}

// List returns copies of all agents.
func (s *Store) List() []*state.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	return out
}

// Update applies a mutation under the lock and persists it.
func (s *Store) Update(id string, mutate func(*state.Agent) error) (*state.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not found", id)
	}
	if err := mutate(a); err != nil {
		return nil, err
	}
	if len(a.DecisionHistory) > historyCap {
		a.DecisionHistory = a.DecisionHistory[len(a.DecisionHistory)-historyCap:]
	}
	a.LastActivity = s.now()
	if err := s.save(); err != nil {
		return nil, err
	}
	return cloneAgent(a), nil
}

// Delete removes an agent and its logs. Connected agents must be
// disconnected first.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return faults.New(faults.NotFound, "agent %s not found", id)
	}
	if a.Connection != nil {
		return faults.New(faults.Conflict, "agent %s is connected; disconnect first", id)
	}
	delete(s.agents, id)
	if err := s.save(); err != nil {
		s.agents[id] = a
		return err
	}
	return s.persist.ClearAgentLogs(id)
}

// Connect binds an agent to a branch pane. One agent per pane: binding a
// pane another agent holds is a conflict.
func (s *Store) Connect(id string, conn state.AgentConnection) (*state.Agent, error) {
	if conn.MuxPaneID == "" || conn.SessionID == "" || conn.BranchID == "" {
		return nil, faults.New(faults.Validation, "connection needs session, branch, and pane")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not found", id)
	}
	if a.Connection != nil {
		return nil, faults.New(faults.Conflict, "agent %s is already connected", id)
	}
	for _, other := range s.agents {
		if other.Connection != nil && other.Connection.MuxPaneID == conn.MuxPaneID {
			return nil, faults.New(faults.Conflict,
				"pane %s is already supervised by agent %s", conn.MuxPaneID, other.ID)
		}
	}
	a.Connection = &conn
	a.Status = state.AgentActive
	a.ConsecutiveResponses = 0
	a.LastActivity = s.now()
	if err := s.save(); err != nil {
		a.Connection = nil
		a.Status = state.AgentIdle
		return nil, err
	}
	return cloneAgent(a), nil
}

// Disconnect unbinds an agent from its pane and returns it to idle.
func (s *Store) Disconnect(id string) (*state.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not found", id)
	}
	a.Connection = nil
	a.Status = state.AgentIdle
	a.ConsecutiveResponses = 0
	a.LastActivity = s.now()
	if err := s.save(); err != nil {
		return nil, err
	}
	return cloneAgent(a), nil
}

// ForHook returns agents subscribed to the hook kind for the session.
func (s *Store) ForHook(sessionID string, kind state.HookKind) []*state.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*state.Agent
	for _, a := range s.agents {
		if a.Connection == nil || a.Connection.SessionID != sessionID {
			continue
		}
		if a.WantsHook(kind) {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

// ForHookPane returns agents subscribed to the hook kind whose
// connection sits on the given pane. Used for hooks that identify their
// source by pane id alone.
func (s *Store) ForHookPane(paneID string, kind state.HookKind) []*state.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*state.Agent
	for _, a := range s.agents {
		if a.Connection == nil || a.Connection.MuxPaneID != paneID {
			continue
		}
		if a.WantsHook(kind) {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

func cloneAgent(a *state.Agent) *state.Agent {
	cp := *a
	if a.Connection != nil {
		conn := *a.Connection
		cp.Connection = &conn
	}
	cp.HookEvents = append([]state.HookKind(nil), a.HookEvents...)
	cp.DecisionHistory = append([]state.Decision(nil), a.DecisionHistory...)
	return &cp
}
