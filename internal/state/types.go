// Package state defines the durable entities of the orchestrator:
// projects, sessions, branches, agents, and the decisions agents make.
// Everything here serializes to the on-disk JSON documents owned by
// internal/store.
package state

import "time"

// SchemaVersion is written into every state.json and agents.json.
// Loading migrates older versions: additive fields default-fill, removed
// fields are ignored.
const SchemaVersion = 1

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionSaved  SessionStatus = "saved"
	SessionClosed SessionStatus = "closed"
)

// BranchStatus is the lifecycle state of a branch. Closed and merged are
// terminal.
type BranchStatus string

const (
	BranchActive BranchStatus = "active"
	BranchSaved  BranchStatus = "saved"
	BranchClosed BranchStatus = "closed"
	BranchMerged BranchStatus = "merged"
)

// Terminal reports whether the status admits no further transitions.
func (s BranchStatus) Terminal() bool {
	return s == BranchClosed || s == BranchMerged
}

// Project is a registered working directory. Identity is Path.
type Project struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Session is one top-level assistant conversation bound to a project,
// hosted in one multiplexer session.
type Session struct {
	ID             string        `json:"id"`
	ProjectPath    string        `json:"projectPath"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivity   time.Time     `json:"lastActivity"`
	MuxSessionName string        `json:"muxSessionName"`
	ViewerPort     int           `json:"viewerPort,omitempty"` // assigned iff status=active
	LastError      string        `json:"lastError,omitempty"`
	Main           *Branch       `json:"main"`
	Forks          []*Branch     `json:"forks"`
}

// Branches returns main plus all forks.
func (s *Session) Branches() []*Branch {
	out := make([]*Branch, 0, len(s.Forks)+1)
	if s.Main != nil {
		out = append(out, s.Main)
	}
	return append(out, s.Forks...)
}

// Branch is a conversation thread of a session, hosted in its own pane.
// ParentID "" denotes the main branch.
type Branch struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"sessionId"`
	Name           string       `json:"name"`
	ParentID       string       `json:"parentId,omitempty"`
	Status         BranchStatus `json:"status"`
	MuxPaneID      string       `json:"muxPaneId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivity   time.Time    `json:"lastActivity"`
	TranscriptPath string       `json:"transcriptPath,omitempty"`
}

// ProjectState is the root document of a project's state.json.
type ProjectState struct {
	Version  int        `json:"version"`
	Project  Project    `json:"project"`
	Sessions []*Session `json:"sessions"`
}

// FindSession returns the session with the given id, or nil.
func (ps *ProjectState) FindSession(id string) *Session {
	for _, s := range ps.Sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// HookKind enumerates the assistant CLI's outbound hook events.
type HookKind string

const (
	HookStop         HookKind = "Stop"
	HookNotification HookKind = "Notification"
	HookSubagentStop HookKind = "SubagentStop"
	HookPreCompact   HookKind = "PreCompact"
	HookSessionStart HookKind = "SessionStart"
	HookSessionEnd   HookKind = "SessionEnd"
	HookPreToolUse   HookKind = "PreToolUse"
	HookPostToolUse  HookKind = "PostToolUse"
)

// KnownHookKinds lists every accepted hook kind.
var KnownHookKinds = []HookKind{
	HookStop, HookNotification, HookSubagentStop, HookPreCompact,
	HookSessionStart, HookSessionEnd, HookPreToolUse, HookPostToolUse,
}

// ValidHookKind reports whether k is a known hook kind.
func ValidHookKind(k HookKind) bool {
	for _, known := range KnownHookKinds {
		if k == known {
			return true
		}
	}
	return false
}

// DecisionAction enumerates what an agent may do in one cycle.
type DecisionAction string

const (
	ActionRespond     DecisionAction = "respond"
	ActionApprove     DecisionAction = "approve"
	ActionReject      DecisionAction = "reject"
	ActionWait        DecisionAction = "wait"
	ActionRequestHelp DecisionAction = "request_help"
	ActionCompact     DecisionAction = "compact"
	ActionInterrupt   DecisionAction = "interrupt"
)

// KnownActions lists every accepted decision action.
var KnownActions = []DecisionAction{
	ActionRespond, ActionApprove, ActionReject, ActionWait,
	ActionRequestHelp, ActionCompact, ActionInterrupt,
}

// ValidAction reports whether a is a known decision action.
func ValidAction(a DecisionAction) bool {
	for _, known := range KnownActions {
		if a == known {
			return true
		}
	}
	return false
}

// Decision is one policy verdict.
type Decision struct {
	Action     DecisionAction `json:"action"`
	Response   string         `json:"response,omitempty"` // text for action=respond
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"` // in [0, 1]
	Timestamp  time.Time      `json:"timestamp"`
}

// AgentStatus is the runtime state of an agent.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentActive       AgentStatus = "active"
	AgentPaused       AgentStatus = "paused"
	AgentWaitingHuman AgentStatus = "waiting_human"
	AgentError        AgentStatus = "error"
)

// AgentCaps are the safety limits of an agent.
type AgentCaps struct {
	MaxConsecutiveResponses int     `json:"maxConsecutiveResponses"`
	ActionCooldownMs        int     `json:"actionCooldownMs"`
	PollIntervalMs          int     `json:"pollIntervalMs"` // 0 = watchdog disabled
	AttentionThreshold      float64 `json:"attentionThreshold"`
}

// AgentConnection binds an agent to one branch's pane.
type AgentConnection struct {
	ProjectPath string `json:"projectPath"`
	SessionID   string `json:"sessionId"`
	BranchID    string `json:"branchId"`
	MuxPaneID   string `json:"muxPaneId"`
}

// Agent is a policy-driven autonomous controller attached to one branch.
type Agent struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	MasterPrompt string           `json:"masterPrompt"`
	HookEvents   []HookKind       `json:"hookEvents"`
	AutoApprove  bool             `json:"autoApprove"`
	Caps         AgentCaps        `json:"caps"`
	Connection   *AgentConnection `json:"connection,omitempty"`
	Status       AgentStatus      `json:"status"`

	ConsecutiveResponses int        `json:"consecutiveResponses"`
	DecisionHistory      []Decision `json:"decisionHistory,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	LastActivity         time.Time  `json:"lastActivity"`
	LastError            string     `json:"lastError,omitempty"`
}

// WantsHook reports whether the agent subscribes to the given hook kind.
func (a *Agent) WantsHook(k HookKind) bool {
	for _, h := range a.HookEvents {
		if h == k {
			return true
		}
	}
	return false
}

// AgentCatalog is the root document of agents.json.
type AgentCatalog struct {
	Version int      `json:"version"`
	Agents  []*Agent `json:"agents"`
}

// LogLevel classifies an agent log event.
type LogLevel string

const (
	LogInfo   LogLevel = "info"
	LogWarn   LogLevel = "warn"
	LogError  LogLevel = "error"
	LogDebug  LogLevel = "debug"
	LogAction LogLevel = "action"
)

// LogEvent is one line of an agent's append-only event log. Events
// sharing a CycleID form one capture→decide→execute cycle.
type LogEvent struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	CycleID   string         `json:"cycleId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Phase     string         `json:"phase,omitempty"` // see protocol.Phase*
	Details   map[string]any `json:"details,omitempty"`
}
