package http

import (
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/orka/internal/agents"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/sessions"
	"github.com/nextlevelbuilder/orka/internal/state"
	"github.com/nextlevelbuilder/orka/internal/store"
)

// AgentsHandler exposes agent CRUD plus the lifecycle verbs that bridge
// the catalog and the supervision runtime.
type AgentsHandler struct {
	agents  *agents.Store
	runtime *agents.Runtime
	mgr     *sessions.Manager
	persist *store.Store
	token   string
}

// NewAgentsHandler creates a handler over the agent catalog and runtime.
func NewAgentsHandler(agentStore *agents.Store, runtime *agents.Runtime, mgr *sessions.Manager, persist *store.Store, token string) *AgentsHandler {
	return &AgentsHandler{agents: agentStore, runtime: runtime, mgr: mgr, persist: persist, token: token}
}

// RegisterRoutes registers all agent management routes on the given mux.
func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/agents", requireToken(h.token, h.handleList))
	mux.HandleFunc("POST /v1/agents", requireToken(h.token, h.handleCreate))
	mux.HandleFunc("GET /v1/agents/{id}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("PUT /v1/agents/{id}", requireToken(h.token, h.handleUpdate))
	mux.HandleFunc("DELETE /v1/agents/{id}", requireToken(h.token, h.handleDelete))
	mux.HandleFunc("POST /v1/agents/{id}/connect", requireToken(h.token, h.handleConnect))
	mux.HandleFunc("POST /v1/agents/{id}/disconnect", requireToken(h.token, h.handleDisconnect))
	mux.HandleFunc("POST /v1/agents/{id}/start", requireToken(h.token, h.handleStart))
	mux.HandleFunc("POST /v1/agents/{id}/stop", requireToken(h.token, h.handleStop))
	mux.HandleFunc("POST /v1/agents/{id}/pause", requireToken(h.token, h.handlePause))
	mux.HandleFunc("POST /v1/agents/{id}/resume", requireToken(h.token, h.handleResume))
	mux.HandleFunc("POST /v1/agents/{id}/trigger", requireToken(h.token, h.handleTrigger))
	mux.HandleFunc("GET /v1/agents/{id}/status", requireToken(h.token, h.handleStatus))
	mux.HandleFunc("GET /v1/agents/{id}/logs", requireToken(h.token, h.handleLogs))
	mux.HandleFunc("DELETE /v1/agents/{id}/logs", requireToken(h.token, h.handleClearLogs))
}

type agentRequest struct {
	Name         string           `json:"name"`
	MasterPrompt string           `json:"masterPrompt"`
	HookEvents   []state.HookKind `json:"hookEvents,omitempty"`
	AutoApprove  bool             `json:"autoApprove"`
	Caps         state.AgentCaps  `json:"caps"`
}

func (h *AgentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": h.agents.List()})
}

func (h *AgentsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.agents.Create(agents.CreateParams{
		Name:         req.Name,
		MasterPrompt: req.MasterPrompt,
		HookEvents:   req.HookEvents,
		AutoApprove:  req.AutoApprove,
		Caps:         req.Caps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AgentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.agents.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AgentsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         *string          `json:"name,omitempty"`
		MasterPrompt *string          `json:"masterPrompt,omitempty"`
		HookEvents   []state.HookKind `json:"hookEvents,omitempty"`
		AutoApprove  *bool            `json:"autoApprove,omitempty"`
		Caps         *state.AgentCaps `json:"caps,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.agents.Update(r.PathValue("id"), func(a *state.Agent) error {
		if req.Name != nil {
			if *req.Name == "" {
				return faults.New(faults.Validation, "agent name cannot be empty")
			}
			a.Name = *req.Name
		}
		if req.MasterPrompt != nil {
			if *req.MasterPrompt == "" {
				return faults.New(faults.Validation, "agent master prompt cannot be empty")
			}
			a.MasterPrompt = *req.MasterPrompt
		}
		if req.HookEvents != nil {
			for _, k := range req.HookEvents {
				if !state.ValidHookKind(k) {
					return faults.New(faults.Validation, "unknown hook kind %q", k)
				}
			}
			a.HookEvents = req.HookEvents
		}
		if req.AutoApprove != nil {
			a.AutoApprove = *req.AutoApprove
		}
		if req.Caps != nil {
			a.Caps = *req.Caps
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AgentsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.runtime.Stop(id)
	if err := h.agents.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleConnect binds the agent to a branch pane and starts its loop.
// The pane id is resolved server-side from the session record.
func (h *AgentsHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectPath string `json:"projectPath"`
		SessionID   string `json:"sessionId"`
		BranchID    string `json:"branchId,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.mgr.GetSession(req.ProjectPath, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	var br *state.Branch
	if req.BranchID == "" {
		br = sessions.ActiveBranch(sess)
		if br == nil {
			writeError(w, faults.New(faults.Conflict, "session %s has no active branch", req.SessionID))
			return
		}
	} else {
		br = sessions.FindBranch(sess, req.BranchID)
		if br == nil {
			writeError(w, faults.New(faults.NotFound, "branch %s not found", req.BranchID))
			return
		}
	}
	if br.MuxPaneID == "" {
		writeError(w, faults.New(faults.Conflict, "branch %s has no live pane", br.ID))
		return
	}

	a, err := h.agents.Connect(r.PathValue("id"), state.AgentConnection{
		ProjectPath: req.ProjectPath,
		SessionID:   req.SessionID,
		BranchID:    br.ID,
		MuxPaneID:   br.MuxPaneID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.runtime.Start(a.ID); err != nil {
		writeError(w, err)
		return
	}
	h.runtime.Trigger(a.ID)
	writeJSON(w, http.StatusOK, a)
}

func (h *AgentsHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.runtime.Stop(id)
	a, err := h.agents.Disconnect(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleStart relaunches the supervision loop of a connected agent,
// typically after an error halted it.
func (h *AgentsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.runtime.Start(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

// handleStop halts the supervision loop but keeps the connection, so a
// later start resumes against the same branch.
func (h *AgentsHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.agents.Get(id); err != nil {
		writeError(w, err)
		return
	}
	h.runtime.Stop(id)
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (h *AgentsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.agents.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               a.Status,
		"running":              h.runtime.Running(id),
		"connection":           a.Connection,
		"consecutiveResponses": a.ConsecutiveResponses,
		"lastActivity":         a.LastActivity,
		"lastError":            a.LastError,
		"decisionHistory":      a.DecisionHistory,
	})
}

func (h *AgentsHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.runtime.Pause(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(state.AgentPaused)})
}

func (h *AgentsHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.runtime.Resume(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(state.AgentActive)})
}

func (h *AgentsHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.agents.Get(id); err != nil {
		writeError(w, err)
		return
	}
	triggered := h.runtime.Trigger(id)
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": triggered})
}

func (h *AgentsHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.agents.Get(id); err != nil {
		writeError(w, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	logs, err := h.persist.ReadAgentLogs(id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (h *AgentsHandler) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.agents.Get(id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.persist.ClearAgentLogs(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
