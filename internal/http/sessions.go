package http

import (
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/orka/internal/sessions"
)

// SessionsHandler exposes project registration and the full session and
// branch lifecycle. Project paths travel base64url-encoded in the
// {project} segment.
type SessionsHandler struct {
	mgr   *sessions.Manager
	token string
}

// NewSessionsHandler creates a handler over the session manager.
func NewSessionsHandler(mgr *sessions.Manager, token string) *SessionsHandler {
	return &SessionsHandler{mgr: mgr, token: token}
}

// RegisterRoutes registers project, session, and branch routes.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/projects", requireToken(h.token, h.handleListProjects))
	mux.HandleFunc("POST /v1/projects", requireToken(h.token, h.handleRegisterProject))
	mux.HandleFunc("DELETE /v1/projects/{project}", requireToken(h.token, h.handleUnregisterProject))

	mux.HandleFunc("GET /v1/projects/{project}/sessions", requireToken(h.token, h.handleListSessions))
	mux.HandleFunc("POST /v1/projects/{project}/sessions", requireToken(h.token, h.handleCreateSession))
	mux.HandleFunc("GET /v1/projects/{project}/sessions/{id}", requireToken(h.token, h.handleGetSession))
	mux.HandleFunc("DELETE /v1/projects/{project}/sessions/{id}", requireToken(h.token, h.handleCloseSession))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/resume", requireToken(h.token, h.handleResumeSession))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/detach", requireToken(h.token, h.handleDetachSession))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/input", requireToken(h.token, h.handleSendInput))
	mux.HandleFunc("GET /v1/projects/{project}/sessions/{id}/capture", requireToken(h.token, h.handleCapture))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/export", requireToken(h.token, h.handleExport))

	mux.HandleFunc("GET /v1/projects/{project}/sessions/{id}/active-branch", requireToken(h.token, h.handleActiveBranch))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/select", requireToken(h.token, h.handleSelectBranch))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/forks", requireToken(h.token, h.handleFork))
	mux.HandleFunc("DELETE /v1/projects/{project}/sessions/{id}/forks/{branch}", requireToken(h.token, h.handleCloseBranch))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/forks/{branch}/merge", requireToken(h.token, h.handleMergeBranch))
	mux.HandleFunc("POST /v1/projects/{project}/sessions/{id}/forks/{branch}/export", requireToken(h.token, h.handleExportBranch))
}

func (h *SessionsHandler) projectPath(r *http.Request) (string, error) {
	return decodeProjectPath(r.PathValue("project"))
}

func (h *SessionsHandler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	states := h.mgr.ListProjects()
	out := make([]map[string]interface{}, 0, len(states))
	for _, ps := range states {
		out = append(out, map[string]interface{}{
			"project":  ps.Project,
			"key":      encodeProjectPath(ps.Project.Path),
			"sessions": len(ps.Sessions),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out})
}

func (h *SessionsHandler) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.mgr.RegisterProject(r.Context(), req.Path, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"project": p,
		"key":     encodeProjectPath(p.Path),
	})
}

func (h *SessionsHandler) handleUnregisterProject(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.UnregisterProject(r.Context(), path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (h *SessionsHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.mgr.ListSessions(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (h *SessionsHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.mgr.CreateSession(r.Context(), path, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionsHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.mgr.GetSession(path, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionsHandler) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.mgr.ResumeSession(r.Context(), path, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionsHandler) handleDetachSession(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.DetachSession(r.Context(), path, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *SessionsHandler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.CloseSession(r.Context(), path, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *SessionsHandler) handleSendInput(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Text     string `json:"text"`
		BranchID string `json:"branchId,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.SendInput(r.Context(), path, r.PathValue("id"), req.BranchID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *SessionsHandler) handleCapture(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		lines, err = strconv.Atoi(v)
		if err != nil || lines < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must be a non-negative integer"})
			return
		}
	}
	content, err := h.mgr.Capture(r.Context(), path, r.PathValue("id"), r.URL.Query().Get("branch"), lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (h *SessionsHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exportPath, err := h.mgr.ExportSession(r.Context(), path, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": exportPath})
}

func (h *SessionsHandler) handleFork(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parentBranchId,omitempty"`
		Vertical bool   `json:"vertical,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	br, err := h.mgr.ForkBranch(r.Context(), path, r.PathValue("id"), req.ParentID, req.Name, req.Vertical)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, br)
}

func (h *SessionsHandler) handleMergeBranch(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.MergeBranch(r.Context(), path, r.PathValue("id"), r.PathValue("branch")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged"})
}

func (h *SessionsHandler) handleCloseBranch(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.CloseBranch(r.Context(), path, r.PathValue("id"), r.PathValue("branch")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *SessionsHandler) handleSelectBranch(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		BranchID string `json:"branchId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.SelectBranch(r.Context(), path, r.PathValue("id"), req.BranchID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *SessionsHandler) handleActiveBranch(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.mgr.GetSession(path, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	br := sessions.ActiveBranch(sess)
	if br == nil {
		writeJSON(w, http.StatusOK, map[string]any{"branchId": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"branchId": br.ID})
}

func (h *SessionsHandler) handleExportBranch(w http.ResponseWriter, r *http.Request) {
	path, err := h.projectPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name string `json:"name,omitempty"`
	}
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	exportPath, err := h.mgr.ExportBranch(r.Context(), path, r.PathValue("id"), r.PathValue("branch"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": exportPath})
}
