package http

import (
	"net/http"

	"github.com/nextlevelbuilder/orka/internal/hooks"
	"github.com/nextlevelbuilder/orka/internal/state"
)

// HooksHandler receives lifecycle hook posts from assistant CLI
// processes. The endpoint is deliberately unauthenticated: it binds to
// localhost and the hook command line carries no secrets.
type HooksHandler struct {
	ingestor *hooks.Ingestor
}

// NewHooksHandler creates the hook ingestion endpoint.
func NewHooksHandler(ing *hooks.Ingestor) *HooksHandler {
	return &HooksHandler{ingestor: ing}
}

// RegisterRoutes registers the hook ingestion route.
func (h *HooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/hooks", h.handleIngest)
}

func (h *HooksHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HookKind  state.HookKind `json:"hookKind"`
		SessionID string         `json:"sessionId"`
		BranchID  string         `json:"branchId,omitempty"`
		MuxPaneID string         `json:"muxPaneId,omitempty"`
		Payload   map[string]any `json:"payload,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.ingestor.Ingest(hooks.Event{
		Kind:      req.HookKind,
		SessionID: req.SessionID,
		BranchID:  req.BranchID,
		MuxPaneID: req.MuxPaneID,
		Payload:   req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	// 202: the hook is accepted; whether any agent acts on it is async.
	writeJSON(w, http.StatusAccepted, res)
}
