package protocol

// ProtocolVersion is bumped whenever the event or REST payload shapes
// change incompatibly. The web UI checks it via GET /health.
const ProtocolVersion = 3

// WebSocket event names pushed from server to client.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Project lifecycle events (payload: project path).
	EventProjectUnregistered = "project.unregistered"

	// Session lifecycle events (payload: state.Session subset).
	EventSessionCreated  = "session.created"
	EventSessionResumed  = "session.resumed"
	EventSessionDetached = "session.detached"
	EventSessionClosed   = "session.closed"

	// Branch lifecycle events (payload: state.Branch subset).
	EventBranchForked   = "branch.forked"
	EventBranchMerged   = "branch.merged"
	EventBranchClosed   = "branch.closed"
	EventBranchSelected = "branch.selected"

	// Reconciliation events (payload: session id + affected branch ids).
	EventReconcileDrift   = "reconcile.drift"
	EventReconcileAdopted = "reconcile.adopted"

	// Viewer supervisor events (payload: session id, port, error).
	EventViewerStarted = "viewer.started"
	EventViewerExited  = "viewer.exited"
	EventViewerDown    = "viewer.down"

	// Agent supervisor events (payload: state.LogEvent subset).
	EventAgentStatus   = "agent.status"
	EventAgentCycle    = "agent.cycle"
	EventAgentNeedHelp = "agent.need_help"

	// Hook ingestion events.
	EventHookReceived = "hook.received"
	EventHookDropped  = "hook.dropped"
)

// Agent cycle phases (in agent.cycle payload.phase).
const (
	PhaseCapture = "capture"
	PhaseAnalyze = "analyze"
	PhaseDecide  = "decide"
	PhaseExecute = "execute"
	PhaseDone    = "done"
)
