// Package session implements the interactive conversation protocol
// between the CLI and the agent over a websocket. One turn may be in
// flight at a time; output produced while the client is away is
// buffered and can be retrieved exactly once after reconnecting.
package session

// Message type constants. Client to server: user_turn, cancel_turn,
// status, retrieve. Server to client: fragment, tool_activity,
// turn_complete, status_reply.
const (
	TypeUserTurn     = "user_turn"
	TypeCancelTurn   = "cancel_turn"
	TypeStatus       = "status"
	TypeRetrieve     = "retrieve"
	TypeFragment     = "fragment"
	TypeToolActivity = "tool_activity"
	TypeTurnComplete = "turn_complete"
	TypeStatusReply  = "status_reply"
)

// TurnStatus is the terminal status of a turn.
type TurnStatus string

const (
	TurnOK        TurnStatus = "ok"
	TurnCancelled TurnStatus = "cancelled"
	TurnError     TurnStatus = "error"
	TurnRejected  TurnStatus = "rejected"
)

// SessionState describes what the server is doing.
type SessionState string

const (
	StateIdle SessionState = "idle"
	StateBusy SessionState = "busy"

	// StateCompletePending means a turn finished while no client was
	// connected; its output waits for one retrieve.
	StateCompletePending SessionState = "complete_pending"
)

// Tool activity phases.
const (
	PhaseStarted  = "started"
	PhaseFinished = "finished"
)

// Message is the single envelope for every frame on the session wire.
type Message struct {
	Type   string       `json:"type"`
	TurnID string       `json:"turn_id,omitempty"`
	Text   string       `json:"text,omitempty"`
	Tool   string       `json:"tool,omitempty"`
	Phase  string       `json:"phase,omitempty"`
	Status TurnStatus   `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
	State  SessionState `json:"state,omitempty"`
}
