// Package toolwire implements the line-delimited JSON protocol spoken
// between the agent and its tool provider over stdin/stdout. The
// provider announces its tools in a hello frame; the agent invokes
// them by id and correlates results, which may arrive out of order.
package toolwire

import "encoding/json"

// Frame types.
const (
	typeHello  = "hello"
	typeInvoke = "invoke"
	typeResult = "result"
)

// Status classifies the outcome of an invocation.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusToolError           Status = "tool_error"
	StatusTimeout             Status = "timeout"
	StatusDuplicateInvocation Status = "duplicate_invocation"
)

// Descriptor describes one tool a provider exposes.
type Descriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	// MutatesState marks tools whose execution changes on-chain state.
	// Such tools honor the simulate flag.
	MutatesState bool `json:"mutates_state"`
}

// frame is the single wire envelope for all three message types.
type frame struct {
	Type string `json:"type"`

	// hello
	Tools []Descriptor `json:"tools,omitempty"`

	// invoke
	InvocationID string          `json:"invocation_id,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Simulate     bool            `json:"simulate,omitempty"`

	// result
	Status  Status          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Result is the outcome of one invocation as seen by the caller.
type Result struct {
	InvocationID string
	Tool         string
	Status       Status
	Payload      json.RawMessage
	Error        string
}
