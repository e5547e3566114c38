// Package agent runs the reasoning loop: it streams model output to
// the session, executes the tool calls the model makes, feeds results
// back, and repeats until the model answers in plain text.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/ovchar/suivault/internal/session"
	"github.com/ovchar/suivault/internal/toolwire"
)

// maxToolRounds bounds the reason/act loop for one turn.
const maxToolRounds = 8

// Exchange roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// ToolCall is a function call requested by the model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolResult is the outcome fed back to the model.
type ToolResult struct {
	Name     string
	Response map[string]any
}

// Exchange is one entry of the in-memory conversation history. History
// lives for the life of the agent process and is never persisted.
type Exchange struct {
	Role    string
	Text    string
	Calls   []ToolCall
	Results []ToolResult
}

// Chunk is one streamed piece of a model response.
type Chunk struct {
	Text string
	Call *ToolCall
}

// Responder produces a streamed model response for the conversation.
type Responder interface {
	Respond(ctx context.Context, history []Exchange, tools []toolwire.Descriptor) iter.Seq2[Chunk, error]
}

// ToolCaller invokes tools on the provider.
type ToolCaller interface {
	Tools() []toolwire.Descriptor
	Invoke(ctx context.Context, tool string, args any, simulate bool) (toolwire.Result, error)
}

// Service implements session.Turner.
type Service struct {
	responder Responder
	caller    ToolCaller
	logger    *slog.Logger

	mu      sync.Mutex
	history []Exchange
}

// New creates the agent service.
func New(responder Responder, caller ToolCaller, logger *slog.Logger) *Service {
	return &Service{responder: responder, caller: caller, logger: logger}
}

// RunTurn processes one user turn: stream model output as fragments,
// run any requested tools, and loop until the model stops calling
// tools or the round limit is hit.
func (s *Service) RunTurn(ctx context.Context, turnID, text string, emit func(session.Message)) error {
	s.mu.Lock()
	s.history = append(s.history, Exchange{Role: RoleUser, Text: text})
	s.mu.Unlock()

	tools := s.caller.Tools()

	for round := 0; round < maxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var modelText string
		var calls []ToolCall
		for chunk, err := range s.responder.Respond(ctx, s.snapshot(), tools) {
			if err != nil {
				return fmt.Errorf("model response: %w", err)
			}
			if chunk.Text != "" {
				modelText += chunk.Text
				emit(session.Message{Type: session.TypeFragment, Text: chunk.Text})
			}
			if chunk.Call != nil {
				calls = append(calls, *chunk.Call)
			}
		}

		s.mu.Lock()
		s.history = append(s.history, Exchange{Role: RoleModel, Text: modelText, Calls: calls})
		s.mu.Unlock()

		if len(calls) == 0 {
			return nil
		}

		results, err := s.runCalls(ctx, calls, tools, emit)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.history = append(s.history, Exchange{Role: RoleTool, Results: results})
		s.mu.Unlock()
	}
	return fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds)
}

func (s *Service) snapshot() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// runCalls executes the round's tool calls concurrently. Tool errors
// and timeouts are not fatal to the turn; they are reported back to
// the model as results so it can recover or explain.
func (s *Service) runCalls(ctx context.Context, calls []ToolCall, tools []toolwire.Descriptor, emit func(session.Message)) ([]ToolResult, error) {
	mutating := make(map[string]bool, len(tools))
	for _, t := range tools {
		mutating[t.Name] = t.MutatesState
	}

	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			emit(session.Message{Type: session.TypeToolActivity, Tool: call.Name, Phase: session.PhaseStarted})
			results[i] = s.runCall(ctx, call, mutating[call.Name])
			emit(session.Message{Type: session.TypeToolActivity, Tool: call.Name, Phase: session.PhaseFinished})
		}(i, call)
	}
	wg.Wait()

	return results, ctx.Err()
}

func (s *Service) runCall(ctx context.Context, call ToolCall, mutates bool) ToolResult {
	// State-mutating tools run as simulations when the model asked for
	// a dry run, so the provider can refuse real execution.
	simulate := false
	if mutates {
		if v, ok := call.Args["dry_run"].(bool); ok && v {
			simulate = true
		}
	}

	res, err := s.caller.Invoke(ctx, call.Name, call.Args, simulate)
	if err != nil {
		s.logger.Error("tool invoke failed", "tool", call.Name, "error", err)
		return ToolResult{Name: call.Name, Response: map[string]any{
			"status": string(toolwire.StatusToolError),
			"error":  err.Error(),
		}}
	}
	if res.Status != toolwire.StatusOK {
		s.logger.Warn("tool returned error", "tool", call.Name, "status", res.Status, "error", res.Error)
		return ToolResult{Name: call.Name, Response: map[string]any{
			"status": string(res.Status),
			"error":  res.Error,
		}}
	}

	var payload map[string]any
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		// Payloads that are not objects (arrays, scalars) get wrapped.
		var anyPayload any
		if err := json.Unmarshal(res.Payload, &anyPayload); err != nil {
			anyPayload = string(res.Payload)
		}
		payload = map[string]any{"result": anyPayload}
	}
	if payload == nil {
		// A JSON null payload unmarshals into a nil map.
		payload = map[string]any{}
	}
	payload["status"] = string(toolwire.StatusOK)
	return ToolResult{Name: call.Name, Response: payload}
}
