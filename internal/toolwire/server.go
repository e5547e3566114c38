package toolwire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler executes one tool invocation. simulate is true when the
// caller asked for a dry run of a state-mutating tool.
type Handler func(ctx context.Context, args json.RawMessage, simulate bool) (any, error)

// Server is the provider-side end of the protocol. Register tools,
// then Serve on stdin/stdout.
type Server struct {
	logger *slog.Logger

	descs    []Descriptor
	handlers map[string]Handler

	writeMu sync.Mutex
	w       io.Writer

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// NewServer creates an empty tool server.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger:   logger,
		handlers: make(map[string]Handler),
		seen:     make(map[string]struct{}),
	}
}

// Register adds a tool. Must be called before Serve.
func (s *Server) Register(desc Descriptor, h Handler) {
	s.descs = append(s.descs, desc)
	s.handlers[desc.Name] = h
}

// Descriptors returns the registered tools in registration order.
func (s *Server) Descriptors() []Descriptor {
	out := make([]Descriptor, len(s.descs))
	copy(out, s.descs)
	return out
}

// Serve writes the hello frame announcing the registered tools, then
// processes invoke frames until r is exhausted or ctx is done. Each
// invocation runs in its own goroutine so a slow tool never blocks the
// loop.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.w = w
	if err := s.writeFrame(frame{Type: typeHello, Tools: s.descs}); err != nil {
		return fmt.Errorf("toolwire: write hello: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.logger.Warn("malformed frame", "error", err)
			continue
		}
		if f.Type != typeInvoke {
			s.logger.Warn("unexpected frame type", "type", f.Type)
			continue
		}
		if f.InvocationID == "" {
			s.logger.Warn("invoke frame without invocation id", "tool", f.Tool)
			continue
		}
		if !s.markSeen(f.InvocationID) {
			// Replayed ids are refused without executing; at-most-once
			// per invocation id.
			s.respond(f, StatusDuplicateInvocation, nil, "invocation id already used")
			continue
		}
		wg.Add(1)
		go func(f frame) {
			defer wg.Done()
			s.dispatch(ctx, f)
		}(f)
	}
	return sc.Err()
}

func (s *Server) dispatch(ctx context.Context, f frame) {
	h, ok := s.handlers[f.Tool]
	if !ok {
		s.respond(f, StatusToolError, nil, fmt.Sprintf("unknown tool %q", f.Tool))
		return
	}
	payload, err := h(ctx, f.Args, f.Simulate)
	if err != nil {
		s.logger.Warn("tool failed", "tool", f.Tool, "invocation_id", f.InvocationID, "error", err)
		s.respond(f, StatusToolError, nil, err.Error())
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.respond(f, StatusToolError, nil, fmt.Sprintf("marshal payload: %v", err))
		return
	}
	s.respond(f, StatusOK, raw, "")
}

func (s *Server) markSeen(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

func (s *Server) respond(req frame, status Status, payload json.RawMessage, errMsg string) {
	f := frame{
		Type:         typeResult,
		InvocationID: req.InvocationID,
		Tool:         req.Tool,
		Status:       status,
		Payload:      payload,
		Error:        errMsg,
	}
	if err := s.writeFrame(f); err != nil {
		s.logger.Error("write result", "invocation_id", req.InvocationID, "error", err)
	}
}

func (s *Server) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}
