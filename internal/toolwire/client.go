package toolwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxFrameSize = 1 << 20

var (
	ErrHandshake    = errors.New("toolwire: handshake failed")
	ErrClosed       = errors.New("toolwire: connection closed")
	ErrInvokeFailed = errors.New("toolwire: invoke failed")
)

// Client is the agent-side end of the protocol. It is safe for
// concurrent invocations; results are correlated by invocation id.
type Client struct {
	w       io.Writer
	timeout time.Duration
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	tools   []Descriptor
	pending map[string]chan Result
	readErr error
	hello   chan struct{}
	done    chan struct{}
}

// NewClient creates a client over the provider's stdout (r) and stdin
// (w). timeout bounds each invocation.
func NewClient(r io.Reader, w io.Writer, timeout time.Duration, logger *slog.Logger) *Client {
	c := &Client{
		w:       w,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan Result),
		hello:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Handshake blocks until the provider's hello frame arrives and caches
// the announced tool descriptors. Receiving hello also serves as the
// provider's confirmation that it came up with its key.
func (c *Client) Handshake(ctx context.Context) error {
	select {
	case <-c.hello:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
	case <-time.After(c.timeout):
		return fmt.Errorf("%w: no hello frame", ErrHandshake)
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrHandshake)
	}
}

// Tools returns the descriptors announced in the hello frame.
func (c *Client) Tools() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Descriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// Invoke sends one invocation and blocks for its result. A provider
// that does not answer within the client timeout yields a synthesized
// timeout result; a late answer for that id is discarded.
func (c *Client) Invoke(ctx context.Context, tool string, args any, simulate bool) (Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal args: %v", ErrInvokeFailed, err)
	}

	id := uuid.NewString()
	ch := make(chan Result, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	f := frame{Type: typeInvoke, InvocationID: id, Tool: tool, Args: raw, Simulate: simulate}
	if err := c.writeFrame(f); err != nil {
		c.discard(id)
		return Result{}, fmt.Errorf("%w: %v", ErrInvokeFailed, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		c.discard(id)
		c.logger.Warn("invocation timed out", "tool", tool, "invocation_id", id)
		return Result{
			InvocationID: id,
			Tool:         tool,
			Status:       StatusTimeout,
			Error:        fmt.Sprintf("no result within %s", c.timeout),
		}, nil
	case <-c.done:
		c.discard(id)
		return Result{}, ErrClosed
	case <-ctx.Done():
		c.discard(id)
		return Result{}, ctx.Err()
	}
}

func (c *Client) discard(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("malformed frame from provider", "error", err)
			continue
		}
		switch f.Type {
		case typeHello:
			c.mu.Lock()
			if c.tools == nil {
				c.tools = f.Tools
				if c.tools == nil {
					c.tools = []Descriptor{}
				}
				close(c.hello)
			}
			c.mu.Unlock()
		case typeResult:
			c.mu.Lock()
			ch, ok := c.pending[f.InvocationID]
			if ok {
				delete(c.pending, f.InvocationID)
			}
			c.mu.Unlock()
			if !ok {
				// Timed out or cancelled locally; the late result is
				// dropped so it cannot be mistaken for a fresh one.
				c.logger.Debug("discarding unmatched result", "invocation_id", f.InvocationID)
				continue
			}
			ch <- Result{
				InvocationID: f.InvocationID,
				Tool:         f.Tool,
				Status:       f.Status,
				Payload:      f.Payload,
				Error:        f.Error,
			}
		default:
			c.logger.Warn("unexpected frame type from provider", "type", f.Type)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	close(c.done)
}
