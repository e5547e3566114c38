// Package relay moves an unlocked secret across one process boundary.
// It is the single place that enforces write once, read once, erase
// always: whatever happens to the hand-off, the transport slot is
// scrubbed before Relay returns.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/ovchar/suivault/internal/secret"
)

var (
	// ErrRelayTimeout is returned when the receiver never acknowledges
	// receipt. The slot is scrubbed regardless.
	ErrRelayTimeout = errors.New("relay: no receipt acknowledgment before timeout")

	// ErrRelayBusy is returned when a sink already has a relay in
	// flight. At most one hand-off may use a sink at a time.
	ErrRelayBusy = errors.New("relay: sink already in use")
)

// Sink is a one-shot secret transport. Inject places the value into
// the slot, AwaitAck blocks until the receiving process has confirmed
// it read the value, and Scrub erases the slot. Relay calls Scrub on
// every path, so implementations must make it idempotent.
type Sink interface {
	Inject(value []byte) error
	AwaitAck(ctx context.Context) error
	Scrub()
}

// Relay consumes the boxed secret, writes it into sink, blocks until
// the receiver acknowledges (or timeout elapses), then unconditionally
// scrubs both the sink slot and its own copy.
func Relay(ctx context.Context, box *secret.Box, sink Sink, timeout time.Duration) error {
	value, err := box.Consume()
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer func() {
		secret.Zero(value)
		sink.Scrub()
	}()

	if err := sink.Inject(value); err != nil {
		return fmt.Errorf("relay: inject: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sink.AwaitAck(ackCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrRelayTimeout
		}
		return fmt.Errorf("relay: ack: %w", err)
	}
	return nil
}

// EnvSlot is a Sink that exposes the secret as a NAME=value
// environment entry for exactly one child process launch. The ack
// callback is expected to start the child (using Entry) and block
// until the child reports it has read the variable.
type EnvSlot struct {
	name string
	ack  func(ctx context.Context) error

	mu   sync.Mutex
	buf  []byte
	busy bool
}

// NewEnvSlot creates a slot for the named environment variable.
func NewEnvSlot(name string, ack func(ctx context.Context) error) *EnvSlot {
	return &EnvSlot{name: name, ack: ack}
}

// Inject builds the NAME=value entry on a buffer the slot owns.
func (s *EnvSlot) Inject(value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrRelayBusy
	}
	s.busy = true
	s.buf = make([]byte, 0, len(s.name)+1+len(value))
	s.buf = append(s.buf, s.name...)
	s.buf = append(s.buf, '=')
	s.buf = append(s.buf, value...)
	return nil
}

// Entry returns the NAME=value string for exec.Cmd.Env. The string
// aliases the slot's buffer: Scrub zeroes the same memory the
// returned string points at, so no copy of the secret outlives the
// relay in this process.
func (s *EnvSlot) Entry() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(s.buf), len(s.buf))
}

// AwaitAck runs the slot's ack callback.
func (s *EnvSlot) AwaitAck(ctx context.Context) error {
	if s.ack == nil {
		return nil
	}
	return s.ack(ctx)
}

// Scrub zeroes the slot buffer. Idempotent.
func (s *EnvSlot) Scrub() {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret.Zero(s.buf)
	s.buf = nil
}
