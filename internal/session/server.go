package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Turner runs one conversation turn, streaming output through emit.
// It returns nil on success, ctx.Err() when cancelled, or the error
// that aborted the turn.
type Turner interface {
	RunTurn(ctx context.Context, turnID, text string, emit func(Message)) error
}

// Server hosts one logical session. It survives client disconnects:
// a turn started before the drop keeps running, its output is buffered
// in order, and a reconnecting client retrieves the backlog exactly
// once.
type Server struct {
	turner Turner
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    SessionState
	turnID   string
	cancel   context.CancelFunc
	buffered []Message
}

// NewServer creates a session server over the given turn runner.
func NewServer(turner Turner, logger *slog.Logger) *Server {
	return &Server{turner: turner, logger: logger, state: StateIdle}
}

// ServeHTTP upgrades to a websocket and processes session messages
// until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept", "error", err)
		return
	}

	s.attach(conn)
	defer s.detach(conn)

	for {
		var msg Message
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				s.logger.Warn("session read", "error", err)
			}
			return
		}
		s.handle(msg)
	}
}

func (s *Server) attach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		// One client at a time; the newcomer replaces a stale
		// connection the server has not noticed dropping yet.
		s.conn.Close(websocket.StatusPolicyViolation, "superseded")
	}
	s.conn = conn
	s.logger.Info("session attached", "state", s.state)
}

func (s *Server) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.logger.Info("session detached", "state", s.state)
	}
}

func (s *Server) handle(msg Message) {
	switch msg.Type {
	case TypeUserTurn:
		s.startTurn(msg)
	case TypeCancelTurn:
		s.cancelTurn(msg.TurnID)
	case TypeStatus:
		s.mu.Lock()
		reply := Message{Type: TypeStatusReply, State: s.state, TurnID: s.turnID}
		s.replyLocked(reply)
		s.mu.Unlock()
	case TypeRetrieve:
		s.retrieve()
	default:
		s.logger.Warn("unknown session message", "type", msg.Type)
	}
}

func (s *Server) startTurn(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turnID := msg.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	if s.state != StateIdle {
		// Busy, or a finished turn's output still awaits retrieval.
		s.writeLocked(Message{
			Type:   TypeTurnComplete,
			TurnID: turnID,
			Status: TurnRejected,
			Error:  "session is " + string(s.state),
		})
		return
	}

	// The turn context is not tied to the connection: a disconnect
	// must not abort in-flight work.
	ctx, cancel := context.WithCancel(context.Background())
	s.state = StateBusy
	s.turnID = turnID
	s.cancel = cancel

	go s.runTurn(ctx, turnID, msg.Text)
}

func (s *Server) runTurn(ctx context.Context, turnID, text string) {
	emit := func(m Message) {
		m.TurnID = turnID
		s.mu.Lock()
		s.writeLocked(m)
		s.mu.Unlock()
	}

	err := s.turner.RunTurn(ctx, turnID, text, emit)

	done := Message{Type: TypeTurnComplete, TurnID: turnID, Status: TurnOK}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		done.Status = TurnCancelled
	default:
		done.Status = TurnError
		done.Error = err.Error()
		s.logger.Error("turn failed", "turn_id", turnID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.cancel = nil
	s.turnID = ""
	s.writeLocked(done)
	if len(s.buffered) > 0 {
		s.state = StateCompletePending
	} else {
		s.state = StateIdle
	}
}

func (s *Server) cancelTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBusy || s.cancel == nil {
		return
	}
	if turnID != "" && turnID != s.turnID {
		return
	}
	s.logger.Info("cancelling turn", "turn_id", s.turnID)
	s.cancel()
}

func (s *Server) retrieve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffered) == 0 {
		s.replyLocked(Message{Type: TypeStatusReply, State: s.state, TurnID: s.turnID})
		return
	}
	backlog := s.buffered
	s.buffered = nil
	if s.state == StateCompletePending {
		s.state = StateIdle
	}
	for _, m := range backlog {
		s.writeLocked(m)
	}
	s.logger.Info("backlog retrieved", "messages", len(backlog))
}

// replyLocked answers a query on the live connection, bypassing the
// backlog: a status reply describes the present and would be stale (and
// block the asker) if queued behind buffered turn output. Caller holds
// s.mu.
func (s *Server) replyLocked(m Message) {
	if s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, m); err != nil {
		s.logger.Warn("status reply failed", "error", err)
		s.conn = nil
	}
}

// writeLocked delivers a message to the connected client, or buffers
// it when no client is attached. Once buffering has started it keeps
// buffering to preserve order until the backlog is retrieved. A write
// failure counts as a disconnect. Caller holds s.mu.
func (s *Server) writeLocked(m Message) {
	if s.conn == nil || len(s.buffered) > 0 {
		s.buffered = append(s.buffered, m)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, m); err != nil {
		s.logger.Warn("session write failed, buffering", "error", err)
		s.conn = nil
		s.buffered = append(s.buffered, m)
	}
}
