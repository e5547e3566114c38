package session

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	dialAttempts = 10
	dialBackoff  = 200 * time.Millisecond
)

// Client is the CLI-side end of the session protocol. Methods are not
// safe for concurrent turns; the protocol allows one in-flight turn
// and the CLI drives it sequentially. Cancel may be called while a
// turn stream is being consumed.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the session endpoint, retrying briefly while the
// agent finishes coming up.
func Dial(ctx context.Context, url string) (*Client, error) {
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			return &Client{conn: conn}, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialBackoff):
		}
	}
	return nil, fmt.Errorf("session: dial %s: %w", url, lastErr)
}

// Turn submits a user turn and returns its id plus a stream of the
// turn's messages. The stream ends after the matching turn_complete
// (which is yielded last), or with an error if the connection drops.
func (c *Client) Turn(ctx context.Context, text string) (string, iter.Seq2[Message, error]) {
	turnID := uuid.NewString()
	seq := func(yield func(Message, error) bool) {
		if err := wsjson.Write(ctx, c.conn, Message{Type: TypeUserTurn, TurnID: turnID, Text: text}); err != nil {
			yield(Message{}, fmt.Errorf("session: send turn: %w", err))
			return
		}
		c.stream(ctx, turnID, yield)
	}
	return turnID, seq
}

// stream yields messages until a turn_complete for turnID arrives.
func (c *Client) stream(ctx context.Context, turnID string, yield func(Message, error) bool) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			yield(Message{}, fmt.Errorf("session: read: %w", err))
			return
		}
		if !yield(msg, nil) {
			return
		}
		if msg.Type == TypeTurnComplete && (turnID == "" || msg.TurnID == turnID) {
			return
		}
	}
}

// Cancel asks the server to abort the in-flight turn. The turn's
// stream still ends with its turn_complete.
func (c *Client) Cancel(ctx context.Context, turnID string) error {
	return wsjson.Write(ctx, c.conn, Message{Type: TypeCancelTurn, TurnID: turnID})
}

// Status asks the server what it is doing.
func (c *Client) Status(ctx context.Context) (Message, error) {
	if err := wsjson.Write(ctx, c.conn, Message{Type: TypeStatus}); err != nil {
		return Message{}, fmt.Errorf("session: send status: %w", err)
	}
	var msg Message
	if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
		return Message{}, fmt.Errorf("session: read status: %w", err)
	}
	return msg, nil
}

// Retrieve requests the buffered output of a turn that finished while
// the client was away. The stream ends at the backlog's turn_complete,
// or immediately with a status_reply when nothing is pending.
func (c *Client) Retrieve(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if err := wsjson.Write(ctx, c.conn, Message{Type: TypeRetrieve}); err != nil {
			yield(Message{}, fmt.Errorf("session: send retrieve: %w", err))
			return
		}
		for {
			var msg Message
			if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
				yield(Message{}, fmt.Errorf("session: read: %w", err))
				return
			}
			if !yield(msg, nil) {
				return
			}
			if msg.Type == TypeTurnComplete || msg.Type == TypeStatusReply {
				return
			}
		}
	}
}

// Close closes the websocket.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
