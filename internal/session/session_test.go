package session

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTurner emits a fixed script of messages per turn, optionally
// pausing until released.
type scriptedTurner struct {
	script  []Message
	started chan string   // receives turn ids as turns begin
	release chan struct{} // when non-nil, the turn blocks here
	err     error
}

func (s *scriptedTurner) RunTurn(ctx context.Context, turnID, text string, emit func(Message)) error {
	if s.started != nil {
		s.started <- turnID
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, m := range s.script {
		emit(m)
	}
	return s.err
}

func startServer(t *testing.T, turner Turner) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(turner, testLogger()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func TestTurn_StreamsInOrder(t *testing.T) {
	turner := &scriptedTurner{script: []Message{
		{Type: TypeFragment, Text: "Hello"},
		{Type: TypeToolActivity, Tool: "get_assets", Phase: PhaseStarted},
		{Type: TypeToolActivity, Tool: "get_assets", Phase: PhaseFinished},
		{Type: TypeFragment, Text: " world"},
	}}
	url := startServer(t, turner)

	client, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	turnID, stream := client.Turn(context.Background(), "hi")
	var got []Message
	for msg, err := range stream {
		require.NoError(t, err)
		got = append(got, msg)
	}

	require.Len(t, got, 5)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Equal(t, PhaseStarted, got[1].Phase)
	assert.Equal(t, PhaseFinished, got[2].Phase)
	assert.Equal(t, " world", got[3].Text)
	assert.Equal(t, TypeTurnComplete, got[4].Type)
	assert.Equal(t, TurnOK, got[4].Status)
	for _, m := range got {
		assert.Equal(t, turnID, m.TurnID)
	}
}

func TestTurn_ErrorStatus(t *testing.T) {
	turner := &scriptedTurner{err: assert.AnError}
	url := startServer(t, turner)

	client, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	_, stream := client.Turn(context.Background(), "hi")
	var last Message
	for msg, err := range stream {
		require.NoError(t, err)
		last = msg
	}
	assert.Equal(t, TypeTurnComplete, last.Type)
	assert.Equal(t, TurnError, last.Status)
	assert.NotEmpty(t, last.Error)
}

func TestTurn_SecondTurnRejectedWhileBusy(t *testing.T) {
	turner := &scriptedTurner{
		started: make(chan string, 1),
		release: make(chan struct{}),
		script:  []Message{{Type: TypeFragment, Text: "done"}},
	}
	url := startServer(t, turner)
	conn := dialRaw(t, url)

	writeMsg(t, conn, Message{Type: TypeUserTurn, TurnID: "t1", Text: "first"})
	<-turner.started

	writeMsg(t, conn, Message{Type: TypeUserTurn, TurnID: "t2", Text: "second"})
	rejected := readMsg(t, conn)
	assert.Equal(t, TypeTurnComplete, rejected.Type)
	assert.Equal(t, "t2", rejected.TurnID)
	assert.Equal(t, TurnRejected, rejected.Status)

	close(turner.release)
	frag := readMsg(t, conn)
	assert.Equal(t, TypeFragment, frag.Type)
	assert.Equal(t, "t1", frag.TurnID)
	done := readMsg(t, conn)
	assert.Equal(t, TypeTurnComplete, done.Type)
	assert.Equal(t, TurnOK, done.Status)
}

func TestCancelTurn(t *testing.T) {
	turner := &scriptedTurner{
		started: make(chan string, 1),
		release: make(chan struct{}), // never released; only cancel ends it
	}
	url := startServer(t, turner)
	conn := dialRaw(t, url)

	writeMsg(t, conn, Message{Type: TypeUserTurn, TurnID: "t1", Text: "work"})
	<-turner.started

	writeMsg(t, conn, Message{Type: TypeCancelTurn, TurnID: "t1"})
	done := readMsg(t, conn)
	assert.Equal(t, TypeTurnComplete, done.Type)
	assert.Equal(t, TurnCancelled, done.Status)

	// Session is usable again.
	writeMsg(t, conn, Message{Type: TypeStatus})
	status := readMsg(t, conn)
	assert.Equal(t, TypeStatusReply, status.Type)
	assert.Equal(t, StateIdle, status.State)
}

func TestDisconnect_BufferAndRetrieveOnce(t *testing.T) {
	turner := &scriptedTurner{
		started: make(chan string, 1),
		release: make(chan struct{}),
		script: []Message{
			{Type: TypeFragment, Text: "finished while away"},
		},
	}
	server := NewServer(turner, testLogger())
	httpSrv := httptest.NewServer(server)
	defer httpSrv.Close()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	conn := dialRaw(t, url)
	writeMsg(t, conn, Message{Type: TypeUserTurn, TurnID: "t1", Text: "work"})
	<-turner.started

	// Drop the connection mid-turn, then let the turn finish.
	conn.Close(websocket.StatusNormalClosure, "")
	close(turner.release)

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.state == StateCompletePending
	}, 5*time.Second, 10*time.Millisecond)

	// Reconnect and retrieve the backlog.
	conn2 := dialRaw(t, url)
	writeMsg(t, conn2, Message{Type: TypeStatus})
	status := readMsg(t, conn2)
	assert.Equal(t, StateCompletePending, status.State)

	writeMsg(t, conn2, Message{Type: TypeRetrieve})
	frag := readMsg(t, conn2)
	assert.Equal(t, TypeFragment, frag.Type)
	assert.Equal(t, "finished while away", frag.Text)
	done := readMsg(t, conn2)
	assert.Equal(t, TypeTurnComplete, done.Type)
	assert.Equal(t, TurnOK, done.Status)

	// A second retrieve finds nothing: the backlog is delivered once.
	writeMsg(t, conn2, Message{Type: TypeRetrieve})
	again := readMsg(t, conn2)
	assert.Equal(t, TypeStatusReply, again.Type)
	assert.Equal(t, StateIdle, again.State)
}

func TestClient_Retrieve(t *testing.T) {
	turner := &scriptedTurner{script: []Message{{Type: TypeFragment, Text: "x"}}}
	url := startServer(t, turner)

	client, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	// Nothing pending: the stream ends at a status_reply.
	var types []string
	for msg, err := range client.Retrieve(context.Background()) {
		require.NoError(t, err)
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{TypeStatusReply}, types)
}
