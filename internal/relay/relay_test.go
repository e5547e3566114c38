package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ovchar/suivault/internal/secret"
)

// recordingSink captures the relay interactions for assertions.
type recordingSink struct {
	injected  []byte
	ackErr    error
	ackBlocks bool
	scrubbed  int
}

func (r *recordingSink) Inject(value []byte) error {
	r.injected = value
	return nil
}

func (r *recordingSink) AwaitAck(ctx context.Context) error {
	if r.ackBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.ackErr
}

func (r *recordingSink) Scrub() {
	secret.Zero(r.injected)
	r.scrubbed++
}

func TestRelay_Success(t *testing.T) {
	box := secret.New([]byte("the-key"))
	sink := &recordingSink{}

	if err := Relay(context.Background(), box, sink, time.Second); err != nil {
		t.Fatalf("relay: %v", err)
	}

	if sink.scrubbed == 0 {
		t.Error("sink was not scrubbed after success")
	}
	if !box.Spent() {
		t.Error("box should be consumed")
	}
	for i, b := range sink.injected {
		if b != 0 {
			t.Errorf("injected[%d] = %d, slot must be zeroed", i, b)
		}
	}
}

func TestRelay_AckErrorStillScrubs(t *testing.T) {
	box := secret.New([]byte("the-key"))
	sink := &recordingSink{ackErr: errors.New("child refused")}

	err := Relay(context.Background(), box, sink, time.Second)
	if err == nil || !strings.Contains(err.Error(), "child refused") {
		t.Fatalf("err = %v, want wrapped ack error", err)
	}
	if sink.scrubbed == 0 {
		t.Error("sink was not scrubbed after ack failure")
	}
}

func TestRelay_TimeoutStillScrubs(t *testing.T) {
	box := secret.New([]byte("the-key"))
	sink := &recordingSink{ackBlocks: true}

	err := Relay(context.Background(), box, sink, 50*time.Millisecond)
	if !errors.Is(err, ErrRelayTimeout) {
		t.Fatalf("err = %v, want ErrRelayTimeout", err)
	}
	if sink.scrubbed == 0 {
		t.Error("sink was not scrubbed after timeout")
	}
}

func TestRelay_SpentBox(t *testing.T) {
	box := secret.New([]byte("the-key"))
	if _, err := box.Consume(); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	if err := Relay(context.Background(), box, sink, time.Second); !errors.Is(err, secret.ErrSpent) {
		t.Fatalf("err = %v, want ErrSpent", err)
	}
}

func TestEnvSlot_EntryAliasesBuffer(t *testing.T) {
	slot := NewEnvSlot("MY_KEY", nil)
	if err := slot.Inject([]byte("sekrit")); err != nil {
		t.Fatal(err)
	}

	entry := slot.Entry()
	if entry != "MY_KEY=sekrit" {
		t.Fatalf("entry = %q", entry)
	}

	slot.Scrub()

	// The string handed to the child launcher points at the same
	// memory: scrubbing erases it too.
	for i := 0; i < len(entry); i++ {
		if entry[i] != 0 {
			t.Fatalf("entry byte %d = %q, want zero after scrub", i, entry[i])
		}
	}
	if slot.Entry() != "" {
		t.Error("scrubbed slot should return empty entry")
	}
}

func TestEnvSlot_SingleUse(t *testing.T) {
	slot := NewEnvSlot("MY_KEY", nil)
	if err := slot.Inject([]byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := slot.Inject([]byte("two")); !errors.Is(err, ErrRelayBusy) {
		t.Fatalf("second inject err = %v, want ErrRelayBusy", err)
	}
}

func TestEnvSlot_AckCallback(t *testing.T) {
	called := false
	slot := NewEnvSlot("MY_KEY", func(ctx context.Context) error {
		called = true
		return nil
	})
	box := secret.New([]byte("value"))
	if err := Relay(context.Background(), box, slot, time.Second); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("ack callback was not invoked")
	}
}
