package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ovchar/suivault/internal/relay"
	"github.com/ovchar/suivault/internal/secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shSpec(script string) LaunchSpec {
	return LaunchSpec{Path: "/bin/sh", Args: []string{"-c", script}, Stderr: io.Discard}
}

func TestLaunch_ReadyEvent(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()
	defer sup.ShutdownAll(ctx, time.Second)

	spec := shSpec(`echo '{"event":"ready","addr":"127.0.0.1:9999"}'; sleep 30`)
	p, err := sup.Launch(ctx, RoleAgent, spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if p.State() != StateRunning {
		t.Errorf("state = %v, want running", p.State())
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := sup.AwaitEvent(waitCtx, RoleAgent, EventReady)
	if err != nil {
		t.Fatalf("await ready: %v", err)
	}
	if ev.Addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q", ev.Addr)
	}
}

func TestLaunch_SecretHandoff(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()
	defer sup.ShutdownAll(ctx, time.Second)

	box := secret.New([]byte("relayed-key"))
	spec := shSpec(`[ -n "$TEST_KEY" ] && echo '{"event":"key_received"}'; sleep 30`)
	spec.Secret = box
	spec.SecretVar = "TEST_KEY"
	spec.RelayTimeout = 5 * time.Second

	p, err := sup.Launch(ctx, RoleAgent, spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !box.Spent() {
		t.Error("box should be consumed by the relay")
	}
	if p.State() != StateRunning {
		t.Errorf("state = %v, want running", p.State())
	}
}

func TestLaunch_HandoffTimeoutKillsChild(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()

	box := secret.New([]byte("relayed-key"))
	// Child never confirms receipt.
	spec := shSpec(`sleep 30`)
	spec.Secret = box
	spec.SecretVar = "TEST_KEY"
	spec.RelayTimeout = 200 * time.Millisecond

	_, err := sup.Launch(ctx, RoleAgent, spec)
	if !errors.Is(err, relay.ErrRelayTimeout) {
		t.Fatalf("err = %v, want ErrRelayTimeout", err)
	}

	p := sup.Process(RoleAgent)
	if p == nil {
		t.Fatal("process record missing")
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want failed", p.State())
	}
	select {
	case <-p.exitCh:
	case <-time.After(5 * time.Second):
		t.Error("child not reaped after failed hand-off")
	}
}

func TestLaunch_AlreadyRunning(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()
	defer sup.ShutdownAll(ctx, time.Second)

	if _, err := sup.Launch(ctx, RoleAgent, shSpec(`sleep 30`)); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if _, err := sup.Launch(ctx, RoleAgent, shSpec(`sleep 30`)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestLaunch_SlowHandoffDoesNotBlockHealthcheck(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()
	defer sup.ShutdownAll(ctx, time.Second)

	if _, err := sup.Launch(ctx, RoleAgent, shSpec(`sleep 30`)); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// A second launch whose hand-off stalls must not freeze the
	// supervisor's read paths.
	release := make(chan struct{})
	ackEntered := make(chan struct{})
	launchDone := make(chan error, 1)
	spec := shSpec(`sleep 30`)
	spec.Secret = secret.New([]byte("relayed-key"))
	spec.SecretVar = "TEST_KEY"
	spec.RelayTimeout = 10 * time.Second
	spec.Ack = func(ctx context.Context, p *Process) error {
		close(ackEntered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		_, err := sup.Launch(ctx, RoleToolProvider, spec)
		launchDone <- err
	}()
	<-ackEntered

	start := time.Now()
	if got := sup.Healthcheck(ctx, RoleAgent); got.Health != Healthy {
		t.Errorf("health = %v, want healthy", got.Health)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("healthcheck took %v during a pending hand-off", elapsed)
	}

	close(release)
	if err := <-launchDone; err != nil {
		t.Fatalf("slow launch: %v", err)
	}
}

func TestHealthcheck_Transitions(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()

	if got := sup.Healthcheck(ctx, RoleAgent); got.Health != Exited {
		t.Errorf("unknown role health = %v, want exited", got.Health)
	}

	p, err := sup.Launch(ctx, RoleAgent, shSpec(`exit 3`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	select {
	case <-p.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("child never exited")
	}

	got := sup.Healthcheck(ctx, RoleAgent)
	if got.Health != Exited {
		t.Errorf("health = %v, want exited", got.Health)
	}
	if got.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", got.ExitCode)
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want failed after unexpected exit", p.State())
	}
}

func TestHealthcheck_Probe(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()
	defer sup.ShutdownAll(ctx, time.Second)

	spec := shSpec(`sleep 30`)
	spec.Probe = func(ctx context.Context) error { return errors.New("no answer") }
	if _, err := sup.Launch(ctx, RoleAgent, spec); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if got := sup.Healthcheck(ctx, RoleAgent); got.Health != Unresponsive {
		t.Errorf("health = %v, want unresponsive when probe fails", got.Health)
	}
}

func TestShutdown_Graceful(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()

	p, err := sup.Launch(ctx, RoleAgent, shSpec(`sleep 30`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	start := time.Now()
	if err := sup.Shutdown(ctx, RoleAgent, 5*time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("graceful shutdown took %v, SIGTERM should have sufficed", elapsed)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %v, want stopped", p.State())
	}

	// Second shutdown is a no-op.
	if err := sup.Shutdown(ctx, RoleAgent, time.Second); err != nil {
		t.Fatalf("repeat shutdown: %v", err)
	}
}

func TestShutdown_EscalatesToKill(t *testing.T) {
	sup := New(testLogger())
	ctx := context.Background()

	// Child ignores SIGTERM.
	p, err := sup.Launch(ctx, RoleAgent, shSpec(`trap '' TERM; while true; do sleep 1; done`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx, RoleAgent, 300*time.Millisecond); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %v, want stopped after SIGKILL escalation", p.State())
	}
}

func TestTree_SubtreeChildrenFirst(t *testing.T) {
	tree := NewTree()
	tree.Add(RoleAgent, 100, "")
	tree.Add(RoleToolProvider, 200, RoleAgent)

	pids := tree.Subtree(RoleAgent)
	if len(pids) != 2 || pids[0] != 200 || pids[1] != 100 {
		t.Fatalf("subtree = %v, want [200 100]", pids)
	}

	tree.Remove(RoleAgent)
	if got := tree.Subtree(RoleAgent); got != nil {
		t.Errorf("subtree after remove = %v, want nil", got)
	}
	if got := tree.Subtree(RoleToolProvider); got != nil {
		t.Errorf("descendant should be removed with its parent, got %v", got)
	}
}
