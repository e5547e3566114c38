package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovchar/suivault/internal/config"
	"github.com/ovchar/suivault/internal/secret"
	"github.com/ovchar/suivault/internal/session"
	"github.com/ovchar/suivault/internal/supervise"
	"github.com/ovchar/suivault/internal/vault"
)

const keyVar = "SUI_PRIVATE_KEY"

const passwordAttempts = 3

var chatWallet string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Unlock a wallet and talk to the agent",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatWallet, "wallet", "", "wallet label or id (skips the menu)")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	v, closeVault, err := openVault()
	if err != nil {
		return err
	}
	defer closeVault()

	entry, err := selectWallet(ctx, v)
	if err != nil {
		return err
	}

	box, err := unlockWithRetries(ctx, v, entry)
	if err != nil {
		return err
	}
	// From here the key lives only in the box; a failure before the
	// hand-off must erase it.
	defer box.Scrub()

	sup := supervise.New(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		sup.ShutdownAll(shutdownCtx, cfg.ShutdownGrace)
	}()

	fmt.Fprintln(os.Stderr, "Starting agent...")
	launchCtx, cancelLaunch := context.WithTimeout(ctx, cfg.RelayTimeout+30*time.Second)
	defer cancelLaunch()

	if _, err := sup.Launch(launchCtx, supervise.RoleAgent, supervise.LaunchSpec{
		Path:         cfg.AgentBin,
		Env:          []string{"AGENT_ADDR=" + cfg.AgentAddr},
		Secret:       box,
		SecretVar:    keyVar,
		RelayTimeout: cfg.RelayTimeout,
	}); err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}

	ready, err := sup.AwaitEvent(launchCtx, supervise.RoleAgent, supervise.EventReady)
	if err != nil {
		return fmt.Errorf("agent never became ready: %w", err)
	}
	// The tool provider's pid was announced before ready.
	childCtx, cancelChild := context.WithTimeout(ctx, time.Second)
	if child, err := sup.AwaitEvent(childCtx, supervise.RoleAgent, supervise.EventChild); err == nil {
		sup.RegisterChild(supervise.RoleToolProvider, child.PID, supervise.RoleAgent)
	}
	cancelChild()

	sessionURL := "ws://" + ready.Addr + "/ws/session"
	client, err := session.Dial(ctx, sessionURL)
	if err != nil {
		return err
	}

	fmt.Printf("Wallet %q (%s) unlocked. Ask away; 'exit' quits, Ctrl-C cancels a turn.\n",
		entry.Label, entry.Address)
	return repl(ctx, client, sessionURL)
}

func selectWallet(ctx context.Context, v *vault.Vault) (*vault.Entry, error) {
	if chatWallet != "" {
		return v.Resolve(ctx, chatWallet)
	}

	summaries, err := v.List(ctx)
	if err != nil {
		return nil, err
	}
	switch len(summaries) {
	case 0:
		return nil, errors.New("no wallets stored; run `suivault wallet import` first")
	case 1:
		return v.Resolve(ctx, summaries[0].ID)
	}

	fmt.Println("Stored wallets:")
	for i, s := range summaries {
		fmt.Printf("  %d) %-20s %s\n", i+1, s.Label, s.Address)
	}
	fmt.Print("Select wallet: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(summaries) {
		return nil, errors.New("invalid selection")
	}
	return v.Resolve(ctx, summaries[n-1].ID)
}

func unlockWithRetries(ctx context.Context, v *vault.Vault, entry *vault.Entry) (*secret.Box, error) {
	for attempt := 1; attempt <= passwordAttempts; attempt++ {
		password, err := readSecret(fmt.Sprintf("Password for %q: ", entry.Label))
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		box, err := v.Unlock(ctx, entry.ID, string(password))
		secret.Zero(password)
		if err == nil {
			return box, nil
		}
		if !errors.Is(err, vault.ErrWrongPassword) {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Wrong password (%d/%d)\n", attempt, passwordAttempts)
	}
	return nil, errors.New("too many wrong password attempts")
}

// errConnLost marks a dropped session connection, which gets one
// reconnect attempt before the REPL gives up.
var errConnLost = errors.New("session connection lost")

func repl(ctx context.Context, client *session.Client, url string) error {
	defer func() { client.Close() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		default:
		}

		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		if err := runTurn(ctx, client, sigCh, line); err != nil {
			if !errors.Is(err, errConnLost) {
				return err
			}
			fmt.Fprintln(os.Stderr, "Connection to the agent dropped; reconnecting...")
			client.Close()
			next, rerr := resumeSession(ctx, url, os.Stdout)
			if rerr != nil {
				return fmt.Errorf("agent connection lost: %w", rerr)
			}
			client = next
		}
	}
}

// resumeSession re-dials the session after a drop and drains any turn
// that finished while the link was down.
func resumeSession(ctx context.Context, url string, out io.Writer) (*session.Client, error) {
	client, err := session.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	reply, err := client.Status(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if reply.State != session.StateCompletePending {
		return client, nil
	}
	for msg, err := range client.Retrieve(ctx) {
		if err != nil {
			client.Close()
			return nil, err
		}
		printMessage(out, msg)
	}
	return client, nil
}

// runTurn streams one turn to the terminal. Ctrl-C while streaming
// cancels the turn but keeps the session alive.
func runTurn(ctx context.Context, client *session.Client, sigCh <-chan os.Signal, text string) error {
	turnID, stream := client.Turn(ctx, text)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Cancel(cancelCtx, turnID); err != nil {
				logger.Warn("cancel turn", "error", err)
			}
		case <-done:
		}
	}()

	for msg, err := range stream {
		if err != nil {
			return fmt.Errorf("%w: %v", errConnLost, err)
		}
		printMessage(os.Stdout, msg)
	}
	return nil
}

func printMessage(w io.Writer, msg session.Message) {
	switch msg.Type {
	case session.TypeFragment:
		fmt.Fprint(w, msg.Text)
	case session.TypeToolActivity:
		if msg.Phase == session.PhaseStarted {
			fmt.Fprintf(w, "\n[running %s]\n", msg.Tool)
		}
	case session.TypeTurnComplete:
		fmt.Fprintln(w)
		switch msg.Status {
		case session.TurnCancelled:
			fmt.Fprintln(w, "(turn cancelled)")
		case session.TurnError:
			fmt.Fprintf(w, "(turn failed: %s)\n", msg.Error)
		case session.TurnRejected:
			fmt.Fprintf(w, "(turn rejected: %s)\n", msg.Error)
		}
	}
}
