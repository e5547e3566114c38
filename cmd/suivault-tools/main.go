// SuiVault tool provider. Launched by the agent with the wallet key
// in its environment; speaks the tool protocol on stdin/stdout, so all
// logging goes to stderr. The hello frame it writes on startup doubles
// as the key-receipt confirmation.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ovchar/suivault/internal/config"
	"github.com/ovchar/suivault/internal/keys"
	"github.com/ovchar/suivault/internal/secret"
	"github.com/ovchar/suivault/internal/tools"
	"github.com/ovchar/suivault/internal/tools/sui"
	"github.com/ovchar/suivault/internal/toolwire"
)

const keyVar = "SUI_PRIVATE_KEY"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("tool provider exiting", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	box, err := secret.FromEnv(keyVar)
	if err != nil {
		return err
	}
	material, err := box.Consume()
	if err != nil {
		return err
	}
	seed, err := keys.ParseSeed(material)
	secret.Zero(material)
	if err != nil {
		return err
	}
	address, err := keys.DeriveAddress(seed)
	if err != nil {
		secret.Zero(seed)
		return err
	}
	signer, err := keys.Signer(seed)
	secret.Zero(seed)
	if err != nil {
		return err
	}
	logger.Info("signing key loaded", "address", address)

	chain := sui.NewClient(cfg.SuiRPCURL, signer, address, logger)
	market := sui.NewMarketClient(cfg.BlockberryURL, cfg.BlockberryAPIKey, logger)

	srv := toolwire.NewServer(logger)
	tools.New(chain, market, logger).Register(srv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
