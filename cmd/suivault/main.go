// SuiVault CLI: manage encrypted wallet keys and chat with the wallet
// agent.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:          "suivault",
	Short:        "Password-protected Sui wallet with an AI assistant",
	SilenceUsage: true,
}

func main() {
	// Human-facing output goes through fmt; the structured log only
	// surfaces problems.
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded .env")
	}

	rootCmd.AddCommand(walletCmd, chatCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
