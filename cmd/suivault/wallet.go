package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ovchar/suivault/internal/config"
	"github.com/ovchar/suivault/internal/secret"
	"github.com/ovchar/suivault/internal/vault"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage encrypted wallet keys",
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a signing key under a label",
	RunE:  runWalletImport,
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored wallets",
	RunE:  runWalletList,
}

var walletRemoveCmd = &cobra.Command{
	Use:   "remove <label-or-id>",
	Short: "Remove a stored wallet (requires its password)",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletRemove,
}

var importLabel string

func init() {
	walletImportCmd.Flags().StringVar(&importLabel, "label", "", "label for the wallet")
	walletCmd.AddCommand(walletImportCmd, walletListCmd, walletRemoveCmd)
}

func openVault() (*vault.Vault, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	repo, err := vault.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := repo.Close(); err != nil {
			logger.Error("close wallet store", "error", err)
		}
	}
	return vault.New(repo), closer, nil
}

// readSecret prompts for a hidden line on the terminal.
func readSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
	// Piped input, e.g. in scripts.
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func runWalletImport(cmd *cobra.Command, _ []string) error {
	label := strings.TrimSpace(importLabel)
	if label == "" {
		return errors.New("--label is required")
	}

	v, closeVault, err := openVault()
	if err != nil {
		return err
	}
	defer closeVault()

	material, err := readSecret("Signing key (hex or suiprivkey): ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	password, err := readSecret("Password: ")
	if err != nil {
		secret.Zero(material)
		return fmt.Errorf("read password: %w", err)
	}
	confirm, err := readSecret("Confirm password: ")
	if err != nil {
		secret.Zero(material)
		secret.Zero(password)
		return fmt.Errorf("read password: %w", err)
	}
	match := string(password) == string(confirm)
	secret.Zero(confirm)
	if !match {
		secret.Zero(material)
		secret.Zero(password)
		return errors.New("passwords do not match")
	}

	entry, err := v.Import(cmd.Context(), material, string(password), label)
	secret.Zero(password)
	if err != nil {
		return err
	}

	fmt.Printf("Imported wallet %q\n  id:      %s\n  address: %s\n", entry.Label, entry.ID, entry.Address)
	return nil
}

func runWalletList(cmd *cobra.Command, _ []string) error {
	v, closeVault, err := openVault()
	if err != nil {
		return err
	}
	defer closeVault()

	summaries, err := v.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No wallets stored. Use `suivault wallet import` to add one.")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%-20s %s  (%s)\n", s.Label, s.Address, s.ID)
	}
	return nil
}

func runWalletRemove(cmd *cobra.Command, args []string) error {
	v, closeVault, err := openVault()
	if err != nil {
		return err
	}
	defer closeVault()

	entry, err := v.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	// Removal requires proving knowledge of the password.
	password, err := readSecret(fmt.Sprintf("Password for %q: ", entry.Label))
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	box, err := v.Unlock(cmd.Context(), entry.ID, string(password))
	secret.Zero(password)
	if err != nil {
		return err
	}
	box.Scrub()

	if err := v.Remove(cmd.Context(), entry.ID); err != nil {
		return err
	}
	fmt.Printf("Removed wallet %q (%s)\n", entry.Label, entry.Address)
	return nil
}
