// Package tools defines the wallet tool set the provider exposes over
// the wire: transfers, holdings, portfolio value and DeFi rankings.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"github.com/ovchar/suivault/internal/toolwire"
	"github.com/ovchar/suivault/internal/tools/sui"
)

const suiscanDirectoryURL = "https://suiscan.xyz/mainnet/directory/"

// Service wires the tool handlers to their backends.
type Service struct {
	chain   *sui.Client
	market  *sui.MarketClient
	openURL func(string) error
	logger  *slog.Logger
}

// New creates the tool service.
func New(chain *sui.Client, market *sui.MarketClient, logger *slog.Logger) *Service {
	return &Service{chain: chain, market: market, openURL: openBrowser, logger: logger}
}

// Register adds every tool to the server.
func (s *Service) Register(srv *toolwire.Server) {
	srv.Register(toolwire.Descriptor{
		Name:        "transfer_sui",
		Description: "Transfer SUI from the active wallet to a recipient address. Use dry_run to preview gas and effects without submitting.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to_address": map[string]any{"type": "string", "description": "Recipient Sui address (0x...)"},
				"amount":     map[string]any{"type": "number", "description": "Amount in SUI (fractional) or MIST (integer >= 10^7)"},
				"dry_run":    map[string]any{"type": "boolean", "description": "Simulate instead of executing"},
			},
			"required": []string{"to_address", "amount"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dry_run":       map[string]any{"type": "boolean"},
				"status":        map[string]any{"type": "string", "description": "success or failure"},
				"digest":        map[string]any{"type": "string", "description": "Transaction digest; absent on dry runs"},
				"recipient":     map[string]any{"type": "string"},
				"amount_sui":    map[string]any{"type": "string"},
				"gas_used_mist": map[string]any{"type": "string"},
				"error":         map[string]any{"type": "string"},
			},
		},
		MutatesState: true,
	}, s.transferSui)

	srv.Register(toolwire.Descriptor{
		Name:        "get_assets",
		Description: "List a wallet's coin and NFT holdings with USD values. Defaults to the active wallet.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": map[string]any{"type": "string", "description": "Wallet to inspect (default: active wallet)"},
			},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": map[string]any{"type": "string"},
				"coins":   map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
				"nfts":    map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			},
		},
	}, s.getAssets)

	srv.Register(toolwire.Descriptor{
		Name:        "get_total_value",
		Description: "Total USD value of a wallet across all holdings. Defaults to the active wallet.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": map[string]any{"type": "string", "description": "Wallet to inspect (default: active wallet)"},
			},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address":         map[string]any{"type": "string"},
				"total_value_usd": map[string]any{"type": "number"},
			},
		},
	}, s.getTotalValue)

	srv.Register(toolwire.Descriptor{
		Name:        "get_top_defi_projects",
		Description: "Top Sui DeFi projects ranked by total value locked.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer", "description": "How many projects to return (default 5)"},
			},
		},
		OutputSchema: map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":   map[string]any{"type": "string"},
					"tvlUsd": map[string]any{"type": "number"},
				},
			},
		},
	}, s.topDeFiProjects)

	srv.Register(toolwire.Descriptor{
		Name:        "open_project_in_browser",
		Description: "Open the Suiscan directory page for a DeFi project in the default web browser.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_name": map[string]any{"type": "string", "description": "Project name as listed on Suiscan"},
			},
			"required": []string{"project_name"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":     map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			},
		},
	}, s.openProject)
}

type transferArgs struct {
	ToAddress string  `json:"to_address"`
	Amount    float64 `json:"amount"`
	DryRun    bool    `json:"dry_run"`
}

func (s *Service) transferSui(ctx context.Context, raw json.RawMessage, simulate bool) (any, error) {
	var args transferArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("bad transfer args: %w", err)
	}
	if !strings.HasPrefix(args.ToAddress, "0x") {
		return nil, fmt.Errorf("to_address must be a 0x-prefixed Sui address")
	}
	mist, err := parseAmountMist(args.Amount)
	if err != nil {
		return nil, err
	}
	// A simulate request from the caller always wins over the args.
	dryRun := args.DryRun || simulate
	return s.chain.Transfer(ctx, args.ToAddress, mist, dryRun)
}

type addressArgs struct {
	Address string `json:"address"`
}

// resolveAddress defaults to the unlocked key's own wallet.
func (s *Service) resolveAddress(raw json.RawMessage) (string, error) {
	var args addressArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("bad args: %w", err)
		}
	}
	if args.Address == "" {
		return s.chain.Address(), nil
	}
	if !strings.HasPrefix(args.Address, "0x") {
		return "", fmt.Errorf("address must be 0x-prefixed")
	}
	return args.Address, nil
}

func (s *Service) getAssets(ctx context.Context, raw json.RawMessage, _ bool) (any, error) {
	address, err := s.resolveAddress(raw)
	if err != nil {
		return nil, err
	}
	return s.market.GetAssets(ctx, address)
}

func (s *Service) getTotalValue(ctx context.Context, raw json.RawMessage, _ bool) (any, error) {
	address, err := s.resolveAddress(raw)
	if err != nil {
		return nil, err
	}
	total, err := s.market.WalletValue(ctx, address)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":         address,
		"total_value_usd": total,
	}, nil
}

type defiArgs struct {
	Limit int `json:"limit"`
}

func (s *Service) topDeFiProjects(ctx context.Context, raw json.RawMessage, _ bool) (any, error) {
	args := defiArgs{Limit: 5}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("bad args: %w", err)
		}
	}
	if args.Limit <= 0 || args.Limit > 50 {
		args.Limit = 5
	}
	return s.market.TopDeFiProjects(ctx, args.Limit)
}

type openProjectArgs struct {
	ProjectName string `json:"project_name"`
}

func (s *Service) openProject(_ context.Context, raw json.RawMessage, _ bool) (any, error) {
	var args openProjectArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("bad args: %w", err)
	}
	name := strings.TrimSpace(args.ProjectName)
	if name == "" {
		return nil, fmt.Errorf("project_name is required")
	}
	target := suiscanDirectoryURL + url.PathEscape(name)
	if err := s.openURL(target); err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}
	return map[string]any{
		"url":     target,
		"message": fmt.Sprintf("Opened %s in your browser.", target),
	}, nil
}

// openBrowser hands the URL to the platform's default handler.
func openBrowser(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", target)
	case "darwin":
		cmd = exec.Command("open", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}

// parseAmountMist interprets the amount the model supplies: fractional
// values are SUI, whole values at or above 0.01 SUI worth of MIST are
// already MIST. Mirrors how users phrase amounts in chat ("0.5 sui",
// "20000000 mist").
func parseAmountMist(amount float64) (uint64, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("amount must be positive")
	}
	if amount != math.Trunc(amount) {
		return uint64(math.Round(amount * sui.MistPerSui)), nil
	}
	if amount < 10_000_000 {
		// Small whole numbers are SUI.
		return uint64(amount) * sui.MistPerSui, nil
	}
	return uint64(amount), nil
}
