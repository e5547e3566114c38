// Package sui talks to a Sui fullnode over JSON-RPC and to the
// Blockberry market API. It builds, signs, dry-runs and executes
// SUI transfer transactions.
package sui

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// MistPerSui is the number of MIST in one SUI.
	MistPerSui = 1_000_000_000

	// gasBudget for a simple transfer, in MIST.
	gasBudget = 50_000_000

	suiCoinType = "0x2::sui::SUI"
)

var (
	ErrInsufficientBalance = errors.New("sui: no coin covers amount plus gas")
	ErrRPC                 = errors.New("sui: rpc error")
)

// Client is a Sui JSON-RPC client bound to one signing key.
type Client struct {
	url     string
	http    *http.Client
	signer  ed25519.PrivateKey
	address string
	logger  *slog.Logger
	nextID  atomic.Int64
}

// NewClient creates a client for the fullnode at url, signing with the
// given key on behalf of address.
func NewClient(url string, signer ed25519.PrivateKey, address string, logger *slog.Logger) *Client {
	return &Client{
		url:     url,
		http:    &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		address: address,
		logger:  logger,
	}
}

// Address returns the wallet address the client signs for.
func (c *Client) Address() string {
	return c.address
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrRPC, method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrRPC, method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrRPC, method, rr.Error.Message, rr.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", ErrRPC, method, err)
		}
	}
	return nil
}

// Coin is one coin object owned by the wallet.
type Coin struct {
	CoinObjectID string `json:"coinObjectId"`
	Balance      string `json:"balance"`
}

type coinPage struct {
	Data        []Coin `json:"data"`
	HasNextPage bool   `json:"hasNextPage"`
	NextCursor  string `json:"nextCursor"`
}

// pickCoin returns the first owned SUI coin whose balance covers the
// amount plus the gas budget. Transfers spend from a single coin.
func (c *Client) pickCoin(ctx context.Context, amountMist uint64) (Coin, error) {
	var cursor any
	for {
		var page coinPage
		if err := c.call(ctx, "suix_getCoins", []any{c.address, suiCoinType, cursor, 50}, &page); err != nil {
			return Coin{}, err
		}
		for _, coin := range page.Data {
			bal, err := strconv.ParseUint(coin.Balance, 10, 64)
			if err != nil {
				continue
			}
			if bal >= amountMist+gasBudget {
				return coin, nil
			}
		}
		if !page.HasNextPage {
			return Coin{}, fmt.Errorf("%w: need %d MIST + %d gas", ErrInsufficientBalance, amountMist, gasBudget)
		}
		cursor = page.NextCursor
	}
}

type txBytesResult struct {
	TxBytes string `json:"txBytes"`
}

// buildTransfer asks the node to build an unsigned transfer of
// amountMist from a single coin to recipient.
func (c *Client) buildTransfer(ctx context.Context, recipient string, amountMist uint64) (string, error) {
	coin, err := c.pickCoin(ctx, amountMist)
	if err != nil {
		return "", err
	}
	var res txBytesResult
	err = c.call(ctx, "unsafe_transferSui", []any{
		c.address,
		coin.CoinObjectID,
		strconv.FormatUint(gasBudget, 10),
		recipient,
		strconv.FormatUint(amountMist, 10),
	}, &res)
	if err != nil {
		return "", err
	}
	return res.TxBytes, nil
}

// signTransaction produces the serialized signature for base64 tx
// bytes: flag(0x00) || ed25519 signature || public key, where the
// signature covers blake2b-256 of the TransactionData intent message.
func (c *Client) signTransaction(txBytesB64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return "", fmt.Errorf("decode tx bytes: %w", err)
	}
	// Intent: scope=TransactionData, version=V0, app=Sui.
	msg := append([]byte{0, 0, 0}, txBytes...)
	digest := blake2b.Sum256(msg)
	sig := ed25519.Sign(c.signer, digest[:])

	serialized := make([]byte, 0, 1+len(sig)+ed25519.PublicKeySize)
	serialized = append(serialized, 0x00) // ed25519 scheme flag
	serialized = append(serialized, sig...)
	serialized = append(serialized, c.signer.Public().(ed25519.PublicKey)...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}

type gasSummary struct {
	ComputationCost         string `json:"computationCost"`
	StorageCost             string `json:"storageCost"`
	StorageRebate           string `json:"storageRebate"`
	NonRefundableStorageFee string `json:"nonRefundableStorageFee"`
}

type txEffects struct {
	Status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"status"`
	GasUsed gasSummary `json:"gasUsed"`
}

type dryRunResult struct {
	Effects txEffects `json:"effects"`
}

type executeResult struct {
	Digest  string    `json:"digest"`
	Effects txEffects `json:"effects"`
}

// TransferOutcome summarizes a transfer attempt for the caller.
type TransferOutcome struct {
	DryRun    bool   `json:"dry_run"`
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Recipient string `json:"recipient"`
	AmountSui string `json:"amount_sui"`
	GasUsed   string `json:"gas_used_mist,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Transfer moves amountMist to recipient. With dryRun it simulates the
// transaction instead and reports the predicted effects; nothing is
// submitted to the chain.
func (c *Client) Transfer(ctx context.Context, recipient string, amountMist uint64, dryRun bool) (*TransferOutcome, error) {
	txBytes, err := c.buildTransfer(ctx, recipient, amountMist)
	if err != nil {
		return nil, err
	}

	outcome := &TransferOutcome{
		DryRun:    dryRun,
		Recipient: recipient,
		AmountSui: FormatMist(amountMist),
	}

	if dryRun {
		var res dryRunResult
		if err := c.call(ctx, "sui_dryRunTransactionBlock", []any{txBytes}, &res); err != nil {
			return nil, err
		}
		outcome.Status = res.Effects.Status.Status
		outcome.Error = res.Effects.Status.Error
		outcome.GasUsed = totalGas(res.Effects.GasUsed)
		c.logger.Info("dry ran transfer", "recipient", recipient, "amount_mist", amountMist, "status", outcome.Status)
		return outcome, nil
	}

	signature, err := c.signTransaction(txBytes)
	if err != nil {
		return nil, err
	}
	var res executeResult
	err = c.call(ctx, "sui_executeTransactionBlock", []any{
		txBytes,
		[]string{signature},
		map[string]any{"showEffects": true},
		"WaitForLocalExecution",
	}, &res)
	if err != nil {
		return nil, err
	}
	outcome.Status = res.Effects.Status.Status
	outcome.Error = res.Effects.Status.Error
	outcome.Digest = res.Digest
	outcome.GasUsed = totalGas(res.Effects.GasUsed)
	c.logger.Info("executed transfer", "recipient", recipient, "amount_mist", amountMist,
		"digest", res.Digest, "status", outcome.Status)
	return outcome, nil
}

func totalGas(g gasSummary) string {
	var total int64
	for _, s := range []string{g.ComputationCost, g.StorageCost} {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			total += v
		}
	}
	if v, err := strconv.ParseInt(g.StorageRebate, 10, 64); err == nil {
		total -= v
	}
	return strconv.FormatInt(total, 10)
}

// FormatMist renders a MIST amount as a decimal SUI string.
func FormatMist(mist uint64) string {
	whole := mist / MistPerSui
	frac := mist % MistPerSui
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	s := fmt.Sprintf("%d.%09d", whole, frac)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return s
}
