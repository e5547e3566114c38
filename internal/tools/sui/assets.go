package sui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// MarketClient queries the Blockberry API for wallet holdings and
// market data.
type MarketClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewMarketClient creates a Blockberry client.
func NewMarketClient(baseURL, apiKey string, logger *slog.Logger) *MarketClient {
	return &MarketClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type apiResponse[T any] struct {
	Content []T `json:"content"`
}

// CoinHolding is one fungible coin position.
type CoinHolding struct {
	CoinType   string  `json:"coinType"`
	CoinName   string  `json:"coinName"`
	CoinSymbol string  `json:"coinSymbol"`
	Balance    float64 `json:"balance"`
	UsdValue   float64 `json:"usdValue"`
}

// NFTHolding is one NFT position.
type NFTHolding struct {
	ObjectID   string  `json:"objectId"`
	Name       string  `json:"name"`
	Collection string  `json:"collectionName"`
	UsdValue   float64 `json:"usdValue"`
}

// Assets is the full holdings picture for one wallet.
type Assets struct {
	Address string        `json:"address"`
	Coins   []CoinHolding `json:"coins"`
	NFTs    []NFTHolding  `json:"nfts"`
}

// DeFiProject is one protocol ranked by total value locked.
type DeFiProject struct {
	Name string  `json:"name"`
	TVL  float64 `json:"tvlUsd"`
}

func (m *MarketClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := m.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build market request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", m.apiKey)

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("market request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market request %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("market request %s: decode: %w", path, err)
	}
	return nil
}

// GetAssets fetches coin and NFT holdings for the address. The two
// queries run concurrently.
func (m *MarketClient) GetAssets(ctx context.Context, address string) (*Assets, error) {
	assets := &Assets{Address: address}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var res apiResponse[CoinHolding]
		q := url.Values{"page": {"0"}, "size": {"50"}, "orderBy": {"DESC"}, "sortBy": {"AMOUNT"}}
		if err := m.get(ctx, "/sui/v1/accounts/"+address+"/balance", q, &res.Content); err != nil {
			return err
		}
		assets.Coins = res.Content
		return nil
	})
	g.Go(func() error {
		var res apiResponse[NFTHolding]
		q := url.Values{"page": {"0"}, "size": {"50"}}
		if err := m.get(ctx, "/sui/v1/nfts/wallet/"+address, q, &res); err != nil {
			return err
		}
		assets.NFTs = res.Content
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m.logger.Info("fetched assets", "address", address, "coins", len(assets.Coins), "nfts", len(assets.NFTs))
	return assets, nil
}

// WalletValue sums the USD value of every holding.
func (m *MarketClient) WalletValue(ctx context.Context, address string) (float64, error) {
	assets, err := m.GetAssets(ctx, address)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, c := range assets.Coins {
		total += c.UsdValue
	}
	for _, n := range assets.NFTs {
		total += n.UsdValue
	}
	return total, nil
}

// TopDeFiProjects returns the n largest Sui DeFi protocols by TVL.
func (m *MarketClient) TopDeFiProjects(ctx context.Context, n int) ([]DeFiProject, error) {
	var res apiResponse[DeFiProject]
	q := url.Values{
		"page":    {"0"},
		"size":    {fmt.Sprint(n)},
		"orderBy": {"DESC"},
		"sortBy":  {"TVL"},
	}
	if err := m.get(ctx, "/sui/v1/defi/projects", q, &res); err != nil {
		return nil, err
	}
	return res.Content, nil
}
