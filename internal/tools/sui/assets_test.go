package sui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marketServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/balance"):
			json.NewEncoder(w).Encode([]map[string]any{
				{"coinType": "0x2::sui::SUI", "coinSymbol": "SUI", "balance": 12.5, "usdValue": 40.0},
				{"coinType": "0xdeep::deep::DEEP", "coinSymbol": "DEEP", "balance": 100.0, "usdValue": 10.0},
			})
		case strings.Contains(r.URL.Path, "/nfts/wallet/"):
			json.NewEncoder(w).Encode(map[string]any{
				"content": []map[string]any{
					{"objectId": "0xnft1", "name": "Capy #1", "usdValue": 5.0},
				},
			})
		case strings.Contains(r.URL.Path, "/defi/projects"):
			json.NewEncoder(w).Encode(map[string]any{
				"content": []map[string]any{
					{"name": "Cetus", "tvlUsd": 100_000_000.0},
					{"name": "Navi", "tvlUsd": 80_000_000.0},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAssets(t *testing.T) {
	srv := marketServer(t)
	m := NewMarketClient(srv.URL, "test-key", testLogger())

	assets, err := m.GetAssets(context.Background(), "0xwallet")
	require.NoError(t, err)

	assert.Equal(t, "0xwallet", assets.Address)
	require.Len(t, assets.Coins, 2)
	assert.Equal(t, "SUI", assets.Coins[0].CoinSymbol)
	require.Len(t, assets.NFTs, 1)
	assert.Equal(t, "Capy #1", assets.NFTs[0].Name)
}

func TestWalletValue_SumsAllHoldings(t *testing.T) {
	srv := marketServer(t)
	m := NewMarketClient(srv.URL, "test-key", testLogger())

	total, err := m.WalletValue(context.Background(), "0xwallet")
	require.NoError(t, err)
	assert.InDelta(t, 55.0, total, 0.001)
}

func TestTopDeFiProjects(t *testing.T) {
	srv := marketServer(t)
	m := NewMarketClient(srv.URL, "test-key", testLogger())

	projects, err := m.TopDeFiProjects(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "Cetus", projects[0].Name)
	assert.Greater(t, projects[0].TVL, projects[1].TVL)
}

func TestMarketClient_BadKey(t *testing.T) {
	srv := marketServer(t)
	m := NewMarketClient(srv.URL, "wrong-key", testLogger())

	_, err := m.GetAssets(context.Background(), "0xwallet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
