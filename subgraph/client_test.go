package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("https://example.test/graphql", ""); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if _, err := New("", "key"); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
}

func TestListFractionalTokensPaginates(t *testing.T) {
	var requests []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("API-KEY"); got != "secret" {
			t.Errorf("missing api key header, got %q", got)
		}
		var req struct {
			Variables map[string]interface{} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		requests = append(requests, req.Variables)
		skip := int(req.Variables["skip"].(float64))
		count := 2
		if skip >= 2 {
			count = 1
		}
		items := make([]string, 0, count)
		for i := 0; i < count; i++ {
			items = append(items, fmt.Sprintf(`{
				"address": "0xF2DD%04d00000000000000000000000000000000",
				"fractionalizedAt": "2023-06-01T00:00:00Z",
				"currentPrice": 1000000000000,
				"params": {"name": "crypto.io", "symbol": "CRYPTO", "totalSupply": 1000000, "decimals": 18}
			}`, skip+i))
		}
		var body string
		body = `{"data":{"fractionalTokens":{"items":[`
		for i, item := range items {
			if i > 0 {
				body += ","
			}
			body += item
		}
		body += `]}}}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "secret", WithPageSize(2))
	require.NoError(t, err)
	tokens, err := client.ListFractionalTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	require.Len(t, requests, 2)
	require.Equal(t, "0xf2dd000000000000000000000000000000000000", tokens[0].Address)
	require.Equal(t, "crypto.io", tokens[0].Name)
	require.Equal(t, "1000000000000", tokens[0].CurrentPriceRaw)
}

func TestQueryErrorsPropagateTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"name":null},"errors":[{"message":"rate limited"},{"message":"try later"}]}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "secret")
	require.NoError(t, err)
	_, err = client.GetNameDetails(context.Background(), "crypto.io")
	var qErr *QueryError
	require.True(t, errors.As(err, &qErr), "got %v", err)
	require.Equal(t, []string{"rate limited", "try later"}, qErr.Messages)
}

func TestGetNameDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"name":{
			"expiresAt": "2031-01-01T00:00:00Z",
			"activeOffersCount": 12,
			"highestOffer": {"price": 250000000000},
			"fractionalToken": {"address": "0xF2DD000000000000000000000000000000002DD0"}
		}}}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "secret")
	require.NoError(t, err)
	details, err := client.GetNameDetails(context.Background(), "crypto.io")
	require.NoError(t, err)
	require.Equal(t, 12, details.ActiveOffersCount)
	require.Equal(t, "250000000000", details.HighestOfferPriceRaw)
	require.Equal(t, "0xf2dd000000000000000000000000000000002dd0", details.FractionalTokenAddress)
	require.Equal(t, 2031, details.ExpiresAt.Year())
}

func TestGetNameDetailsUnknownName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"name":null}}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "secret")
	require.NoError(t, err)
	if _, err := client.GetNameDetails(context.Background(), "missing.xyz"); err == nil {
		t.Fatalf("expected error for unknown name")
	}
}
