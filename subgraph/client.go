// Package subgraph talks to the external fractional-domain GraphQL service.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	requestTimeout = 20 * time.Second
	// Upstream rate limits require at least 100ms between calls.
	minRequestSpacing = 100 * time.Millisecond
	defaultPageSize   = 100

	apiKeyHeader = "API-KEY"
)

// TokenSummary is one fractional domain token from the bulk listing.
// CurrentPriceRaw is the upstream's fixed 8-decimal integer representation
// and is carried as a decimal string.
type TokenSummary struct {
	Address          string
	Name             string
	FractionalizedAt time.Time
	CurrentPriceRaw  string
	TotalSupply      string
	Symbol           string
	Decimals         int
}

// NameDetails is the per-name detail record.
type NameDetails struct {
	ExpiresAt              time.Time
	ActiveOffersCount      int
	HighestOfferPriceRaw   string
	FractionalTokenAddress string
}

// QueryError carries the GraphQL errors[] payload as a typed failure.
// Partial data alongside errors is never returned to callers.
type QueryError struct {
	Messages []string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("graphql query failed: %s", strings.Join(e.Messages, "; "))
}

// Client is an authenticated GraphQL client with request pacing. One Client
// (and its underlying HTTP client) is shared per upstream service.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
	pageSize   int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the transport, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPageSize overrides the bulk listing page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New constructs a client. A missing API key is a configuration error.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("subgraph endpoint required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("subgraph api key required")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		endpoint:   endpoint,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Every(minRequestSpacing), 1),
		logger:     slog.Default(),
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

const listTokensQuery = `query FractionalTokens($skip: Int!, $take: Int!) {
  fractionalTokens(skip: $skip, take: $take) {
    items {
      address
      fractionalizedAt
      currentPrice
      params { name symbol totalSupply decimals }
    }
  }
}`

const nameDetailsQuery = `query NameDetails($name: String!) {
  name(name: $name) {
    expiresAt
    activeOffersCount
    highestOffer { price }
    fractionalToken { address }
  }
}`

type listTokensData struct {
	FractionalTokens struct {
		Items []struct {
			Address          string      `json:"address"`
			FractionalizedAt time.Time   `json:"fractionalizedAt"`
			CurrentPrice     json.Number `json:"currentPrice"`
			Params           struct {
				Name        string      `json:"name"`
				Symbol      string      `json:"symbol"`
				TotalSupply json.Number `json:"totalSupply"`
				Decimals    int         `json:"decimals"`
			} `json:"params"`
		} `json:"items"`
	} `json:"fractionalTokens"`
}

type nameDetailsData struct {
	Name *struct {
		ExpiresAt         time.Time `json:"expiresAt"`
		ActiveOffersCount int       `json:"activeOffersCount"`
		HighestOffer      *struct {
			Price json.Number `json:"price"`
		} `json:"highestOffer"`
		FractionalToken *struct {
			Address string `json:"address"`
		} `json:"fractionalToken"`
	} `json:"name"`
}

// ListFractionalTokens pages through the remote collection and returns every
// fractional token the service knows about.
func (c *Client) ListFractionalTokens(ctx context.Context) ([]TokenSummary, error) {
	var out []TokenSummary
	for skip := 0; ; skip += c.pageSize {
		var data listTokensData
		vars := map[string]interface{}{"skip": skip, "take": c.pageSize}
		if err := c.query(ctx, listTokensQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("list fractional tokens (skip=%d): %w", skip, err)
		}
		items := data.FractionalTokens.Items
		for _, item := range items {
			out = append(out, TokenSummary{
				Address:          strings.ToLower(strings.TrimSpace(item.Address)),
				Name:             item.Params.Name,
				FractionalizedAt: item.FractionalizedAt,
				CurrentPriceRaw:  item.CurrentPrice.String(),
				TotalSupply:      item.Params.TotalSupply.String(),
				Symbol:           item.Params.Symbol,
				Decimals:         item.Params.Decimals,
			})
		}
		if len(items) < c.pageSize {
			return out, nil
		}
	}
}

// GetNameDetails resolves the expiry and offer data for one domain name.
func (c *Client) GetNameDetails(ctx context.Context, domainName string) (NameDetails, error) {
	domainName = strings.TrimSpace(domainName)
	if domainName == "" {
		return NameDetails{}, fmt.Errorf("domain name required")
	}
	var data nameDetailsData
	if err := c.query(ctx, nameDetailsQuery, map[string]interface{}{"name": domainName}, &data); err != nil {
		return NameDetails{}, fmt.Errorf("name details for %s: %w", domainName, err)
	}
	if data.Name == nil {
		return NameDetails{}, fmt.Errorf("name %s not found", domainName)
	}
	details := NameDetails{
		ExpiresAt:         data.Name.ExpiresAt,
		ActiveOffersCount: data.Name.ActiveOffersCount,
	}
	if data.Name.HighestOffer != nil {
		details.HighestOfferPriceRaw = data.Name.HighestOffer.Price.String()
	}
	if data.Name.FractionalToken != nil {
		details.FractionalTokenAddress = strings.ToLower(strings.TrimSpace(data.Name.FractionalToken.Address))
	}
	return details, nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) query(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var envelope graphqlEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.Errors) > 0 {
		qErr := &QueryError{Messages: make([]string, 0, len(envelope.Errors))}
		for _, e := range envelope.Errors {
			qErr.Messages = append(qErr.Messages, e.Message)
		}
		return qErr
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
