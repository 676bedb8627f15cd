package vip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// Checker answers whether a wallet currently holds the VIP pass.
type Checker interface {
	HasVIP(ctx context.Context, walletAddress string) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, walletAddress string) (bool, error)

func (f CheckerFunc) HasVIP(ctx context.Context, walletAddress string) (bool, error) {
	if f == nil {
		return false, nil
	}
	return f(ctx, walletAddress)
}

// HTTPChecker queries an external NFT indexer over HTTP.
type HTTPChecker struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPChecker constructs a checker using the provided endpoint.
func NewHTTPChecker(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPChecker, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("checker endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse checker endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("vip-http-checker")
	}
	return &HTTPChecker{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (c *HTTPChecker) HasVIP(ctx context.Context, walletAddress string) (bool, error) {
	requestURL := *c.endpoint
	q := requestURL.Query()
	q.Set("address", walletAddress)
	requestURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("build checker request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("checker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("checker status %d", resp.StatusCode)
	}

	var payload struct {
		HasVIP bool `json:"has_vip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode checker response: %w", err)
	}
	return payload.HasVIP, nil
}
