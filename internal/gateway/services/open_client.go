// Package services provides the OPEN Platform API client and the
// reconciliation service that ties the webhook and poll pipelines together.
package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
)

const (
	apiKeyHeader    = "X-API-KEY"
	signatureHeader = "X-API-SIGNATURE"
)

// OpenAPIClient is an HTTP client for the OPEN Platform API.
type OpenAPIClient struct {
	baseURL   string
	apiKey    string
	secretKey string
	client    *http.Client
	log       *zap.Logger
}

// NewOpenAPIClient creates a new OPEN Platform API client.
func NewOpenAPIClient(baseURL, apiKey, secretKey string, timeout time.Duration, log *zap.Logger) *OpenAPIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAPIClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

type createWalletRequest struct {
	Metadata interfaces.WalletMetadata `json:"metadata"`
}

// CreateWallet requests a payment address for an order. The metadata is
// echoed back by the processor on webhook deliveries and is how deliveries
// are correlated to orders.
func (c *OpenAPIClient) CreateWallet(ctx context.Context, metadata interfaces.WalletMetadata) (*interfaces.WalletResponse, error) {
	body, err := json.Marshal(createWalletRequest{Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("failed to encode wallet request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/wallets", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set(signatureHeader, c.sign(body))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("wallet request returned status %d", resp.StatusCode)
	}

	var wallet interfaces.WalletResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wallet); err != nil {
		return nil, fmt.Errorf("failed to decode wallet response: %w", err)
	}
	if wallet.Address == "" {
		return nil, fmt.Errorf("wallet response carries no address")
	}
	return &wallet, nil
}

type chargeResponse struct {
	Data interfaces.StatusReport `json:"data"`
}

// GetCharge fetches the current status report for a charge reference. The
// response carries either a scalar status or an ordered timeline.
func (c *OpenAPIClient) GetCharge(ctx context.Context, reference string) (*interfaces.StatusReport, error) {
	url := fmt.Sprintf("%s/v1/charges/%s", c.baseURL, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("charge fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("charge fetch returned status %d", resp.StatusCode)
	}

	var charge chargeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&charge); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}
	return &charge.Data, nil
}

func (c *OpenAPIClient) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
