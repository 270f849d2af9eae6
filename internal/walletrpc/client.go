// Package walletrpc talks JSON-RPC to the headless wallet daemon. The
// daemon owns keys, transaction composition and chat delivery; this client
// only ferries requests.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/karmalink/backend/internal/attestation"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var errMissingURL = errors.New("walletrpc: rpc url is required")

// ClientConfig describes the wallet daemon endpoint.
type ClientConfig struct {
	URL        string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a JSON-RPC 2.0 client for the wallet daemon. It backs the
// messenger, address issuer, author lookup, payer, funding lookup and
// attestor collaborator interfaces.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
	nextID uint64
}

// NewClient constructs the wallet RPC client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{url: cfg.URL, http: httpClient, logger: logger}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("walletrpc: %s: %w", method, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("walletrpc: %s: unexpected status %d", method, response.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("walletrpc: %s: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("walletrpc: %s: %s (code %d)", method, decoded.Error.Message, decoded.Error.Code)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, result)
}

// SendText delivers a chat message to a paired device.
func (c *Client) SendText(ctx context.Context, deviceAddress, text string) error {
	return c.call(ctx, "sendtext", map[string]string{
		"device_address": deviceAddress,
		"text":           text,
	}, nil)
}

// IssueReceivingAddress asks the wallet for a fresh receiving address.
func (c *Client) IssueReceivingAddress(ctx context.Context) (string, error) {
	var address string
	if err := c.call(ctx, "getnewaddress", nil, &address); err != nil {
		return "", err
	}
	return address, nil
}

// GetUnitAuthors returns the signing addresses of a unit.
func (c *Client) GetUnitAuthors(ctx context.Context, unit string) ([]string, error) {
	var authors []string
	if err := c.call(ctx, "getunitauthors", map[string]string{"unit": unit}, &authors); err != nil {
		return nil, err
	}
	return authors, nil
}

// Payout sends amountBytes from the distribution fund to the address and
// returns the payment unit.
func (c *Client) Payout(ctx context.Context, toAddress string, amountBytes int64) (string, error) {
	var unit string
	err := c.call(ctx, "sendpayment", map[string]interface{}{
		"to_address": toAddress,
		"amount":     amountBytes,
	}, &unit)
	if err != nil {
		return "", err
	}
	return unit, nil
}

// GetFundingAddresses returns the addresses that funded fundedAddress
// before the given unit was composed.
func (c *Client) GetFundingAddresses(ctx context.Context, paymentUnit, fundedAddress string) ([]string, error) {
	var funding []string
	err := c.call(ctx, "getfundingaddresses", map[string]string{
		"unit":    paymentUnit,
		"address": fundedAddress,
	}, &funding)
	if err != nil {
		return nil, err
	}
	return funding, nil
}

// PostAttestation publishes the attestation payload and returns its unit.
func (c *Client) PostAttestation(ctx context.Context, payload attestation.Payload) (string, error) {
	var unit string
	if err := c.call(ctx, "postattestation", payload, &unit); err != nil {
		return "", err
	}
	return unit, nil
}
