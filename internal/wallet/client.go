package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/pkg/circuit"
)

// Client is a Bitcoin JSON-RPC 1.0 wallet client. Every call has a bounded
// timeout and goes through a circuit breaker so a flapping backend trips
// open instead of being hammered by the schedulers.
type Client struct {
	url     string
	user    string
	pass    string
	http    *http.Client
	breaker *circuit.Breaker
	log     *zap.Logger
	reqID   uint64
}

// Options configures the client.
type Options struct {
	URL         string
	User        string
	Pass        string
	Timeout     time.Duration
	MaxFailures int
	Cooldown    time.Duration
}

func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}

	return &Client{
		url:     opts.URL,
		user:    opts.User,
		pass:    opts.Pass,
		http:    &http.Client{Timeout: opts.Timeout},
		breaker: circuit.NewBreaker(opts.MaxFailures, opts.Cooldown),
		log:     log,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	return c.breaker.Execute(func() error {
		body, err := json.Marshal(rpcRequest{
			JSONRPC: "1.0",
			ID:      atomic.AddUint64(&c.reqID, 1),
			Method:  method,
			Params:  params,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal rpc request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build rpc request: %w", err)
		}
		req.SetBasicAuth(c.user, c.pass)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("rpc %s: %w", method, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("rpc %s: failed to read response: %w", method, err)
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return fmt.Errorf("rpc %s: invalid response (status %d): %w", method, resp.StatusCode, err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("rpc %s: %w", method, rpcResp.Error)
		}

		if result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("rpc %s: failed to decode result: %w", method, err)
			}
		}
		return nil
	})
}

// NewAddress generates a fresh wallet address under the given label.
func (c *Client) NewAddress(ctx context.Context, label string) (string, error) {
	var address string
	if err := c.call(ctx, "getnewaddress", []interface{}{label}, &address); err != nil {
		return "", err
	}
	return address, nil
}

// ValidateAddress asks the backend whether the address is valid.
func (c *Client) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := c.call(ctx, "validateaddress", []interface{}{address}, &result); err != nil {
		return false, err
	}
	return result.IsValid, nil
}

// ReceivedByAddress returns the amount received at the address with at
// least minConf confirmations.
func (c *Client) ReceivedByAddress(ctx context.Context, address string, minConf int) (decimal.Decimal, error) {
	var amount decimal.Decimal
	if err := c.call(ctx, "getreceivedbyaddress", []interface{}{address, minConf}, &amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// ReceivedTxIDs lists the funding transaction ids for an address.
func (c *Client) ReceivedTxIDs(ctx context.Context, address string) ([]string, error) {
	var entries []struct {
		Address string   `json:"address"`
		TxIDs   []string `json:"txids"`
	}
	if err := c.call(ctx, "listreceivedbyaddress", []interface{}{0, true, true, address}, &entries); err != nil {
		return nil, err
	}

	var txids []string
	for _, entry := range entries {
		if entry.Address == "" || entry.Address == address {
			txids = append(txids, entry.TxIDs...)
		}
	}
	return txids, nil
}

// SendToAddress sends amount to the address and returns the transaction id.
// The amount is serialized as a plain decimal so no float precision is lost
// on the wire.
func (c *Client) SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	var txid string
	raw := json.RawMessage(amount.StringFixed(8))
	if err := c.call(ctx, "sendtoaddress", []interface{}{address, raw}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() circuit.State {
	return c.breaker.State()
}
