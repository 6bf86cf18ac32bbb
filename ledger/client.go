package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"agentmarket/core/types"
)

// RetryPolicy bounds how often a ledger round-trip is retried. Only
// transport failures retry; an error reported by the ledger itself is final
// because the submitted operation may still have landed.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy retries twice with exponential backoff from 200ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond}

// Client is a thin JSON-RPC client for the external settlement ledger. The
// ledger is the source of truth for balances, confirmed time and the entropy
// beacon; this process never decides from its own clock.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	retry     RetryPolicy
	nextID    atomic.Int64
}

// NewClient builds a ledger client. A zero retry policy falls back to
// DefaultRetryPolicy.
func NewClient(baseURL, authToken string, retry RetryPolicy) *Client {
	if retry.Attempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry: retry,
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// RPCError is a failure reported by the ledger rather than the transport.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// Transfer submits a token movement and waits for confirmation.
func (c *Client) Transfer(ctx context.Context, from, to types.Address, token string, amount uint64, memo string) error {
	params := map[string]interface{}{
		"from":   from.Hex(),
		"to":     to.Hex(),
		"token":  token,
		"amount": amount,
	}
	if trimmed := strings.TrimSpace(memo); trimmed != "" {
		params["memo"] = trimmed
	}
	return c.call(ctx, "ledger_transfer", []interface{}{params}, nil)
}

// BalanceOf returns the confirmed balance of an account.
func (c *Client) BalanceOf(ctx context.Context, account types.Address, token string) (uint64, error) {
	var result struct {
		Balance uint64 `json:"balance"`
	}
	params := map[string]string{"account": account.Hex(), "token": token}
	if err := c.call(ctx, "ledger_balanceOf", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// Now returns the ledger-confirmed time. Deadline decisions use this, never
// the local clock.
func (c *Client) Now(ctx context.Context) (int64, error) {
	var result struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := c.call(ctx, "ledger_time", []interface{}{}, &result); err != nil {
		return 0, err
	}
	return result.Timestamp, nil
}

// EntropySeed returns the latest confirmed entropy beacon.
func (c *Client) EntropySeed(ctx context.Context) (types.Hash, error) {
	var result struct {
		Seed string `json:"seed"`
	}
	if err := c.call(ctx, "ledger_entropySeed", []interface{}{}, &result); err != nil {
		return types.Hash{}, err
	}
	return types.ParseHash(result.Seed)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var lastErr error
	backoff := c.retry.Backoff
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err := c.callOnce(ctx, method, params, out)
		if err == nil {
			return nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The ledger saw the request; retrying could double-apply.
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("ledger rpc %s failed after %d attempts: %w", method, c.retry.Attempts, lastErr)
}

func (c *Client) callOnce(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// Mover adapts the client to the engines' transfer collaborator, bounding
// each movement with its own timeout.
type Mover struct {
	client  *Client
	timeout time.Duration
}

// NewMover wraps the client. A non-positive timeout defaults to 15s.
func NewMover(client *Client, timeout time.Duration) *Mover {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Mover{client: client, timeout: timeout}
}

// Transfer submits the movement and waits for confirmation.
func (m *Mover) Transfer(from, to types.Address, token string, amount uint64, memo string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Transfer(ctx, from, to, token, amount, memo)
}

// Entropy adapts the client to the auction engine's entropy source.
type Entropy struct {
	client  *Client
	timeout time.Duration
}

// NewEntropy wraps the client. A non-positive timeout defaults to 15s.
func NewEntropy(client *Client, timeout time.Duration) *Entropy {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Entropy{client: client, timeout: timeout}
}

// EntropySeed fetches the latest confirmed beacon.
func (e *Entropy) EntropySeed() (types.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	return e.client.EntropySeed(ctx)
}
