// Package chain verifies on-chain TON deposits through an external
// chain indexer.
//
// The engine never submits transactions: it only reads the escrow
// address's balance and transaction history, and decodes transfer
// comments so anonymous deposits can be matched to intents.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ndbytes/tonbroker/internal/circuitbreaker"
	"github.com/ndbytes/tonbroker/internal/metrics"
	"github.com/ndbytes/tonbroker/internal/retry"
)

var (
	// ErrUpstream marks hard indexer failures. Most callers treat
	// these as soft (poll again later); only the client itself
	// returns them.
	ErrUpstream = errors.New("chain: indexer unavailable")
)

// DefaultTimeout bounds every indexer call so a polling caller is
// never blocked indefinitely.
const DefaultTimeout = 8 * time.Second

// TransactionID locates a transaction in an account's chain.
type TransactionID struct {
	LT   string `json:"lt"`
	Hash string `json:"hash"`
}

// Message is an inbound or outbound message attached to a transaction.
// Value is in raw nanotons as reported by the indexer.
type Message struct {
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Value       string  `json:"value"`
	MsgData     MsgData `json:"msg_data"`
}

// MsgData is the message payload in one of the indexer's two shapes:
// pre-decoded text or a raw cell body.
type MsgData struct {
	Type string `json:"@type"`
	Text string `json:"text,omitempty"` // base64, msg.dataText
	Body string `json:"body,omitempty"` // base64 cell body, msg.dataRaw
}

// Transaction is one entry of an account's transaction history.
type Transaction struct {
	ID    TransactionID `json:"transaction_id"`
	UTime int64         `json:"utime"`
	InMsg *Message      `json:"in_msg,omitempty"`
}

// breakerKey is the single circuit key; the client talks to one
// indexer.
const breakerKey = "indexer"

// Client talks to a toncenter-style HTTP indexer API. Transient
// failures are retried once with backoff; sustained failure trips a
// circuit so polling callers stop hammering a dead indexer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient creates an indexer client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the indexer's standard response wrapper.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.IndexerRequestsTotal.WithLabelValues(outcome).Inc()
	}()

	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrUpstream)
	}

	err = retry.Do(ctx, 2, 150*time.Millisecond, func() error {
		return c.fetch(ctx, path, params, out)
	})
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return err
	}
	c.breaker.RecordSuccess(breakerKey)
	return nil
}

func (c *Client) fetch(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// A 4xx will not get better on retry.
			return retry.Permanent(err)
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUpstream, err)
	}
	if !env.OK {
		// The indexer rejected the request itself, not a transient fault.
		return retry.Permanent(fmt.Errorf("%w: %s", ErrUpstream, env.Error))
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: malformed result: %v", ErrUpstream, err)
		}
	}
	return nil
}

// RawBalance returns the address balance in raw nanotons.
func (c *Client) RawBalance(ctx context.Context, address string) (string, error) {
	params := url.Values{"address": {address}}
	var raw string
	if err := c.get(ctx, "/getAddressBalance", params, &raw); err != nil {
		return "", err
	}
	return raw, nil
}

// Transactions returns a page of the address's transaction history,
// newest first. lt and hash, when set, resume from a previous page's
// last transaction.
func (c *Client) Transactions(ctx context.Context, address string, limit int, lt, hash string) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{
		"address": {address},
		"limit":   {strconv.Itoa(limit)},
	}
	if lt != "" {
		params.Set("lt", lt)
	}
	if hash != "" {
		params.Set("hash", hash)
	}

	var txs []Transaction
	if err := c.get(ctx, "/getTransactions", params, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// TransactionByHash fetches a single transaction of the address by its
// hash, or nil if the indexer does not know it.
func (c *Client) TransactionByHash(ctx context.Context, address, hash string) (*Transaction, error) {
	txs, err := c.Transactions(ctx, address, 1, "", hash)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].ID.Hash == hash {
			return &txs[i], nil
		}
	}
	return nil, nil
}
