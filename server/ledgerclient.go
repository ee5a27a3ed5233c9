package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	holdemledger "github.com/vctt94/holdem-ledger"
)

// HTTPLedgerClient talks JSON to the external ledger service. The service is
// treated as remote and fallible; callers decide what to do with errors.
type HTTPLedgerClient struct {
	base   string
	client *http.Client
}

// NewHTTPLedgerClient builds a client for the ledger service at baseURL.
func NewHTTPLedgerClient(baseURL string, timeout time.Duration) (*HTTPLedgerClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedgerClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

type openSessionRequest struct {
	Definition         holdemledger.SessionDefinition  `json:"definition"`
	InitialAllocations []holdemledger.AllocationEntry  `json:"initial_allocations"`
	Signatures         [][]byte                        `json:"signatures"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

type stateRequest struct {
	Allocations []holdemledger.AllocationEntry `json:"allocations"`
}

func (c *HTTPLedgerClient) OpenSession(ctx context.Context, def holdemledger.SessionDefinition, allocs []holdemledger.AllocationEntry, sigs [][]byte) (string, error) {
	var resp openSessionResponse
	err := c.post(ctx, "/sessions", openSessionRequest{
		Definition:         def,
		InitialAllocations: allocs,
		Signatures:         sigs,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("ledger returned empty session id")
	}
	return resp.SessionID, nil
}

func (c *HTTPLedgerClient) SubmitState(ctx context.Context, sessionID string, allocs []holdemledger.AllocationEntry) error {
	return c.post(ctx, "/sessions/"+url.PathEscape(sessionID)+"/state", stateRequest{Allocations: allocs}, nil)
}

func (c *HTTPLedgerClient) CloseSession(ctx context.Context, sessionID string, allocs []holdemledger.AllocationEntry) error {
	return c.post(ctx, "/sessions/"+url.PathEscape(sessionID)+"/close", stateRequest{Allocations: allocs}, nil)
}

func (c *HTTPLedgerClient) post(ctx context.Context, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}
