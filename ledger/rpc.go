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
)

// Program error codes returned by the escrow RPC in the JSON-RPC error object
// and in failed signature statuses.
const (
	codeInsufficientFunds  = -32010
	codeInvalidDestination = -32011
	codeSimulationFailed   = -32012
	codeAlreadyReleased    = -32013
	codeEscrowEmpty        = -32014
	codeUnauthorized       = -32015
)

var codeErrors = map[int]error{
	codeInsufficientFunds:  ErrInsufficientFunds,
	codeInvalidDestination: ErrInvalidDestination,
	codeSimulationFailed:   ErrSimulationFailed,
	codeAlreadyReleased:    ErrAlreadyReleased,
	codeEscrowEmpty:        ErrEscrowEmpty,
	codeUnauthorized:       ErrUnauthorized,
}

// RPCError is a JSON-RPC error object that did not map to a program error.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc %s error %d: %s", e.Method, e.Code, e.Message)
}

// RPCClient implements Client against the escrow program's JSON-RPC gateway.
type RPCClient struct {
	baseURL     string
	authToken   string
	program     Program
	http        *http.Client
	callTimeout time.Duration
	pollEvery   time.Duration
	nextID      atomic.Int64
}

type RPCOption func(*RPCClient)

// WithCallTimeout bounds the whole submit-and-confirm cycle of one mutation.
func WithCallTimeout(d time.Duration) RPCOption {
	return func(c *RPCClient) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithConfirmPoll sets how often a submitted signature is polled.
func WithConfirmPoll(d time.Duration) RPCOption {
	return func(c *RPCClient) {
		if d > 0 {
			c.pollEvery = d
		}
	}
}

func WithHTTPClient(h *http.Client) RPCOption {
	return func(c *RPCClient) {
		if h != nil {
			c.http = h
		}
	}
}

func NewRPCClient(baseURL, authToken string, program Program, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		authToken:   authToken,
		program:     program,
		http:        &http.Client{Timeout: 10 * time.Second},
		callTimeout: 30 * time.Second,
		pollEvery:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
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

type instruction struct {
	Op          Op     `json:"op"`
	Program     string `json:"program"`
	Mint        string `json:"mint"`
	Escrow      string `json:"escrow"`
	BountyID    uint   `json:"bountyId"`
	Amount      uint64 `json:"amount,omitempty"`
	From        string `json:"from,omitempty"`
	Destination string `json:"destination,omitempty"`
}

type submitResult struct {
	Signature string `json:"signature"`
}

type signatureStatus struct {
	Status string `json:"status"` // pending | confirmed | failed
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (c *RPCClient) DeriveEscrowAddress(bountyID uint) string {
	addr, _ := c.program.EscrowAuthority(bountyID)
	return addr.String()
}

func (c *RPCClient) Fund(ctx context.Context, bountyID uint, amount uint64, from string) (string, error) {
	return c.execute(ctx, c.instruction(OpFund, bountyID, func(in *instruction) {
		in.Amount = amount
		in.From = from
	}))
}

func (c *RPCClient) Release(ctx context.Context, bountyID uint, destination string) (string, error) {
	if !IsValidAddress(destination) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	return c.execute(ctx, c.instruction(OpRelease, bountyID, func(in *instruction) {
		in.Destination = destination
	}))
}

func (c *RPCClient) Refund(ctx context.Context, bountyID uint) (string, error) {
	return c.execute(ctx, c.instruction(OpRefund, bountyID, nil))
}

func (c *RPCClient) AssignContributor(ctx context.Context, bountyID uint, contributor string) (string, error) {
	if !IsValidAddress(contributor) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, contributor)
	}
	return c.execute(ctx, c.instruction(OpAssign, bountyID, func(in *instruction) {
		in.Destination = contributor
	}))
}

func (c *RPCClient) GetEscrow(ctx context.Context, bountyID uint) (*EscrowState, error) {
	var out EscrowState
	params := map[string]interface{}{
		"program":  c.program.ID.String(),
		"escrow":   c.DeriveEscrowAddress(bountyID),
		"bountyId": bountyID,
	}
	if err := c.call(ctx, "escrow_get", []interface{}{params}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCClient) instruction(op Op, bountyID uint, fill func(*instruction)) instruction {
	in := instruction{
		Op:       op,
		Program:  c.program.ID.String(),
		Mint:     c.program.Mint.String(),
		Escrow:   c.DeriveEscrowAddress(bountyID),
		BountyID: bountyID,
	}
	if fill != nil {
		fill(&in)
	}
	return in
}

// execute simulates, submits and waits for confirmation of one instruction.
// Anything that goes wrong after the submit request left the process is
// reported as *UnconfirmedError.
func (c *RPCClient) execute(ctx context.Context, in instruction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.call(ctx, "escrow_simulate", []interface{}{in}, nil); err != nil {
		return "", fmt.Errorf("ledger: simulate %s: %w", in.Op, err)
	}

	var sub submitResult
	if err := c.call(ctx, "escrow_submit", []interface{}{in}, &sub); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) || isProgramError(err) {
			return "", fmt.Errorf("ledger: submit %s: %w", in.Op, err)
		}
		return "", &UnconfirmedError{Op: in.Op, Err: err}
	}
	if sub.Signature == "" {
		return "", &UnconfirmedError{Op: in.Op, Err: errors.New("submit returned no signature")}
	}

	if err := c.confirm(ctx, in.Op, sub.Signature); err != nil {
		return "", err
	}
	return sub.Signature, nil
}

func (c *RPCClient) confirm(ctx context.Context, op Op, signature string) error {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	var lastErr error
	for {
		var st signatureStatus
		err := c.call(ctx, "escrow_signatureStatus", []interface{}{map[string]string{"signature": signature}}, &st)
		switch {
		case err != nil:
			lastErr = err
		case st.Status == "confirmed":
			return nil
		case st.Status == "failed":
			if mapped, ok := codeErrors[st.Code]; ok {
				return fmt.Errorf("ledger: %s %s failed: %w", op, signature, mapped)
			}
			return fmt.Errorf("ledger: %s %s failed: %s", op, signature, st.Reason)
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return &UnconfirmedError{Op: op, Signature: signature, Err: lastErr}
		case <-ticker.C:
		}
	}
}

func isProgramError(err error) bool {
	for _, target := range codeErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
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
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		if mapped, ok := codeErrors[rpcResp.Error.Code]; ok {
			return fmt.Errorf("%w: %s", mapped, rpcResp.Error.Message)
		}
		return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
