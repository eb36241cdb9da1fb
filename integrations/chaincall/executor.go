// Package chaincall delivers promise actions to an external chain node over
// JSON-RPC 2.0.
package chaincall

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"keydrop/core/promise"
	"keydrop/observability/logging"
)

const (
	methodFunctionCall = "drops_functionCall"
	methodTransfer     = "drops_transfer"

	defaultTimeout = 10 * time.Second
)

// ErrRejected marks an explicit rejection reported by the node.
var ErrRejected = errors.New("chaincall: action rejected")

// Config controls how the Executor reaches the node.
type Config struct {
	Endpoint  string
	AuthToken string
	// Signer is the account the node signs actions as.
	Signer  string
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure that happened
	// before any byte of the request was written. Once a request may have
	// reached the node it is never resent.
	Retries int
}

// Executor implements promise.Executor against a JSON-RPC endpoint.
type Executor struct {
	endpoint string
	token    string
	signer   string
	retries  int
	client   *http.Client
	logger   *slog.Logger
	nextID   atomic.Uint64
}

// Option customises an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the HTTP client. The transport is not wrapped.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an Executor from cfg.
func New(cfg Config, opts ...Option) (*Executor, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chaincall: endpoint required")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("chaincall: retries must not be negative")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &Executor{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.AuthToken),
		signer:   strings.TrimSpace(cfg.Signer),
		retries:  cfg.Retries,
		client:   &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger.Info("chain executor configured",
		slog.String("component", "chaincall"),
		slog.String("endpoint", e.endpoint),
		logging.MaskField("auth_token", e.token),
		slog.Int("retries", e.retries))
	return e, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type actionParams struct {
	SignerID   string `json:"signer_id,omitempty"`
	ReceiverID string `json:"receiver_id"`
	MethodName string `json:"method_name,omitempty"`
	// Args are base64 encoded the way the node expects raw call arguments.
	Args    string `json:"args,omitempty"`
	Deposit string `json:"deposit"`
	Gas     uint64 `json:"gas,omitempty"`
}

type actionResult struct {
	Status string `json:"status"`
	// Value is the base64 encoded return value of a function call.
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Execute implements promise.Executor. Transport failures, 5xx responses,
// deadlines and responses without an explicit success wrap
// promise.ErrUnreachable; anything the node reports as a failure wraps
// ErrRejected. Only attempts that never wrote the request are retried.
func (e *Executor) Execute(ctx context.Context, receiver string, action promise.Action) ([]byte, error) {
	method, params, err := e.encode(receiver, action)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		result, sent, err := e.call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if sent || !errors.Is(err, promise.ErrUnreachable) || ctx.Err() != nil {
			break
		}
		e.logger.Debug("retrying unreachable node",
			slog.String("component", "chaincall"),
			slog.String("receiver", receiver),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return nil, lastErr
}

func (e *Executor) encode(receiver string, action promise.Action) (string, actionParams, error) {
	params := actionParams{SignerID: e.signer, ReceiverID: receiver, Deposit: "0"}
	if action.Deposit != nil {
		params.Deposit = action.Deposit.String()
	}
	switch action.Kind {
	case promise.ActionTransfer:
		return methodTransfer, params, nil
	case promise.ActionFunctionCall:
		if strings.TrimSpace(action.Method) == "" {
			return "", params, fmt.Errorf("%w: function call without method", ErrRejected)
		}
		params.MethodName = action.Method
		params.Args = base64.StdEncoding.EncodeToString(action.Args)
		params.Gas = uint64(action.Gas)
		return methodFunctionCall, params, nil
	default:
		return "", params, fmt.Errorf("%w: unsupported action kind %s", ErrRejected, action.Kind)
	}
}

// call performs one attempt. sent reports whether any part of the request
// may have reached the node.
func (e *Executor) call(ctx context.Context, method string, params actionParams) ([]byte, bool, error) {
	var wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteHeaderField: func(string, []string) { wrote.Store(true) },
		WroteHeaders:     func() { wrote.Store(true) },
	})
	result, err := e.do(ctx, method, params)
	return result, wrote.Load(), err
}

func (e *Executor) do(ctx context.Context, method string, params actionParams) ([]byte, error) {
	reqBody := rpcRequest{JSONRPC: "2.0", ID: e.nextID.Add(1), Method: method, Params: params}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, fmt.Errorf("chaincall: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("chaincall: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Client", "dropd")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", promise.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %s", promise.ErrUnreachable, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %s", ErrRejected, resp.Status)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", promise.ErrUnreachable, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRejected, rpcResp.Error.Error())
	}
	var result actionResult
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
			return nil, fmt.Errorf("%w: decode result: %v", promise.ErrUnreachable, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(result.Status)) {
	case "success":
	case "failure":
		return nil, fmt.Errorf("%w: %s", ErrRejected, result.Error)
	case "":
		return nil, fmt.Errorf("%w: response carries no status", promise.ErrUnreachable)
	default:
		// The node could not say whether the action took effect.
		return nil, fmt.Errorf("%w: status %q", promise.ErrUnreachable, result.Status)
	}
	if result.Value == "" {
		return nil, nil
	}
	value, err := base64.StdEncoding.DecodeString(result.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: decode value: %v", promise.ErrUnreachable, err)
	}
	return value, nil
}
