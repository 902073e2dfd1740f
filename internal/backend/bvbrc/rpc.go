// Package bvbrc generalizes the teacher's internal/executor.BVBRCExecutor
// and pkg/bvbrc JSON-RPC 1.1 client into a full Backend implementation: a
// remote execution substrate whose Execute returns immediately with an
// external job id and whose Poll asks the remote service for status,
// rather than running synchronously like the local backend.
package bvbrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCCaller is the minimal seam the Backend depends on, mirroring the
// teacher's pkg/bvbrc.RPCCaller so a mock can stand in for tests exactly as
// the teacher's mockRPCCaller does.
type RPCCaller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Config configures the HTTP RPC caller.
type Config struct {
	ServiceURL string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns sane production defaults, matching the teacher's
// bvbrc.Config defaults.
func DefaultConfig(serviceURL, token string) Config {
	return Config{
		ServiceURL: serviceURL,
		Token:      token,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Version string `json:"version"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// HTTPError is a non-200 HTTP response from the RPC endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// RPCError wraps a JSON-RPC error response.
type RPCError struct {
	Op      string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Op, e.Code, e.Message)
}

// IsRetryable classifies an error for the HTTPRPCCaller's retry loop,
// directly mirroring the teacher's bvbrc.IsRetryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*HTTPError); ok {
		return e.IsRetryable()
	}
	return false
}

// HTTPRPCCaller is the production RPCCaller, adapted from the teacher's
// bvbrc.Client.call/doRequest with exponential backoff between retries.
type HTTPRPCCaller struct {
	httpClient *http.Client
	config     Config
	logger     *slog.Logger
	requestID  atomic.Int64
}

func NewHTTPRPCCaller(config Config, logger *slog.Logger) *HTTPRPCCaller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPRPCCaller{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		logger:     logger.With("component", "bvbrc-rpc"),
	}
}

func (c *HTTPRPCCaller) nextID() string {
	id := c.requestID.Add(1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), id)
}

func (c *HTTPRPCCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	logger := c.logger.With("method", method)

	req := rpcRequest{ID: c.nextID(), Method: method, Version: "1.1", Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			logger.Debug("retrying after delay", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", method, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.doRequest(ctx, body)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return nil, fmt.Errorf("%s: %w", method, err)
			}
			continue
		}
		if resp.Error != nil {
			return nil, &RPCError{Op: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
	return nil, fmt.Errorf("%s: all retries exhausted: %w", method, lastErr)
}

func (c *HTTPRPCCaller) doRequest(ctx context.Context, body []byte) (*rpcResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", c.config.Token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var parsed rpcResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			return &parsed, nil
		}
		return nil, &HTTPError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var parsed rpcResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	return &parsed, nil
}
