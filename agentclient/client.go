package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// DefaultTimeout bounds an execute call when neither the step nor the client
// declares a timeout. Agent executions can legitimately take minutes.
const DefaultTimeout = 5 * time.Minute

// Client is the HTTP implementation of workflow.AgentRuntime. It speaks the
// single execute contract: one POST per step execution, the runtime's
// internal tool loop stays opaque. Step timeouts are enforced here, at the
// only blocking boundary, and surface as ordinary step errors.
type Client struct {
	baseURL        string
	apiKey         string
	defaultTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient creates a runtime client for the service at baseURL. apiKey may
// be empty; defaultTimeout of 0 falls back to DefaultTimeout.
func NewClient(baseURL, apiKey string, defaultTimeout time.Duration, logger *zap.Logger) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		defaultTimeout: defaultTimeout,
		// No client-level timeout: the per-call context carries the
		// step's own deadline.
		httpClient: &http.Client{},
		logger:     logger.With(zap.String("component", "agent_client")),
	}
}

type executeError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type executeResponse struct {
	Output          any           `json:"output"`
	CostUSD         float64       `json:"cost_usd"`
	DurationSeconds float64       `json:"duration_seconds"`
	Error           *executeError `json:"error,omitempty"`
}

// Execute dispatches one step execution. Safe to retry: the contract is
// idempotent on the runtime side.
func (c *Client) Execute(ctx context.Context, req workflow.ExecuteRequest) (*workflow.ExecuteResult, error) {
	timeout := c.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode execute request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build execute request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, types.Errorf(types.ErrStepTimeout, "execute exceeded %s", timeout).
				WithCause(err).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrRuntimeFailure, "execute request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromStatus(resp)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrRuntimeFailure, "decode execute response").
			WithCause(err).WithRetryable(true)
	}
	if out.Error != nil {
		return nil, types.Errorf(types.ErrRuntimeFailure, "runtime error: %s", out.Error.Message).
			WithRetryable(true)
	}

	c.logger.Debug("execute completed",
		zap.Float64("cost_usd", out.CostUSD),
		zap.Duration("latency", time.Since(start)),
	)
	return &workflow.ExecuteResult{
		Output:          out.Output,
		CostUSD:         out.CostUSD,
		DurationSeconds: out.DurationSeconds,
	}, nil
}

func (c *Client) errorFromStatus(resp *http.Response) *types.Error {
	msg := readErrMsg(resp.Body)
	err := types.Errorf(types.ErrRuntimeFailure, "runtime returned status %d: %s", resp.StatusCode, msg)
	// Client errors other than rate limiting will not heal on retry.
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return err.WithRetryable(retryable)
}

func readErrMsg(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	var envelope struct {
		Error *executeError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		return envelope.Error.Message
	}
	return fmt.Sprintf("%.200s", string(data))
}
