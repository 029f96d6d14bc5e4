package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/flowcore/pkg/schema"
)

const maxResponseBytes = 4 << 20

// RESTClient posts the task as JSON to the executor endpoint and decodes a
// Response from the body.
type RESTClient struct {
	endpoint string
	http     *http.Client
}

// NewRESTClient creates a REST client. httpClient may be nil.
func NewRESTClient(endpoint string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RESTClient{endpoint: endpoint, http: httpClient}
}

// RESTFactory returns a ClientFactory sharing one http.Client.
func RESTFactory(httpClient *http.Client) ClientFactory {
	return func(info schema.ExecutorInfo) (Client, error) {
		if info.Endpoint == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "executor %q: REST endpoint is required", info.ID)
		}
		return NewRESTClient(info.Endpoint, httpClient), nil
	}
}

func (c *RESTClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "encode request: %v", err).WithCause(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Flowcore-Run-Id", req.Task.RunID)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Executors may report a structured FAILED result with any status code.
	var resp Response
	if json.Unmarshal(raw, &resp) == nil && resp.Status != "" {
		return &resp, nil
	}

	switch {
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable,
			"executor returned %d", httpResp.StatusCode).
			WithDetails(map[string]any{"status": httpResp.StatusCode})
	case httpResp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"executor rejected request with %d", httpResp.StatusCode).
			WithDetails(map[string]any{"status": httpResp.StatusCode})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInternal,
			"executor returned %d without a result", httpResp.StatusCode)
	}
}

func (c *RESTClient) Close() error { return nil }
