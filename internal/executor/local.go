package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// Handler executes tasks in-process for one executor type.
type Handler interface {
	Execute(ctx context.Context, task schema.NodeExecutionTask) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task schema.NodeExecutionTask) (*Response, error)

func (f HandlerFunc) Execute(ctx context.Context, task schema.NodeExecutionTask) (*Response, error) {
	return f(ctx, task)
}

// Succeed builds a SUCCEEDED response.
func Succeed(output map[string]any) *Response {
	return &Response{Status: schema.ResultSucceeded, Output: output}
}

// Fail builds a FAILED response.
func Fail(code, message string, retryable bool) *Response {
	return &Response{
		Status: schema.ResultFailed,
		Error:  &schema.NodeError{Code: code, Message: message, Retryable: retryable},
	}
}

// HandlerRegistry is a thread-safe registry of in-process handlers keyed by executor type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler for an executor type. Returns an error on duplicates.
func (r *HandlerRegistry) Register(executorType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("cannot register nil handler")
	}
	if executorType == "" {
		return fmt.Errorf("executor type must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[executorType]; exists {
		return fmt.Errorf("handler %q already registered", executorType)
	}
	r.handlers[executorType] = h
	return nil
}

// Get retrieves the handler for an executor type.
func (r *HandlerRegistry) Get(executorType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[executorType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "no local handler for %q", executorType)
	}
	return h, nil
}

// List returns the registered executor types, sorted.
func (r *HandlerRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a handler is registered for the type.
func (r *HandlerRegistry) Has(executorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[executorType]
	return ok
}

// Count returns the number of registered handlers.
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// RegisterExecutors adds one LOCAL executor per handler to the registry,
// with ID "local:<type>".
func (r *HandlerRegistry) RegisterExecutors(reg *Registry) error {
	for _, typ := range r.List() {
		if err := reg.Register(schema.ExecutorInfo{
			ID:                "local:" + typ,
			Type:              typ,
			CommunicationType: schema.CommunicationLocal,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LocalClient calls handlers directly.
type LocalClient struct {
	handlers *HandlerRegistry
}

// NewLocalClient creates a client over the handler registry.
func NewLocalClient(handlers *HandlerRegistry) *LocalClient {
	return &LocalClient{handlers: handlers}
}

// Execute runs the handler for the task's executor type. A handler that does
// not set Token gets the dispatched token echoed for it.
func (c *LocalClient) Execute(ctx context.Context, req *Request) (resp *Response, err error) {
	h, err := c.handlers.Get(req.Task.ExecutorType)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = schema.NewErrorf(schema.ErrCodeInternal, "local handler %q panicked: %v", req.Task.ExecutorType, r)
		}
	}()

	resp, err = h.Execute(ctx, req.Task)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "local handler %q returned no response", req.Task.ExecutorType)
	}
	if resp.Token == "" {
		resp.Token = req.Task.Token
	}
	return resp, nil
}

func (c *LocalClient) Close() error { return nil }
