package executor

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rendis/flowcore/pkg/schema"
)

// ExecuteMethod is the unary method every gRPC executor serves.
const ExecuteMethod = "/flowcore.executor.v1.Executor/Execute"

// jsonCodec lets executors speak gRPC without generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCClient invokes ExecuteMethod on one executor connection.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for target. Extra dial options are appended
// after the default insecure transport credentials.
func NewGRPCClient(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "grpc target %q: %v", target, err).WithCause(err)
	}
	return &GRPCClient{conn: conn}, nil
}

// GRPCFactory returns a ClientFactory dialing each executor's endpoint.
func GRPCFactory(opts ...grpc.DialOption) ClientFactory {
	return func(info schema.ExecutorInfo) (Client, error) {
		if info.Endpoint == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "executor %q: gRPC endpoint is required", info.ID)
		}
		return NewGRPCClient(info.Endpoint, opts...)
	}
}

func (c *GRPCClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	var resp Response
	if err := c.conn.Invoke(ctx, ExecuteMethod, req, &resp); err != nil {
		return nil, grpcError(err)
	}
	return &resp, nil
}

func (c *GRPCClient) Close() error { return c.conn.Close() }

func grpcError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return schema.NewErrorf(schema.ErrCodeExecutorTimeout, "grpc: %s", st.Message()).WithCause(err)
	case codes.Canceled:
		return context.Canceled
	case codes.InvalidArgument, codes.NotFound, codes.Unimplemented, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return schema.NewErrorf(schema.ErrCodeValidation, "grpc %s: %s", st.Code(), st.Message()).WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "grpc %s: %s", st.Code(), st.Message()).WithCause(err)
	}
}
