package executor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rendis/flowcore/pkg/schema"
)

// startGRPCExecutor serves ExecuteMethod with the JSON codec and no generated stubs.
func startGRPCExecutor(t *testing.T, handle func(*Request) (*Response, error)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != ExecuteMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		var req Request
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}
		resp, err := handle(&req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCClient_Execute(t *testing.T) {
	addr := startGRPCExecutor(t, func(req *Request) (*Response, error) {
		return &Response{
			Token:  req.Task.Token,
			Status: schema.ResultSucceeded,
			Output: map[string]any{"node": req.Task.NodeID},
		}, nil
	})

	d, reg, _ := newDispatcher(t, DispatcherConfig{})
	require.NoError(t, reg.Register(schema.ExecutorInfo{ID: "g1", Type: "payments", CommunicationType: schema.CommunicationGRPC, Endpoint: addr}))

	res := receive(t, d.DispatchTask(context.Background(), task("payments")))
	assert.Equal(t, schema.ResultSucceeded, res.Status)
	assert.Equal(t, "charge", res.Output["node"])
	assert.Equal(t, "g1", res.ExecutorID)
}

func TestGRPCClient_StatusMapping(t *testing.T) {
	addr := startGRPCExecutor(t, func(req *Request) (*Response, error) {
		switch req.Task.NodeID {
		case "invalid":
			return nil, status.Error(codes.InvalidArgument, "bad input")
		case "busy":
			return nil, status.Error(codes.Unavailable, "draining")
		default:
			time.Sleep(time.Second)
			return &Response{Token: req.Task.Token, Status: schema.ResultSucceeded}, nil
		}
	})

	client, err := NewGRPCClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	call := func(nodeID string, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		tk := task("payments")
		tk.NodeID = nodeID
		_, err := client.Execute(ctx, &Request{Task: tk})
		return err
	}

	assert.True(t, schema.HasCode(call("invalid", 5*time.Second), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(call("busy", 5*time.Second), schema.ErrCodeExecutorUnavailable))
	assert.True(t, schema.HasCode(call("slow", 50*time.Millisecond), schema.ErrCodeExecutorTimeout))
}

func TestGRPCFactory_RequiresEndpoint(t *testing.T) {
	_, err := GRPCFactory()(schema.ExecutorInfo{ID: "g"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
