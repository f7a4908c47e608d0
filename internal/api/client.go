package api

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a session daemon over its control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with args as the request document.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	if args == nil {
		args = map[string]any{}
	}
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Watch streams event envelopes for the given namespaces (all default
// namespaces when empty) to fn until ctx ends, the stream fails, or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, namespaces []string, fn func(*structpb.Struct) error) error {
	list := make([]any, 0, len(namespaces))
	for _, ns := range namespaces {
		list = append(list, ns)
	}
	req, err := structpb.NewStruct(map[string]any{"namespaces": list})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ControlServiceDesc.Streams[0], FullMethod(MethodWatch))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
