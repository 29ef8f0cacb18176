package admin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon over its admin socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
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

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(ctx, fullMethod("Status"), &emptypb.Empty{}, out)
	return out, err
}

// Presence returns the ids of connected users.
func (c *Client) Presence(ctx context.Context) ([]string, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod("Presence"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var ids []string
	for _, v := range out.GetFields()["online"].GetListValue().GetValues() {
		ids = append(ids, v.GetStringValue())
	}
	return ids, nil
}

// ChatList returns the chat-list rows of userID. A non-positive limit uses
// the server default.
func (c *Client) ChatList(ctx context.Context, userID string, limit int) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID, "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = c.conn.Invoke(ctx, fullMethod("ChatList"), req, out)
	return out, err
}

// EventStream receives events from Watch.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next event or an error.
func (s *EventStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch streams daemon events whose kind starts with prefix. An empty
// prefix receives everything.
func (c *Client) Watch(ctx context.Context, prefix string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
