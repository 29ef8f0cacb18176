// Package admin exposes operator queries over gRPC on a Unix socket.
//
// Requests and responses use the protobuf well-known Struct and Empty
// messages, so the service is declared by hand instead of generated.
package admin

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "chatd.admin.v1.Admin"

// AdminServer is the server side of the admin service.
type AdminServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Presence(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ChatList(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler("Status", func(s AdminServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
			return s.Status(ctx, in)
		})},
		{MethodName: "Presence", Handler: unaryHandler("Presence", func(s AdminServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
			return s.Presence(ctx, in)
		})},
		{MethodName: "ChatList", Handler: unaryHandler("ChatList", func(s AdminServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.ChatList(ctx, in)
		})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

type protoIn interface {
	*emptypb.Empty | *structpb.Struct
}

func unaryHandler[In protoIn](method string, call func(AdminServer, context.Context, In) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newIn[In]()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AdminServer), ctx, req.(In))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newIn[In protoIn]() In {
	var in In
	switch any(in).(type) {
	case *emptypb.Empty:
		return any(&emptypb.Empty{}).(In)
	default:
		return any(&structpb.Struct{}).(In)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).Watch(in, stream)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// PresenceLister reports connected users.
type PresenceLister interface {
	Online() []string
	Count() int
}

// Counter reports store totals.
type Counter interface {
	MessageCount() (int64, error)
	SummaryCount() (int64, error)
}

// ChatLister reads a user's chat list.
type ChatLister interface {
	ChatList(ctx context.Context, owner string, offset, limit int) ([]chat.Summary, error)
}

// Service implements AdminServer on top of the running daemon.
type Service struct {
	instance  string
	startedAt time.Time
	presence  PresenceLister
	counts    Counter
	chats     ChatLister
	bus       *bus.Bus
}

func NewService(instance string, p PresenceLister, counts Counter, chats ChatLister, b *bus.Bus) *Service {
	return &Service{
		instance:  instance,
		startedAt: time.Now(),
		presence:  p,
		counts:    counts,
		chats:     chats,
		bus:       b,
	}
}

func (s *Service) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields := map[string]any{
		"instance":  s.instance,
		"pid":       os.Getpid(),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"online":    s.presence.Count(),
	}
	if s.counts != nil {
		if n, err := s.counts.MessageCount(); err == nil {
			fields["messages"] = n
		}
		if n, err := s.counts.SummaryCount(); err == nil {
			fields["summaries"] = n
		}
	}
	if s.bus != nil {
		fields["bus_dropped"] = s.bus.Dropped()
	}
	return newStruct(fields)
}

func (s *Service) Presence(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	online := s.presence.Online()
	list := make([]any, len(online))
	for i, id := range online {
		list[i] = id
	}
	return newStruct(map[string]any{"online": list})
}

func (s *Service) ChatList(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := req.GetFields()["user_id"].GetStringValue()
	if userID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())

	rows, err := s.chats.ChatList(ctx, userID, 0, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	chats, err := toList(rows)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode chats: %v", err)
	}
	return newStruct(map[string]any{"user_id": userID, "chats": chats})
}

// Watch streams bus events whose kind starts with the requested prefix until
// the caller goes away.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not configured")
	}
	prefix := req.GetFields()["prefix"].GetStringValue()
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, _ := json.Marshal(evt.Payload)
			out, err := newStruct(map[string]any{
				"event_id":            uuid.New().String(),
				"instance":            s.instance,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
				"kind":                evt.Kind,
				"payload":             string(payload),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func toStatus(err error) error {
	if chat.IsValidation(err) {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

// toList converts v to the generic form structpb accepts.
func toList(v any) ([]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
