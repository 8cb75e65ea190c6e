// Package echotest provides a tiny byte-echo gRPC service for weft's
// end-to-end tests. The service descriptor is hand-written and the
// payloads travel through a raw codec, so no generated protobuf code
// is needed; proto messages still marshal normally through the same
// codec, which keeps the health service working on shared servers.
package echotest

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content-subtype the echo client requests.
const CodecName = "weft-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawCodec passes *[]byte through untouched and defers to proto for
// everything else.
type rawCodec struct{}

func (rawCodec) Name() string { return CodecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("echotest codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *[]byte:
		*m = data
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("echotest codec cannot unmarshal into %T", v)
	}
}

// EchoServer is the handler contract for the echo service.
type EchoServer interface {
	// Echo returns the request payload unchanged.
	Echo(ctx context.Context, payload []byte) ([]byte, error)
	// Who returns an identifier for the serving process.
	Who(ctx context.Context) (string, error)
}

type echoServer struct {
	id string
}

func (s *echoServer) Echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func (s *echoServer) Who(context.Context) (string, error) {
	return s.id, nil
}

// Register returns a registration hook installing an echo service that
// answers Who with id.
func Register(id string) func(*grpc.Server) {
	return func(s *grpc.Server) {
		s.RegisterService(&serviceDesc, &echoServer{id: id})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "weft.test.Echo",
	HandlerType: (*EchoServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: echoHandler},
		{MethodName: "Who", Handler: whoHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func echoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new([]byte)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		out, err := srv.(EchoServer).Echo(ctx, *req.(*[]byte))
		return &out, err
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/weft.test.Echo/Echo"}
	return interceptor(ctx, in, info, handle)
}

func whoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new([]byte)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, _ interface{}) (interface{}, error) {
		id, err := srv.(EchoServer).Who(ctx)
		if err != nil {
			return nil, err
		}
		out := []byte(id)
		return &out, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/weft.test.Echo/Who"}
	return interceptor(ctx, in, info, handle)
}

// Echo round-trips payload through whichever server the conn picks.
func Echo(ctx context.Context, conn grpc.ClientConnInterface, payload []byte) ([]byte, error) {
	out := new([]byte)
	err := conn.Invoke(ctx, "/weft.test.Echo/Echo", &payload, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Who asks the picked server for its identifier.
func Who(ctx context.Context, conn grpc.ClientConnInterface) (string, error) {
	in := []byte{}
	out := new([]byte)
	err := conn.Invoke(ctx, "/weft.test.Echo/Who", &in, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return "", err
	}
	return string(*out), nil
}
