package gateway

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/conveyor/internal/monitoring"
)

// The gateway service is a generic pair of unary methods carrying
// google.protobuf.Struct payloads, so no generated stubs are needed:
//
//	Exists {service}       -> {exists}
//	Call   {service, args} -> {success, message}
const (
	grpcServiceName  = "conveyor.Gateway"
	grpcExistsMethod = "/" + grpcServiceName + "/Exists"
	grpcCallMethod   = "/" + grpcServiceName + "/Call"
)

// GRPCTransport reaches the services through a gRPC gateway.
type GRPCTransport struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a client for target. Without options the connection is
// plaintext.
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	return &GRPCTransport{conn: conn}, nil
}

// NewGRPCTransport wraps an existing connection.
func NewGRPCTransport(conn *grpc.ClientConn) *GRPCTransport {
	return &GRPCTransport{conn: conn}
}

// Close closes the underlying connection.
func (t *GRPCTransport) Close() error { return t.conn.Close() }

// WaitConnected blocks until the connection is ready.
func (t *GRPCTransport) WaitConnected(ctx context.Context) error {
	t.conn.Connect()
	logged := false
	for {
		state := t.conn.GetState()
		if state == connectivity.Ready {
			if logged {
				monitoring.Logf("gateway connection to %s is now ready.", t.conn.Target())
			}
			return nil
		}
		if !logged {
			monitoring.Logf("Waiting for gateway connection to %s...", t.conn.Target())
			logged = true
		}
		if !t.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Exists asks the gateway whether service accepts calls. An unavailable
// gateway reports false without error.
func (t *GRPCTransport) Exists(ctx context.Context, service string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{"service": service})
	if err != nil {
		return false, err
	}
	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, grpcExistsMethod, req, resp); err != nil {
		if status.Code(err) == codes.Unavailable {
			return false, nil
		}
		return false, err
	}
	return resp.GetFields()["exists"].GetBoolValue(), nil
}

// Call invokes service with args.
func (t *GRPCTransport) Call(ctx context.Context, service string, args map[string]any) (Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{"service": service, "args": args})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s request: %w", service, err)
	}
	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, grpcCallMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("%s call failed: %w", service, err)
	}
	fields := resp.GetFields()
	return Result{
		Success: fields["success"].GetBoolValue(),
		Message: fields["message"].GetStringValue(),
	}, nil
}

// RegisterGRPC serves backend as the gateway service on s.
func RegisterGRPC(s grpc.ServiceRegistrar, backend Transport) {
	s.RegisterService(&gatewayServiceDesc, backend)
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*Transport)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exists", Handler: existsHandler},
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "conveyor/gateway",
}

func existsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		service := req.(*structpb.Struct).GetFields()["service"].GetStringValue()
		ok, err := srv.(Transport).Exists(ctx, service)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return structpb.NewStruct(map[string]any{"exists": ok})
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcExistsMethod}, handle)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		service := fields["service"].GetStringValue()
		if service == "" {
			return nil, status.Error(codes.InvalidArgument, "missing service")
		}
		args := fields["args"].GetStructValue().AsMap()
		res, err := srv.(Transport).Call(ctx, service, args)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return structpb.NewStruct(map[string]any{"success": res.Success, "message": res.Message})
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcCallMethod}, handle)
}
