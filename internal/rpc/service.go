package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "sentinel.collector.v1.ScriptRunner"

const (
	methodInvoke   = "/" + ServiceName + "/Invoke"
	methodPoll     = "/" + ServiceName + "/Poll"
	methodCancel   = "/" + ServiceName + "/Cancel"
	methodDescribe = "/" + ServiceName + "/Describe"
)

// ScriptRunnerServer is implemented by the collector agent.
type ScriptRunnerServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Poll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// UnimplementedScriptRunnerServer can be embedded to satisfy methods a server does not support.
type UnimplementedScriptRunnerServer struct{}

func (UnimplementedScriptRunnerServer) Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Invoke not implemented")
}

func (UnimplementedScriptRunnerServer) Poll(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Poll not implemented")
}

func (UnimplementedScriptRunnerServer) Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Cancel not implemented")
}

func (UnimplementedScriptRunnerServer) Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Describe not implemented")
}

func RegisterScriptRunnerServer(s grpc.ServiceRegistrar, srv ScriptRunnerServer) {
	s.RegisterService(&scriptRunnerServiceDesc, srv)
}

func structHandler(method string, call func(ScriptRunnerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ScriptRunnerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ScriptRunnerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScriptRunnerServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribe}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ScriptRunnerServer).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var scriptRunnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScriptRunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler: structHandler(methodInvoke, func(s ScriptRunnerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Invoke(ctx, in)
			}),
		},
		{
			MethodName: "Poll",
			Handler: structHandler(methodPoll, func(s ScriptRunnerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Poll(ctx, in)
			}),
		},
		{
			MethodName: "Cancel",
			Handler: structHandler(methodCancel, func(s ScriptRunnerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Cancel(ctx, in)
			}),
		},
		{
			MethodName: "Describe",
			Handler:    describeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sentinel/collector/v1/script_runner.proto",
}

// ScriptRunnerClient speaks the typed messages over a client connection.
type ScriptRunnerClient struct {
	cc grpc.ClientConnInterface
}

func NewScriptRunnerClient(cc grpc.ClientConnInterface) *ScriptRunnerClient {
	return &ScriptRunnerClient{cc: cc}
}

func (c *ScriptRunnerClient) Invoke(ctx context.Context, req *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error) {
	in, err := req.Struct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodInvoke, in, out, opts...); err != nil {
		return nil, err
	}
	return InvokeResponseFrom(out), nil
}

func (c *ScriptRunnerClient) Poll(ctx context.Context, req *HandleRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	in, err := req.Struct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPoll, in, out, opts...); err != nil {
		return nil, err
	}
	return PollResponseFrom(out), nil
}

func (c *ScriptRunnerClient) Cancel(ctx context.Context, req *HandleRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	in, err := req.Struct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodCancel, in, out, opts...); err != nil {
		return nil, err
	}
	return CancelResponseFrom(out), nil
}

func (c *ScriptRunnerClient) Describe(ctx context.Context, opts ...grpc.CallOption) (*DescribeResponse, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodDescribe, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return DescribeResponseFrom(out), nil
}
