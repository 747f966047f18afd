package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MainWorkerService is the fully-qualified gRPC service name. The method set
// is fixed to exactly Subscribe and Process; both tiers serve the same
// service so that one wire contract covers worker subscription and entity
// processing.
const MainWorkerService = "deltadb.MainWorker"

// MainWorkerServer is the server API for the MainWorker service.
type MainWorkerServer interface {
	// Subscribe registers a Processing Worker and returns a session token
	// plus the master key wrapped to the worker's public key.
	Subscribe(context.Context, *SubscribeRequest) (*SubscribeResponse, error)
	// Process performs a GET or PUT on a single entity.
	Process(context.Context, *ProcessRequest) (*ProcessResponse, error)

	mustEmbedUnimplementedMainWorkerServer()
}

// UnimplementedMainWorkerServer must be embedded by implementations for
// forward compatibility.
type UnimplementedMainWorkerServer struct{}

func (UnimplementedMainWorkerServer) Subscribe(context.Context, *SubscribeRequest) (*SubscribeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Subscribe not implemented")
}

func (UnimplementedMainWorkerServer) Process(context.Context, *ProcessRequest) (*ProcessResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Process not implemented")
}

func (UnimplementedMainWorkerServer) mustEmbedUnimplementedMainWorkerServer() {}

// RegisterMainWorkerServer registers srv on the given gRPC server.
func RegisterMainWorkerServer(s grpc.ServiceRegistrar, srv MainWorkerServer) {
	s.RegisterService(&mainWorkerServiceDesc, srv)
}

func subscribeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubscribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MainWorkerServer).Subscribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + MainWorkerService + "/Subscribe",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MainWorkerServer).Subscribe(ctx, req.(*SubscribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func processHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MainWorkerServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + MainWorkerService + "/Process",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MainWorkerServer).Process(ctx, req.(*ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var mainWorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: MainWorkerService,
	HandlerType: (*MainWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Subscribe", Handler: subscribeHandler},
		{MethodName: "Process", Handler: processHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// MainWorkerClient is the client API for the MainWorker service.
type MainWorkerClient interface {
	Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (*SubscribeResponse, error)
	Process(ctx context.Context, in *ProcessRequest, opts ...grpc.CallOption) (*ProcessResponse, error)
}

type mainWorkerClient struct {
	cc grpc.ClientConnInterface
}

// NewMainWorkerClient creates a MainWorkerClient on the given connection.
// Pair it with grpc.ForceCodec(JSONCodec{}) so requests are encoded with the
// JSON wire contract.
func NewMainWorkerClient(cc grpc.ClientConnInterface) MainWorkerClient {
	return &mainWorkerClient{cc: cc}
}

func (c *mainWorkerClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (*SubscribeResponse, error) {
	out := new(SubscribeResponse)
	if err := c.cc.Invoke(ctx, "/"+MainWorkerService+"/Subscribe", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mainWorkerClient) Process(ctx context.Context, in *ProcessRequest, opts ...grpc.CallOption) (*ProcessResponse, error) {
	out := new(ProcessResponse)
	if err := c.cc.Invoke(ctx, "/"+MainWorkerService+"/Process", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
