package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminServiceName is the fully qualified gRPC service name of the admin surface.
const AdminServiceName = "topdesk.v1.Admin"

// AdminServer is the server API of topdesk.v1.Admin. Requests and responses are
// google.protobuf.Struct documents; see handlers.go for their fields.
type AdminServer interface {
	TriggerRefresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListInstances(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type adminMethod func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call adminMethod) grpc.MethodDesc {
	fullMethod := "/" + AdminServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AdminServiceDesc describes topdesk.v1.Admin for grpc.Server.RegisterService.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("TriggerRefresh", AdminServer.TriggerRefresh),
		unaryHandler("ListInstances", AdminServer.ListInstances),
		unaryHandler("GetSnapshot", AdminServer.GetSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "topdesk/v1/admin.proto",
}

// RegisterAdminServer attaches srv to s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminClient calls topdesk.v1.Admin.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps an established connection.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+AdminServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) TriggerRefresh(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "TriggerRefresh", in, opts...)
}

func (c *AdminClient) ListInstances(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListInstances", in, opts...)
}

func (c *AdminClient) GetSnapshot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetSnapshot", in, opts...)
}
