package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified method names of notary.v1.NotaryService
const (
	HashDocumentsMethod   = "/notary.v1.NotaryService/HashDocuments"
	GetNotarizationMethod = "/notary.v1.NotaryService/GetNotarization"
)

// NotaryServiceServer is the server API for notary.v1.NotaryService. Requests and
// responses are google.protobuf.Struct so the service needs no generated code.
type NotaryServiceServer interface {
	HashDocuments(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNotarization(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func hashDocumentsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotaryServiceServer).HashDocuments(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HashDocumentsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NotaryServiceServer).HashDocuments(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getNotarizationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotaryServiceServer).GetNotarization(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetNotarizationMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NotaryServiceServer).GetNotarization(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes notary.v1.NotaryService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "notary.v1.NotaryService",
	HandlerType: (*NotaryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HashDocuments", Handler: hashDocumentsHandler},
		{MethodName: "GetNotarization", Handler: getNotarizationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "notary/v1/notary.proto",
}

// RegisterNotaryServiceServer registers srv on s
func RegisterNotaryServiceServer(s grpc.ServiceRegistrar, srv NotaryServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NotaryServiceClient is the client API for notary.v1.NotaryService
type NotaryServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewNotaryServiceClient(cc grpc.ClientConnInterface) *NotaryServiceClient {
	return &NotaryServiceClient{cc: cc}
}

func (c *NotaryServiceClient) HashDocuments(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, HashDocumentsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *NotaryServiceClient) GetNotarization(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetNotarizationMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
