package grpcx

import (
	"context"

	"google.golang.org/grpc"
)

// Service identity. The descriptor below is assembled by hand in the
// shape protoc-gen-go-grpc emits, so standard tooling (interceptors,
// reflection-free clients) works against it unchanged.
const (
	ServiceName = "qollective.v1.EnvelopeService"

	exchangeFullMethod       = "/qollective.v1.EnvelopeService/Exchange"
	exchangeStreamFullMethod = "/qollective.v1.EnvelopeService/ExchangeStream"
)

// EnvelopeServiceServer is the wire contract: one unary exchange and one
// server-streaming exchange, both framed.
type EnvelopeServiceServer interface {
	Exchange(ctx context.Context, in *Frame) (*Frame, error)
	ExchangeStream(in *Frame, stream grpc.ServerStreamingServer[Frame]) error
}

func registerEnvelopeServiceServer(s grpc.ServiceRegistrar, srv EnvelopeServiceServer) {
	s.RegisterService(&envelopeServiceDesc, srv)
}

func _EnvelopeService_Exchange_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvelopeServiceServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: exchangeFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvelopeServiceServer).Exchange(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

func _EnvelopeService_ExchangeStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(Frame)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(EnvelopeServiceServer).ExchangeStream(m, &grpc.GenericServerStream[Frame, Frame]{ServerStream: stream})
}

var envelopeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EnvelopeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    _EnvelopeService_Exchange_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExchangeStream",
			Handler:       _EnvelopeService_ExchangeStream_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "qollective/v1/envelope.proto",
}
