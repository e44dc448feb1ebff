// Package grpcapi exposes conversations over a bidirectional gRPC stream.
//
// Frames travel as google.protobuf.Struct messages with the same JSON shape
// as the websocket transport, so no generated stubs are needed.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "speech.turn.v1.ConversationService"
	StreamMethod = "/" + ServiceName + "/Stream"
)

// ConversationStream is the server side of one conversation stream.
type ConversationStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// ConversationServiceServer is the server API for ConversationService.
type ConversationServiceServer interface {
	Stream(ConversationStream) error
}

// ConversationServiceDesc describes ConversationService for grpc.Server.
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ConversationServiceServer).Stream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RegisterConversationServiceServer registers srv on s.
func RegisterConversationServiceServer(s grpc.ServiceRegistrar, srv ConversationServiceServer) {
	s.RegisterService(&ConversationServiceDesc, srv)
}

// ConversationServiceClient is the client API for ConversationService.
type ConversationServiceClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error)
}

type conversationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewConversationServiceClient(cc grpc.ClientConnInterface) ConversationServiceClient {
	return &conversationServiceClient{cc: cc}
}

func (c *conversationServiceClient) Stream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ConversationServiceDesc.Streams[0], StreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
