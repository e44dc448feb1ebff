package grpcapi

import (
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"speech-turn-service/internal/service/conversation"
)

// Server implements ConversationService on top of a conversation manager.
type Server struct {
	manager *conversation.Manager
}

// Register registers the conversation service on g.
func Register(g *grpc.Server, manager *conversation.Manager) *Server {
	s := &Server{manager: manager}
	RegisterConversationServiceServer(g, s)
	return s
}

// Stream runs one conversation for the lifetime of the stream.
func (s *Server) Stream(stream ConversationStream) error {
	err := s.manager.Serve(stream.Context(), &streamConn{stream: stream}, "grpc")
	if err == nil {
		return nil
	}

	var unknown *conversation.UnknownFrameError
	var decode *decodeError
	switch {
	case errors.As(err, &unknown), errors.As(err, &decode):
		return status.Error(codes.InvalidArgument, err.Error())
	case status.Code(err) != codes.Unknown:
		return err
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// streamConn adapts a gRPC stream to conversation.Conn.
type streamConn struct {
	stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
}

func (c *streamConn) Recv() (conversation.Frame, error) {
	st, err := c.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return conversation.Frame{}, io.EOF
		}
		return conversation.Frame{}, err
	}
	f, err := FrameFromStruct(st)
	if err != nil {
		return f, &decodeError{err: err}
	}
	return f, nil
}

func (c *streamConn) Send(ev conversation.Event) error {
	st, err := EventToStruct(ev)
	if err != nil {
		return err
	}
	return c.stream.Send(st)
}
