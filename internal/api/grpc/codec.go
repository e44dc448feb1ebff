package grpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"speech-turn-service/internal/service/conversation"
)

// FrameFromStruct decodes a client frame.
func FrameFromStruct(st *structpb.Struct) (conversation.Frame, error) {
	var f conversation.Frame
	b, err := protojson.Marshal(st)
	if err != nil {
		return f, fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// FrameToStruct encodes a client frame.
func FrameToStruct(f conversation.Frame) (*structpb.Struct, error) {
	return toStruct(f)
}

// EventToStruct encodes a server event.
func EventToStruct(ev conversation.Event) (*structpb.Struct, error) {
	return toStruct(ev)
}

// EventFromStruct decodes a server event.
func EventFromStruct(st *structpb.Struct) (conversation.Event, error) {
	var ev conversation.Event
	b, err := protojson.Marshal(st)
	if err != nil {
		return ev, fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, err
	}
	return st, nil
}
