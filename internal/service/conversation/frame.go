package conversation

import (
	"context"
	"fmt"

	"speech-turn-service/internal/service/stt"
)

// FrameType names a client frame.
type FrameType string

const (
	FramePartial    FrameType = "partial"
	FrameFinal      FrameType = "final"
	FrameSegment    FrameType = "segment"
	FrameEnd        FrameType = "end"
	FrameAgent      FrameType = "agent"
	FrameAudio      FrameType = "audio"
	FrameReset      FrameType = "reset"
	FrameActivate   FrameType = "activate"
	FrameDeactivate FrameType = "deactivate"
)

// Frame is one client event, shared by the websocket and gRPC transports.
// Audio is base64 encoded in JSON.
type Frame struct {
	ConversationID string    `json:"conversationId,omitempty"`
	TenantID       string    `json:"tenantId,omitempty"`
	Type           FrameType `json:"type"`
	Text           string    `json:"text,omitempty"`
	StartTime      float64   `json:"startTime,omitempty"`
	EndTime        float64   `json:"endTime,omitempty"`
	Speaker        string    `json:"speaker,omitempty"`
	IsFinal        bool      `json:"isFinal,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Audio          []byte    `json:"audio,omitempty"`
}

// UnknownFrameError is returned by Apply for an unsupported frame type.
type UnknownFrameError struct {
	Type FrameType
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// Apply routes a client frame to the session.
func (s *Session) Apply(ctx context.Context, f Frame) error {
	switch f.Type {
	case FramePartial:
		s.OnPartial(stt.Result{Text: f.Text, Speaker: f.Speaker})
	case FrameFinal:
		s.OnFinal(stt.Result{Text: f.Text, Speaker: f.Speaker, Confidence: f.Confidence, IsFinal: true})
	case FrameSegment:
		r := stt.Result{
			Text:       f.Text,
			StartTime:  f.StartTime,
			EndTime:    f.EndTime,
			HasTiming:  true,
			Speaker:    f.Speaker,
			Confidence: f.Confidence,
			IsFinal:    f.IsFinal,
		}
		if r.IsFinal {
			s.OnFinal(r)
		} else {
			s.OnPartial(r)
		}
	case FrameEnd:
		s.OnEndOfUtterance()
	case FrameAgent:
		return s.AddAgentMessage(ctx, f.Text)
	case FrameAudio:
		return s.SendAudio(ctx, f.Audio)
	case FrameReset:
		s.dispatcher.Reset()
	case FrameActivate:
		s.dispatcher.SetActive(true)
	case FrameDeactivate:
		s.dispatcher.SetActive(false)
	default:
		return &UnknownFrameError{Type: f.Type}
	}
	return nil
}
