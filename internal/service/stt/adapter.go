// Package stt defines the interface for Speech-to-Text adapters.
package stt

import (
	"context"

	"speech-turn-service/internal/service/transcript"
)

// Result is one recognition hypothesis.
type Result struct {
	Text string
	// StartTime and EndTime are seconds from the start of the audio stream.
	// They are only meaningful when HasTiming is set.
	StartTime  float64
	EndTime    float64
	HasTiming  bool
	Speaker    string
	Confidence float64
	IsFinal    bool
}

// Segment converts a timed result into a transcript segment.
func (r Result) Segment() transcript.Segment {
	return transcript.Segment{
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		Transcript: r.Text,
		IsFinal:    r.IsFinal,
		Speaker:    r.Speaker,
		Confidence: r.Confidence,
	}
}

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(r Result)

	// OnFinal is called when a final transcript is received.
	OnFinal(r Result)

	// OnEndOfUtterance is called when the provider detects the speaker paused.
	OnEndOfUtterance()

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// Adapter defines the interface for STT providers (Google, Azure, AWS, etc.).
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Factory creates a fresh adapter for one conversation.
type Factory func(ctx context.Context) (Adapter, error)
