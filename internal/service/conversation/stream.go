package conversation

import (
	"context"
	"errors"
	"io"

	"speech-turn-service/internal/observability/logging"
)

const eventBuffer = 256

// Conn is one bidirectional client connection. Send is only called from a
// single goroutine.
type Conn interface {
	Recv() (Frame, error)
	Send(Event) error
}

// Serve runs a client connection until the client hangs up. The first frame
// selects the conversation and may carry an event itself. When the client
// hangs up, an utterance already held for a decision is dispatched first,
// then the conversation is closed.
//
// Frames the session rejects are reported back as error events, except
// unknown frame types which end the connection with *UnknownFrameError.
func (m *Manager) Serve(ctx context.Context, conn Conn, transport string) error {
	first, err := conn.Recv()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	sess, err := m.Open(ctx, first.ConversationID, first.TenantID)
	if err != nil {
		return err
	}
	logger := logging.WithStream(sess.ID(), sess.TenantID(), transport)
	logger.Info().Msg("Stream started")

	events, unsubscribe := sess.Subscribe(eventBuffer)
	failures := make(chan Event, eventBuffer)
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- forward(conn, events, failures)
	}()

	recvErr := m.receive(ctx, conn, sess, first, failures)
	close(failures)

	closeCtx := context.WithoutCancel(ctx)
	if recvErr == nil {
		if err := sess.Drain(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("Timed out waiting for held utterance")
		}
	}
	// Closing flushes pending events to the subscriber before its channel
	// is closed.
	if err := m.Close(closeCtx, sess.ID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
		logger.Warn().Err(err).Msg("Error closing conversation")
	}
	unsubscribe()
	sendErr := <-sendDone

	logger.Info().Msg("Stream ended")

	if recvErr != nil {
		return recvErr
	}
	return sendErr
}

func (m *Manager) receive(ctx context.Context, conn Conn, sess *Session, f Frame, failures chan<- Event) error {
	for {
		if f.Type != "" {
			if err := sess.Apply(ctx, f); err != nil {
				var unknown *UnknownFrameError
				if errors.As(err, &unknown) {
					return err
				}
				select {
				case failures <- Event{Type: EventError, ConversationID: sess.ID(), Error: err.Error()}:
				default:
				}
			}
		}

		var err error
		f, err = conn.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// forward writes session events and failures to conn until both channels
// are closed. After a send error the remaining events are drained.
func forward(conn Conn, events <-chan Event, failures <-chan Event) error {
	var sendErr error
	send := func(ev Event) {
		if sendErr == nil {
			sendErr = conn.Send(ev)
		}
	}
	for events != nil || failures != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			send(ev)
		case ev, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			send(ev)
		}
	}
	return sendErr
}
