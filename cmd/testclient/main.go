// Command testclient opens a conversation stream against a running turnd and
// either types scripted utterances or streams a WAV file, printing every
// event the server pushes back.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "speech-turn-service/internal/api/grpc"
	"speech-turn-service/internal/service/conversation"
)

// WAV header is 44 bytes for standard PCM files.
const wavHeaderSize = 44

// 100ms of 8kHz 16-bit mono.
const (
	chunkSize     = 1600
	chunkInterval = 100 * time.Millisecond
)

type stream = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

func main() {
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	conversationID := flag.String("conversation", "test-"+time.Now().Format("150405"), "Conversation ID")
	tenantID := flag.String("tenant", "tenant-demo", "Tenant ID")
	audioFile := flag.String("audio", "", "WAV file to stream (8kHz 16-bit mono); scripted text when empty")
	text := flag.String("text", "Hi, I'd like to book a table|for two people tomorrow at eight.", "utterances separated by |")
	pause := flag.Duration("pause", 300*time.Millisecond, "pause between scripted fragments")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := grpcapi.NewConversationServiceClient(conn).Stream(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stream")
	}
	log.Info().Str("server", *serverAddr).Str("conversationId", *conversationID).Msg("Stream opened")

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(st)
	}()

	must(send(st, conversation.Frame{ConversationID: *conversationID, TenantID: *tenantID}))
	if *audioFile != "" {
		must(streamWAV(st, *audioFile))
	} else {
		must(typeUtterances(st, strings.Split(*text, "|"), *pause))
	}

	// Leave time for the last held utterance to be decided.
	time.Sleep(3 * time.Second)
	must(st.CloseSend())
	<-done
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("Stream failed")
	}
}

func send(st stream, f conversation.Frame) error {
	msg, err := grpcapi.FrameToStruct(f)
	if err != nil {
		return err
	}
	return st.Send(msg)
}

// typeUtterances sends each utterance as growing partials, a final and an end
// signal, the way a recognizer would.
func typeUtterances(st stream, utterances []string, pause time.Duration) error {
	for _, u := range utterances {
		words := strings.Fields(u)
		for i := 1; i < len(words); i++ {
			if err := send(st, conversation.Frame{Type: conversation.FramePartial, Text: strings.Join(words[:i], " ")}); err != nil {
				return err
			}
			time.Sleep(pause / 3)
		}
		if err := send(st, conversation.Frame{Type: conversation.FrameFinal, Text: u}); err != nil {
			return err
		}
		if err := send(st, conversation.Frame{Type: conversation.FrameEnd}); err != nil {
			return err
		}
		time.Sleep(pause)
	}
	return nil
}

func streamWAV(st stream, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return errors.New("not a valid WAV file")
	}
	if format := binary.LittleEndian.Uint16(header[20:22]); format != 1 {
		return fmt.Errorf("only PCM is supported, got format %d", format)
	}
	if rate := binary.LittleEndian.Uint32(header[24:28]); rate != 8000 {
		log.Warn().Uint32("sampleRate", rate).Msg("Expected 8000 Hz audio")
	}

	chunk := make([]byte, chunkSize)
	var total int
	for {
		n, err := f.Read(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		total += n
		if err := send(st, conversation.Frame{Type: conversation.FrameAudio, Audio: chunk[:n]}); err != nil {
			return err
		}
		time.Sleep(chunkInterval)
	}
	log.Info().Int("bytes", total).Msg("Finished streaming audio")
	return nil
}

func printEvents(st stream) {
	for {
		msg, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Receive failed")
			return
		}
		ev, err := grpcapi.EventFromStruct(msg)
		if err != nil {
			log.Warn().Err(err).Msg("Undecodable event")
			continue
		}
		switch {
		case ev.Message != nil:
			log.Info().Str("role", ev.Message.Role).Bool("interim", ev.Message.IsInterim).Msg(ev.Message.Content)
		case ev.Decision != nil:
			log.Info().Str("kind", ev.Decision.Kind).Str("reason", ev.Decision.Reason).
				Float64("probability", ev.Decision.Probability).Msg("Turn decision")
		default:
			log.Warn().Str("error", ev.Error).Msg("Server error")
		}
	}
}
