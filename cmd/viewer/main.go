// Command viewer consumes the conversation topics from Kafka and pushes every
// event to browsers over websocket, for watching turn decisions live.
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

//go:embed static/*
var staticFiles embed.FS

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topics := flag.String("topics", "conversation.messages,conversation.turns,conversation.turn-decisions", "topics to follow (comma-separated)")
	group := flag.String("group", "", "consumer group; partition 0 from the last hour when empty")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	staticFS, _ := fs.Sub(staticFiles, "static")

	r := chi.NewRouter()
	r.Get("/ws", wsHandler(hub))
	r.Handle("/*", http.FileServer(http.FS(staticFS)))
	srv := &http.Server{Addr: ":" + *port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.run(gctx)
		return nil
	})
	for _, topic := range strings.Split(*topics, ",") {
		topic := strings.TrimSpace(topic)
		g.Go(func() error {
			consume(gctx, hub, strings.Split(*brokers, ","), topic, *group)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", "http://localhost:"+*port).Str("brokers", *brokers).Str("topics", *topics).Msg("Viewer starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Viewer failed")
	}
}
