// querierd is a development querier: it speaks the router stream
// protocol and echoes query payloads back, optionally after a delay.
// Real deployments embed querier.Server next to their query engine.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/mulgadc/queryroute/querier"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {

	addr := flag.String("addr", "0.0.0.0:7443", "Listen address")
	delay := flag.Duration("delay", 0, "Artificial per-query latency")
	debug := flag.Bool("debug", false, "Enable verbose debug logs")
	flag.Parse()

	if os.Getenv("ADDR") != "" {
		*addr = os.Getenv("ADDR")
	}

	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set GOMAXPROCS: %v", err)
	} else {
		defer undo()
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	srv := querier.NewServer(*addr, func(ctx context.Context, traceID string, payload []byte) ([]byte, error) {
		if *delay > 0 {
			select {
			case <-time.After(*delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		slog.Debug("echo query", "trace_id", traceID, "bytes", len(payload))
		return payload, nil
	})

	log.Fatal(srv.ListenAndServe())
}
