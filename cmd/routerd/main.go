package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mulgadc/queryroute/router"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {

	config := flag.String("config", "config/router.toml", "Router configuration file")
	tls_key := flag.String("tls-key", "", "Path to TLS key")
	tls_cert := flag.String("tls-cert", "", "Path to TLS cert")
	debug := flag.Bool("debug", false, "Enable verbose debug logs")
	port := flag.Int("port", 0, "Server port (overrides config)")
	host := flag.String("host", "", "Server host (overrides config)")
	flag.Parse()

	// Env vars overwrite CLI options
	if os.Getenv("CONFIG") != "" {
		*config = os.Getenv("CONFIG")
	}

	if os.Getenv("TLS_KEY") != "" {
		*tls_key = os.Getenv("TLS_KEY")
	}

	if os.Getenv("TLS_CERT") != "" {
		*tls_cert = os.Getenv("TLS_CERT")
	}

	if os.Getenv("PORT") != "" {
		*port, _ = strconv.Atoi(os.Getenv("PORT"))
	}

	// Adjust MAXPROCS if running under linux/cgroups quotas.
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set GOMAXPROCS: %v", err)
	} else {
		defer undo()
	}

	cfg := &router.Config{
		ConfigPath: *config,
		Debug:      *debug,
	}

	if err := cfg.ReadConfig(); err != nil {
		slog.Warn("Error reading config file", "error", err)
		os.Exit(-1)
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *tls_cert != "" {
		cfg.TLSCert = *tls_cert
	}
	if *tls_key != "" {
		cfg.TLSKey = *tls_key
	}
	if *debug {
		cfg.Debug = true
	}

	srv := router.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal(err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}
}
