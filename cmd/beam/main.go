package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zsiec/beam/internal/store"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.Error("beam exited", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "beam",
		Usage:   "live RTMP ingest, fMP4 transmuxing and HLS edge delivery",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "log at debug level",
				EnvVars: []string{"BEAM_DEBUG", "DEBUG"},
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "log as JSON instead of text",
				EnvVars: []string{"BEAM_LOG_JSON"},
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.Bool("debug"), c.Bool("log-json"))
			return nil
		},
		Commands: []*cli.Command{serveCommand(), transcodeCommand()},
	}
}

func setupLogging(debug, json bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if json {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openStores returns the media and metadata stores. An empty dir keeps
// everything in memory; otherwise both live under dir behind a retry
// wrapper.
func openStores(dir string) (media, meta store.Store, err error) {
	if dir == "" {
		return store.NewMemory(), store.NewMemory(), nil
	}
	m, err := store.NewDir(filepath.Join(dir, "media"))
	if err != nil {
		return nil, nil, fmt.Errorf("media store: %w", err)
	}
	md, err := store.NewDir(filepath.Join(dir, "meta"))
	if err != nil {
		return nil, nil, fmt.Errorf("metadata store: %w", err)
	}
	return store.NewRetry(m, store.RetryConfig{}, nil), store.NewRetry(md, store.RetryConfig{}, nil), nil
}

// dialIngest connects to the ingest control channel. A listen address
// such as ":50051" dials localhost.
func dialIngest(addr string) (*grpc.ClientConn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ingest address %q: %w", addr, err)
	}
	if host == "" {
		host = "localhost"
	}
	return grpc.NewClient(net.JoinHostPort(host, port), grpc.WithTransportCredentials(insecure.NewCredentials()))
}
