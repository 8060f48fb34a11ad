package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/edge"
	"github.com/zsiec/beam/internal/ingest"
	"github.com/zsiec/beam/internal/metrics"
	"github.com/zsiec/beam/internal/rtmp"
	"github.com/zsiec/beam/internal/stream"
	"github.com/zsiec/beam/internal/transcoder"
)

const (
	cleanupInterval = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run RTMP ingest, the transcoder control channel and the HLS edge",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rtmp-addr", Value: ":1935", Usage: "RTMP listen address", EnvVars: []string{"BEAM_RTMP_ADDR"}},
			&cli.StringFlag{Name: "grpc-addr", Value: ":50051", Usage: "transcoder control channel listen address", EnvVars: []string{"BEAM_GRPC_ADDR"}},
			&cli.StringFlag{Name: "http-addr", Value: ":8080", Usage: "edge HTTP listen address", EnvVars: []string{"BEAM_HTTP_ADDR"}},
			&cli.StringFlag{Name: "h3-addr", Value: ":8443", Usage: "edge HTTP/3 listen address, empty to disable", EnvVars: []string{"BEAM_H3_ADDR"}},
			&cli.StringFlag{Name: "tls-cert", Usage: "certificate for HTTP/3; a self-signed one is generated when unset", EnvVars: []string{"BEAM_TLS_CERT"}},
			&cli.StringFlag{Name: "tls-key", Usage: "private key for --tls-cert", EnvVars: []string{"BEAM_TLS_KEY"}},
			&cli.StringFlag{Name: "store-dir", Usage: "directory for media and metadata, empty keeps them in memory", EnvVars: []string{"BEAM_STORE_DIR"}},
			&cli.StringSliceFlag{Name: "stream-key", Usage: "accepted stream key as key=org/room; none accepts any key as its room", EnvVars: []string{"BEAM_STREAM_KEYS"}},
			&cli.StringSliceFlag{Name: "app", Usage: "accepted RTMP application; none accepts any", EnvVars: []string{"BEAM_APPS"}},
			&cli.Int64Flag{Name: "keyframe-bitrate-distance", Usage: "max video bytes between keyframes, 0 disables", EnvVars: []string{"BEAM_KEYFRAME_BITRATE_DISTANCE"}},
			&cli.Int64Flag{Name: "bitrate-limit", Usage: "max rolling bitrate in bits per second, 0 disables", EnvVars: []string{"BEAM_BITRATE_LIMIT"}},
			&cli.DurationFlag{Name: "keyframe-time-limit", Usage: "max time between keyframes, 0 disables", EnvVars: []string{"BEAM_KEYFRAME_TIME_LIMIT"}},
			&cli.StringFlag{Name: "backpressure", Value: "drop", Usage: "what a full transcoder queue does: drop or block", EnvVars: []string{"BEAM_BACKPRESSURE"}},
			&cli.IntFlag{Name: "queue-size", Value: transcoder.DefaultQueueSize, Usage: "fragments buffered per transcoder link", EnvVars: []string{"BEAM_QUEUE_SIZE"}},
			&cli.IntFlag{Name: "workers", Value: 1, Usage: "in-process passthrough transcoder workers", EnvVars: []string{"BEAM_WORKERS"}},
			&cli.IntFlag{Name: "window", Value: stream.DefaultWindow, Usage: "segments kept per rendition", EnvVars: []string{"BEAM_WINDOW"}},
			&cli.DurationFlag{Name: "block-timeout", Value: edge.DefaultBlockTimeout, Usage: "longest blocking playlist reload", EnvVars: []string{"BEAM_BLOCK_TIMEOUT"}},
		},
		Action: serve,
	}
}

func loadCert(c *cli.Context) (*certs.CertInfo, error) {
	if c.String("h3-addr") == "" {
		return nil, nil
	}
	if c.String("tls-cert") != "" {
		return certs.Load(c.String("tls-cert"), c.String("tls-key"))
	}
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return nil, err
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

func serve(c *cli.Context) error {
	mode, err := transcoder.ParseMode(c.String("backpressure"))
	if err != nil {
		return err
	}
	keys, err := ingest.ParseStreamKeys(c.StringSlice("stream-key"), nil)
	if err != nil {
		return err
	}
	media, meta, err := openStores(c.String("store-dir"))
	if err != nil {
		return err
	}
	cert, err := loadCert(c)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}

	m := metrics.New()
	rooms := stream.NewManager(nil)
	requests := transcoder.NewRequests(transcoder.Config{
		Mode:      mode,
		QueueSize: c.Int("queue-size"),
		Metrics:   m,
	}, nil)
	registry := ingest.NewRegistry(keys, rooms, requests, ingest.Config{
		Apps: c.StringSlice("app"),
		Limits: ingest.Limits{
			KeyframeBitrateDistance: c.Int64("keyframe-bitrate-distance"),
			BitrateLimit:            c.Int64("bitrate-limit"),
			KeyframeTimeLimit:       c.Duration("keyframe-time-limit"),
		},
		Metrics: m,
	}, nil)

	// In-process workers dial the control channel like remote ones.
	cc, err := dialIngest(c.String("grpc-addr"))
	if err != nil {
		return err
	}
	defer cc.Close()
	client := transcoder.NewClient(cc)

	g, ctx := errgroup.WithContext(c.Context)

	// Workers publish to the origin map; edge topics relay from it.
	origin := edge.NewTopicMap[stream.SegmentRef](edge.TopicMapConfig{})
	fanout := edge.NewFanout(ctx, edge.NewTopicMap[stream.SegmentRef](edge.TopicMapConfig{Metrics: m}), edge.TopicUpstream(origin), nil)

	edgeSrv, err := edge.NewServer(edge.ServerConfig{
		Addr:         c.String("http-addr"),
		H3Addr:       c.String("h3-addr"),
		Cert:         cert,
		Media:        media,
		Meta:         meta,
		Fanout:       fanout,
		Rooms:        rooms,
		BlockTimeout: c.Duration("block-timeout"),
		Metrics:      m,
	}, nil)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", c.String("grpc-addr"))
	if err != nil {
		return fmt.Errorf("gRPC listen on %s: %w", c.String("grpc-addr"), err)
	}
	grpcSrv := grpc.NewServer()
	defer lis.Close()
	transcoder.RegisterIngestServer(grpcSrv, transcoder.NewService(requests, nil))

	slog.Info("beam starting",
		"version", version,
		"rtmp", c.String("rtmp-addr"),
		"grpc", lis.Addr().String(),
		"http", c.String("http-addr"),
		"h3", c.String("h3-addr"),
		"backpressure", mode,
	)

	g.Go(func() error {
		return rtmp.NewServer(c.String("rtmp-addr"), registry, rtmp.Config{Metrics: m}, nil).Start(ctx)
	})

	g.Go(func() error {
		slog.Info("gRPC control channel listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ingest.DrainTimeout)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("sessions still open at shutdown", "error", err)
		}
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcSrv.Stop()
		}
		return nil
	})

	g.Go(func() error { return edgeSrv.Start(ctx) })

	g.Go(func() error {
		origin.RunCleanup(ctx, cleanupInterval, nil)
		return nil
	})
	g.Go(func() error {
		fanout.Run(ctx, cleanupInterval)
		return nil
	})

	for i := range c.Int("workers") {
		w := transcoder.NewWorker(client, media, meta, origin, transcoder.WorkerConfig{Window: c.Int("window")},
			slog.Default().With("worker", i))
		g.Go(func() error { return w.Run(ctx) })
	}

	return g.Wait()
}
