package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/internal/stream"
	"github.com/zsiec/beam/internal/transcoder"
)

func transcodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "transcode",
		Usage: "run passthrough transcoder workers against a remote ingest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ingest-addr", Value: "localhost:50051", Usage: "ingest control channel address", EnvVars: []string{"BEAM_INGEST_ADDR"}},
			&cli.StringFlag{Name: "store-dir", Usage: "directory for media and metadata shared with the edge", EnvVars: []string{"BEAM_STORE_DIR"}},
			&cli.IntFlag{Name: "workers", Value: 1, Usage: "concurrent transcode requests", EnvVars: []string{"BEAM_WORKERS"}},
			&cli.IntFlag{Name: "window", Value: stream.DefaultWindow, Usage: "segments kept per rendition", EnvVars: []string{"BEAM_WINDOW"}},
			&cli.DurationFlag{Name: "poll-wait", Value: 10 * time.Second, Usage: "long-poll duration for new requests", EnvVars: []string{"BEAM_POLL_WAIT"}},
		},
		Action: transcode,
	}
}

func transcode(c *cli.Context) error {
	if c.String("store-dir") == "" {
		return errors.New("--store-dir is required: a standalone worker must share its stores with the edge")
	}
	media, meta, err := openStores(c.String("store-dir"))
	if err != nil {
		return err
	}
	cc, err := dialIngest(c.String("ingest-addr"))
	if err != nil {
		return err
	}
	defer cc.Close()
	client := transcoder.NewClient(cc)

	slog.Info("transcoder starting", "version", version, "ingest", c.String("ingest-addr"), "workers", c.Int("workers"))

	// Segment notifications have no subscribers outside the serving
	// process; edges fall back to the block timeout.
	g, ctx := errgroup.WithContext(c.Context)
	for i := range c.Int("workers") {
		w := transcoder.NewWorker(client, media, meta, nil, transcoder.WorkerConfig{
			Window:   c.Int("window"),
			PollWait: c.Duration("poll-wait"),
		}, slog.Default().With("worker", i))
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
