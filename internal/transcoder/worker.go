package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zsiec/beam/internal/store"
	"github.com/zsiec/beam/internal/stream"
)

// Notifier receives a notification for every stored segment. A zero
// SegmentRef announces that the rendition ended.
type Notifier interface {
	Publish(topic string, ref stream.SegmentRef) bool
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Window is the number of segments kept per rendition.
	Window int
	// ReclaimInterval is the keepalive period on an active Watch.
	ReclaimInterval time.Duration
	// PollWait is the long-poll duration of each Poll call.
	PollWait time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Window <= 0 {
		c.Window = stream.DefaultWindow
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 10 * time.Second
	}
	if c.PollWait <= 0 {
		c.PollWait = defaultPollWait
	}
	return c
}

// Worker is a passthrough transcoder. It claims queued requests and writes
// the source fragments into the media store as the "source" rendition,
// keeping the rendition index current in the metadata store.
type Worker struct {
	client *Client
	media  store.Store
	meta   store.Store
	notify Notifier
	cfg    WorkerConfig
	log    *slog.Logger
}

// NewWorker creates a worker. notify may be nil. If log is nil,
// slog.Default() is used.
func NewWorker(client *Client, media, meta store.Store, notify Notifier, cfg WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		client: client,
		media:  media,
		meta:   meta,
		notify: notify,
		cfg:    cfg.withDefaults(),
		log:    log.With("component", "transcode-worker"),
	}
}

// Run polls for requests and handles them one at a time until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 10 * time.Second
	retry.MaxElapsedTime = 0
	for {
		req, err := w.client.Poll(ctx, &PollRequest{WaitMS: uint32(w.cfg.PollWait / time.Millisecond)})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait := retry.NextBackOff()
			w.log.Warn("poll failed", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		retry.Reset()
		if req.RequestID == "" {
			continue
		}
		if err := w.Handle(ctx, req); err != nil && ctx.Err() == nil {
			w.log.Warn("transcode request failed", "request_id", req.RequestID, "room", req.Room, "error", err)
		}
	}
}

// Handle serves one claimed request until the ingest side shuts it down.
func (w *Worker) Handle(ctx context.Context, req *PollResponse) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, err := w.client.Watch(ctx)
	if err != nil {
		return fmt.Errorf("open watch: %w", err)
	}
	var sendMu sync.Mutex
	send := func(m *WatchRequest) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return ws.Send(m)
	}
	if err := send(&WatchRequest{Open: &Open{RequestID: req.RequestID}}); err != nil {
		return fmt.Errorf("send open: %w", err)
	}

	log := w.log.With("request_id", req.RequestID, "room", req.Room)
	log.Info("transcoding started")

	go func() {
		t := time.NewTicker(w.cfg.ReclaimInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := send(&WatchRequest{Reclaim: &Reclaim{}}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	r := &stream.Rendition{Room: req.Room, Name: stream.SourceRendition}
	for {
		resp, err := ws.Recv()
		if errors.Is(err, io.EOF) {
			return w.finish(ctx, r)
		}
		if err != nil {
			return err
		}
		switch {
		case resp.Media != nil:
			if err := w.handleMedia(ctx, r, resp.Media); err != nil {
				log.Warn("store write failed", "kind", resp.Media.Kind, "seq", resp.Media.Sequence, "error", err)
				report := &ErrorReport{Code: "store", Message: err.Error()}
				if err := send(&WatchRequest{Error: report}); err != nil {
					return err
				}
			}
		case resp.Shutdown != nil:
			log.Info("transcoding finished", "reason", resp.Shutdown.Reason)
			err := w.finish(ctx, r)
			sendMu.Lock()
			ws.CloseSend()
			sendMu.Unlock()
			return err
		}
	}
}

func (w *Worker) handleMedia(ctx context.Context, r *stream.Rendition, m *Media) error {
	switch m.Kind {
	case MediaInit:
		if err := w.media.Put(ctx, stream.InitKey(r.Room, r.Name, m.Sequence), m.Data); err != nil {
			return err
		}
		r.InitVersion = m.Sequence
		if info := m.Info; info != nil {
			r.VideoCodec = info.VideoCodec
			r.AudioCodec = info.AudioCodec
			r.Width = info.Width
			r.Height = info.Height
			r.FrameRate = info.FrameRate
			r.SampleRate = info.SampleRate
			r.Channels = info.Channels
		}
		return w.writeIndex(ctx, r)

	case MediaVideo, MediaAudio:
		if r.InitVersion == 0 {
			w.log.Warn("fragment before init segment, skipping", "room", r.Room, "seq", m.Sequence)
			return nil
		}
		if err := w.media.Put(ctx, stream.SegmentKey(r.Room, r.Name, m.Sequence), m.Data); err != nil {
			return err
		}
		ref := stream.SegmentRef{
			Sequence:    m.Sequence,
			Duration:    float64(m.DurationMS) / 1000,
			Size:        len(m.Data),
			Keyframe:    m.Keyframe,
			InitVersion: r.InitVersion,
		}
		evicted := r.Append(ref, w.cfg.Window)
		if err := w.writeIndex(ctx, r); err != nil {
			return err
		}
		for _, old := range evicted {
			if err := w.media.Delete(ctx, stream.SegmentKey(r.Room, r.Name, old.Sequence)); err != nil {
				w.log.Debug("delete expired segment", "room", r.Room, "seq", old.Sequence, "error", err)
			}
		}
		if w.notify != nil {
			w.notify.Publish(stream.SegmentTopic(r.Room, r.Name), ref)
		}
	}
	return nil
}

func (w *Worker) writeIndex(ctx context.Context, r *stream.Rendition) error {
	r.Updated = time.Now().UTC()
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return w.meta.Put(ctx, stream.IndexKey(r.Room, r.Name), data)
}

// finish marks the rendition ended. It uses a fresh context so a cancelled
// session still records the end of the stream.
func (w *Worker) finish(ctx context.Context, r *stream.Rendition) error {
	if r.InitVersion == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.Ended = true
	if err := w.writeIndex(ctx, r); err != nil {
		return err
	}
	if w.notify != nil {
		w.notify.Publish(stream.SegmentTopic(r.Room, r.Name), stream.SegmentRef{})
	}
	return nil
}
