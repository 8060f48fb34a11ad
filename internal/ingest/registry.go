// Package ingest turns RTMP publishes into live rooms. The Registry
// authorizes each publish with a Collaborator, claims the room, and runs
// a Session that enforces the publish limits, transmuxes the tags into
// fMP4 and hands the fragments to a transcoder link.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map"
	uuid "github.com/satori/go.uuid"

	"github.com/zsiec/beam/internal/metrics"
	"github.com/zsiec/beam/internal/rtmp"
	"github.com/zsiec/beam/internal/stream"
	"github.com/zsiec/beam/internal/transcoder"
	"github.com/zsiec/beam/internal/transmux"
)

// Defaults.
const (
	DefaultBitrateInterval = 5 * time.Second
	DefaultTranscoderWait  = 10 * time.Second
	// reportAttempts bounds collaborator retries.
	reportAttempts = 5
)

// Config configures a Registry.
type Config struct {
	// Apps lists the accepted RTMP applications. Empty accepts any.
	Apps   []string
	Limits Limits
	// Transmux configures each session's transmuxer.
	Transmux transmux.Config
	// BitrateInterval is how often the rolling bitrate is reported.
	BitrateInterval time.Duration
	// TranscoderWait is how long a session waits for a transcoder before
	// logging that none claimed it.
	TranscoderWait time.Duration
	// RetryInterval is the first backoff step of collaborator retries.
	RetryInterval time.Duration
	Metrics       *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.BitrateInterval <= 0 {
		c.BitrateInterval = DefaultBitrateInterval
	}
	if c.TranscoderWait <= 0 {
		c.TranscoderWait = DefaultTranscoderWait
	}
	if c.Transmux.Metrics == nil {
		c.Transmux.Metrics = c.Metrics
	}
	return c
}

// Registry implements rtmp.Handler. It tracks live sessions by connection
// id.
type Registry struct {
	cfg      Config
	log      *slog.Logger
	collab   Collaborator
	rooms    *stream.Manager
	requests *transcoder.Requests

	sessions cmap.ConcurrentMap
}

// NewRegistry creates a Registry. requests may be nil, in which case
// sessions run without a transcoder. If log is nil, slog.Default() is used.
func NewRegistry(collab Collaborator, rooms *stream.Manager, requests *transcoder.Requests, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "ingest"),
		collab:   collab,
		rooms:    rooms,
		requests: requests,
		sessions: cmap.New(),
	}
}

// OnConnect accepts connects to a configured application.
func (r *Registry) OnConnect(_ context.Context, info rtmp.ConnectInfo) error {
	if info.App == "" {
		return codeErr(CodeConnect, errors.New("missing app"))
	}
	if len(r.cfg.Apps) > 0 && !slices.Contains(r.cfg.Apps, info.App) {
		r.log.Warn("connect to unknown app", "app", info.App, "remote", info.Remote, "code", CodeConnect)
		return codeErr(CodeConnect, fmt.Errorf("unknown app %q", info.App))
	}
	return nil
}

// OnPublish authorizes the stream key, claims the room and starts a
// Session.
func (r *Registry) OnPublish(ctx context.Context, req rtmp.PublishRequest) (rtmp.Publisher, error) {
	grant, err := r.collab.OnPublish(ctx, req.App, req.StreamKey)
	if err != nil {
		r.log.Warn("publish denied", "app", req.App, "remote", req.Remote, "error", err)
		return nil, err
	}
	if grant.ConnectionID == "" {
		grant.ConnectionID = uuid.NewV4().String()
	}

	room, ok := r.rooms.Create(grant.Room, grant.Organization, grant.ConnectionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomLive, grant.Room)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ConnectionID: grant.ConnectionID,
		App:          req.App,
		Room:         room,
		StartedAt:    time.Now(),
		reg:          r,
		log:          r.log.With("room", grant.Room, "connection_id", grant.ConnectionID, "remote", req.Remote),
		ctx:          sctx,
		cancel:       cancel,
		limiter:      newLimiter(r.cfg.Limits),
		done:         make(chan struct{}),
	}
	if req.Conn != nil {
		s.conn = req.Conn
	}
	s.tm = transmux.New(r.cfg.Transmux, s.log)
	if r.requests != nil {
		s.link = r.requests.Open(grant.Room, grant.Organization, grant.ConnectionID)
		s.g.Go(func() error { return s.watchLink(sctx) })
	}
	s.g.Go(func() error { return s.reportBitrate(sctx) })

	r.sessions.Set(s.ConnectionID, s)
	s.log.Info("session started", "app", req.App, "organization", grant.Organization)
	return s, nil
}

// Session returns the live session with the given connection id.
func (r *Registry) Session(connectionID string) (*Session, bool) {
	v, ok := r.sessions.Get(connectionID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return r.sessions.Count() }

// Disconnect ends a live session with CodeDisconnectRequested. It reports
// whether the session existed.
func (r *Registry) Disconnect(connectionID string) bool {
	s, ok := r.Session(connectionID)
	if !ok {
		return false
	}
	s.log.Info("disconnect requested")
	s.fail(codeErr(CodeDisconnectRequested, ErrDisconnectRequested))
	return true
}

// Shutdown ends every live session with CodeShutdown and waits for them,
// or for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	var live []*Session
	for _, v := range r.sessions.Items() {
		s := v.(*Session)
		live = append(live, s)
		s.fail(codeErr(CodeShutdown, context.Canceled))
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Registry) remove(s *Session) {
	r.sessions.Remove(s.ConnectionID)
	r.rooms.Remove(s.Room.Key, s.ConnectionID)
	r.cfg.Metrics.ForgetRoom(s.Room.Key)
}

// retry runs an idempotent collaborator call with bounded exponential
// backoff.
func (r *Registry) retry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	if r.cfg.RetryInterval > 0 {
		exp.InitialInterval = r.cfg.RetryInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, reportAttempts-1), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		r.log.Debug("collaborator call failed, retrying", "error", err, "wait", wait)
	})
}
