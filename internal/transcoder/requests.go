package transcoder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Requests is the process-wide table of transcode requests. A publish
// session opens a request; a transcoder finds it with Poll and claims it
// by sending Open on a Watch stream.
type Requests struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]*Link // opened, not yet claimed
	active  map[string]*Link // pending or attached
	queue   []string         // pending ids not handed out by Next
	wake    chan struct{}
}

// NewRequests returns an empty table. If log is nil, slog.Default() is used.
func NewRequests(cfg Config, log *slog.Logger) *Requests {
	if log == nil {
		log = slog.Default()
	}
	return &Requests{
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "transcode-requests"),
		pending: make(map[string]*Link),
		active:  make(map[string]*Link),
		wake:    make(chan struct{}),
	}
}

// Open queues a transcode request for room and returns its link.
func (r *Requests) Open(room, organization, connectionID string) *Link {
	id := ulid.Make().String()
	l := newLink(id, room, organization, connectionID, r.cfg, r.log, r.release)

	r.mu.Lock()
	r.pending[id] = l
	r.active[id] = l
	r.queue = append(r.queue, id)
	r.notifyLocked()
	n := len(r.active)
	r.mu.Unlock()

	r.cfg.Metrics.SetTranscoderInflight(n)
	l.log.Info("transcode request opened", "connection_id", connectionID)
	return l
}

// Len returns the number of pending or attached requests.
func (r *Requests) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Requests) notifyLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// claim hands the pending request id to a transcoder.
func (r *Requests) claim(id string) (*Link, error) {
	r.mu.Lock()
	l, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		r.removeQueuedLocked(id)
	}
	r.mu.Unlock()

	if !ok || !l.attach() {
		return nil, ErrUnknownRequest
	}
	l.log.Info("transcode request claimed")
	return l, nil
}

func (r *Requests) removeQueuedLocked(id string) {
	for i, q := range r.queue {
		if q == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// release drops l from the table. It is safe to call more than once.
func (r *Requests) release(l *Link) {
	r.mu.Lock()
	_, ok := r.active[l.id]
	delete(r.pending, l.id)
	delete(r.active, l.id)
	r.removeQueuedLocked(l.id)
	n := len(r.active)
	r.mu.Unlock()

	if ok {
		r.cfg.Metrics.SetTranscoderInflight(n)
	}
}

// requeueStaleLocked offers polled requests again when their Watch never
// arrived.
func (r *Requests) requeueStaleLocked(now time.Time) {
	for id, l := range r.pending {
		l.mu.Lock()
		stale := !l.polledAt.IsZero() && now.Sub(l.polledAt) >= r.cfg.ClaimTimeout
		if stale {
			l.polledAt = time.Time{}
		}
		l.mu.Unlock()
		if stale {
			r.log.Warn("polled request was not claimed, requeueing", "request_id", id)
			r.queue = append(r.queue, id)
		}
	}
}

// Next waits for a queued request and hands it out. A request that is
// handed out but not claimed within the claim timeout is queued again.
func (r *Requests) Next(ctx context.Context) (*Link, error) {
	recheck := time.NewTicker(r.cfg.ClaimTimeout / 2)
	defer recheck.Stop()
	for {
		r.mu.Lock()
		r.requeueStaleLocked(time.Now())
		if len(r.queue) > 0 {
			id := r.queue[0]
			r.queue = r.queue[1:]
			l := r.pending[id]
			r.mu.Unlock()
			l.mu.Lock()
			l.polledAt = time.Now()
			l.mu.Unlock()
			return l, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-recheck.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
