package edge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUpstreamClosed is returned by an Upstream whose source went away.
var ErrUpstreamClosed = errors.New("edge: upstream closed")

// Upstream feeds one topic into publish until ctx ends or the source is
// exhausted.
type Upstream[T any] func(ctx context.Context, key string, publish func(T)) error

// Fanout keeps exactly one upstream subscription per live topic and shares
// it among any number of local subscribers.
type Fanout[T any] struct {
	topics   *TopicMap[T]
	upstream Upstream[T]
	log      *slog.Logger

	mu      sync.Mutex
	cancels map[string]*upstreamRun
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewFanout returns a Fanout over topics. Upstreams started by Subscribe
// run until Cleanup expires their topic or ctx ends. If log is nil,
// slog.Default() is used.
func NewFanout[T any](ctx context.Context, topics *TopicMap[T], upstream Upstream[T], log *slog.Logger) *Fanout[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout[T]{
		topics:   topics,
		upstream: upstream,
		log:      log.With("component", "edge-fanout"),
		cancels:  make(map[string]*upstreamRun),
		ctx:      ctx,
	}
}

type upstreamRun struct {
	cancel context.CancelFunc
}

// Topics returns the underlying map.
func (f *Fanout[T]) Topics() *TopicMap[T] { return f.topics }

// Subscribe subscribes locally and starts the upstream for key if none is
// running.
func (f *Fanout[T]) Subscribe(key string) (last T, ok bool, rx *Receiver[T]) {
	// f.mu spans the local subscribe so Cleanup cannot expire the topic
	// between it and the upstream check.
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok, rx = f.topics.Subscribe(key)
	if _, running := f.cancels[key]; running || f.ctx.Err() != nil {
		return last, ok, rx
	}
	ctx, cancel := context.WithCancel(f.ctx)
	run := &upstreamRun{cancel: cancel}
	f.cancels[key] = run
	f.wg.Add(1)
	go f.run(ctx, key, run)
	return last, ok, rx
}

func (f *Fanout[T]) run(ctx context.Context, key string, run *upstreamRun) {
	defer f.wg.Done()
	defer run.cancel()
	err := f.upstream(ctx, key, func(v T) { f.topics.Publish(key, v) })

	f.mu.Lock()
	if f.cancels[key] == run {
		delete(f.cancels, key)
	}
	f.mu.Unlock()

	if ctx.Err() == nil {
		// The source ended on its own; subscribers must not wait forever.
		f.log.Warn("upstream subscription ended", "topic", key, "error", err)
		f.topics.Close(key)
	}
}

// Cleanup expires idle topics and stops their upstreams.
func (f *Fanout[T]) Cleanup() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.topics.Cleanup()
	for _, key := range removed {
		if run, ok := f.cancels[key]; ok {
			run.cancel()
			delete(f.cancels, key)
		}
	}
	return removed
}

// Upstreams returns the number of running upstream subscriptions.
func (f *Fanout[T]) Upstreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

// Run calls Cleanup every interval until ctx ends, then waits for the
// upstreams to stop.
func (f *Fanout[T]) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if removed := f.Cleanup(); len(removed) > 0 {
				f.log.Debug("expired idle topics", "topics", removed)
			}
		case <-ctx.Done():
			f.mu.Lock()
			for _, run := range f.cancels {
				run.cancel()
			}
			f.mu.Unlock()
			f.wg.Wait()
			return
		}
	}
}

// TopicUpstream returns an Upstream that relays a topic of origin.
func TopicUpstream[T any](origin *TopicMap[T]) Upstream[T] {
	return func(ctx context.Context, key string, publish func(T)) error {
		last, ok, rx := origin.Subscribe(key)
		defer rx.Close()
		if ok {
			publish(last)
		}
		for {
			select {
			case v, open := <-rx.C():
				if !open {
					return ErrUpstreamClosed
				}
				publish(v)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
