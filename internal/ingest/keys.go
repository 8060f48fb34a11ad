package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Grant is what a Collaborator returns for an accepted publish. An empty
// ConnectionID is filled in by the Registry.
type Grant struct {
	Organization string
	Room         string
	ConnectionID string
}

// Collaborator is the business layer the ingest consults and reports to.
type Collaborator interface {
	// OnPublish authorizes a stream key. A refusal should wrap ErrDenied.
	OnPublish(ctx context.Context, app, streamKey string) (Grant, error)
	// OnUnpublish reports the end of a session. cause is nil on a clean
	// disconnect.
	OnUnpublish(ctx context.Context, connectionID string, cause error) error
	// OnBitrate reports the measured bitrate of a live session.
	OnBitrate(ctx context.Context, connectionID string, bps int64) error
}

// StreamKeys is a Collaborator backed by a fixed table of stream keys.
// With an empty table every key is accepted and names its own room.
type StreamKeys struct {
	log  *slog.Logger
	keys map[string]Grant

	mu       sync.Mutex
	bitrates map[string]int64
}

// ParseStreamKeys builds StreamKeys from "key=org/room" or "key=room"
// entries.
func ParseStreamKeys(entries []string, log *slog.Logger) (*StreamKeys, error) {
	if log == nil {
		log = slog.Default()
	}
	k := &StreamKeys{
		log:      log.With("component", "stream-keys"),
		keys:     make(map[string]Grant, len(entries)),
		bitrates: make(map[string]int64),
	}
	for _, e := range entries {
		key, target, ok := strings.Cut(e, "=")
		if !ok || key == "" || target == "" {
			return nil, fmt.Errorf("ingest: stream key %q: want key=org/room", e)
		}
		org, room, ok := strings.Cut(target, "/")
		if !ok {
			org, room = "", target
		}
		if room == "" || strings.Contains(room, "/") {
			return nil, fmt.Errorf("ingest: stream key %q: invalid room", e)
		}
		if _, dup := k.keys[key]; dup {
			return nil, fmt.Errorf("ingest: stream key %q listed twice", key)
		}
		k.keys[key] = Grant{Organization: org, Room: room}
	}
	return k, nil
}

func (k *StreamKeys) OnPublish(_ context.Context, app, streamKey string) (Grant, error) {
	if len(k.keys) == 0 {
		if strings.Contains(streamKey, "/") {
			return Grant{}, fmt.Errorf("%w: invalid stream key", ErrDenied)
		}
		return Grant{Room: streamKey}, nil
	}
	g, ok := k.keys[streamKey]
	if !ok {
		k.log.Warn("unknown stream key", "app", app)
		return Grant{}, fmt.Errorf("%w: unknown stream key", ErrDenied)
	}
	return g, nil
}

func (k *StreamKeys) OnUnpublish(_ context.Context, connectionID string, cause error) error {
	k.mu.Lock()
	delete(k.bitrates, connectionID)
	k.mu.Unlock()
	if code, ok := CodeOf(cause); ok {
		k.log.Info("unpublished", "connection_id", connectionID, "code", code, "error", cause)
	} else {
		k.log.Info("unpublished", "connection_id", connectionID)
	}
	return nil
}

func (k *StreamKeys) OnBitrate(_ context.Context, connectionID string, bps int64) error {
	k.mu.Lock()
	k.bitrates[connectionID] = bps
	k.mu.Unlock()
	return nil
}

// Bitrate returns the last reported bitrate of a live connection.
func (k *StreamKeys) Bitrate(connectionID string) (int64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	bps, ok := k.bitrates[connectionID]
	return bps, ok
}
