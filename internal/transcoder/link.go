package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/beam/internal/metrics"
	"github.com/zsiec/beam/internal/transmux"
)

// Mode selects what a full Link does with a new fragment.
type Mode uint8

const (
	// DropOldest evicts the oldest queued non-keyframe fragment.
	DropOldest Mode = iota
	// Block stalls the sender until the transcoder catches up.
	Block
)

func (m Mode) String() string {
	switch m {
	case DropOldest:
		return "drop"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "drop" or "block".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "drop", "":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("transcoder: unknown backpressure mode %q", s)
	}
}

// Defaults.
const (
	DefaultQueueSize    = 16
	DefaultSendTimeout  = 30 * time.Second
	DefaultClaimTimeout = 10 * time.Second
)

var (
	// ErrLinkClosed is returned by Send after Close.
	ErrLinkClosed = errors.New("transcoder: link closed")
	// ErrDetached is returned by Send once the transcoder went away. The
	// session keeps running without one.
	ErrDetached = errors.New("transcoder: transcoder detached")
	// ErrUnknownRequest is returned for request ids with no pending link.
	ErrUnknownRequest = errors.New("transcoder: unknown request")
)

// Config configures the request table and its links.
type Config struct {
	Mode Mode
	// QueueSize bounds the fragments buffered per link. Values below 16
	// are raised to 16.
	QueueSize int
	// SendTimeout bounds a single message write to the transcoder.
	SendTimeout time.Duration
	// ClaimTimeout is how long a polled request waits for its Watch
	// before it is offered again.
	ClaimTimeout time.Duration
	Metrics      *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.QueueSize < DefaultQueueSize {
		c.QueueSize = DefaultQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	return c
}

// EventKind identifies a transcoder to ingest message.
type EventKind uint8

const (
	EventShutdown EventKind = iota + 1
	EventReclaim
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventShutdown:
		return "shutdown"
	case EventReclaim:
		return "reclaim"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a message the transcoder sent on its Watch stream.
type Event struct {
	Kind  EventKind
	Error *ErrorReport
}

type linkState uint8

const (
	statePending linkState = iota
	stateAttached
	stateDetached
	stateClosed
)

// Link is the ingest end of one transcode request. The publish session
// sends fragments into it; the Watch handler of the claiming transcoder
// drains it.
type Link struct {
	id           string
	room         string
	organization string
	connID       string
	cfg          Config
	log          *slog.Logger
	release      func(*Link)

	mu        sync.Mutex
	state     linkState
	queue     []*Media
	wake      chan struct{}
	reason    string
	finalSent bool
	dropped   int
	polledAt  time.Time
	lastSeen  time.Time

	detachOnce sync.Once
	events     chan Event
	attached   chan struct{}
	detached   chan struct{}
	done       chan struct{}
}

func newLink(id, room, org, connID string, cfg Config, log *slog.Logger, release func(*Link)) *Link {
	return &Link{
		id:           id,
		room:         room,
		organization: org,
		connID:       connID,
		cfg:          cfg,
		log:          log.With("request_id", id, "room", room),
		release:      release,
		wake:         make(chan struct{}),
		events:       make(chan Event, 16),
		attached:     make(chan struct{}),
		detached:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the request id.
func (l *Link) ID() string { return l.id }

// Room returns the room key of the request.
func (l *Link) Room() string { return l.room }

// Events delivers Shutdown, Reclaim and Error messages from the transcoder.
func (l *Link) Events() <-chan Event { return l.events }

// Attached is closed once a transcoder claimed the request.
func (l *Link) Attached() <-chan struct{} { return l.attached }

// Detached is closed when the attached transcoder goes away.
func (l *Link) Detached() <-chan struct{} { return l.detached }

// Dropped returns how many fragments were evicted by backpressure.
func (l *Link) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// notify wakes every waiter. Caller holds mu.
func (l *Link) notify() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// Send queues m for the transcoder. While no transcoder is attached the
// queue always evicts, so a publisher never stalls on a request nobody
// claimed. In Block mode an attached link waits for room until ctx ends.
func (l *Link) Send(ctx context.Context, m *Media) error {
	l.mu.Lock()
	for {
		switch l.state {
		case stateClosed:
			l.mu.Unlock()
			return ErrLinkClosed
		case stateDetached:
			l.mu.Unlock()
			return ErrDetached
		}
		if len(l.queue) < l.cfg.QueueSize {
			break
		}
		if l.state == statePending || l.cfg.Mode == DropOldest {
			if l.dropOne() || m.Kind == MediaInit {
				break
			}
			// Only init segments are queued; the new fragment goes instead.
			l.dropped++
			dropped := l.dropped
			l.mu.Unlock()
			l.log.Debug("dropped fragment", "kind", m.Kind, "seq", m.Sequence, "dropped", dropped)
			return nil
		}
		wake := l.wake
		l.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
	}
	l.queue = append(l.queue, m)
	l.notify()
	l.mu.Unlock()
	return nil
}

// dropOne evicts the oldest fragment that is neither an init segment nor a
// keyframe, falling back to the oldest non-init fragment. Init segments
// are never evicted; it reports false when nothing else is queued. Caller
// holds mu.
func (l *Link) dropOne() bool {
	victim := -1
	for i, m := range l.queue {
		if m.Kind != MediaInit && !m.Keyframe {
			victim = i
			break
		}
	}
	if victim < 0 {
		for i, m := range l.queue {
			if m.Kind != MediaInit {
				victim = i
				break
			}
		}
	}
	if victim < 0 {
		return false
	}
	m := l.queue[victim]
	l.queue = append(l.queue[:victim], l.queue[victim+1:]...)
	l.dropped++
	l.log.Debug("dropped fragment", "kind", m.Kind, "seq", m.Sequence, "dropped", l.dropped)
	return true
}

// Close ends the link. Fragments already queued are still delivered, then
// the transcoder receives a final Shutdown carrying reason.
func (l *Link) Close(reason string) {
	l.mu.Lock()
	if l.state == stateClosed {
		l.mu.Unlock()
		return
	}
	wasAttached := l.state == stateAttached
	l.state = stateClosed
	l.reason = reason
	l.notify()
	l.mu.Unlock()

	close(l.done)
	if !wasAttached {
		l.release(l)
	}
}

// attach moves a pending link to attached.
func (l *Link) attach() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != statePending {
		return false
	}
	l.state = stateAttached
	l.lastSeen = time.Now()
	close(l.attached)
	return true
}

// detach records that the transcoder went away. The queue is discarded.
func (l *Link) detach() {
	l.detachOnce.Do(func() {
		l.mu.Lock()
		if l.state != stateClosed {
			l.state = stateDetached
			l.queue = nil
			l.notify()
		}
		l.mu.Unlock()

		close(l.detached)
		l.release(l)
	})
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastSeen = time.Now()
	l.mu.Unlock()
}

// emit delivers ev to the session unless the link is already closed.
func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

var errStopped = errors.New("transcoder: stopped")

// next returns the next message for the transcoder: queued fragments in
// order, then a single Shutdown once the link is closed. It returns
// errStopped when stop is closed.
func (l *Link) next(ctx context.Context, stop <-chan struct{}) (*WatchResponse, error) {
	l.mu.Lock()
	for {
		select {
		case <-stop:
			l.mu.Unlock()
			return nil, errStopped
		default:
		}
		if len(l.queue) > 0 {
			m := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.notify()
			l.mu.Unlock()
			return &WatchResponse{Media: m}, nil
		}
		if l.state == stateClosed && !l.finalSent {
			l.finalSent = true
			reason := l.reason
			l.mu.Unlock()
			return &WatchResponse{Shutdown: &Shutdown{Reason: reason}}, nil
		}
		if l.state == stateDetached || l.finalSent {
			l.mu.Unlock()
			return nil, errStopped
		}
		wake := l.wake
		l.mu.Unlock()
		select {
		case <-wake:
		case <-stop:
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mu.Lock()
	}
}

// MediaFromSegment converts a transmuxer segment into a Media message.
func MediaFromSegment(seg transmux.Segment) *Media {
	m := &Media{
		Data:       seg.Data,
		Keyframe:   seg.Keyframe,
		Sequence:   seg.Sequence,
		DTS:        seg.DTS,
		DurationMS: uint32(seg.Duration / time.Millisecond),
	}
	switch {
	case seg.Kind == transmux.KindInit:
		m.Kind = MediaInit
	case seg.HasVideo:
		m.Kind = MediaVideo
	default:
		m.Kind = MediaAudio
	}
	if seg.Info != nil {
		m.Info = &TrackInfo{
			VideoCodec: seg.Info.VideoCodec,
			Width:      seg.Info.Width,
			Height:     seg.Info.Height,
			FrameRate:  seg.Info.FrameRate,
			AudioCodec: seg.Info.AudioCodec,
			SampleRate: seg.Info.SampleRate,
			Channels:   seg.Info.Channels,
		}
	}
	return m
}
