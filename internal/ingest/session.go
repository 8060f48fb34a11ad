package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/internal/flv"
	"github.com/zsiec/beam/internal/stream"
	"github.com/zsiec/beam/internal/transcoder"
	"github.com/zsiec/beam/internal/transmux"
)

// DrainTimeout bounds how long a closing session may spend handing its
// last fragments to the transcoder and reporting to the collaborator.
const DrainTimeout = time.Minute

// SessionStats is a snapshot of a live session.
type SessionStats struct {
	BytesIn        int64         `json:"bytesIn"`
	BitrateBps     int64         `json:"bitrateBps"`
	KeyframeGap    time.Duration `json:"keyframeGap"`
	Fragments      int64         `json:"fragments"`
	DroppedForward int           `json:"droppedForward"`
	Transcoding    bool          `json:"transcoding"`
}

type connCloser interface {
	CloseWithError(err error)
}

// Session is one publish. The RTMP connection feeds it tags; it enforces
// the limits, runs the transmuxer and forwards fragments to the
// transcoder link.
type Session struct {
	ConnectionID string
	App          string
	Room         *stream.Room
	StartedAt    time.Time

	reg  *Registry
	log  *slog.Logger
	conn connCloser
	link *transcoder.Link

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu      sync.Mutex
	tm      *transmux.Transmuxer
	limiter *limiter
	closed  bool
	// linkGone is set once the transcoder stopped taking fragments.
	linkGone bool

	bytesIn     atomic.Int64
	bitrate     atomic.Int64
	keyGap      atomic.Int64
	fragments   atomic.Int64
	transcoding atomic.Bool
	shutdownAck atomic.Bool

	closeOnce sync.Once
	err       error
	done      chan struct{}
}

// WriteTag implements rtmp.Publisher.
func (s *Session) WriteTag(tag flv.Tag, ts uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	if err := s.limiter.observe(tag, ts); err != nil {
		return err
	}
	if gap := s.limiter.keyframeGap(); gap > 0 && gap != time.Duration(s.keyGap.Load()) {
		s.keyGap.Store(int64(gap))
		s.reg.cfg.Metrics.SetKeyframeGap(s.Room.Key, float64(gap.Milliseconds()))
	}
	s.bitrate.Store(s.limiter.bitrate())
	switch t := tag.(type) {
	case flv.VideoTag:
		s.bytesIn.Add(int64(len(t.Data)))
	case flv.AudioTag:
		s.bytesIn.Add(int64(len(t.Data)))
	}

	segs, err := s.tm.Push(tag, ts)
	if err != nil {
		return s.transmuxErr(err)
	}
	return s.forward(s.ctx, segs)
}

func (s *Session) transmuxErr(err error) error {
	var xe *transmux.Error
	if errors.As(err, &xe) {
		return codeErr(transmuxCode(xe), err)
	}
	return codeErr(CodeMux, err)
}

// forward hands segments to the transcoder. Caller holds mu.
func (s *Session) forward(ctx context.Context, segs []transmux.Segment) error {
	for _, seg := range segs {
		if seg.Kind == transmux.KindInit && seg.Info != nil {
			info := *seg.Info
			s.Room.Update(func(st *stream.RoomStatus) {
				st.Codecs = info.Codecs()
				st.Width, st.Height = info.Width, info.Height
				st.FrameRate = info.FrameRate
			})
		} else {
			s.fragments.Add(1)
		}
		if s.link == nil || s.linkGone {
			continue
		}
		err := s.link.Send(ctx, transcoder.MediaFromSegment(seg))
		switch {
		case err == nil:
		case errors.Is(err, transcoder.ErrDetached), errors.Is(err, transcoder.ErrLinkClosed):
			s.linkGone = true
		case ctx.Err() != nil:
			return codeErr(CodeShutdown, err)
		default:
			return codeErr(CodeTranscoderRequest, err)
		}
	}
	return nil
}

// Close implements rtmp.Publisher. It flushes the transmuxer, sends the
// transcoder a final Shutdown and releases the room.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() { s.close(err) })
}

func (s *Session) close(err error) {
	s.cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	s.mu.Lock()
	s.closed = true
	s.err = err
	segs, ferr := s.tm.Flush()
	if ferr != nil {
		s.log.Warn("flush on close", "error", ferr)
	}
	if ferr := s.forward(drainCtx, segs); ferr != nil {
		s.log.Warn("forward on close", "error", ferr)
	}
	s.mu.Unlock()

	if s.link != nil {
		reason := "publisher disconnected"
		if err != nil {
			reason = err.Error()
		}
		s.link.Close(reason)
	}
	s.g.Wait()

	code, coded := CodeOf(err)
	switch {
	case err == nil:
		s.log.Info("session ended")
	case coded:
		s.log.Warn("session failed", "code", code, "error", err)
		s.reg.cfg.Metrics.IngestError(code.String())
	default:
		s.log.Warn("session failed", "error", err)
	}

	s.reg.remove(s)
	if rerr := s.reg.retry(drainCtx, func() error {
		return s.reg.collab.OnUnpublish(drainCtx, s.ConnectionID, err)
	}); rerr != nil {
		s.log.Warn("unpublish report failed", "error", rerr)
	}
	close(s.done)
}

// fail ends the session from outside the tag path.
func (s *Session) fail(err error) {
	if s.conn != nil {
		s.conn.CloseWithError(err)
		s.cancel()
		return
	}
	s.cancel()
	go s.Close(err)
}

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error the session ended with, once Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	st := SessionStats{
		BytesIn:     s.bytesIn.Load(),
		BitrateBps:  s.bitrate.Load(),
		KeyframeGap: time.Duration(s.keyGap.Load()),
		Fragments:   s.fragments.Load(),
		Transcoding: s.transcoding.Load(),
	}
	if s.link != nil {
		st.DroppedForward = s.link.Dropped()
	}
	return st
}

func (s *Session) setTranscoding(on bool) {
	s.transcoding.Store(on)
	s.Room.Update(func(st *stream.RoomStatus) { st.Transcoding = on })
}

// watchLink follows the transcoder side of the link for the life of the
// session.
func (s *Session) watchLink(ctx context.Context) error {
	attached, detached := s.link.Attached(), s.link.Detached()
	wait := time.NewTimer(s.reg.cfg.TranscoderWait)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wait.C:
			if !s.transcoding.Load() {
				s.log.Warn("no transcoder claimed the session", "code", CodeNoTranscoder, "waited", s.reg.cfg.TranscoderWait)
			}
		case <-attached:
			attached = nil
			s.setTranscoding(true)
			s.log.Info("transcoder attached", "request_id", s.link.ID())
		case <-detached:
			detached = nil
			s.setTranscoding(false)
			if s.shutdownAck.Load() {
				s.log.Info("transcoder detached", "request_id", s.link.ID())
			} else {
				s.log.Warn("transcoder went away", "code", CodeSubscriptionClosed, "request_id", s.link.ID())
			}
		case ev := <-s.link.Events():
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev transcoder.Event) {
	switch ev.Kind {
	case transcoder.EventShutdown:
		s.shutdownAck.Store(true)
		s.log.Info("transcoder requested shutdown")
	case transcoder.EventReclaim:
		s.log.Debug("transcoder reclaim")
	case transcoder.EventError:
		if ev.Error == nil {
			return
		}
		if ev.Error.Fatal {
			s.fail(codeErr(CodeTranscoderRequest,
				fmt.Errorf("transcoder error %s: %s", ev.Error.Code, ev.Error.Message)))
			return
		}
		s.log.Warn("transcoder error", "transcoder_code", ev.Error.Code, "message", ev.Error.Message)
	}
}

// reportBitrate publishes the rolling bitrate to the room, the metrics and
// the collaborator.
func (s *Session) reportBitrate(ctx context.Context) error {
	ticker := time.NewTicker(s.reg.cfg.BitrateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		bps := s.bitrate.Load()
		s.Room.Update(func(st *stream.RoomStatus) { st.BitrateBps = bps })
		s.reg.cfg.Metrics.SetBitrate(s.Room.Key, float64(bps))
		err := s.reg.retry(ctx, func() error {
			return s.reg.collab.OnBitrate(ctx, s.ConnectionID, bps)
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn("bitrate update failed", "code", CodeBitrateUpdate, "error", err)
		}
	}
}
