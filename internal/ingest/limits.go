package ingest

import (
	"fmt"
	"time"

	"github.com/zsiec/beam/internal/flv"
)

// DefaultBitrateWindow is the span the rolling bitrate is measured over.
const DefaultBitrateWindow = 5 * time.Second

// Limits are the per-session safety limits. A zero field disables its
// check. A measured value equal to its limit is still accepted.
type Limits struct {
	// KeyframeBitrateDistance caps the video bytes from one keyframe to
	// the next.
	KeyframeBitrateDistance int64
	// BitrateLimit caps the rolling bitrate in bits per second.
	BitrateLimit int64
	// KeyframeTimeLimit caps the time between keyframes.
	KeyframeTimeLimit time.Duration
	// BitrateWindow defaults to DefaultBitrateWindow.
	BitrateWindow time.Duration
}

type tagBytes struct {
	ts uint32
	n  int64
}

// limiter measures a publish from its tag timestamps. It is owned by the
// session and needs no locking of its own.
type limiter struct {
	limits Limits
	window uint32 // ms

	haveKey   bool
	lastKeyTS uint32
	keyBytes  int64
	lastGap   time.Duration

	samples []tagBytes
	sum     int64
	bps     int64
}

func newLimiter(l Limits) *limiter {
	if l.BitrateWindow <= 0 {
		l.BitrateWindow = DefaultBitrateWindow
	}
	window := uint32(l.BitrateWindow / time.Millisecond)
	if window == 0 {
		window = 1
	}
	return &limiter{limits: l, window: window}
}

// observe accounts one tag and reports the first limit it breaks.
func (l *limiter) observe(tag flv.Tag, ts uint32) error {
	var n int64
	switch t := tag.(type) {
	case flv.VideoTag:
		if t.PacketType != flv.VideoCodedFrames {
			return nil
		}
		n = int64(len(t.Data))
		if err := l.observeVideo(t.IsKeyframe(), ts, n); err != nil {
			return err
		}
	case flv.AudioTag:
		if t.PacketType != flv.AudioRaw {
			return nil
		}
		n = int64(len(t.Data))
	default:
		return nil
	}
	return l.observeBitrate(ts, n)
}

func (l *limiter) observeVideo(key bool, ts uint32, n int64) error {
	if key {
		if l.haveKey {
			l.lastGap = sinceMS(ts, l.lastKeyTS)
			if err := l.checkKeyframeTime(l.lastGap); err != nil {
				return err
			}
		}
		l.haveKey = true
		l.lastKeyTS = ts
		l.keyBytes = 0
	}
	if !l.haveKey {
		return nil
	}
	l.keyBytes += n
	if limit := l.limits.KeyframeBitrateDistance; limit > 0 && l.keyBytes > limit {
		return codeErr(CodeKeyframeBitrateDistance,
			fmt.Errorf("%w: %d bytes since last keyframe, limit %d", ErrKeyframeBitrateDistance, l.keyBytes, limit))
	}
	return l.checkKeyframeTime(sinceMS(ts, l.lastKeyTS))
}

func (l *limiter) checkKeyframeTime(gap time.Duration) error {
	if limit := l.limits.KeyframeTimeLimit; limit > 0 && gap > limit {
		return codeErr(CodeKeyframeTimeLimit,
			fmt.Errorf("%w: %s since last keyframe, limit %s", ErrKeyframeTimeLimit, gap, limit))
	}
	return nil
}

func (l *limiter) observeBitrate(ts uint32, n int64) error {
	l.samples = append(l.samples, tagBytes{ts: ts, n: n})
	l.sum += n
	drop := 0
	for drop < len(l.samples) && deltaMS(ts, l.samples[drop].ts) >= int64(l.window) {
		l.sum -= l.samples[drop].n
		drop++
	}
	if drop > 0 {
		l.samples = append(l.samples[:0], l.samples[drop:]...)
	}
	l.bps = l.sum * 8 * 1000 / int64(l.window)
	if limit := l.limits.BitrateLimit; limit > 0 && l.bps > limit {
		return codeErr(CodeBitrateLimit,
			fmt.Errorf("%w: %d bps, limit %d", ErrBitrateLimit, l.bps, limit))
	}
	return nil
}

// deltaMS is ts-ref in milliseconds. Timestamps wrap at 32 bits and
// audio and video interleave slightly out of order, so the difference is
// taken as signed.
func deltaMS(ts, ref uint32) int64 {
	return int64(int32(ts - ref))
}

// sinceMS is the time from ref to ts, zero when ts is earlier.
func sinceMS(ts, ref uint32) time.Duration {
	d := deltaMS(ts, ref)
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

// bitrate is the rolling bitrate in bits per second.
func (l *limiter) bitrate() int64 { return l.bps }

// keyframeGap is the distance between the last two keyframes.
func (l *limiter) keyframeGap() time.Duration { return l.lastGap }
