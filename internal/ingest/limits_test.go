package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/beam/internal/flv"
)

func video(key bool, n int) flv.VideoTag {
	ft := flv.FrameInter
	if key {
		ft = flv.FrameKey
	}
	return flv.VideoTag{FrameType: ft, Codec: flv.VideoCodecAVC, PacketType: flv.VideoCodedFrames, Data: make([]byte, n)}
}

func audio(n int) flv.AudioTag {
	return flv.AudioTag{Codec: flv.AudioCodecAAC, PacketType: flv.AudioRaw, Data: make([]byte, n)}
}

func wantCode(t *testing.T, err error, want Code) {
	t.Helper()
	got, ok := CodeOf(err)
	if !ok || got != want {
		t.Fatalf("got code %v (ok=%v) for %v, want %v", got, ok, err, want)
	}
}

func TestKeyframeDistanceInclusive(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{KeyframeBitrateDistance: 1000})

	// Frames before the first keyframe are not measured.
	if err := l.observe(video(false, 5000), 0); err != nil {
		t.Fatalf("frame before first keyframe: %v", err)
	}
	if err := l.observe(video(true, 600), 10); err != nil {
		t.Fatal(err)
	}
	if err := l.observe(video(false, 400), 20); err != nil {
		t.Fatalf("exactly at the limit: %v", err)
	}
	err := l.observe(video(false, 1), 30)
	wantCode(t, err, CodeKeyframeBitrateDistance)
	if !errors.Is(err, ErrKeyframeBitrateDistance) {
		t.Fatalf("got %v, want ErrKeyframeBitrateDistance", err)
	}

	// A keyframe resets the distance.
	l = newLimiter(Limits{KeyframeBitrateDistance: 1000})
	for i, tag := range []flv.VideoTag{video(true, 900), video(true, 900), video(false, 100)} {
		if err := l.observe(tag, uint32(i*10)); err != nil {
			t.Fatalf("tag %d: %v", i, err)
		}
	}
}

func TestKeyframeTimeLimit(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{KeyframeTimeLimit: 2 * time.Second})
	if err := l.observe(video(true, 10), 1000); err != nil {
		t.Fatal(err)
	}
	if err := l.observe(video(false, 10), 3000); err != nil {
		t.Fatalf("exactly at the limit: %v", err)
	}
	wantCode(t, l.observe(video(false, 10), 3001), CodeKeyframeTimeLimit)
}

func TestKeyframeTimeLimitBetweenKeyframes(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{KeyframeTimeLimit: 10 * time.Second})
	if err := l.observe(video(true, 10), 0); err != nil {
		t.Fatal(err)
	}
	if err := l.observe(video(false, 10), 9000); err != nil {
		t.Fatal(err)
	}
	err := l.observe(video(true, 10), 15000)
	wantCode(t, err, CodeKeyframeTimeLimit)
	if !errors.Is(err, ErrKeyframeTimeLimit) {
		t.Fatalf("got %v, want ErrKeyframeTimeLimit", err)
	}

	// Keyframes exactly at the limit pass.
	l = newLimiter(Limits{KeyframeTimeLimit: 10 * time.Second})
	for _, ts := range []uint32{0, 10000, 20000} {
		if err := l.observe(video(true, 10), ts); err != nil {
			t.Fatalf("keyframe at %d: %v", ts, err)
		}
	}
}

func TestKeyframeGap(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{})
	l.observe(video(true, 10), 0)
	if got := l.keyframeGap(); got != 0 {
		t.Fatalf("got gap %v after one keyframe, want 0", got)
	}
	l.observe(video(false, 10), 1000)
	l.observe(video(true, 10), 2000)
	if got, want := l.keyframeGap(), 2*time.Second; got != want {
		t.Fatalf("got gap %v, want %v", got, want)
	}
}

func TestBitrateLimit(t *testing.T) {
	t.Parallel()
	// 1 s window: 1000 bytes in the window is 8000 bps.
	l := newLimiter(Limits{BitrateLimit: 8000, BitrateWindow: time.Second})
	if err := l.observe(audio(500), 0); err != nil {
		t.Fatal(err)
	}
	if err := l.observe(video(true, 500), 500); err != nil {
		t.Fatalf("exactly at the limit: %v", err)
	}
	if got, want := l.bitrate(), int64(8000); got != want {
		t.Fatalf("got %d bps, want %d", got, want)
	}
	// The first sample leaves the window at ts 1000.
	if err := l.observe(audio(500), 1000); err != nil {
		t.Fatalf("after window slid: %v", err)
	}
	wantCode(t, l.observe(audio(1), 1200), CodeBitrateLimit)
}

func TestLimiterIgnoresHeaders(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{BitrateLimit: 1, KeyframeBitrateDistance: 1})
	tags := []flv.Tag{
		flv.VideoTag{Codec: flv.VideoCodecAVC, PacketType: flv.VideoSequenceHeader, Data: make([]byte, 100)},
		flv.AudioTag{Codec: flv.AudioCodecAAC, PacketType: flv.AudioSequenceHeader, Data: make([]byte, 100)},
		flv.ScriptTag{Name: "onMetaData"},
	}
	for _, tag := range tags {
		if err := l.observe(tag, 0); err != nil {
			t.Fatalf("%T: %v", tag, err)
		}
	}
}

func TestBitrateInterleavedTimestamps(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{BitrateLimit: 2_000_000})
	if err := l.observe(video(true, 1_000_000), 1000); err != nil {
		t.Fatal(err)
	}
	before := l.bitrate()
	if err := l.observe(audio(100), 999); err != nil {
		t.Fatal(err)
	}
	if got, want := l.bitrate(), before+100*8*1000/5000; got != want {
		t.Fatalf("got %d bps after an earlier audio tag, want %d", got, want)
	}
	wantCode(t, l.observe(video(false, 300_000), 1001), CodeBitrateLimit)
}

func TestKeyframeGapOutOfOrder(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{KeyframeTimeLimit: time.Second})
	if err := l.observe(video(true, 10), 5000); err != nil {
		t.Fatal(err)
	}
	if err := l.observe(video(false, 10), 4990); err != nil {
		t.Fatalf("frame 10ms before the keyframe: %v", err)
	}
	if err := l.observe(video(true, 10), 4995); err != nil {
		t.Fatalf("keyframe 5ms before the last one: %v", err)
	}
	if got := l.keyframeGap(); got != 0 {
		t.Fatalf("got gap %v, want 0", got)
	}
}
