package ingest

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zsiec/beam/internal/codec"
	"github.com/zsiec/beam/internal/flv"
	"github.com/zsiec/beam/internal/rtmp"
	"github.com/zsiec/beam/internal/stream"
	"github.com/zsiec/beam/internal/transcoder"
)

func avcHeader() flv.VideoTag {
	cfg := &codec.AVCDecoderConfig{
		ConfigurationVersion: 1,
		ProfileIndication:    66,
		LevelIndication:      31,
		LengthSizeMinusOne:   3,
		SPS:                  [][]byte{{0x67, 0x42, 0x00, 0x1F, 0xDA, 0x02, 0x80, 0xF6, 0x40}},
		PPS:                  [][]byte{{0x68, 0xCE, 0x38, 0x80}},
	}
	return flv.VideoTag{FrameType: flv.FrameKey, Codec: flv.VideoCodecAVC, PacketType: flv.VideoSequenceHeader, Data: cfg.Marshal()}
}

func avcFrame(key bool, size int) flv.VideoTag {
	ft, nal := flv.FrameInter, byte(0x41)
	if key {
		ft, nal = flv.FrameKey, 0x65
	}
	n := size - 4
	data := make([]byte, size)
	data[0], data[1], data[2], data[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	data[4] = nal
	return flv.VideoTag{FrameType: ft, Codec: flv.VideoCodecAVC, PacketType: flv.VideoCodedFrames, Data: data}
}

// recordingCollab wraps StreamKeys and records what the registry reports.
type recordingCollab struct {
	*StreamKeys

	mu          sync.Mutex
	unpublished map[string]error
	bitrates    []int64
	bitrateErrs int
}

func newCollab(t *testing.T, keys ...string) *recordingCollab {
	t.Helper()
	k, err := ParseStreamKeys(keys, nil)
	require.NoError(t, err)
	return &recordingCollab{StreamKeys: k, unpublished: make(map[string]error)}
}

func (c *recordingCollab) OnUnpublish(ctx context.Context, connID string, cause error) error {
	c.mu.Lock()
	c.unpublished[connID] = cause
	c.mu.Unlock()
	return c.StreamKeys.OnUnpublish(ctx, connID, cause)
}

func (c *recordingCollab) OnBitrate(ctx context.Context, connID string, bps int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitrateErrs > 0 {
		c.bitrateErrs--
		return errors.New("collaborator unavailable")
	}
	c.bitrates = append(c.bitrates, bps)
	return c.StreamKeys.OnBitrate(ctx, connID, bps)
}

func (c *recordingCollab) cause(connID string) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err, ok := c.unpublished[connID]
	return err, ok
}

func startTranscoderService(t *testing.T, reqs *transcoder.Requests) *transcoder.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	transcoder.RegisterIngestServer(srv, transcoder.NewService(reqs, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return transcoder.NewClient(cc)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

func publish(t *testing.T, r *Registry, key string) *Session {
	t.Helper()
	pub, err := r.OnPublish(testContext(t), rtmp.PublishRequest{App: "live", StreamKey: key, Remote: "192.0.2.1:50000"})
	require.NoError(t, err)
	return pub.(*Session)
}

// Two keyframes far apart in bytes end the session with I01, and the
// attached transcoder receives what was muxed followed by a final
// Shutdown.
func TestKeyframeDistanceEndsSession(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	reqs := transcoder.NewRequests(transcoder.Config{}, nil)
	client := startTranscoderService(t, reqs)
	rooms := stream.NewManager(nil)
	collab := newCollab(t, "sk_abc=acme/r1")
	reg := NewRegistry(collab, rooms, reqs, Config{Limits: Limits{KeyframeBitrateDistance: 4 << 20}}, nil)

	s := publish(t, reg, "sk_abc")
	require.Equal(t, "r1", s.Room.Key)
	require.Equal(t, "acme", s.Room.Organization)

	poll, err := client.Poll(ctx, &transcoder.PollRequest{WaitMS: 1000})
	require.NoError(t, err)
	require.Equal(t, "r1", poll.Room)
	watch, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, watch.Send(&transcoder.WatchRequest{Open: &transcoder.Open{RequestID: poll.RequestID}}))
	require.Eventually(t, func() bool { return s.Room.Status().Transcoding }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.WriteTag(avcHeader(), 0))
	require.NoError(t, s.WriteTag(avcFrame(true, 1000), 0))
	err = s.WriteTag(avcFrame(false, 10<<20), 33)
	wantCode(t, err, CodeKeyframeBitrateDistance)

	// The RTMP connection closes its publisher with the WriteTag error.
	s.Close(err)
	waitDone(t, s)

	var kinds []transcoder.MediaKind
	var shutdown *transcoder.Shutdown
	for shutdown == nil {
		resp, err := watch.Recv()
		require.NoError(t, err)
		switch {
		case resp.Media != nil:
			kinds = append(kinds, resp.Media.Kind)
		case resp.Shutdown != nil:
			shutdown = resp.Shutdown
		}
	}
	require.Equal(t, []transcoder.MediaKind{transcoder.MediaInit, transcoder.MediaVideo}, kinds)
	require.Contains(t, shutdown.Reason, "I01")

	_, live := rooms.Get("r1")
	require.False(t, live)
	require.Equal(t, 0, reg.Len())
	cause, ok := collab.cause(s.ConnectionID)
	require.True(t, ok)
	wantCode(t, cause, CodeKeyframeBitrateDistance)
	require.ErrorIs(t, s.Err(), ErrKeyframeBitrateDistance)
	require.ErrorIs(t, s.WriteTag(avcFrame(true, 10), 66), ErrSessionClosed)
}

func TestSecondPublisherRejected(t *testing.T) {
	t.Parallel()
	rooms := stream.NewManager(nil)
	reg := NewRegistry(newCollab(t, "a=r1", "b=r1"), rooms, nil, Config{}, nil)

	s := publish(t, reg, "a")
	_, err := reg.OnPublish(testContext(t), rtmp.PublishRequest{App: "live", StreamKey: "b"})
	require.ErrorIs(t, err, ErrRoomLive)

	_, err = reg.OnPublish(testContext(t), rtmp.PublishRequest{App: "live", StreamKey: "nope"})
	require.ErrorIs(t, err, ErrDenied)

	s.Close(nil)
	waitDone(t, s)
	require.NoError(t, s.Err())

	// The room is free again.
	s2 := publish(t, reg, "b")
	require.NotEqual(t, s.ConnectionID, s2.ConnectionID)
	s2.Close(nil)
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(newCollab(t), stream.NewManager(nil), nil, Config{}, nil)
	s := publish(t, reg, "r1")

	got, ok := reg.Session(s.ConnectionID)
	require.True(t, ok)
	require.Same(t, s, got)

	require.False(t, reg.Disconnect("missing"))
	require.True(t, reg.Disconnect(s.ConnectionID))
	waitDone(t, s)
	wantCode(t, s.Err(), CodeDisconnectRequested)
	_, ok = reg.Session(s.ConnectionID)
	require.False(t, ok)
}

func TestFatalTranscoderErrorEndsSession(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	reqs := transcoder.NewRequests(transcoder.Config{}, nil)
	client := startTranscoderService(t, reqs)
	reg := NewRegistry(newCollab(t), stream.NewManager(nil), reqs, Config{}, nil)
	s := publish(t, reg, "r1")

	poll, err := client.Poll(ctx, &transcoder.PollRequest{WaitMS: 1000})
	require.NoError(t, err)
	watch, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, watch.Send(&transcoder.WatchRequest{Open: &transcoder.Open{RequestID: poll.RequestID}}))
	require.NoError(t, watch.Send(&transcoder.WatchRequest{Error: &transcoder.ErrorReport{Code: "store", Message: "slow", Fatal: false}}))
	require.NoError(t, watch.Send(&transcoder.WatchRequest{Error: &transcoder.ErrorReport{Code: "codec", Message: "unsupported", Fatal: true}}))

	waitDone(t, s)
	wantCode(t, s.Err(), CodeTranscoderRequest)
	require.True(t, strings.Contains(s.Err().Error(), "unsupported"))
}

func TestTranscoderDetachKeepsSession(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	reqs := transcoder.NewRequests(transcoder.Config{}, nil)
	client := startTranscoderService(t, reqs)
	reg := NewRegistry(newCollab(t), stream.NewManager(nil), reqs, Config{}, nil)
	s := publish(t, reg, "r1")

	poll, err := client.Poll(ctx, &transcoder.PollRequest{WaitMS: 1000})
	require.NoError(t, err)
	watch, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, watch.Send(&transcoder.WatchRequest{Open: &transcoder.Open{RequestID: poll.RequestID}}))
	require.Eventually(t, func() bool { return s.Stats().Transcoding }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, watch.Send(&transcoder.WatchRequest{Shutdown: &transcoder.Shutdown{}}))
	require.Eventually(t, func() bool { return !s.Room.Status().Transcoding }, 2*time.Second, 5*time.Millisecond)

	// Publishing carries on without a transcoder.
	require.NoError(t, s.WriteTag(avcHeader(), 0))
	require.NoError(t, s.WriteTag(avcFrame(true, 100), 0))
	require.NoError(t, s.WriteTag(avcFrame(true, 100), 1000))
	require.Equal(t, int64(1), s.Stats().Fragments)
	s.Close(nil)
	waitDone(t, s)
}

func TestBitrateReported(t *testing.T) {
	t.Parallel()
	collab := newCollab(t)
	collab.bitrateErrs = 2
	reg := NewRegistry(collab, stream.NewManager(nil), nil, Config{
		BitrateInterval: 10 * time.Millisecond,
		RetryInterval:   time.Millisecond,
		Limits:          Limits{BitrateWindow: time.Second},
	}, nil)
	s := publish(t, reg, "r1")
	require.NoError(t, s.WriteTag(avcHeader(), 0))
	require.NoError(t, s.WriteTag(avcFrame(true, 1000), 0))

	require.Eventually(t, func() bool {
		bps, ok := collab.Bitrate(s.ConnectionID)
		return ok && bps == 8000
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(8000), s.Room.Status().BitrateBps)
	s.Close(nil)
	waitDone(t, s)
}

func TestOnConnect(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(newCollab(t), stream.NewManager(nil), nil, Config{Apps: []string{"live"}}, nil)
	require.NoError(t, reg.OnConnect(context.Background(), rtmp.ConnectInfo{App: "live"}))
	wantCode(t, reg.OnConnect(context.Background(), rtmp.ConnectInfo{App: "other"}), CodeConnect)
	wantCode(t, reg.OnConnect(context.Background(), rtmp.ConnectInfo{}), CodeConnect)
}

func TestParseStreamKeys(t *testing.T) {
	t.Parallel()
	k, err := ParseStreamKeys([]string{"sk_abc=acme/r1", "sk_def=r2"}, nil)
	require.NoError(t, err)

	g, err := k.OnPublish(context.Background(), "live", "sk_abc")
	require.NoError(t, err)
	require.Equal(t, Grant{Organization: "acme", Room: "r1"}, g)
	g, err = k.OnPublish(context.Background(), "live", "sk_def")
	require.NoError(t, err)
	require.Equal(t, Grant{Room: "r2"}, g)
	_, err = k.OnPublish(context.Background(), "live", "sk_zzz")
	require.ErrorIs(t, err, ErrDenied)

	for _, bad := range [][]string{{"novalue"}, {"=r1"}, {"k=org/"}, {"k=a/b/c"}, {"k=r1", "k=r2"}} {
		_, err := ParseStreamKeys(bad, nil)
		require.Error(t, err, "%q", bad)
	}

	open, err := ParseStreamKeys(nil, nil)
	require.NoError(t, err)
	g, err = open.OnPublish(context.Background(), "live", "anything")
	require.NoError(t, err)
	require.Equal(t, "anything", g.Room)
}
