package rtmp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/beam/internal/amf0"
	"github.com/zsiec/beam/internal/flv"
)

type recordedTag struct {
	tag flv.Tag
	ts  uint32
}

type fakePublisher struct {
	mu       sync.Mutex
	tags     []recordedTag
	failOn   int
	closed   bool
	closeErr error
}

func (p *fakePublisher) WriteTag(tag flv.Tag, ts uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags = append(p.tags, recordedTag{tag, ts})
	if p.failOn > 0 && len(p.tags) == p.failOn {
		return errors.New("keyframe distance exceeded")
	}
	return nil
}

func (p *fakePublisher) Close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeErr = err
}

type fakeHandler struct {
	pub        *fakePublisher
	publishErr error
	connectErr error
	req        PublishRequest
}

func (h *fakeHandler) OnConnect(_ context.Context, info ConnectInfo) error {
	return h.connectErr
}

func (h *fakeHandler) OnPublish(_ context.Context, req PublishRequest) (Publisher, error) {
	h.req = req
	if h.publishErr != nil {
		return nil, h.publishErr
	}
	return h.pub, nil
}

// testClient is the publishing side of a net.Pipe. Server messages are
// decoded in the background and delivered on msgs.
type testClient struct {
	t    *testing.T
	nc   net.Conn
	enc  *ChunkEncoder
	msgs chan *Message
}

func startConn(t *testing.T, h Handler, cfg Config) (*testClient, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	errc := make(chan error, 1)
	conn := NewConn(server, h, cfg, nil)
	go func() { errc <- conn.Serve(context.Background()) }()

	c := &testClient{t: t, nc: client, enc: NewChunkEncoder(client), msgs: make(chan *Message, 64)}
	c.handshake()
	go c.readLoop()
	return c, errc
}

func (c *testClient) handshake() {
	c.t.Helper()
	c0c1 := make([]byte, 1+handshakeSize)
	c0c1[0] = protocolVersion
	c1 := c0c1[1:]
	rand.Read(c1[8:])
	binary.BigEndian.PutUint32(c1[4:8], 0x80000702)
	off := digestOffset(c1, digestBaseSchema0)
	copy(c1[off:], hmacDigest(clientKeyFirstHalf, c1, off))
	c1Digest := append([]byte(nil), c1[off:off+digestSize]...)

	_, err := c.nc.Write(c0c1)
	require.NoError(c.t, err)
	s0s1s2 := make([]byte, 1+2*handshakeSize)
	_, err = io.ReadFull(c.nc, s0s1s2)
	require.NoError(c.t, err)
	require.Equal(c.t, byte(protocolVersion), s0s1s2[0])

	s1 := s0s1s2[1 : 1+handshakeSize]
	_, _, ok := findDigest(s1, serverKeyFirstHalf)
	require.True(c.t, ok, "S1 digest must validate under the server key")

	s2 := s0s1s2[1+handshakeSize:]
	key := hmacDigest(serverKey, c1Digest, -1)
	gap := handshakeSize - digestSize
	require.True(c.t, hmac.Equal(s2[gap:], hmacDigest(key, s2[:gap], -1)), "S2 digest")

	_, err = c.nc.Write(s1)
	require.NoError(c.t, err)
}

func (c *testClient) readLoop() {
	defer close(c.msgs)
	dec := NewChunkDecoder(c.nc)
	for {
		m, err := dec.ReadMessage()
		if err != nil {
			return
		}
		if m.Type == TypeSetChunkSize {
			dec.SetChunkSize(binary.BigEndian.Uint32(m.Payload))
		}
		c.msgs <- m
	}
}

func (c *testClient) send(csid uint32, m *Message) {
	c.t.Helper()
	require.NoError(c.t, c.enc.WriteMessage(csid, m))
}

func (c *testClient) command(streamID uint32, values ...any) {
	c.t.Helper()
	m, err := commandMessage(streamID, values...)
	require.NoError(c.t, err)
	c.send(csidCommand, m)
}

func (c *testClient) next() *Message {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		require.True(c.t, ok, "connection closed")
		return m
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for server message")
		return nil
	}
}

// nextCommand skips protocol control messages and returns the decoded
// values of the next command.
func (c *testClient) nextCommand() []any {
	c.t.Helper()
	for {
		m := c.next()
		if m.Type != TypeCommandAMF0 {
			continue
		}
		values, err := amf0.DecodeAll(m.Payload)
		require.NoError(c.t, err)
		return values
	}
}

func statusCode(t *testing.T, values []any) string {
	t.Helper()
	require.GreaterOrEqual(t, len(values), 4)
	info, ok := values[3].(amf0.Object)
	require.True(t, ok, "info object, got %T", values[3])
	return info.String("code")
}

func (c *testClient) connectAndPublish(key string) {
	c.t.Helper()
	c.command(0, "connect", 1.0, amf0.Object{
		{Key: "app", Value: "live"},
		{Key: "tcUrl", Value: "rtmp://localhost/live"},
	})

	var seen []MessageType
	for len(seen) < 3 {
		seen = append(seen, c.next().Type)
	}
	require.Equal(c.t, []MessageType{TypeWindowAckSize, TypeSetPeerBandwidth, TypeSetChunkSize}, seen)

	res := c.nextCommand()
	require.Equal(c.t, "_result", res[0])
	require.Equal(c.t, 1.0, res[1])
	props := res[2].(amf0.Object)
	require.Equal(c.t, "FMS/3,0,1,123", props.String("fmsVer"))
	require.Equal(c.t, 31.0, props.Number("capabilities"))
	require.Equal(c.t, CodeConnectSuccess, statusCode(c.t, res))

	c.command(0, "releaseStream", 2.0, nil, key)
	c.command(0, "FCPublish", 3.0, nil, key)
	c.command(0, "createStream", 4.0, nil)
	res = c.nextCommand()
	require.Equal(c.t, []any{"_result", 4.0, nil, 1.0}, res)

	c.command(1, "publish", 5.0, nil, key, "live")
}

// expectPublishStart consumes StreamBegin and the Publish.Start status.
func (c *testClient) expectPublishStart() {
	c.t.Helper()
	begin := c.next()
	require.Equal(c.t, TypeUserControl, begin.Type)
	require.Equal(c.t, []byte{0, 0, 0, 0, 0, 1}, begin.Payload)
	require.Equal(c.t, CodePublishStart, statusCode(c.t, c.nextCommand()))
}

func TestPublishSession(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := &fakeHandler{pub: pub}
	c, errc := startConn(t, h, Config{})
	c.connectAndPublish("sk_abc?token=1")
	c.expectPublishStart()
	require.Equal(t, "live", h.req.App)
	require.Equal(t, "sk_abc", h.req.StreamKey)
	require.Equal(t, "token=1", h.req.Query)

	meta, err := amf0.EncodeAll("@setDataFrame", "onMetaData", amf0.EcmaArray{{Key: "width", Value: 640.0}})
	require.NoError(t, err)
	c.send(4, &Message{Type: TypeDataAMF0, StreamID: 1, Payload: meta})
	c.send(6, &Message{Type: TypeVideo, StreamID: 1, Payload: []byte{0x17, 0x00, 0, 0, 0, 0x01, 0x42, 0x00, 0x1F}})
	c.send(6, &Message{Type: TypeVideo, StreamID: 1, Timestamp: 33, Payload: []byte{0x27, 0x01, 0, 0, 0, 0xAA}})
	c.send(4, &Message{Type: TypeAudio, StreamID: 1, Payload: []byte{0xAF, 0x00, 0x11, 0x90}})
	c.send(4, &Message{Type: TypeAudio, StreamID: 1, Timestamp: 21})
	c.nc.Close()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.True(t, pub.closed)
	require.NoError(t, pub.closeErr)
	require.Len(t, pub.tags, 4)

	script, ok := pub.tags[0].tag.(flv.ScriptTag)
	require.True(t, ok)
	require.Equal(t, 640, script.Metadata.Width)

	video, ok := pub.tags[2].tag.(flv.VideoTag)
	require.True(t, ok)
	require.Equal(t, uint32(33), pub.tags[2].ts)
	require.Equal(t, flv.FrameInter, video.FrameType)

	audio, ok := pub.tags[3].tag.(flv.AudioTag)
	require.True(t, ok)
	require.Equal(t, flv.AudioSequenceHeader, audio.PacketType)
}

func TestPublishRejected(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{publishErr: errors.New("room already live")}
	c, errc := startConn(t, h, Config{})
	c.connectAndPublish("sk_dup")
	require.Equal(t, CodePublishBadName, statusCode(t, c.nextCommand()))

	err := <-errc
	require.ErrorIs(t, err, ErrPublishRejected)
}

func TestPublisherErrorEndsSession(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failOn: 2}
	c, errc := startConn(t, &fakeHandler{pub: pub}, Config{})
	c.connectAndPublish("sk_abc")
	c.expectPublishStart()

	c.send(6, &Message{Type: TypeVideo, StreamID: 1, Payload: []byte{0x17, 0x01, 0, 0, 0, 0xAA}})
	c.send(6, &Message{Type: TypeVideo, StreamID: 1, Timestamp: 40, Payload: []byte{0x17, 0x01, 0, 0, 0, 0xBB}})
	require.Equal(t, CodePublishBadName, statusCode(t, c.nextCommand()))

	err := <-errc
	require.EqualError(t, err, "keyframe distance exceeded")
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.True(t, pub.closed)
	require.EqualError(t, pub.closeErr, "keyframe distance exceeded")
}

func TestUnsupportedVideoCodec(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c, errc := startConn(t, &fakeHandler{pub: pub}, Config{})
	c.connectAndPublish("sk_abc")
	c.expectPublishStart()

	c.send(6, &Message{Type: TypeVideo, StreamID: 1, Payload: []byte{0x12, 0x00}})
	require.Equal(t, CodePublishBadName, statusCode(t, c.nextCommand()))

	var tagErr *TagError
	require.ErrorAs(t, <-errc, &tagErr)
	require.Equal(t, flv.TagVideo, tagErr.Type)
	require.ErrorIs(t, tagErr, flv.ErrUnsupportedCodec)
}

func TestConnectRejected(t *testing.T) {
	t.Parallel()

	c, errc := startConn(t, &fakeHandler{connectErr: errors.New("unknown app")}, Config{})
	c.command(0, "connect", 1.0, amf0.Object{{Key: "app", Value: "other"}})
	res := c.nextCommand()
	require.Equal(t, "_error", res[0])
	require.Equal(t, CodeConnectRejected, statusCode(t, res))
	require.ErrorIs(t, <-errc, ErrConnectRejected)
}

func TestPingAndPlay(t *testing.T) {
	t.Parallel()

	c, errc := startConn(t, &fakeHandler{pub: &fakePublisher{}}, Config{})
	c.send(csidControl, userControlMessage(EventPingRequest, 12345))
	pong := c.next()
	require.Equal(t, TypeUserControl, pong.Type)
	require.Equal(t, userControlMessage(EventPingResponse, 12345).Payload, pong.Payload)

	c.command(0, "connect", 1.0, amf0.Object{{Key: "app", Value: "live"}})
	require.Equal(t, CodeConnectSuccess, statusCode(t, c.nextCommand()))
	c.command(1, "play", 2.0, nil, "sk_abc")
	res := c.nextCommand()
	require.Equal(t, "_error", res[0])
	require.Equal(t, CodePlayFailed, statusCode(t, res))

	c.nc.Close()
	require.NoError(t, <-errc)
}

func TestInvalidPeerChunkSize(t *testing.T) {
	t.Parallel()

	c, errc := startConn(t, &fakeHandler{}, Config{})
	c.send(csidControl, setChunkSizeMessage(MaxChunkSize+1))
	err := <-errc
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	_, errc := startConn(t, &fakeHandler{}, Config{IdleTimeout: 50 * time.Millisecond})
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func TestCloseWithError(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()
	conn := NewConn(server, &fakeHandler{}, Config{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background()) }()

	tc := &testClient{t: t, nc: client}
	tc.handshake()

	disconnect := errors.New("disconnect requested")
	conn.CloseWithError(disconnect)
	require.ErrorIs(t, <-errc, disconnect)
}

func TestSimpleHandshake(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()
	errc := make(chan error, 1)
	go func() { errc <- serverHandshake(server) }()

	c0c1 := make([]byte, 1+handshakeSize)
	c0c1[0] = protocolVersion
	rand.Read(c0c1[9:])
	_, err := client.Write(c0c1)
	require.NoError(t, err)

	s0s1s2 := make([]byte, 1+2*handshakeSize)
	_, err = io.ReadFull(client, s0s1s2)
	require.NoError(t, err)
	require.Equal(t, c0c1[1:], s0s1s2[1+handshakeSize:], "S2 echoes C1")

	_, err = client.Write(s0s1s2[1 : 1+handshakeSize])
	require.NoError(t, err)
	require.NoError(t, <-errc)
}

func TestHandshakeBadVersion(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()
	errc := make(chan error, 1)
	go func() { errc <- serverHandshake(server) }()

	c0c1 := make([]byte, 1+handshakeSize)
	c0c1[0] = 6
	client.Write(c0c1)
	require.ErrorIs(t, <-errc, ErrUnsupportedVersion)
}
