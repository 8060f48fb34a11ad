package rtmp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/beam/internal/amf0"
	"github.com/zsiec/beam/internal/flv"
	"github.com/zsiec/beam/internal/metrics"
)

// Config tunes a connection. Zero fields take the defaults below.
type Config struct {
	// HandshakeTimeout bounds the whole handshake. Default 5s.
	HandshakeTimeout time.Duration
	// IdleTimeout is the longest silence tolerated between messages.
	// Default 10s.
	IdleTimeout time.Duration
	// WriteTimeout bounds each outbound message. Default 10s.
	WriteTimeout time.Duration
	// ChunkSize is announced to the peer after connect. Default 4096.
	ChunkSize uint32
	// WindowAckSize is announced to the peer after connect. Default 2500000.
	WindowAckSize uint32
	// PeerBandwidth is sent with a dynamic limit. Default 2500000.
	PeerBandwidth uint32

	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	}
	if c.WindowAckSize == 0 {
		c.WindowAckSize = 2_500_000
	}
	if c.PeerBandwidth == 0 {
		c.PeerBandwidth = 2_500_000
	}
	return c
}

// ConnectInfo describes a connect command.
type ConnectInfo struct {
	App    string
	TcURL  string
	Remote string
}

// PublishRequest describes a publish command.
type PublishRequest struct {
	App       string
	StreamKey string
	// Query is the part of the publish name after '?', if any.
	Query  string
	Remote string
	// Conn is the connection asking to publish. The handler may keep it to
	// end the session later with [Conn.CloseWithError].
	Conn *Conn
}

// Handler is the business layer behind a connection.
type Handler interface {
	// OnConnect accepts or rejects a connect command.
	OnConnect(ctx context.Context, info ConnectInfo) error
	// OnPublish authorizes a publish and returns the sink for its tags.
	OnPublish(ctx context.Context, req PublishRequest) (Publisher, error)
}

// Publisher receives the tags of one publish in arrival order.
type Publisher interface {
	// WriteTag consumes a tag stamped with its message timestamp. An error
	// ends the session.
	WriteTag(tag flv.Tag, timestamp uint32) error
	// Close is called once when the session ends. err is nil on a clean
	// disconnect.
	Close(err error)
}

type connState int

const (
	stateHandshake connState = iota
	stateConnecting
	stateConnected
	statePublishing
	stateClosed
)

// Conn is the server side of one RTMP connection.
type Conn struct {
	nc      net.Conn
	cfg     Config
	handler Handler
	log     *slog.Logger

	dec *ChunkDecoder

	wmu sync.Mutex
	enc *ChunkEncoder

	state           connState
	app             string
	tcURL           string
	nextStreamID    uint32
	publishStreamID uint32
	publisher       Publisher
	metadata        *flv.ScriptTag

	peerWindow uint32
	lastAck    uint64
	counted    uint64

	closeOnce sync.Once
	closeMu   sync.Mutex
	closeErr  error
}

// NewConn wraps nc. If log is nil, slog.Default() is used.
func NewConn(nc net.Conn, h Handler, cfg Config, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		nc:           nc,
		cfg:          cfg.withDefaults(),
		handler:      h,
		log:          log.With("component", "rtmp-conn", "remote", nc.RemoteAddr().String()),
		dec:          NewChunkDecoder(nc),
		enc:          NewChunkEncoder(nc),
		nextStreamID: 1,
		peerWindow:   2_500_000,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// CloseWithError ends the session from another goroutine. Serve returns
// err.
func (c *Conn) CloseWithError(err error) {
	c.closeMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeMu.Unlock()
	c.closeOnce.Do(func() { c.nc.Close() })
}

func (c *Conn) closedWith() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Serve runs the connection until the peer disconnects, the context is
// cancelled or an error occurs. A clean disconnect returns nil.
func (c *Conn) Serve(ctx context.Context) (err error) {
	c.cfg.Metrics.ConnOpened()
	defer c.cfg.Metrics.ConnClosed()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.CloseWithError(ctx.Err())
		case <-stop:
		}
	}()

	defer func() {
		if closeErr := c.closedWith(); closeErr != nil {
			err = closeErr
		}
		if c.publisher != nil {
			c.publisher.Close(err)
			c.publisher = nil
		}
		c.state = stateClosed
		c.closeOnce.Do(func() { c.nc.Close() })
	}()

	c.nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := serverHandshake(c.nc); err != nil {
		return fmt.Errorf("rtmp: handshake: %w", err)
	}
	c.nc.SetDeadline(time.Time{})
	c.state = stateConnecting
	c.countBytes()

	for {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		msg, err := c.dec.ReadMessage()
		c.countBytes()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF) && c.closedWith() == nil:
				c.log.Debug("peer closed connection")
				return nil
			case errors.As(err, &ne) && ne.Timeout():
				return ErrIdleTimeout
			}
			return err
		}
		if err := c.maybeAck(); err != nil {
			return err
		}
		if err := c.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Conn) countBytes() {
	n := c.dec.BytesRead()
	c.cfg.Metrics.BytesIn(int(n - c.counted))
	c.counted = n
}

func (c *Conn) maybeAck() error {
	read := c.dec.BytesRead()
	if read-c.lastAck < uint64(c.peerWindow) {
		return nil
	}
	c.lastAck = read
	return c.writeMessage(csidControl, ackMessage(uint32(read)))
}

func (c *Conn) writeMessage(csid uint32, m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.enc.WriteMessage(csid, m)
}

func (c *Conn) writeCommand(csid, streamID uint32, values ...any) error {
	m, err := commandMessage(streamID, values...)
	if err != nil {
		return err
	}
	return c.writeMessage(csid, m)
}

func (c *Conn) handleMessage(ctx context.Context, m *Message) error {
	switch m.Type {
	case TypeSetChunkSize, TypeAbort, TypeAck, TypeWindowAckSize, TypeSetPeerBandwidth:
		return c.handleControl(m)
	case TypeUserControl:
		return c.handleUserControl(m)
	case TypeCommandAMF0:
		return c.handleCommand(ctx, m, m.Payload)
	case TypeCommandAMF3:
		if len(m.Payload) == 0 {
			return protocolErr("command", io.ErrUnexpectedEOF)
		}
		return c.handleCommand(ctx, m, m.Payload[1:])
	case TypeDataAMF0:
		return c.handleData(m, m.Payload)
	case TypeDataAMF3:
		if len(m.Payload) == 0 {
			return nil
		}
		return c.handleData(m, m.Payload[1:])
	case TypeAudio, TypeVideo:
		return c.handleMedia(m)
	default:
		c.log.Debug("ignoring message", "type", m.Type)
		return nil
	}
}

func (c *Conn) handleControl(m *Message) error {
	if len(m.Payload) < 4 {
		return protocolErr(m.Type.String(), io.ErrUnexpectedEOF)
	}
	v := binary.BigEndian.Uint32(m.Payload)
	switch m.Type {
	case TypeSetChunkSize:
		if err := c.dec.SetChunkSize(v & 0x7FFFFFFF); err != nil {
			return protocolErr("SetChunkSize", err)
		}
		c.log.Debug("peer chunk size", "size", v&0x7FFFFFFF)
	case TypeAbort:
		c.dec.Abort(v)
	case TypeWindowAckSize:
		if v > 0 {
			c.peerWindow = v
		}
	}
	return nil
}

func (c *Conn) handleUserControl(m *Message) error {
	if len(m.Payload) < 2 {
		return protocolErr("UserControl", io.ErrUnexpectedEOF)
	}
	event := binary.BigEndian.Uint16(m.Payload)
	if event != EventPingRequest {
		return nil
	}
	if len(m.Payload) < 6 {
		return protocolErr("PingRequest", io.ErrUnexpectedEOF)
	}
	return c.writeMessage(csidControl, userControlMessage(EventPingResponse, binary.BigEndian.Uint32(m.Payload[2:])))
}

func (c *Conn) handleCommand(ctx context.Context, m *Message, payload []byte) error {
	values, err := amf0.DecodeAll(payload)
	if err != nil {
		return protocolErr("command", err)
	}
	if len(values) < 2 {
		return protocolErr("command", fmt.Errorf("%d values", len(values)))
	}
	name, ok := values[0].(string)
	if !ok {
		return protocolErr("command", fmt.Errorf("name is %T", values[0]))
	}
	txn, _ := values[1].(float64)
	args := values[2:]

	c.log.Debug("command", "name", name, "transaction", txn)
	switch name {
	case "connect":
		return c.onConnect(ctx, txn, args)
	case "createStream":
		return c.onCreateStream(txn)
	case "publish":
		return c.onPublish(ctx, m.StreamID, args)
	case "play":
		return c.writeCommand(csidCommand, m.StreamID, "_error", txn, nil,
			statusObject("error", CodePlayFailed, "Playback is not supported."))
	case "deleteStream", "closeStream", "releaseStream", "FCPublish", "FCUnpublish":
		return nil
	default:
		c.log.Debug("ignoring command", "name", name)
		return nil
	}
}

func (c *Conn) onConnect(ctx context.Context, txn float64, args []any) error {
	if c.state != stateConnecting {
		return protocolErr("connect", errors.New("already connected"))
	}
	var obj amf0.Object
	if len(args) > 0 {
		obj, _ = args[0].(amf0.Object)
	}
	c.app = strings.Trim(obj.String("app"), "/")
	c.tcURL = obj.String("tcUrl")
	if c.app == "" {
		return c.rejectConnect(txn, errors.New("missing app"))
	}
	if err := c.handler.OnConnect(ctx, ConnectInfo{App: c.app, TcURL: c.tcURL, Remote: c.nc.RemoteAddr().String()}); err != nil {
		return c.rejectConnect(txn, err)
	}

	if err := c.writeMessage(csidControl, windowAckSizeMessage(c.cfg.WindowAckSize)); err != nil {
		return err
	}
	if err := c.writeMessage(csidControl, setPeerBandwidthMessage(c.cfg.PeerBandwidth, LimitDynamic)); err != nil {
		return err
	}
	if err := c.writeMessage(csidControl, setChunkSizeMessage(c.cfg.ChunkSize)); err != nil {
		return err
	}
	c.wmu.Lock()
	err := c.enc.SetChunkSize(c.cfg.ChunkSize)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	props := amf0.Object{
		{Key: "fmsVer", Value: "FMS/3,0,1,123"},
		{Key: "capabilities", Value: 31.0},
	}
	info := append(statusObject("status", CodeConnectSuccess, "Connection succeeded."),
		amf0.Property{Key: "objectEncoding", Value: obj.Number("objectEncoding")})
	if err := c.writeCommand(csidCommand, 0, "_result", txn, props, info); err != nil {
		return err
	}
	c.state = stateConnected
	c.log.Info("connected", "app", c.app)
	return nil
}

func (c *Conn) rejectConnect(txn float64, cause error) error {
	c.writeCommand(csidCommand, 0, "_error", txn, nil,
		statusObject("error", CodeConnectRejected, cause.Error()))
	return fmt.Errorf("%w: %w", ErrConnectRejected, cause)
}

func (c *Conn) onCreateStream(txn float64) error {
	if c.state < stateConnected {
		return protocolErr("createStream", errors.New("not connected"))
	}
	id := c.nextStreamID
	c.nextStreamID++
	return c.writeCommand(csidCommand, 0, "_result", txn, nil, float64(id))
}

func (c *Conn) onPublish(ctx context.Context, streamID uint32, args []any) error {
	if c.state != stateConnected {
		err := errors.New("publish outside of connected state")
		c.publishStatus(streamID, "error", CodePublishBadName, err.Error())
		return fmt.Errorf("%w: %w", ErrPublishRejected, err)
	}
	// args: command object (null), publishing name, publishing type.
	var name string
	if len(args) > 1 {
		name, _ = args[1].(string)
	}
	key, query, _ := strings.Cut(name, "?")
	if key == "" {
		c.publishStatus(streamID, "error", CodePublishBadName, "missing stream key")
		return fmt.Errorf("%w: missing stream key", ErrPublishRejected)
	}

	pub, err := c.handler.OnPublish(ctx, PublishRequest{
		App:       c.app,
		StreamKey: key,
		Query:     query,
		Remote:    c.nc.RemoteAddr().String(),
		Conn:      c,
	})
	if err != nil {
		c.publishStatus(streamID, "error", CodePublishBadName, err.Error())
		return fmt.Errorf("%w: %w", ErrPublishRejected, err)
	}
	c.publisher = pub
	c.publishStreamID = streamID
	c.state = statePublishing

	if err := c.writeMessage(csidControl, userControlMessage(EventStreamBegin, streamID)); err != nil {
		return err
	}
	if err := c.publishStatus(streamID, "status", CodePublishStart, "Start publishing."); err != nil {
		return err
	}
	c.log.Info("publishing", "app", c.app, "stream_id", streamID)

	if c.metadata != nil {
		md := *c.metadata
		c.metadata = nil
		return c.forward(md, 0)
	}
	return nil
}

func (c *Conn) publishStatus(streamID uint32, level, code, description string) error {
	return c.writeCommand(csidStream, streamID, "onStatus", 0.0, nil, statusObject(level, code, description))
}

func (c *Conn) handleData(m *Message, payload []byte) error {
	tag, err := flv.ParseScriptTag(payload)
	if err != nil {
		return c.fail(&TagError{Type: flv.TagScript, Err: err})
	}
	if tag.Name != "onMetaData" {
		return nil
	}
	if c.state != statePublishing {
		c.metadata = &tag
		return nil
	}
	return c.forward(tag, m.Timestamp)
}

func (c *Conn) handleMedia(m *Message) error {
	if c.state != statePublishing {
		c.log.Debug("media before publish", "type", m.Type)
		return nil
	}
	if len(m.Payload) == 0 {
		return nil
	}
	var (
		tag flv.Tag
		err error
	)
	if m.Type == TypeVideo {
		tag, err = flv.ParseVideoTag(m.Payload)
		if err != nil {
			return c.fail(&TagError{Type: flv.TagVideo, Err: err})
		}
	} else {
		tag, err = flv.ParseAudioTag(m.Payload)
		if err != nil {
			return c.fail(&TagError{Type: flv.TagAudio, Err: err})
		}
	}
	return c.forward(tag, m.Timestamp)
}

func (c *Conn) forward(tag flv.Tag, ts uint32) error {
	if err := c.publisher.WriteTag(tag, ts); err != nil {
		return c.fail(err)
	}
	return nil
}

// fail tells a publishing client why its session is ending before the
// connection is closed.
func (c *Conn) fail(err error) error {
	if c.state == statePublishing {
		if werr := c.publishStatus(c.publishStreamID, "error", CodePublishBadName, err.Error()); werr != nil {
			c.log.Debug("write failure status", "error", werr)
		}
	}
	return err
}
