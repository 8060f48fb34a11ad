package rtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/beam/internal/bytesio"
)

const (
	// DefaultChunkSize is the chunk size both directions start with.
	DefaultChunkSize = 128
	// MaxChunkSize is the largest chunk size accepted from a peer.
	MaxChunkSize = 65536

	extendedTimestamp = 0xFFFFFF
	maxChunkStreamID  = 65599
)

// chunkStream is the per-csid decoder state: the last message header seen
// and the message being assembled, if any.
type chunkStream struct {
	initialized bool
	timestamp   uint32
	delta       uint32
	length      uint32
	typeID      MessageType
	streamID    uint32
	lastFmt     uint8
	extended    bool

	partial *Message
}

// ChunkDecoder reassembles messages from an RTMP chunk stream.
type ChunkDecoder struct {
	r         *bufio.Reader
	chunkSize uint32
	streams   map[uint32]*chunkStream
	bytesRead uint64
	scratch   [11]byte
}

// NewChunkDecoder returns a decoder reading from r with the default chunk
// size.
func NewChunkDecoder(r io.Reader) *ChunkDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &ChunkDecoder{
		r:         br,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*chunkStream),
	}
}

// SetChunkSize changes the size of subsequent inbound chunks.
func (d *ChunkDecoder) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}
	d.chunkSize = size
	return nil
}

// ChunkSize returns the current inbound chunk size.
func (d *ChunkDecoder) ChunkSize() uint32 { return d.chunkSize }

// BytesRead returns the number of bytes consumed from the stream.
func (d *ChunkDecoder) BytesRead() uint64 { return d.bytesRead }

// Abort discards the partially assembled message on csid.
func (d *ChunkDecoder) Abort(csid uint32) {
	if cs, ok := d.streams[csid]; ok {
		cs.partial = nil
	}
}

func (d *ChunkDecoder) read(n int) ([]byte, error) {
	b := d.scratch[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, err
	}
	d.bytesRead += uint64(n)
	return b, nil
}

// ReadMessage reads chunks until a message is complete and returns it. The
// returned payload is owned by the caller.
func (d *ChunkDecoder) ReadMessage() (*Message, error) {
	for {
		csid, format, err := d.readBasicHeader()
		if err != nil {
			return nil, err
		}
		cs := d.streams[csid]
		if cs == nil {
			cs = &chunkStream{}
			d.streams[csid] = cs
		}
		if err := d.readMessageHeader(cs, csid, format); err != nil {
			return nil, err
		}

		if cs.partial == nil {
			cs.partial = &Message{
				Type:      cs.typeID,
				StreamID:  cs.streamID,
				Timestamp: cs.timestamp,
				Payload:   make([]byte, 0, cs.length),
			}
		}
		msg := cs.partial
		n := int(cs.length) - len(msg.Payload)
		if n > int(d.chunkSize) {
			n = int(d.chunkSize)
		}
		start := len(msg.Payload)
		msg.Payload = msg.Payload[:start+n]
		if _, err := io.ReadFull(d.r, msg.Payload[start:]); err != nil {
			return nil, err
		}
		d.bytesRead += uint64(n)

		if len(msg.Payload) == int(cs.length) {
			cs.partial = nil
			return msg, nil
		}
	}
}

func (d *ChunkDecoder) readBasicHeader() (csid uint32, format uint8, err error) {
	b, err := d.read(1)
	if err != nil {
		return 0, 0, err
	}
	format = b[0] >> 6
	switch id := b[0] & 0x3F; id {
	case 0:
		b, err = d.read(1)
		if err != nil {
			return 0, 0, err
		}
		csid = uint32(b[0]) + 64
	case 1:
		b, err = d.read(2)
		if err != nil {
			return 0, 0, err
		}
		csid = uint32(binary.LittleEndian.Uint16(b)) + 64
	default:
		csid = uint32(id)
	}
	return csid, format, nil
}

// readMessageHeader applies a chunk message header to cs. A header that
// arrives while a message is still being assembled is consumed but the
// message keeps the header it started with; some encoders repeat a full
// header on every chunk.
func (d *ChunkDecoder) readMessageHeader(cs *chunkStream, csid uint32, format uint8) error {
	inProgress := cs.partial != nil
	if format != 0 && !cs.initialized {
		return protocolErr("chunk header", fmt.Errorf("fmt %d on new chunk stream %d", format, csid))
	}

	switch format {
	case 0:
		b, err := d.read(11)
		if err != nil {
			return err
		}
		ts := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		length := uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5])
		typeID := MessageType(b[6])
		streamID := binary.LittleEndian.Uint32(b[7:11])
		ts, err = d.readExtended(cs, ts)
		if err != nil {
			return err
		}
		if !inProgress {
			cs.timestamp = ts
			cs.delta = 0
			cs.length = length
			cs.typeID = typeID
			cs.streamID = streamID
		}
	case 1:
		b, err := d.read(7)
		if err != nil {
			return err
		}
		delta := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		length := uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5])
		typeID := MessageType(b[6])
		delta, err = d.readExtended(cs, delta)
		if err != nil {
			return err
		}
		if !inProgress {
			cs.delta = delta
			cs.timestamp += delta
			cs.length = length
			cs.typeID = typeID
		}
	case 2:
		b, err := d.read(3)
		if err != nil {
			return err
		}
		delta := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		delta, err = d.readExtended(cs, delta)
		if err != nil {
			return err
		}
		if !inProgress {
			cs.delta = delta
			cs.timestamp += delta
		}
	case 3:
		// The extended timestamp of the previous header is repeated on
		// every type 3 chunk.
		var ext uint32
		if cs.extended {
			b, err := d.read(4)
			if err != nil {
				return err
			}
			ext = binary.BigEndian.Uint32(b)
		}
		if !inProgress {
			switch {
			case cs.lastFmt == 0 && cs.extended:
				cs.timestamp = ext
			case cs.lastFmt == 0:
			case cs.extended:
				cs.delta = ext
				cs.timestamp += ext
			default:
				cs.timestamp += cs.delta
			}
		}
		return nil
	}
	cs.initialized = true
	cs.lastFmt = format
	return nil
}

func (d *ChunkDecoder) readExtended(cs *chunkStream, field uint32) (uint32, error) {
	cs.extended = field == extendedTimestamp
	if !cs.extended {
		return field, nil
	}
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ChunkEncoder splits messages into chunks. The first chunk of every
// message carries a type 0 header and the rest are type 3 continuations.
type ChunkEncoder struct {
	w         io.Writer
	chunkSize uint32
}

// NewChunkEncoder returns an encoder writing to w with the default chunk
// size.
func NewChunkEncoder(w io.Writer) *ChunkEncoder {
	return &ChunkEncoder{w: w, chunkSize: DefaultChunkSize}
}

// SetChunkSize changes the size of subsequent outbound chunks. The peer
// must be told with a SetChunkSize message first.
func (e *ChunkEncoder) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}
	e.chunkSize = size
	return nil
}

// ChunkSize returns the current outbound chunk size.
func (e *ChunkEncoder) ChunkSize() uint32 { return e.chunkSize }

// WriteMessage writes m on chunk stream csid with a single Write call.
func (e *ChunkEncoder) WriteMessage(csid uint32, m *Message) error {
	if csid < 2 || csid > maxChunkStreamID {
		return fmt.Errorf("rtmp: chunk stream id %d out of range", csid)
	}
	if len(m.Payload) > 0xFFFFFF {
		return fmt.Errorf("rtmp: message length %d too large", len(m.Payload))
	}
	extended := m.Timestamp >= extendedTimestamp
	chunks := (len(m.Payload) + int(e.chunkSize) - 1) / int(e.chunkSize)
	if chunks == 0 {
		chunks = 1
	}
	w := bytesio.NewWriter(len(m.Payload) + 16 + chunks*8)

	payload := m.Payload
	for i := 0; i < chunks; i++ {
		if i == 0 {
			putBasicHeader(w, 0, csid)
			ts := m.Timestamp
			if extended {
				ts = extendedTimestamp
			}
			w.PutU24(ts)
			w.PutU24(uint32(len(m.Payload)))
			w.PutU8(uint8(m.Type))
			w.PutU32LE(m.StreamID)
		} else {
			putBasicHeader(w, 3, csid)
		}
		if extended {
			w.PutU32(m.Timestamp)
		}
		n := len(payload)
		if n > int(e.chunkSize) {
			n = int(e.chunkSize)
		}
		w.PutBytes(payload[:n])
		payload = payload[n:]
	}
	_, err := e.w.Write(w.Bytes())
	return err
}

func putBasicHeader(w *bytesio.Writer, format uint8, csid uint32) {
	switch {
	case csid < 64:
		w.PutU8(format<<6 | uint8(csid))
	case csid < 64+256:
		w.PutU8(format << 6)
		w.PutU8(uint8(csid - 64))
	default:
		w.PutU8(format<<6 | 1)
		id := csid - 64
		w.PutU8(uint8(id))
		w.PutU8(uint8(id >> 8))
	}
}
