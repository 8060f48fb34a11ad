package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the gRPC content subtype of the Ingest service messages.
const CodecName = "beam-proto"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// message is implemented by every type exchanged on the Ingest service.
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("transcoder: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("transcoder: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

var errMalformed = errors.New("transcoder: malformed message")

// fields walks the top-level fields of b, calling fn with the field number,
// wire type and the raw value bytes (length prefix stripped for bytes).
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			raw []byte
			x   uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			x = uint64(v)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, raw, x); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendMessage(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.marshal())
}

// MediaKind tells the transcoder what a Media payload holds.
type MediaKind uint8

// Media kinds.
const (
	MediaInit MediaKind = iota + 1
	MediaVideo
	MediaAudio
	MediaScriptData
)

func (k MediaKind) String() string {
	switch k {
	case MediaInit:
		return "init"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaScriptData:
		return "script"
	default:
		return fmt.Sprintf("media(%d)", uint8(k))
	}
}

// TrackInfo describes the tracks of an init segment.
type TrackInfo struct {
	VideoCodec string
	Width      int
	Height     int
	FrameRate  float64
	AudioCodec string
	SampleRate int
	Channels   int
}

func (t *TrackInfo) marshal() []byte {
	var b []byte
	b = appendString(b, 1, t.VideoCodec)
	b = appendVarint(b, 2, uint64(t.Width))
	b = appendVarint(b, 3, uint64(t.Height))
	if t.FrameRate != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(t.FrameRate))
	}
	b = appendString(b, 5, t.AudioCodec)
	b = appendVarint(b, 6, uint64(t.SampleRate))
	b = appendVarint(b, 7, uint64(t.Channels))
	return b
}

func (t *TrackInfo) unmarshal(b []byte) error {
	*t = TrackInfo{}
	return fields(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			t.VideoCodec = string(v)
		case 2:
			t.Width = int(x)
		case 3:
			t.Height = int(x)
		case 4:
			t.FrameRate = math.Float64frombits(x)
		case 5:
			t.AudioCodec = string(v)
		case 6:
			t.SampleRate = int(x)
		case 7:
			t.Channels = int(x)
		}
		return nil
	})
}

// Media carries one init segment, media fragment or script data payload.
type Media struct {
	Kind     MediaKind
	Data     []byte
	Keyframe bool
	Sequence uint32
	// DTS is the earliest decode time in milliseconds.
	DTS        uint64
	DurationMS uint32
	Info       *TrackInfo
}

func (m *Media) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.Data)
	b = appendVarint(b, 2, uint64(m.Kind))
	b = appendBool(b, 3, m.Keyframe)
	b = appendVarint(b, 4, uint64(m.Sequence))
	b = appendVarint(b, 5, m.DTS)
	b = appendVarint(b, 6, uint64(m.DurationMS))
	if m.Info != nil {
		b = appendMessage(b, 7, m.Info)
	}
	return b
}

func (m *Media) unmarshal(b []byte) error {
	*m = Media{}
	return fields(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			// The codec's receive buffer is recycled after Unmarshal.
			m.Data = bytes.Clone(v)
		case 2:
			m.Kind = MediaKind(x)
		case 3:
			m.Keyframe = protowire.DecodeBool(x)
		case 4:
			m.Sequence = uint32(x)
		case 5:
			m.DTS = x
		case 6:
			m.DurationMS = uint32(x)
		case 7:
			m.Info = &TrackInfo{}
			return m.Info.unmarshal(v)
		}
		return nil
	})
}

// Open is the first message of a Watch stream.
type Open struct {
	RequestID string
}

// Shutdown ends a Watch stream. Reason is only set by the ingest side.
type Shutdown struct {
	Reason string
}

// Reclaim keeps an in-flight request alive.
type Reclaim struct{}

// ErrorReport is a transcoder-side failure. A fatal report ends the
// publish session.
type ErrorReport struct {
	Code    string
	Message string
	Fatal   bool
}

// WatchRequest is a transcoder to ingest message. Exactly one field is set.
type WatchRequest struct {
	Open     *Open
	Shutdown *Shutdown
	Reclaim  *Reclaim
	Error    *ErrorReport
}

func (r *WatchRequest) marshal() []byte {
	var b []byte
	switch {
	case r.Open != nil:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendString(nil, 1, r.Open.RequestID))
	case r.Shutdown != nil:
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendString(nil, 1, r.Shutdown.Reason))
	case r.Reclaim != nil:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case r.Error != nil:
		var e []byte
		e = appendString(e, 1, r.Error.Code)
		e = appendBool(e, 2, r.Error.Fatal)
		e = appendString(e, 3, r.Error.Message)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func (r *WatchRequest) unmarshal(b []byte) error {
	*r = WatchRequest{}
	return fields(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			r.Open = &Open{}
			return fields(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if num == 1 {
					r.Open.RequestID = string(v)
				}
				return nil
			})
		case 2:
			r.Shutdown = &Shutdown{}
			return fields(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if num == 1 {
					r.Shutdown.Reason = string(v)
				}
				return nil
			})
		case 3:
			r.Reclaim = &Reclaim{}
		case 4:
			r.Error = &ErrorReport{}
			return fields(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch num {
				case 1:
					r.Error.Code = string(v)
				case 2:
					r.Error.Fatal = protowire.DecodeBool(x)
				case 3:
					r.Error.Message = string(v)
				}
				return nil
			})
		}
		return nil
	})
}

// WatchResponse is an ingest to transcoder message. Exactly one field is
// set.
type WatchResponse struct {
	Media    *Media
	Shutdown *Shutdown
}

func (r *WatchResponse) marshal() []byte {
	switch {
	case r.Media != nil:
		return appendMessage(nil, 1, r.Media)
	case r.Shutdown != nil:
		b := protowire.AppendTag(nil, 2, protowire.BytesType)
		return protowire.AppendBytes(b, appendString(nil, 1, r.Shutdown.Reason))
	}
	return nil
}

func (r *WatchResponse) unmarshal(b []byte) error {
	*r = WatchResponse{}
	return fields(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			r.Media = &Media{}
			return r.Media.unmarshal(v)
		case 2:
			r.Shutdown = &Shutdown{}
			return fields(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if num == 1 {
					r.Shutdown.Reason = string(v)
				}
				return nil
			})
		}
		return nil
	})
}

// PollRequest asks for the next unclaimed transcode request, waiting up
// to WaitMS milliseconds.
type PollRequest struct {
	WaitMS uint32
}

func (r *PollRequest) marshal() []byte { return appendVarint(nil, 1, uint64(r.WaitMS)) }

func (r *PollRequest) unmarshal(b []byte) error {
	*r = PollRequest{}
	return fields(b, func(num protowire.Number, _ protowire.Type, _ []byte, x uint64) error {
		if num == 1 {
			r.WaitMS = uint32(x)
		}
		return nil
	})
}

// PollResponse describes a queued transcode request. RequestID is empty
// when nothing was queued before the wait expired.
type PollResponse struct {
	RequestID    string
	Room         string
	Organization string
}

func (r *PollResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.RequestID)
	b = appendString(b, 2, r.Room)
	b = appendString(b, 3, r.Organization)
	return b
}

func (r *PollResponse) unmarshal(b []byte) error {
	*r = PollResponse{}
	return fields(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			r.RequestID = string(v)
		case 2:
			r.Room = string(v)
		case 3:
			r.Organization = string(v)
		}
		return nil
	})
}
