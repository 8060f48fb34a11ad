// Package flv parses the FLV-style audio, video and script payloads carried
// by RTMP messages, including the Enhanced RTMP extended headers.
package flv

import (
	"errors"
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
)

// TagType matches the RTMP message type id of the payload.
type TagType uint8

// Tag types.
const (
	TagAudio  TagType = 8
	TagVideo  TagType = 9
	TagScript TagType = 18
)

func (t TagType) String() string {
	switch t {
	case TagAudio:
		return "audio"
	case TagVideo:
		return "video"
	case TagScript:
		return "script"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

var (
	ErrUnsupportedCodec  = errors.New("flv: unsupported codec")
	ErrUnsupportedPacket = errors.New("flv: unsupported packet type")
	ErrTruncated         = errors.New("flv: truncated tag")
)

// Tag is a parsed VideoTag, AudioTag or ScriptTag.
type Tag interface {
	TagType() TagType
}

// ParseTag parses an RTMP audio, video or AMF0 data message payload.
func ParseTag(t TagType, payload []byte) (Tag, error) {
	switch t {
	case TagVideo:
		return ParseVideoTag(payload)
	case TagAudio:
		return ParseAudioTag(payload)
	case TagScript:
		return ParseScriptTag(payload)
	default:
		return nil, fmt.Errorf("flv: unknown tag type %d", t)
	}
}

// VideoCodec identifies the video codec of a tag.
type VideoCodec uint8

// Video codecs.
const (
	VideoCodecAVC VideoCodec = iota + 1
	VideoCodecHEVC
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecAVC:
		return "avc"
	case VideoCodecHEVC:
		return "hevc"
	case VideoCodecAV1:
		return "av1"
	default:
		return fmt.Sprintf("video(%d)", uint8(c))
	}
}

// Legacy FLV codec ids. 12 is the widely deployed HEVC extension.
const (
	legacyCodecAVC  = 7
	legacyCodecHEVC = 12
)

// Enhanced RTMP FourCC codes.
const (
	FourCCAVC  = "avc1"
	FourCCHEVC = "hvc1"
	FourCCAV1  = "av01"
	FourCCOpus = "Opus"
	FourCCAAC  = "mp4a"
)

// FrameType is the FLV video frame type.
type FrameType uint8

// Frame types.
const (
	FrameKey        FrameType = 1
	FrameInter      FrameType = 2
	FrameDisposable FrameType = 3
	FrameGenerated  FrameType = 4
	FrameCommand    FrameType = 5
)

// VideoPacketType normalizes legacy AVCPacketType and Enhanced RTMP packet
// types.
type VideoPacketType uint8

// Video packet types.
const (
	VideoSequenceHeader VideoPacketType = iota
	VideoCodedFrames
	VideoEndOfSequence
	VideoMetadata
)

// Enhanced RTMP video packet types.
const (
	exVideoSequenceStart = 0
	exVideoCodedFrames   = 1
	exVideoSequenceEnd   = 2
	exVideoCodedFramesX  = 3
	exVideoMetadata      = 4
)

// VideoTag is one video message.
type VideoTag struct {
	FrameType  FrameType
	Codec      VideoCodec
	PacketType VideoPacketType
	// CompositionTime is the PTS-DTS offset in milliseconds.
	CompositionTime int32
	// Enhanced is set when the tag used the extended header.
	Enhanced bool
	Data     []byte
}

func (VideoTag) TagType() TagType { return TagVideo }

// IsKeyframe reports whether the tag carries a random access point.
func (t VideoTag) IsKeyframe() bool { return t.FrameType == FrameKey }

// ParseVideoTag parses a video message payload.
func ParseVideoTag(payload []byte) (VideoTag, error) {
	c := bytesio.NewCursor(payload)
	b, err := c.ReadU8()
	if err != nil {
		return VideoTag{}, ErrTruncated
	}
	if b&0x80 != 0 {
		return parseExVideoTag(c, b)
	}

	tag := VideoTag{FrameType: FrameType(b >> 4)}
	switch b & 0x0F {
	case legacyCodecAVC:
		tag.Codec = VideoCodecAVC
	case legacyCodecHEVC:
		tag.Codec = VideoCodecHEVC
	default:
		return VideoTag{}, fmt.Errorf("%w: video codec id %d", ErrUnsupportedCodec, b&0x0F)
	}
	if tag.FrameType == FrameCommand {
		tag.PacketType = VideoMetadata
		tag.Data = c.Rest()
		return tag, nil
	}
	pt, err := c.ReadU8()
	if err != nil {
		return VideoTag{}, ErrTruncated
	}
	switch pt {
	case 0:
		tag.PacketType = VideoSequenceHeader
	case 1:
		tag.PacketType = VideoCodedFrames
	case 2:
		tag.PacketType = VideoEndOfSequence
	default:
		return VideoTag{}, fmt.Errorf("%w: AVCPacketType %d", ErrUnsupportedPacket, pt)
	}
	cts, err := c.ReadI24()
	if err != nil {
		return VideoTag{}, ErrTruncated
	}
	tag.CompositionTime = cts
	tag.Data = c.Rest()
	return tag, nil
}

func parseExVideoTag(c *bytesio.Cursor, b byte) (VideoTag, error) {
	tag := VideoTag{FrameType: FrameType(b >> 4 & 0x07), Enhanced: true}
	fourCC, err := c.ReadSlice(4)
	if err != nil {
		return VideoTag{}, ErrTruncated
	}
	switch string(fourCC) {
	case FourCCAVC:
		tag.Codec = VideoCodecAVC
	case FourCCHEVC:
		tag.Codec = VideoCodecHEVC
	case FourCCAV1:
		tag.Codec = VideoCodecAV1
	default:
		return VideoTag{}, fmt.Errorf("%w: fourcc %q", ErrUnsupportedCodec, fourCC)
	}

	switch b & 0x0F {
	case exVideoSequenceStart:
		tag.PacketType = VideoSequenceHeader
	case exVideoCodedFrames:
		tag.PacketType = VideoCodedFrames
		if tag.Codec != VideoCodecAV1 {
			cts, err := c.ReadI24()
			if err != nil {
				return VideoTag{}, ErrTruncated
			}
			tag.CompositionTime = cts
		}
	case exVideoCodedFramesX:
		tag.PacketType = VideoCodedFrames
	case exVideoSequenceEnd:
		tag.PacketType = VideoEndOfSequence
	case exVideoMetadata:
		tag.PacketType = VideoMetadata
	default:
		return VideoTag{}, fmt.Errorf("%w: extended video packet type %d", ErrUnsupportedPacket, b&0x0F)
	}
	tag.Data = c.Rest()
	return tag, nil
}

// Marshal encodes the tag. AVC and HEVC use the legacy header unless the
// tag was parsed from an extended header; AV1 always uses the extended one.
func (t VideoTag) Marshal() []byte {
	var w bytesio.Writer
	if !t.Enhanced && t.Codec != VideoCodecAV1 {
		id := byte(legacyCodecAVC)
		if t.Codec == VideoCodecHEVC {
			id = legacyCodecHEVC
		}
		w.PutU8(byte(t.FrameType)<<4 | id)
		switch t.PacketType {
		case VideoSequenceHeader:
			w.PutU8(0)
		case VideoEndOfSequence:
			w.PutU8(2)
		default:
			w.PutU8(1)
		}
		w.PutU24(uint32(t.CompositionTime) & 0xFFFFFF)
		w.PutBytes(t.Data)
		return w.Bytes()
	}

	var pt byte
	withCTS := false
	switch t.PacketType {
	case VideoSequenceHeader:
		pt = exVideoSequenceStart
	case VideoEndOfSequence:
		pt = exVideoSequenceEnd
	case VideoMetadata:
		pt = exVideoMetadata
	default:
		if t.CompositionTime != 0 && t.Codec != VideoCodecAV1 {
			pt = exVideoCodedFrames
			withCTS = true
		} else {
			pt = exVideoCodedFramesX
		}
	}
	w.PutU8(0x80 | byte(t.FrameType&0x07)<<4 | pt)
	switch t.Codec {
	case VideoCodecHEVC:
		w.PutBytes([]byte(FourCCHEVC))
	case VideoCodecAV1:
		w.PutBytes([]byte(FourCCAV1))
	default:
		w.PutBytes([]byte(FourCCAVC))
	}
	if withCTS {
		w.PutU24(uint32(t.CompositionTime) & 0xFFFFFF)
	}
	w.PutBytes(t.Data)
	return w.Bytes()
}

// AudioCodec identifies the audio codec of a tag.
type AudioCodec uint8

// Audio codecs.
const (
	AudioCodecAAC AudioCodec = iota + 1
	AudioCodecOpus
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "aac"
	case AudioCodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("audio(%d)", uint8(c))
	}
}

const (
	soundFormatAAC   = 10
	soundFormatExHdr = 9
)

// AudioPacketType normalizes AACPacketType and Enhanced RTMP audio packet
// types.
type AudioPacketType uint8

// Audio packet types.
const (
	AudioSequenceHeader AudioPacketType = iota
	AudioRaw
	AudioEndOfSequence
)

// AudioTag is one audio message. SoundRate, SoundSize and SoundType are the
// legacy header bits and are informational only; the codec config is
// authoritative.
type AudioTag struct {
	Codec      AudioCodec
	PacketType AudioPacketType
	SoundRate  uint8
	SoundSize  uint8
	SoundType  uint8
	Enhanced   bool
	Data       []byte
}

func (AudioTag) TagType() TagType { return TagAudio }

// ParseAudioTag parses an audio message payload.
func ParseAudioTag(payload []byte) (AudioTag, error) {
	c := bytesio.NewCursor(payload)
	b, err := c.ReadU8()
	if err != nil {
		return AudioTag{}, ErrTruncated
	}
	tag := AudioTag{
		SoundRate: b >> 2 & 0x03,
		SoundSize: b >> 1 & 0x01,
		SoundType: b & 0x01,
	}
	switch b >> 4 {
	case soundFormatAAC:
		tag.Codec = AudioCodecAAC
		pt, err := c.ReadU8()
		if err != nil {
			return AudioTag{}, ErrTruncated
		}
		switch pt {
		case 0:
			tag.PacketType = AudioSequenceHeader
		case 1:
			tag.PacketType = AudioRaw
		default:
			return AudioTag{}, fmt.Errorf("%w: AACPacketType %d", ErrUnsupportedPacket, pt)
		}
	case soundFormatExHdr:
		tag = AudioTag{Enhanced: true}
		fourCC, err := c.ReadSlice(4)
		if err != nil {
			return AudioTag{}, ErrTruncated
		}
		switch string(fourCC) {
		case FourCCAAC:
			tag.Codec = AudioCodecAAC
		case FourCCOpus:
			tag.Codec = AudioCodecOpus
		default:
			return AudioTag{}, fmt.Errorf("%w: fourcc %q", ErrUnsupportedCodec, fourCC)
		}
		switch b & 0x0F {
		case 0:
			tag.PacketType = AudioSequenceHeader
		case 1:
			tag.PacketType = AudioRaw
		case 2:
			tag.PacketType = AudioEndOfSequence
		default:
			return AudioTag{}, fmt.Errorf("%w: extended audio packet type %d", ErrUnsupportedPacket, b&0x0F)
		}
	default:
		return AudioTag{}, fmt.Errorf("%w: sound format %d", ErrUnsupportedCodec, b>>4)
	}
	tag.Data = c.Rest()
	return tag, nil
}

// Marshal encodes the tag. AAC uses the legacy header unless Enhanced is
// set; Opus always uses the extended header.
func (t AudioTag) Marshal() []byte {
	var w bytesio.Writer
	if t.Codec == AudioCodecAAC && !t.Enhanced {
		// AAC is always signalled as 44 kHz, 16-bit, stereo.
		w.PutU8(soundFormatAAC<<4 | 0x0F)
		if t.PacketType == AudioSequenceHeader {
			w.PutU8(0)
		} else {
			w.PutU8(1)
		}
		w.PutBytes(t.Data)
		return w.Bytes()
	}
	pt := byte(1)
	switch t.PacketType {
	case AudioSequenceHeader:
		pt = 0
	case AudioEndOfSequence:
		pt = 2
	}
	w.PutU8(soundFormatExHdr<<4 | pt)
	if t.Codec == AudioCodecOpus {
		w.PutBytes([]byte(FourCCOpus))
	} else {
		w.PutBytes([]byte(FourCCAAC))
	}
	w.PutBytes(t.Data)
	return w.Bytes()
}
