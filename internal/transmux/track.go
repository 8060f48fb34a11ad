package transmux

import (
	"bytes"
	"fmt"

	"github.com/zsiec/beam/internal/bmff"
	"github.com/zsiec/beam/internal/codec"
	"github.com/zsiec/beam/internal/flv"
)

const (
	videoTrackID   = 1
	audioTrackID   = 2
	videoTimescale = 1000

	aacFrameSamples    = 1024
	opusDefaultSamples = 960

	videoHandlerName = "VideoHandler"
	audioHandlerName = "SoundHandler"
)

// track is one fMP4 track built from a sequence header.
type track struct {
	id        uint32
	timescale uint32
	handler   bmff.BoxType
	entry     bmff.Box
	raw       []byte // sequence header payload, for change detection
	codec     string // RFC 6381

	width, height int
	frameRate     float64
	channels      int

	videoCodec flv.VideoCodec
	audioCodec flv.AudioCodec
}

func (t *track) sameConfig(raw []byte) bool { return bytes.Equal(t.raw, raw) }

func (t *track) trak() *bmff.Trak {
	minf := &bmff.Minf{Dinf: bmff.NewDinf(), Stbl: bmff.NewStbl(t.entry)}
	tkhd := bmff.NewAudioTkhd(t.id)
	name := audioHandlerName
	if t.handler == bmff.HandlerVideo {
		minf.Vmhd = &bmff.Vmhd{}
		tkhd = bmff.NewVideoTkhd(t.id, t.width, t.height)
		name = videoHandlerName
	} else {
		minf.Smhd = &bmff.Smhd{}
	}
	return &bmff.Trak{
		Tkhd: tkhd,
		Mdia: &bmff.Mdia{
			Mdhd: &bmff.Mdhd{Timescale: t.timescale, Language: "und"},
			Hdlr: &bmff.Hdlr{HandlerType: t.handler, Name: name},
			Minf: minf,
		},
	}
}

// newVideoTrack builds the video track from a sequence header tag. meta
// fills in dimensions and frame rate the bitstream does not carry.
func newVideoTrack(v flv.VideoTag, meta flv.Metadata) (*track, error) {
	t := &track{
		id:         videoTrackID,
		timescale:  videoTimescale,
		handler:    bmff.HandlerVideo,
		raw:        bytes.Clone(v.Data),
		videoCodec: v.Codec,
		width:      meta.Width,
		height:     meta.Height,
		frameRate:  meta.FrameRate,
	}
	switch v.Codec {
	case flv.VideoCodecAVC:
		cfg, err := codec.ParseAVCDecoderConfig(v.Data)
		if err != nil {
			return nil, err
		}
		t.codec = fmt.Sprintf("avc1.%02X%02X%02X", cfg.ProfileIndication, cfg.ProfileCompatibility, cfg.LevelIndication)
		if info, err := cfg.Info(); err == nil {
			t.codec = info.CodecString()
			t.width, t.height = info.Width, info.Height
			if info.FrameRate > 0 {
				t.frameRate = info.FrameRate
			}
		}
		t.entry = bmff.NewVisualSampleEntry(bmff.Type("avc1"), t.width, t.height, &bmff.AvcC{Config: cfg})
	case flv.VideoCodecHEVC:
		cfg, err := codec.ParseHEVCDecoderConfig(v.Data)
		if err != nil {
			return nil, err
		}
		t.codec = cfg.CodecString()
		if info, err := cfg.Info(); err == nil {
			t.width, t.height = info.Width, info.Height
		}
		if cfg.AvgFrameRate > 0 && t.frameRate == 0 {
			t.frameRate = float64(cfg.AvgFrameRate) / 256
		}
		t.entry = bmff.NewVisualSampleEntry(bmff.Type("hev1"), t.width, t.height, &bmff.HvcC{Config: cfg})
	case flv.VideoCodecAV1:
		cfg, err := codec.ParseAV1CodecConfig(v.Data)
		if err != nil {
			// Some encoders send the bare sequence header OBU.
			if cfg, err = codec.AV1CodecConfigFromSequenceHeader(v.Data); err != nil {
				return nil, err
			}
		}
		sh, err := cfg.SequenceHeader()
		if err != nil {
			return nil, err
		}
		t.codec = sh.CodecString()
		t.width, t.height = sh.Width, sh.Height
		if sh.FrameRate > 0 {
			t.frameRate = sh.FrameRate
		}
		t.entry = bmff.NewVisualSampleEntry(bmff.Type("av01"), t.width, t.height, &bmff.Av1C{Config: cfg})
	default:
		return nil, fmt.Errorf("%w: %v", flv.ErrUnsupportedCodec, v.Codec)
	}
	return t, nil
}

// newAudioTrack builds the audio track from a sequence header tag.
func newAudioTrack(a flv.AudioTag) (*track, error) {
	t := &track{
		id:         audioTrackID,
		handler:    bmff.HandlerAudio,
		raw:        bytes.Clone(a.Data),
		audioCodec: a.Codec,
	}
	switch a.Codec {
	case flv.AudioCodecAAC:
		asc, err := codec.ParseAudioSpecificConfig(a.Data)
		if err != nil {
			return nil, err
		}
		if asc.SampleRate <= 0 {
			return nil, fmt.Errorf("%w: AAC sample rate %d", codec.ErrInvalidBitstream, asc.SampleRate)
		}
		t.timescale = uint32(asc.SampleRate)
		t.channels = asc.Channels()
		t.codec = asc.CodecString()
		t.entry = bmff.NewAudioSampleEntry(bmff.Type("mp4a"), t.channels, asc.SampleRate,
			bmff.NewAACEsds(audioTrackID, asc.Raw))
	case flv.AudioCodecOpus:
		head, err := codec.ParseOpusHead(a.Data)
		if err != nil {
			return nil, err
		}
		t.timescale = codec.OpusSampleRate
		t.channels = int(head.OutputChannelCount)
		t.codec = "opus"
		t.entry = bmff.NewAudioSampleEntry(bmff.Type("Opus"), t.channels, codec.OpusSampleRate, &bmff.DOps{Head: head})
	default:
		return nil, fmt.Errorf("%w: %v", flv.ErrUnsupportedCodec, a.Codec)
	}
	return t, nil
}

// frameSamples returns the duration of one audio packet in the track
// timescale.
func (t *track) frameSamples(packet []byte) uint32 {
	if t.audioCodec == flv.AudioCodecOpus {
		if n := codec.OpusPacketSamples(packet); n > 0 {
			return uint32(n)
		}
		return opusDefaultSamples
	}
	return aacFrameSamples
}
