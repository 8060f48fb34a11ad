package flv

import (
	"github.com/zsiec/beam/internal/amf0"
)

// ScriptTag is an AMF0 data message. Only onMetaData is interpreted.
type ScriptTag struct {
	Name     string
	Metadata Metadata
	Values   []any
}

func (ScriptTag) TagType() TagType { return TagScript }

// Metadata holds the onMetaData hints publishers commonly send. Zero means
// not provided.
type Metadata struct {
	Width           int
	Height          int
	FrameRate       float64
	VideoDataRate   float64 // kbit/s
	AudioDataRate   float64 // kbit/s
	AudioSampleRate int
	AudioChannels   int
	VideoCodec      string
	AudioCodec      string
	Encoder         string
}

// ParseScriptTag parses an AMF0 data message. The "@setDataFrame" wrapper
// sent by publishers is unwrapped.
func ParseScriptTag(payload []byte) (ScriptTag, error) {
	values, err := amf0.DecodeAll(payload)
	if err != nil {
		return ScriptTag{}, err
	}
	if len(values) > 0 && values[0] == "@setDataFrame" {
		values = values[1:]
	}
	tag := ScriptTag{Values: values}
	if len(values) == 0 {
		return tag, nil
	}
	tag.Name, _ = values[0].(string)
	if tag.Name == "onMetaData" && len(values) > 1 {
		tag.Metadata = parseMetadata(values[1])
	}
	return tag, nil
}

type propertyGetter interface {
	Get(key string) (any, bool)
}

func parseMetadata(v any) Metadata {
	var props propertyGetter
	switch o := v.(type) {
	case amf0.Object:
		props = o
	case amf0.EcmaArray:
		props = o
	default:
		return Metadata{}
	}
	num := func(key string) float64 {
		v, _ := props.Get(key)
		f, _ := v.(float64)
		return f
	}
	m := Metadata{
		Width:           int(num("width")),
		Height:          int(num("height")),
		FrameRate:       num("framerate"),
		VideoDataRate:   num("videodatarate"),
		AudioDataRate:   num("audiodatarate"),
		AudioSampleRate: int(num("audiosamplerate")),
		VideoCodec:      codecName(props, "videocodecid"),
		AudioCodec:      codecName(props, "audiocodecid"),
	}
	if m.FrameRate == 0 {
		m.FrameRate = num("fps")
	}
	if v, ok := props.Get("stereo"); ok {
		if stereo, _ := v.(bool); stereo {
			m.AudioChannels = 2
		} else {
			m.AudioChannels = 1
		}
	}
	if ch := num("audiochannels"); ch > 0 {
		m.AudioChannels = int(ch)
	}
	if v, ok := props.Get("encoder"); ok {
		m.Encoder, _ = v.(string)
	}
	return m
}

// codecName maps numeric legacy ids and FourCC strings (which Enhanced RTMP
// publishers send as numbers or strings) to a codec name.
func codecName(props propertyGetter, key string) string {
	v, ok := props.Get(key)
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return fourCCName(id)
	case float64:
		switch id {
		case legacyCodecAVC:
			return VideoCodecAVC.String()
		case legacyCodecHEVC:
			return VideoCodecHEVC.String()
		case soundFormatAAC:
			return AudioCodecAAC.String()
		}
		u := uint32(id)
		return fourCCName(string([]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}))
	}
	return ""
}

func fourCCName(s string) string {
	switch s {
	case FourCCAVC:
		return VideoCodecAVC.String()
	case FourCCHEVC:
		return VideoCodecHEVC.String()
	case FourCCAV1:
		return VideoCodecAV1.String()
	case FourCCAAC:
		return AudioCodecAAC.String()
	case FourCCOpus:
		return AudioCodecOpus.String()
	}
	return ""
}
