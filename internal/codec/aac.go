package codec

import (
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
)

// AAC audio object types.
const (
	AACObjectMain = 1
	AACObjectLC   = 2
	AACObjectSBR  = 5
	AACObjectPS   = 29
)

// sampling_frequency_index table (ISO 14496-3 1.6.3.4).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

const aacExplicitRate = 0x0F

// AudioSpecificConfig is the decoder config carried in esds for AAC.
type AudioSpecificConfig struct {
	ObjectType    int
	SampleRate    int
	ChannelConfig int
	// ExtensionObjectType and ExtensionSampleRate are set when explicit
	// SBR/PS signalling is present.
	ExtensionObjectType int
	ExtensionSampleRate int
	// Raw is the exact input, retained so esds can reproduce it.
	Raw []byte
}

// Channels returns the output channel count for the common channel
// configurations.
func (c AudioSpecificConfig) Channels() int {
	switch c.ChannelConfig {
	case 7:
		return 8
	default:
		return c.ChannelConfig
	}
}

// CodecString returns "mp4a.40.<aot>".
func (c AudioSpecificConfig) CodecString() string {
	return fmt.Sprintf("mp4a.40.%d", c.ObjectType)
}

// ParseAudioSpecificConfig parses an AudioSpecificConfig. A
// sampling_frequency_index of 0x0F is followed by an explicit 24-bit rate.
func ParseAudioSpecificConfig(data []byte) (AudioSpecificConfig, error) {
	p := newBitParser(data)
	cfg := AudioSpecificConfig{Raw: data}

	cfg.ObjectType = readAudioObjectType(p)
	cfg.SampleRate = readSamplingFrequency(p)
	cfg.ChannelConfig = int(p.u(4))

	if cfg.ObjectType == AACObjectSBR || cfg.ObjectType == AACObjectPS {
		cfg.ExtensionObjectType = AACObjectSBR
		cfg.ExtensionSampleRate = readSamplingFrequency(p)
		cfg.ObjectType = readAudioObjectType(p)
	}
	if p.err != nil {
		return AudioSpecificConfig{}, invalid("AudioSpecificConfig", p.err)
	}
	if cfg.ObjectType == 0 {
		return AudioSpecificConfig{}, invalid("AudioSpecificConfig object type 0", nil)
	}
	if cfg.SampleRate <= 0 {
		return AudioSpecificConfig{}, invalid("AudioSpecificConfig sample rate", nil)
	}
	return cfg, nil
}

func readAudioObjectType(p *bitParser) int {
	aot := int(p.u(5))
	if aot == 31 {
		aot = 32 + int(p.u(6))
	}
	return aot
}

func readSamplingFrequency(p *bitParser) int {
	idx := p.u(4)
	if idx == aacExplicitRate {
		return int(p.u(24))
	}
	if int(idx) >= len(aacSampleRates) {
		if p.err == nil {
			p.err = fmt.Errorf("reserved sampling_frequency_index %d", idx)
		}
		return 0
	}
	return aacSampleRates[idx]
}

// Marshal encodes the base fields of the config. When Raw is set it is
// returned as-is so extension data survives a round trip.
func (c AudioSpecificConfig) Marshal() []byte {
	if len(c.Raw) > 0 {
		return c.Raw
	}
	w := bytesio.NewBitWriter()
	writeAudioObjectType(w, c.ObjectType)
	writeSamplingFrequency(w, c.SampleRate)
	w.WriteBits(4, uint64(c.ChannelConfig))
	// GASpecificConfig: frameLengthFlag, dependsOnCoreCoder, extensionFlag.
	w.WriteBits(3, 0)
	return w.Bytes()
}

func writeAudioObjectType(w *bytesio.BitWriter, aot int) {
	if aot >= 32 {
		w.WriteBits(5, 31)
		w.WriteBits(6, uint64(aot-32))
		return
	}
	w.WriteBits(5, uint64(aot))
}

func writeSamplingFrequency(w *bytesio.BitWriter, rate int) {
	for i, r := range aacSampleRates {
		if r == rate {
			w.WriteBits(4, uint64(i))
			return
		}
	}
	w.WriteBits(4, aacExplicitRate)
	w.WriteBits(24, uint64(rate))
}

// StripADTS removes an ADTS header from a single raw AAC frame. Some
// encoders send ADTS-framed audio over RTMP; the payload is returned
// unchanged when it carries no ADTS sync word.
func StripADTS(frame []byte) []byte {
	if len(frame) < 7 || frame[0] != 0xFF || frame[1]&0xF0 != 0xF0 {
		return frame
	}
	headerSize := 7
	if frame[1]&0x01 == 0 {
		headerSize = 9
	}
	frameLen := int(frame[3]&0x03)<<11 | int(frame[4])<<3 | int(frame[5]>>5)
	if frameLen < headerSize || frameLen > len(frame) {
		return frame
	}
	return frame[headerSize:frameLen]
}
