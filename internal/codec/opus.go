package codec

import (
	"encoding/binary"
	"time"
)

// OpusHead is the identification header of an Opus stream, which also
// provides the payload of the ISO-BMFF dOps box.
type OpusHead struct {
	Version              uint8
	OutputChannelCount   uint8
	PreSkip              uint16
	InputSampleRate      uint32
	OutputGain           int16
	ChannelMappingFamily uint8
	// Mapping holds StreamCount, CoupledCount and the channel mapping
	// table when ChannelMappingFamily != 0.
	StreamCount    uint8
	CoupledCount   uint8
	ChannelMapping []byte
}

// OpusSampleRate is the fixed Opus decoding rate used as the track timescale.
const OpusSampleRate = 48000

// ParseOpusHead parses an "OpusHead" packet. The magic signature is
// optional so that a bare dOps payload is accepted too.
func ParseOpusHead(data []byte) (OpusHead, error) {
	if len(data) >= 8 && string(data[:8]) == "OpusHead" {
		data = data[8:]
	}
	if len(data) < 11 {
		return OpusHead{}, invalid("OpusHead too short", nil)
	}
	h := OpusHead{
		Version:              data[0],
		OutputChannelCount:   data[1],
		PreSkip:              binary.LittleEndian.Uint16(data[2:4]),
		InputSampleRate:      binary.LittleEndian.Uint32(data[4:8]),
		OutputGain:           int16(binary.LittleEndian.Uint16(data[8:10])),
		ChannelMappingFamily: data[10],
	}
	if h.OutputChannelCount == 0 {
		return OpusHead{}, invalid("OpusHead zero channels", nil)
	}
	if h.ChannelMappingFamily != 0 {
		if len(data) < 13+int(h.OutputChannelCount) {
			return OpusHead{}, invalid("OpusHead mapping table", nil)
		}
		h.StreamCount = data[11]
		h.CoupledCount = data[12]
		h.ChannelMapping = append([]byte(nil), data[13:13+int(h.OutputChannelCount)]...)
	}
	return h, nil
}

// opusFrameSizes maps TOC config to frame duration in 48 kHz samples
// (RFC 6716 section 3.1).
var opusFrameSizes = [32]int{
	480, 960, 1920, 2880, // SILK NB
	480, 960, 1920, 2880, // SILK MB
	480, 960, 1920, 2880, // SILK WB
	480, 960, // Hybrid SWB
	480, 960, // Hybrid FB
	120, 240, 480, 960, // CELT NB
	120, 240, 480, 960, // CELT WB
	120, 240, 480, 960, // CELT SWB
	120, 240, 480, 960, // CELT FB
}

// OpusPacketSamples returns the number of 48 kHz samples in an Opus packet,
// derived from its TOC byte and frame count code. It returns 0 for a
// malformed packet.
func OpusPacketSamples(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	frameSize := opusFrameSizes[toc>>3]
	var frames int
	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3F)
	}
	return frameSize * frames
}

// OpusPacketDuration is OpusPacketSamples expressed as a time.Duration.
func OpusPacketDuration(packet []byte) time.Duration {
	return time.Duration(OpusPacketSamples(packet)) * time.Second / OpusSampleRate
}
