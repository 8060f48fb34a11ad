package codec

import (
	"fmt"
	"math/bits"

	"github.com/zsiec/beam/internal/bytesio"
)

// HEVCSPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0").
func (s HEVCSPSInfo) CodecString() string {
	return hevcCodecString(s.ProfileIDC, s.TierFlag, s.LevelIDC, s.ProfileCompatibilityFlags, s.ConstraintIndicatorFlags)
}

func hevcCodecString(profile, tierFlag, level byte, compat uint32, constraints uint64) string {
	tier := "L"
	if tierFlag == 1 {
		tier = "H"
	}
	codec := fmt.Sprintf("hev1.%d.%X.%s%d", profile, bits.Reverse32(compat), tier, level)

	// six constraint bytes, trailing zero bytes omitted
	var cb [6]byte
	for i := 0; i < 6; i++ {
		cb[i] = byte(constraints >> uint((5-i)*8))
	}
	last := -1
	for i := 5; i >= 0; i-- {
		if cb[i] != 0 {
			last = i
			break
		}
	}
	for i := 0; i <= last; i++ {
		codec += fmt.Sprintf(".%X", cb[i])
	}
	return codec
}

// HEVCNALArray is one parameter-set array of an hvcC record.
type HEVCNALArray struct {
	Completeness bool
	NALUnitType  uint8
	NALUs        [][]byte
}

// HEVCDecoderConfig is an HEVCDecoderConfigurationRecord (ISO 14496-15 8.3.3.1).
type HEVCDecoderConfig struct {
	ConfigurationVersion             uint8
	GeneralProfileSpace              uint8
	GeneralTierFlag                  uint8
	GeneralProfileIDC                uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  uint64
	GeneralLevelIDC                  uint8
	MinSpatialSegmentationIDC        uint16
	ParallelismType                  uint8
	ChromaFormatIDC                  uint8
	BitDepthLumaMinus8               uint8
	BitDepthChromaMinus8             uint8
	AvgFrameRate                     uint16
	ConstantFrameRate                uint8
	NumTemporalLayers                uint8
	TemporalIDNested                 bool
	LengthSizeMinusOne               uint8
	Arrays                           []HEVCNALArray
}

// ParseHEVCDecoderConfig parses an hvcC record.
func ParseHEVCDecoderConfig(data []byte) (*HEVCDecoderConfig, error) {
	c := bytesio.NewCursor(data)
	hdr, err := c.ReadSlice(23)
	if err != nil {
		return nil, invalid("hvcC header", err)
	}
	p := newBitParser(hdr)
	cfg := &HEVCDecoderConfig{
		ConfigurationVersion: uint8(p.u(8)),
		GeneralProfileSpace:  uint8(p.u(2)),
		GeneralTierFlag:      uint8(p.u(1)),
		GeneralProfileIDC:    uint8(p.u(5)),
	}
	cfg.GeneralProfileCompatibilityFlags = uint32(p.u(32))
	cfg.GeneralConstraintIndicatorFlags = p.u(48)
	cfg.GeneralLevelIDC = uint8(p.u(8))
	p.skip(4)
	cfg.MinSpatialSegmentationIDC = uint16(p.u(12))
	p.skip(6)
	cfg.ParallelismType = uint8(p.u(2))
	p.skip(6)
	cfg.ChromaFormatIDC = uint8(p.u(2))
	p.skip(5)
	cfg.BitDepthLumaMinus8 = uint8(p.u(3))
	p.skip(5)
	cfg.BitDepthChromaMinus8 = uint8(p.u(3))
	cfg.AvgFrameRate = uint16(p.u(16))
	cfg.ConstantFrameRate = uint8(p.u(2))
	cfg.NumTemporalLayers = uint8(p.u(3))
	cfg.TemporalIDNested = p.flag()
	cfg.LengthSizeMinusOne = uint8(p.u(2))
	numArrays := int(p.u(8))
	if p.err != nil {
		return nil, invalid("hvcC header", p.err)
	}
	if cfg.ConfigurationVersion != 1 {
		return nil, invalid(fmt.Sprintf("hvcC version %d", cfg.ConfigurationVersion), nil)
	}

	for i := 0; i < numArrays; i++ {
		b, err := c.ReadU8()
		if err != nil {
			return nil, invalid("hvcC array", err)
		}
		n, err := c.ReadU16()
		if err != nil {
			return nil, invalid("hvcC array", err)
		}
		arr := HEVCNALArray{Completeness: b&0x80 != 0, NALUnitType: b & 0x3F}
		if arr.NALUs, err = readParamSets(c, int(n)); err != nil {
			return nil, invalid("hvcC nalu", err)
		}
		cfg.Arrays = append(cfg.Arrays, arr)
	}
	return cfg, nil
}

// Marshal serializes the record back into hvcC form.
func (c *HEVCDecoderConfig) Marshal() []byte {
	bw := bytesio.NewBitWriter()
	bw.WriteBits(8, uint64(c.ConfigurationVersion))
	bw.WriteBits(2, uint64(c.GeneralProfileSpace))
	bw.WriteBits(1, uint64(c.GeneralTierFlag))
	bw.WriteBits(5, uint64(c.GeneralProfileIDC))
	bw.WriteBits(32, uint64(c.GeneralProfileCompatibilityFlags))
	bw.WriteBits(48, c.GeneralConstraintIndicatorFlags)
	bw.WriteBits(8, uint64(c.GeneralLevelIDC))
	bw.WriteBits(4, 0xF)
	bw.WriteBits(12, uint64(c.MinSpatialSegmentationIDC))
	bw.WriteBits(6, 0x3F)
	bw.WriteBits(2, uint64(c.ParallelismType))
	bw.WriteBits(6, 0x3F)
	bw.WriteBits(2, uint64(c.ChromaFormatIDC))
	bw.WriteBits(5, 0x1F)
	bw.WriteBits(3, uint64(c.BitDepthLumaMinus8))
	bw.WriteBits(5, 0x1F)
	bw.WriteBits(3, uint64(c.BitDepthChromaMinus8))
	bw.WriteBits(16, uint64(c.AvgFrameRate))
	bw.WriteBits(2, uint64(c.ConstantFrameRate))
	bw.WriteBits(3, uint64(c.NumTemporalLayers))
	bw.WriteBit(c.TemporalIDNested)
	bw.WriteBits(2, uint64(c.LengthSizeMinusOne))
	bw.WriteBits(8, uint64(len(c.Arrays)))

	w := bytesio.Writer{}
	w.PutBytes(bw.Bytes())
	for _, arr := range c.Arrays {
		b := arr.NALUnitType & 0x3F
		if arr.Completeness {
			b |= 0x80
		}
		w.PutU8(b)
		w.PutU16(uint16(len(arr.NALUs)))
		writeParamSets(&w, arr.NALUs)
	}
	return w.Bytes()
}

// NALUs returns the parameter sets of the given NAL unit type.
func (c *HEVCDecoderConfig) NALUs(nalType uint8) [][]byte {
	for _, arr := range c.Arrays {
		if arr.NALUnitType == nalType {
			return arr.NALUs
		}
	}
	return nil
}

// CodecString returns the RFC 6381 codec string derived from the record.
func (c *HEVCDecoderConfig) CodecString() string {
	return hevcCodecString(c.GeneralProfileIDC, c.GeneralTierFlag, c.GeneralLevelIDC,
		c.GeneralProfileCompatibilityFlags, c.GeneralConstraintIndicatorFlags)
}

// Info parses the first SPS carried by the record.
func (c *HEVCDecoderConfig) Info() (HEVCSPSInfo, error) {
	sps := c.NALUs(HEVCNALSPS)
	if len(sps) == 0 {
		return HEVCSPSInfo{}, invalid("hvcC has no SPS", nil)
	}
	return ParseHEVCSPS(sps[0])
}

// ParseHEVCSPS parses an HEVC SPS NAL unit to extract resolution and
// profile/tier/level. The input is the raw NAL data including the 2-byte
// NAL header.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, invalid("HEVC SPS too short", nil)
	}

	p := newBitParser(removeEmulationPrevention(nalu[2:]))

	p.skip(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := int(p.u(3))
	p.skip(1) // sps_temporal_id_nesting_flag

	info := HEVCSPSInfo{}
	parseHEVCProfileTierLevel(p, &info, maxSubLayersMinus1)

	p.ue() // sps_seq_parameter_set_id
	chromaFormatIdc := p.ue()
	info.ChromaFormatIdc = byte(chromaFormatIdc)
	if chromaFormatIdc == 3 {
		p.skip(1) // separate_colour_plane_flag
	}
	info.Width = int(p.ue())
	info.Height = int(p.ue())
	if p.err != nil {
		return HEVCSPSInfo{}, invalid("HEVC SPS", p.err)
	}

	if p.flag() { // conformance_window_flag
		left, right, top, bottom := p.ue(), p.ue(), p.ue(), p.ue()
		var subWidthC, subHeightC uint64
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}
		if p.err == nil {
			info.Width -= int((left + right) * subWidthC)
			info.Height -= int((top + bottom) * subHeightC)
		}
	}

	bdl, bdc := p.ue(), p.ue()
	if p.err == nil {
		info.BitDepthLumaMinus8 = byte(bdl)
		info.BitDepthChromaMinus8 = byte(bdc)
	}
	return info, nil
}

func parseHEVCProfileTierLevel(p *bitParser, info *HEVCSPSInfo, maxSubLayersMinus1 int) {
	p.skip(2) // general_profile_space
	info.TierFlag = byte(p.u(1))
	info.ProfileIDC = byte(p.u(5))
	info.ProfileCompatibilityFlags = uint32(p.u(32))
	info.ConstraintIndicatorFlags = p.u(48)
	info.LevelIDC = byte(p.u(8))

	if maxSubLayersMinus1 == 0 {
		return
	}
	var profilePresent, levelPresent [8]bool
	for i := 0; i < maxSubLayersMinus1; i++ {
		profilePresent[i] = p.flag()
		levelPresent[i] = p.flag()
	}
	for i := maxSubLayersMinus1; i < 8; i++ {
		p.skip(2) // reserved_zero_2bits
	}
	for i := 0; i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			p.skip(88)
		}
		if levelPresent[i] {
			p.skip(8)
		}
	}
}
