package codec

import (
	"fmt"

	"github.com/zsiec/beam/internal/bytesio"
)

// ColorConfig describes the colour signalling found in a sequence header.
// Zero values mean "not signalled".
type ColorConfig struct {
	Primaries       uint8
	Transfer        uint8
	Matrix          uint8
	FullRange       bool
	ChromaFormatIdc uint8
	BitDepthLuma    uint8
	BitDepthChroma  uint8
}

// SPSInfo holds parameters extracted from an H.264 Sequence Parameter Set.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	// FrameRate is time_scale / (2 * num_units_in_tick) when VUI timing is
	// present, otherwise 0 (unknown).
	FrameRate float64
	Color     ColorConfig
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// AVCDecoderConfig is an AVCDecoderConfigurationRecord (ISO 14496-15 5.3.3.1).
type AVCDecoderConfig struct {
	ConfigurationVersion uint8
	ProfileIndication    uint8
	ProfileCompatibility uint8
	LevelIndication      uint8
	LengthSizeMinusOne   uint8
	SPS                  [][]byte
	PPS                  [][]byte

	// Present only for high profiles when the record carries them.
	HasExtension         bool
	ChromaFormat         uint8
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
	SPSExt               [][]byte
}

func hasAVCExtension(profile uint8) bool {
	return profile == 100 || profile == 110 || profile == 122 || profile == 144
}

// ParseAVCDecoderConfig parses an avcC record as found in an RTMP AVC
// sequence header.
func ParseAVCDecoderConfig(data []byte) (*AVCDecoderConfig, error) {
	c := bytesio.NewCursor(data)
	hdr, err := c.ReadSlice(6)
	if err != nil {
		return nil, invalid("avcC header", err)
	}
	cfg := &AVCDecoderConfig{
		ConfigurationVersion: hdr[0],
		ProfileIndication:    hdr[1],
		ProfileCompatibility: hdr[2],
		LevelIndication:      hdr[3],
		LengthSizeMinusOne:   hdr[4] & 0x03,
	}
	if cfg.ConfigurationVersion != 1 {
		return nil, invalid(fmt.Sprintf("avcC version %d", cfg.ConfigurationVersion), nil)
	}
	if cfg.SPS, err = readParamSets(c, int(hdr[5]&0x1F)); err != nil {
		return nil, invalid("avcC sps", err)
	}
	numPPS, err := c.ReadU8()
	if err != nil {
		return nil, invalid("avcC pps count", err)
	}
	if cfg.PPS, err = readParamSets(c, int(numPPS)); err != nil {
		return nil, invalid("avcC pps", err)
	}

	if hasAVCExtension(cfg.ProfileIndication) && c.Remaining() >= 4 {
		ext, _ := c.ReadSlice(4)
		cfg.HasExtension = true
		cfg.ChromaFormat = ext[0] & 0x03
		cfg.BitDepthLumaMinus8 = ext[1] & 0x07
		cfg.BitDepthChromaMinus8 = ext[2] & 0x07
		if cfg.SPSExt, err = readParamSets(c, int(ext[3])); err != nil {
			return nil, invalid("avcC sps ext", err)
		}
	}
	if len(cfg.SPS) == 0 {
		return nil, invalid("avcC has no SPS", nil)
	}
	return cfg, nil
}

func readParamSets(c *bytesio.Cursor, n int) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}
	sets := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		l, err := c.ReadU16()
		if err != nil {
			return nil, err
		}
		b, err := c.ReadSlice(int(l))
		if err != nil {
			return nil, err
		}
		sets = append(sets, b)
	}
	return sets, nil
}

func writeParamSets(w *bytesio.Writer, sets [][]byte) {
	for _, s := range sets {
		w.PutU16(uint16(len(s)))
		w.PutBytes(s)
	}
}

// Marshal serializes the record back into avcC form.
func (c *AVCDecoderConfig) Marshal() []byte {
	var w bytesio.Writer
	w.PutU8(c.ConfigurationVersion)
	w.PutU8(c.ProfileIndication)
	w.PutU8(c.ProfileCompatibility)
	w.PutU8(c.LevelIndication)
	w.PutU8(0xFC | c.LengthSizeMinusOne&0x03)
	w.PutU8(0xE0 | uint8(len(c.SPS))&0x1F)
	writeParamSets(&w, c.SPS)
	w.PutU8(uint8(len(c.PPS)))
	writeParamSets(&w, c.PPS)
	if c.HasExtension {
		w.PutU8(0xFC | c.ChromaFormat&0x03)
		w.PutU8(0xF8 | c.BitDepthLumaMinus8&0x07)
		w.PutU8(0xF8 | c.BitDepthChromaMinus8&0x07)
		w.PutU8(uint8(len(c.SPSExt)))
		writeParamSets(&w, c.SPSExt)
	}
	return w.Bytes()
}

// Info parses the first SPS of the record.
func (c *AVCDecoderConfig) Info() (SPSInfo, error) {
	return ParseSPS(c.SPS[0])
}

// ParseSPS parses an H.264 SPS NAL unit to extract resolution, profile/level,
// frame rate and colour description. The input is the raw NAL data including
// the NAL header byte, without start code or length prefix.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, invalid("SPS too short", nil)
	}

	p := newBitParser(removeEmulationPrevention(nalu[1:]))

	profileIdc := p.u(8)
	constraintFlags := p.u(8)
	levelIdc := p.u(8)
	p.ue() // seq_parameter_set_id

	chromaFormatIdc := uint64(1)
	separateColourPlane := false
	bitDepthLuma, bitDepthChroma := uint64(0), uint64(0)

	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIdc = p.ue()
		if chromaFormatIdc == 3 {
			separateColourPlane = p.flag()
		}
		bitDepthLuma = p.ue()
		bitDepthChroma = p.ue()
		p.skip(1) // qpprime_y_zero_transform_bypass_flag
		if p.flag() {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				if p.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(p, size)
				}
			}
		}
	}

	p.ue() // log2_max_frame_num_minus4
	switch p.ue() {
	case 0:
		p.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		p.skip(1)
		p.se()
		p.se()
		n := p.ue()
		for i := uint64(0); i < n && p.err == nil; i++ {
			p.se()
		}
	}

	p.ue()    // max_num_ref_frames
	p.skip(1) // gaps_in_frame_num_value_allowed_flag

	picWidthMbs := p.ue()
	picHeightMapUnits := p.ue()
	frameMbsOnly := p.u(1)
	if frameMbsOnly == 0 {
		p.skip(1) // mb_adaptive_frame_field_flag
	}
	p.skip(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint64
	if p.flag() {
		cropLeft, cropRight, cropTop, cropBottom = p.ue(), p.ue(), p.ue(), p.ue()
	}
	if p.err != nil {
		return SPSInfo{}, invalid("SPS", p.err)
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint64
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 2, 2
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info := SPSInfo{
		Width:           int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight)),
		Height:          int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom)),
		ProfileIDC:      byte(profileIdc),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIdc),
		Color: ColorConfig{
			ChromaFormatIdc: uint8(chromaFormatIdc),
			BitDepthLuma:    uint8(bitDepthLuma + 8),
			BitDepthChroma:  uint8(bitDepthChroma + 8),
		},
	}

	if !p.flag() || p.err != nil { // vui_parameters_present_flag
		return info, nil
	}

	if p.flag() { // aspect_ratio_info_present_flag
		if p.u(8) == 255 {
			p.skip(32)
		}
	}
	if p.flag() { // overscan_info_present_flag
		p.skip(1)
	}
	if p.flag() { // video_signal_type_present_flag
		p.skip(3) // video_format
		info.Color.FullRange = p.flag()
		if p.flag() {
			info.Color.Primaries = uint8(p.u(8))
			info.Color.Transfer = uint8(p.u(8))
			info.Color.Matrix = uint8(p.u(8))
		}
	}
	if p.flag() { // chroma_loc_info_present_flag
		p.ue()
		p.ue()
	}
	if p.flag() { // timing_info_present_flag
		numUnitsInTick := p.u(32)
		timeScale := p.u(32)
		if p.err == nil && numUnitsInTick > 0 {
			info.FrameRate = float64(timeScale) / float64(2*numUnitsInTick)
		}
	}
	if p.err != nil {
		// Truncated VUI still yields usable geometry.
		info.FrameRate = 0
	}
	return info, nil
}

func skipScalingList(p *bitParser, size int) {
	lastScale, nextScale := int64(8), int64(8)
	for j := 0; j < size && p.err == nil; j++ {
		if nextScale != 0 {
			nextScale = (lastScale + p.se() + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}
