package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/beam/internal/bytesio"
)

// baselineSPS builds a 640x480 Baseline@3.1 SPS without VUI.
func baselineSPS() []byte {
	w := bytesio.NewBitWriter()
	w.WriteBits(8, 0x67)
	w.WriteBits(8, 66) // profile_idc
	w.WriteBits(8, 0)  // constraint flags
	w.WriteBits(8, 31) // level_idc
	w.WriteUE(0)       // seq_parameter_set_id
	w.WriteUE(0)       // log2_max_frame_num_minus4
	w.WriteUE(2)       // pic_order_cnt_type
	w.WriteUE(1)       // max_num_ref_frames
	w.WriteBit(false)  // gaps_in_frame_num_value_allowed_flag
	w.WriteUE(39)      // pic_width_in_mbs_minus1
	w.WriteUE(29)      // pic_height_in_map_units_minus1
	w.WriteBit(true)   // frame_mbs_only_flag
	w.WriteBit(true)   // direct_8x8_inference_flag
	w.WriteBit(false)  // frame_cropping_flag
	w.WriteBit(false)  // vui_parameters_present_flag
	w.WriteBit(true)   // rbsp_stop_one_bit
	return w.Bytes()
}

func TestBaselineSPSBytes(t *testing.T) {
	t.Parallel()
	want := []byte{0x67, 0x42, 0x00, 0x1F, 0xDA, 0x02, 0x80, 0xF6, 0x40}
	if got := baselineSPS(); !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestParseSPS(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(baselineSPS())
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 640 || info.Height != 480 {
		t.Errorf("got %dx%d, want 640x480", info.Width, info.Height)
	}
	if info.ProfileIDC != 66 || info.LevelIDC != 31 {
		t.Errorf("profile/level: got %d/%d", info.ProfileIDC, info.LevelIDC)
	}
	if info.FrameRate != 0 {
		t.Errorf("FrameRate: got %v, want 0 without VUI", info.FrameRate)
	}
	if got := info.CodecString(); got != "avc1.42001F" {
		t.Errorf("CodecString: got %q", got)
	}
}

func TestParseSPSWithTiming(t *testing.T) {
	t.Parallel()
	w := bytesio.NewBitWriter()
	w.WriteBits(8, 0x67)
	w.WriteBits(8, 66)
	w.WriteBits(8, 0)
	w.WriteBits(8, 40)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(2)
	w.WriteUE(1)
	w.WriteBit(false)
	w.WriteUE(119) // 1920
	w.WriteUE(67)  // 1088
	w.WriteBit(true)
	w.WriteBit(true)
	w.WriteBit(true) // frame_cropping_flag
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(4) // 8 lines at 4:2:0
	w.WriteBit(true) // vui
	w.WriteBit(false) // aspect_ratio_info_present_flag
	w.WriteBit(false) // overscan_info_present_flag
	w.WriteBit(true)  // video_signal_type_present_flag
	w.WriteBits(3, 5)
	w.WriteBit(true) // full range
	w.WriteBit(true) // colour_description_present_flag
	w.WriteBits(8, 1)
	w.WriteBits(8, 1)
	w.WriteBits(8, 1)
	w.WriteBit(false) // chroma_loc_info_present_flag
	w.WriteBit(true)  // timing_info_present_flag
	w.WriteBits(32, 1001)
	w.WriteBits(32, 60000)
	w.WriteBit(true) // fixed_frame_rate_flag

	info, err := ParseSPS(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("got %dx%d, want 1920x1080", info.Width, info.Height)
	}
	if info.FrameRate < 29.96 || info.FrameRate > 29.98 {
		t.Errorf("FrameRate: got %v, want ~29.97", info.FrameRate)
	}
	if !info.Color.FullRange || info.Color.Primaries != 1 || info.Color.Matrix != 1 {
		t.Errorf("Color: got %+v", info.Color)
	}
}

func TestAVCDecoderConfigRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := &AVCDecoderConfig{
		ConfigurationVersion: 1,
		ProfileIndication:    66,
		LevelIndication:      31,
		LengthSizeMinusOne:   3,
		SPS:                  [][]byte{baselineSPS()},
		PPS:                  [][]byte{{0x68, 0xCE, 0x38, 0x80}},
	}
	parsed, err := ParseAVCDecoderConfig(cfg.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.LengthSizeMinusOne != 3 || len(parsed.SPS) != 1 || len(parsed.PPS) != 1 {
		t.Fatalf("got %+v", parsed)
	}
	if !bytes.Equal(parsed.Marshal(), cfg.Marshal()) {
		t.Error("re-marshalled record differs")
	}
	info, err := parsed.Info()
	if err != nil || info.Width != 640 {
		t.Errorf("Info: got %+v, %v", info, err)
	}
}

func TestParseAVCDecoderConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", []byte{1, 66, 0}},
		{"bad version", []byte{2, 66, 0, 31, 0xFF, 0xE0, 0}},
		{"no sps", []byte{1, 66, 0, 31, 0xFF, 0xE0, 0}},
		{"truncated sps", []byte{1, 66, 0, 31, 0xFF, 0xE1, 0x00, 0x09, 0x67}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseAVCDecoderConfig(tt.data); !errors.Is(err, ErrInvalidBitstream) {
				t.Errorf("got %v, want ErrInvalidBitstream", err)
			}
		})
	}
}

func mainProfileSPS() []byte {
	w := bytesio.NewBitWriter()
	w.WriteBits(16, 0x4201)
	w.WriteBits(4, 0) // sps_video_parameter_set_id
	w.WriteBits(3, 0) // sps_max_sub_layers_minus1
	w.WriteBit(true)
	w.WriteBits(2, 0)
	w.WriteBit(false)
	w.WriteBits(5, 1)
	w.WriteBits(32, 0x60000000)
	w.WriteBits(48, 0x900000000000)
	w.WriteBits(8, 93)
	w.WriteUE(0)    // sps_seq_parameter_set_id
	w.WriteUE(1)    // chroma_format_idc
	w.WriteUE(1920) // pic_width_in_luma_samples
	w.WriteUE(1088) // pic_height_in_luma_samples
	w.WriteBit(true)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(4)
	w.WriteUE(0) // bit_depth_luma_minus8
	w.WriteUE(0) // bit_depth_chroma_minus8
	w.WriteBit(true)
	return w.Bytes()
}

func TestParseHEVCSPS(t *testing.T) {
	t.Parallel()
	info, err := ParseHEVCSPS(mainProfileSPS())
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("got %dx%d, want 1920x1080", info.Width, info.Height)
	}
	if got := info.CodecString(); got != "hev1.1.6.L93.90" {
		t.Errorf("CodecString: got %q", got)
	}
}

func TestHEVCDecoderConfigRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := &HEVCDecoderConfig{
		ConfigurationVersion:             1,
		GeneralProfileIDC:                1,
		GeneralProfileCompatibilityFlags: 0x60000000,
		GeneralConstraintIndicatorFlags:  0x900000000000,
		GeneralLevelIDC:                  93,
		ChromaFormatIDC:                  1,
		NumTemporalLayers:                1,
		TemporalIDNested:                 true,
		LengthSizeMinusOne:               3,
		Arrays: []HEVCNALArray{
			{Completeness: true, NALUnitType: HEVCNALVPS, NALUs: [][]byte{{0x40, 0x01, 0x0C}}},
			{Completeness: true, NALUnitType: HEVCNALSPS, NALUs: [][]byte{mainProfileSPS()}},
			{Completeness: true, NALUnitType: HEVCNALPPS, NALUs: [][]byte{{0x44, 0x01, 0xC1}}},
		},
	}
	raw := cfg.Marshal()
	if len(raw) < 23 {
		t.Fatalf("record too short: %d", len(raw))
	}
	parsed, err := ParseHEVCDecoderConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.Marshal(), raw) {
		t.Error("re-marshalled record differs")
	}
	if parsed.CodecString() != "hev1.1.6.L93.90" {
		t.Errorf("CodecString: got %q", parsed.CodecString())
	}
	if len(parsed.NALUs(HEVCNALPPS)) != 1 {
		t.Error("missing PPS array")
	}
	if info, err := parsed.Info(); err != nil || info.Width != 1920 {
		t.Errorf("Info: got %+v, %v", info, err)
	}
}

func av1SequenceHeaderOBU() []byte {
	w := bytesio.NewBitWriter()
	w.WriteBits(3, 0)  // seq_profile
	w.WriteBit(false)  // still_picture
	w.WriteBit(false)  // reduced_still_picture_header
	w.WriteBit(false)  // timing_info_present_flag
	w.WriteBit(false)  // initial_display_delay_present_flag
	w.WriteBits(5, 0)  // operating_points_cnt_minus_1
	w.WriteBits(12, 0) // operating_point_idc
	w.WriteBits(5, 8)  // seq_level_idx
	w.WriteBit(false)  // seq_tier
	w.WriteBits(4, 10)
	w.WriteBits(4, 9)
	w.WriteBits(11, 1279)
	w.WriteBits(10, 719)
	w.WriteBit(false)  // frame_id_numbers_present_flag
	w.WriteBits(3, 0)  // superblock and intra tools
	w.WriteBits(4, 0)  // inter tools
	w.WriteBit(false)  // enable_order_hint
	w.WriteBit(true)   // seq_choose_screen_content_tools
	w.WriteBit(true)   // seq_choose_integer_mv
	w.WriteBits(3, 0)  // superres, cdef, restoration
	w.WriteBit(false)  // high_bitdepth
	w.WriteBit(false)  // mono_chrome
	w.WriteBit(true)   // color_description_present_flag
	w.WriteBits(8, 1)
	w.WriteBits(8, 1)
	w.WriteBits(8, 1)
	w.WriteBit(false) // color_range
	w.WriteBits(2, 0) // chroma_sample_position
	w.WriteBit(false) // separate_uv_delta_q
	w.WriteBit(false) // film_grain_params_present
	payload := w.Bytes()

	obu := []byte{OBUSequenceHeader<<3 | 0x02, byte(len(payload))}
	return append(obu, payload...)
}

func TestAV1SequenceHeader(t *testing.T) {
	t.Parallel()
	cfg, err := AV1CodecConfigFromSequenceHeader(av1SequenceHeaderOBU())
	if err != nil {
		t.Fatal(err)
	}
	sh, err := cfg.SequenceHeader()
	if err != nil {
		t.Fatal(err)
	}
	if sh.Width != 1280 || sh.Height != 720 {
		t.Errorf("got %dx%d, want 1280x720", sh.Width, sh.Height)
	}
	if sh.ColorPrimaries != 1 || sh.FullRange || !sh.SubsamplingX || !sh.SubsamplingY {
		t.Errorf("color: got %+v", sh)
	}
	if got := sh.CodecString(); got != "av01.0.08M.08" {
		t.Errorf("CodecString: got %q", got)
	}

	parsed, err := ParseAV1CodecConfig(cfg.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.SeqLevelIdx0 != 8 || !parsed.ChromaSubsamplingX || !bytes.Equal(parsed.ConfigOBUs, av1SequenceHeaderOBU()) {
		t.Errorf("round trip: got %+v", parsed)
	}
}

func TestStripTemporalDelimiters(t *testing.T) {
	t.Parallel()
	td := []byte{OBUTemporalDelimiter<<3 | 0x02, 0x00}
	frame := []byte{OBUFrame<<3 | 0x02, 0x03, 0xAA, 0xBB, 0xCC}
	got := StripTemporalDelimiters(append(append([]byte{}, td...), frame...))
	if !bytes.Equal(got, frame) {
		t.Errorf("got % X, want % X", got, frame)
	}
	if got := StripTemporalDelimiters(frame); !bytes.Equal(got, frame) {
		t.Errorf("unchanged input: got % X", got)
	}
}

func TestParseOBUsRejectsOversize(t *testing.T) {
	t.Parallel()
	if _, err := ParseOBUs([]byte{OBUFrame<<3 | 0x02, 0x10, 0x00}); !errors.Is(err, ErrInvalidBitstream) {
		t.Errorf("got %v, want ErrInvalidBitstream", err)
	}
}

func TestParseAudioSpecificConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []byte
		aot      int
		rate     int
		channels int
	}{
		{"LC 48k stereo", []byte{0x11, 0x90}, 2, 48000, 2},
		{"LC 44.1k stereo", []byte{0x12, 0x10}, 2, 44100, 2},
		{"LC 7350 mono", []byte{0x16, 0x08}, 2, 7350, 1},
		// index 0x0F with an explicit 24-bit rate of 48000 (0x00BB80)
		{"explicit rate", []byte{0x17, 0x80, 0x5D, 0xC0, 0x10}, 2, 48000, 2},
		// HE-AAC: AOT 5, 24k core, ext 48k, then AOT 2
		{"HE-AAC", []byte{0x2B, 0x11, 0x88, 0x00}, 2, 24000, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := ParseAudioSpecificConfig(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.ObjectType != tt.aot || cfg.SampleRate != tt.rate || cfg.Channels() != tt.channels {
				t.Errorf("got aot=%d rate=%d ch=%d, want %d/%d/%d",
					cfg.ObjectType, cfg.SampleRate, cfg.Channels(), tt.aot, tt.rate, tt.channels)
			}
		})
	}
}

func TestAudioSpecificConfigMarshal(t *testing.T) {
	t.Parallel()
	got := AudioSpecificConfig{ObjectType: 2, SampleRate: 48000, ChannelConfig: 2}.Marshal()
	if !bytes.Equal(got, []byte{0x11, 0x90}) {
		t.Errorf("got % X, want 11 90", got)
	}
	explicit := AudioSpecificConfig{ObjectType: 2, SampleRate: 12345, ChannelConfig: 1}.Marshal()
	cfg, err := ParseAudioSpecificConfig(explicit)
	if err != nil || cfg.SampleRate != 12345 {
		t.Errorf("explicit rate round trip: got %+v, %v", cfg, err)
	}
}

func TestParseAudioSpecificConfigTruncatedExplicitRate(t *testing.T) {
	t.Parallel()
	if _, err := ParseAudioSpecificConfig([]byte{0x17, 0x80}); !errors.Is(err, ErrInvalidBitstream) {
		t.Errorf("got %v, want ErrInvalidBitstream", err)
	}
}

func TestStripADTS(t *testing.T) {
	t.Parallel()
	payload := []byte{0xDE, 0xAD}
	frameLen := 7 + len(payload)
	hdr := []byte{0xFF, 0xF1, 0x4C, 0x80 | byte(frameLen>>11), byte(frameLen >> 3), byte(frameLen<<5) | 0x1F, 0xFC}
	if got := StripADTS(append(hdr, payload...)); !bytes.Equal(got, payload) {
		t.Errorf("got % X, want % X", got, payload)
	}
	if got := StripADTS(payload); !bytes.Equal(got, payload) {
		t.Errorf("raw frame changed: % X", got)
	}
}

func TestOpusHead(t *testing.T) {
	t.Parallel()
	data := []byte("OpusHead")
	data = append(data, 1, 2, 0x38, 0x01, 0x80, 0xBB, 0x00, 0x00, 0x00, 0x00, 0x00)
	h, err := ParseOpusHead(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.OutputChannelCount != 2 || h.PreSkip != 312 || h.InputSampleRate != 48000 {
		t.Errorf("got %+v", h)
	}
	if _, err := ParseOpusHead([]byte("OpusHead")); !errors.Is(err, ErrInvalidBitstream) {
		t.Errorf("short head: got %v", err)
	}
}

func TestOpusPacketSamples(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		packet []byte
		want   int
	}{
		{"CELT FB 20ms", []byte{31 << 3}, 960},
		{"SILK NB 60ms", []byte{3 << 3}, 2880},
		{"two frames", []byte{31<<3 | 1}, 1920},
		{"code 3 three frames", []byte{16<<3 | 3, 0x03}, 360},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		if got := OpusPacketSamples(tt.packet); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSplitLengthPrefixed(t *testing.T) {
	t.Parallel()
	data := []byte{0, 0, 0, 2, 0x65, 0x88, 0, 0, 0, 1, 0x41, 0, 0, 0, 9}
	units := SplitLengthPrefixed(data, 4)
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0][0] != 0x65 || units[1][0] != 0x41 {
		t.Errorf("units: % X", units)
	}
}
