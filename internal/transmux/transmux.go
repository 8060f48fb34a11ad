package transmux

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/zsiec/beam/internal/bmff"
	"github.com/zsiec/beam/internal/codec"
	"github.com/zsiec/beam/internal/flv"
	"github.com/zsiec/beam/internal/metrics"
)

// DefaultAudioFragmentDuration is how much audio an audio-only stream
// collects before a fragment is closed.
const DefaultAudioFragmentDuration = time.Second

// audioResyncThreshold is the drift between the sample counter and the
// wire timestamp beyond which the counter is reset.
const audioResyncThreshold = time.Second

// SegmentKind distinguishes init segments from media fragments.
type SegmentKind uint8

// Segment kinds.
const (
	KindInit SegmentKind = iota + 1
	KindMedia
)

func (k SegmentKind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindMedia:
		return "media"
	default:
		return fmt.Sprintf("segment(%d)", uint8(k))
	}
}

// Segment is one emitted unit of fMP4.
type Segment struct {
	Kind SegmentKind
	Data []byte
	// Sequence is the mfhd sequence number of a media fragment. For an init
	// segment it counts init segments emitted by the session, from 1.
	Sequence uint32
	// DTS is the earliest decode time of the fragment in milliseconds.
	DTS      uint64
	Duration time.Duration
	// Keyframe is set when the fragment starts with a video sync sample.
	Keyframe bool
	HasVideo bool
	HasAudio bool
	// Info describes the tracks of an init segment.
	Info *StreamInfo
}

// StreamInfo describes the tracks known to the transmuxer.
type StreamInfo struct {
	VideoCodec string  `json:"videoCodec,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

// HasVideo reports whether a video track exists.
func (i StreamInfo) HasVideo() bool { return i.VideoCodec != "" }

// HasAudio reports whether an audio track exists.
func (i StreamInfo) HasAudio() bool { return i.AudioCodec != "" }

// Codecs returns the RFC 6381 CODECS attribute value.
func (i StreamInfo) Codecs() string {
	switch {
	case i.HasVideo() && i.HasAudio():
		return i.VideoCodec + "," + i.AudioCodec
	case i.HasVideo():
		return i.VideoCodec
	default:
		return i.AudioCodec
	}
}

// Config configures a Transmuxer.
type Config struct {
	// AudioFragmentDuration bounds fragments of streams without video.
	AudioFragmentDuration time.Duration
	Metrics               *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.AudioFragmentDuration <= 0 {
		c.AudioFragmentDuration = DefaultAudioFragmentDuration
	}
	return c
}

type sample struct {
	dts      uint64
	duration uint32
	cto      int32
	key      bool
	data     []byte
}

// clock unwraps 32-bit millisecond wire timestamps into a 64-bit timeline.
type clock struct {
	started bool
	last    uint32
	epoch   uint64
}

func (c *clock) unwrap(ts uint32) uint64 {
	if c.started && ts < c.last && c.last-ts > math.MaxInt32 {
		c.epoch += 1 << 32
	}
	c.started = true
	c.last = ts
	return c.epoch + uint64(ts)
}

// Transmuxer converts FLV tags of one publish session into fMP4 segments.
// It is not safe for concurrent use.
type Transmuxer struct {
	log *slog.Logger
	cfg Config

	meta  flv.Metadata
	video *track
	audio *track

	initDirty bool
	initCount uint32
	seq       uint32

	videoClock   clock
	audioClock   clock
	lastVideoDTS uint64
	lastVideoDur uint32
	sawKeyframe  bool

	audioStarted bool
	audioDTS     uint64

	fragVideo []sample
	fragAudio []sample

	err error
}

// New returns a Transmuxer. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Transmuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Transmuxer{
		log: log.With("component", "transmux"),
		cfg: cfg.withDefaults(),
		seq: 1,
	}
}

// Info returns the current track description.
func (t *Transmuxer) Info() StreamInfo {
	var info StreamInfo
	if v := t.video; v != nil {
		info.VideoCodec = v.codec
		info.Width, info.Height = v.width, v.height
		info.FrameRate = v.frameRate
	}
	if a := t.audio; a != nil {
		info.AudioCodec = a.codec
		info.SampleRate = int(a.timescale)
		info.Channels = a.channels
	}
	return info
}

// Push feeds one tag with its wire timestamp and returns the segments it
// completed. After an error every call returns that error.
func (t *Transmuxer) Push(tag flv.Tag, ts uint32) ([]Segment, error) {
	if t.err != nil {
		return nil, t.err
	}
	var (
		out []Segment
		err error
	)
	switch v := tag.(type) {
	case flv.VideoTag:
		out, err = t.pushVideo(v, ts)
	case flv.AudioTag:
		out, err = t.pushAudio(v, ts)
	case flv.ScriptTag:
		t.pushScript(v)
	default:
		err = &Error{Kind: MetadataDemux, Err: fmt.Errorf("unexpected tag %T", tag)}
	}
	if err != nil {
		t.err = err
		return nil, err
	}
	return out, nil
}

// Flush closes the current fragment, emitting the init segment first if
// it has not been sent yet.
func (t *Transmuxer) Flush() ([]Segment, error) {
	if t.err != nil {
		return nil, t.err
	}
	out, err := t.closeFragment(0, false)
	if err != nil {
		t.err = err
	}
	return out, err
}

func (t *Transmuxer) pushScript(s flv.ScriptTag) {
	if s.Name != "onMetaData" {
		return
	}
	t.meta = s.Metadata
	if v := t.video; v != nil && v.frameRate == 0 && s.Metadata.FrameRate > 0 {
		v.frameRate = s.Metadata.FrameRate
	}
	t.log.Debug("metadata", "width", s.Metadata.Width, "height", s.Metadata.Height,
		"fps", s.Metadata.FrameRate, "encoder", s.Metadata.Encoder)
}

func (t *Transmuxer) pushVideo(v flv.VideoTag, ts uint32) ([]Segment, error) {
	switch v.PacketType {
	case flv.VideoSequenceHeader:
		return t.setVideoTrack(v)
	case flv.VideoEndOfSequence:
		return t.closeFragment(0, false)
	case flv.VideoMetadata:
		return nil, nil
	}

	if t.video == nil {
		t.log.Debug("dropping video frame before sequence header", "ts", ts)
		return nil, nil
	}
	if v.Codec != t.video.videoCodec {
		return nil, &Error{Kind: VideoDemux, Err: fmt.Errorf("%v frame on %v track", v.Codec, t.video.videoCodec)}
	}
	data := v.Data
	if v.Codec == flv.VideoCodecAV1 {
		data = codec.StripTemporalDelimiters(data)
	}
	if len(data) == 0 {
		return nil, nil
	}

	dts := t.videoClock.unwrap(ts)
	if dts < t.lastVideoDTS {
		dts = t.lastVideoDTS
	}
	key := v.IsKeyframe()
	if !t.sawKeyframe {
		if !key {
			t.log.Debug("dropping video frame before first keyframe", "ts", ts)
			return nil, nil
		}
		t.sawKeyframe = true
	}

	var out []Segment
	if key && len(t.fragVideo) > 0 {
		segs, err := t.closeFragment(dts, true)
		if err != nil {
			return nil, err
		}
		out = segs
	}
	t.fragVideo = append(t.fragVideo, sample{dts: dts, cto: v.CompositionTime, key: key, data: data})
	t.lastVideoDTS = dts
	return out, nil
}

func (t *Transmuxer) pushAudio(a flv.AudioTag, ts uint32) ([]Segment, error) {
	switch a.PacketType {
	case flv.AudioSequenceHeader:
		return t.setAudioTrack(a)
	case flv.AudioEndOfSequence:
		return nil, nil
	}

	if t.audio == nil {
		t.log.Debug("dropping audio frame before sequence header", "ts", ts)
		return nil, nil
	}
	if a.Codec != t.audio.audioCodec {
		return nil, &Error{Kind: AudioDemux, Err: fmt.Errorf("%v frame on %v track", a.Codec, t.audio.audioCodec)}
	}
	data := a.Data
	if a.Codec == flv.AudioCodecAAC {
		data = codec.StripADTS(data)
	}
	if len(data) == 0 {
		return nil, nil
	}

	rate := uint64(t.audio.timescale)
	wire := t.audioClock.unwrap(ts) * rate / 1000
	threshold := uint64(audioResyncThreshold.Seconds() * float64(rate))
	if !t.audioStarted || absDiff(wire, t.audioDTS) > threshold {
		if t.audioStarted {
			t.log.Debug("audio timestamp resync", "expected", t.audioDTS, "wire", wire)
		}
		t.audioDTS = wire
		t.audioStarted = true
	}
	n := t.audio.frameSamples(data)
	t.fragAudio = append(t.fragAudio, sample{dts: t.audioDTS, duration: n, key: true, data: data})
	t.audioDTS += uint64(n)

	if t.video == nil {
		var total uint64
		for _, s := range t.fragAudio {
			total += uint64(s.duration)
		}
		limit := uint64(t.cfg.AudioFragmentDuration.Seconds() * float64(rate))
		if total >= limit {
			return t.closeFragment(0, false)
		}
	}
	return nil, nil
}

// setVideoTrack installs a new or changed video track. An identical
// sequence header is ignored.
func (t *Transmuxer) setVideoTrack(v flv.VideoTag) ([]Segment, error) {
	if t.video != nil && t.video.videoCodec == v.Codec && t.video.sameConfig(v.Data) {
		return nil, nil
	}
	tr, err := newVideoTrack(v, t.meta)
	if err != nil {
		return nil, &Error{Kind: VideoDemux, Err: err}
	}
	out, err := t.beforeTrackChange(t.video != nil)
	if err != nil {
		return nil, err
	}
	if t.video != nil {
		t.log.Info("video codec changed", "codec", tr.codec, "width", tr.width, "height", tr.height)
		// The next fragment must open on a keyframe of the new stream.
		t.sawKeyframe = false
	} else {
		t.log.Info("video track", "codec", tr.codec, "width", tr.width, "height", tr.height, "fps", tr.frameRate)
	}
	t.video = tr
	t.initDirty = true
	return out, nil
}

// setAudioTrack installs a new or changed audio track.
func (t *Transmuxer) setAudioTrack(a flv.AudioTag) ([]Segment, error) {
	if t.audio != nil && t.audio.audioCodec == a.Codec && t.audio.sameConfig(a.Data) {
		return nil, nil
	}
	tr, err := newAudioTrack(a)
	if err != nil {
		return nil, &Error{Kind: AudioDemux, Err: err}
	}
	out, err := t.beforeTrackChange(t.audio != nil)
	if err != nil {
		return nil, err
	}
	if t.audio != nil {
		t.log.Info("audio codec changed", "codec", tr.codec, "rate", tr.timescale, "channels", tr.channels)
		t.audioStarted = false
	} else {
		t.log.Info("audio track", "codec", tr.codec, "rate", tr.timescale, "channels", tr.channels)
	}
	t.audio = tr
	t.initDirty = true
	return out, nil
}

// beforeTrackChange closes the pending fragment when its samples would
// otherwise be described by the wrong init segment: once an init segment
// is out, or when a track is replaced before one was sent.
func (t *Transmuxer) beforeTrackChange(replacing bool) ([]Segment, error) {
	if t.initCount == 0 && !replacing {
		return nil, nil
	}
	return t.closeFragment(0, false)
}

// closeFragment emits the pending samples as one fragment. When haveNext is
// set, next is the DTS of the video sample that follows and sets the
// duration of the last video sample.
func (t *Transmuxer) closeFragment(next uint64, haveNext bool) ([]Segment, error) {
	if len(t.fragVideo) == 0 && len(t.fragAudio) == 0 {
		return nil, nil
	}
	var out []Segment
	if t.initDirty {
		out = append(out, t.initSegment())
		t.initDirty = false
	}
	seg, err := t.muxFragment(next, haveNext)
	if err != nil {
		return nil, &Error{Kind: Mux, Err: err}
	}
	t.fragVideo = t.fragVideo[:0:0]
	t.fragAudio = t.fragAudio[:0:0]
	t.seq++
	t.cfg.Metrics.FragmentOut()
	return append(out, seg), nil
}

func (t *Transmuxer) initSegment() Segment {
	moov := &bmff.Moov{
		Mvhd: bmff.NewMvhd(videoTimescale, audioTrackID+1),
		Mvex: &bmff.Mvex{},
	}
	for _, tr := range []*track{t.video, t.audio} {
		if tr == nil {
			continue
		}
		moov.Traks = append(moov.Traks, tr.trak())
		moov.Mvex.Trex = append(moov.Mvex.Trex, &bmff.Trex{TrackID: tr.id, DefaultSampleDescriptionIndex: 1})
	}
	ftyp := &bmff.Ftyp{
		MajorBrand:       bmff.Type("iso5"),
		MinorVersion:     512,
		CompatibleBrands: []bmff.BoxType{bmff.Type("iso5"), bmff.Type("iso6"), bmff.Type("mp41")},
	}
	t.initCount++
	info := t.Info()
	return Segment{
		Kind:     KindInit,
		Data:     bmff.Encode(ftyp, moov),
		Sequence: t.initCount,
		HasVideo: t.video != nil,
		HasAudio: t.audio != nil,
		Info:     &info,
	}
}

type run struct {
	trun    *bmff.Trun
	offset  int
	samples []sample
}

func (t *Transmuxer) muxFragment(next uint64, haveNext bool) (Segment, error) {
	seg := Segment{Kind: KindMedia, Sequence: t.seq}
	moof := &bmff.Moof{Mfhd: &bmff.Mfhd{SequenceNumber: t.seq}}
	var (
		runs    []run
		mdatLen int
	)

	if len(t.fragVideo) > 0 {
		samples := t.fragVideo
		t.setVideoDurations(samples, next, haveNext)
		trun := &bmff.Trun{
			Flags: bmff.TrunDataOffsetPresent | bmff.TrunSampleDurationPresent | bmff.TrunSampleSizePresent |
				bmff.TrunSampleFlagsPresent | bmff.TrunSampleCompositionTimeOffsetsPresent,
		}
		var total uint64
		for _, s := range samples {
			flags := bmff.SampleFlagsNonSync
			if s.key {
				flags = bmff.SampleFlagsSync
			}
			trun.Samples = append(trun.Samples, bmff.TrunSample{
				Duration:              s.duration,
				Size:                  uint32(len(s.data)),
				Flags:                 flags,
				CompositionTimeOffset: s.cto,
			})
			total += uint64(s.duration)
		}
		moof.Traf = append(moof.Traf, newTraf(videoTrackID, samples[0].dts, trun))
		runs = append(runs, run{trun: trun, offset: mdatLen, samples: samples})
		mdatLen += sampleBytes(samples)

		seg.HasVideo = true
		seg.Keyframe = samples[0].key
		seg.DTS = samples[0].dts
		seg.Duration = time.Duration(total) * time.Millisecond
	}

	if len(t.fragAudio) > 0 {
		samples := t.fragAudio
		trun := &bmff.Trun{
			Flags: bmff.TrunDataOffsetPresent | bmff.TrunSampleDurationPresent | bmff.TrunSampleSizePresent |
				bmff.TrunSampleFlagsPresent,
		}
		var total uint64
		for _, s := range samples {
			trun.Samples = append(trun.Samples, bmff.TrunSample{
				Duration: s.duration,
				Size:     uint32(len(s.data)),
				Flags:    bmff.SampleFlagsSync,
			})
			total += uint64(s.duration)
		}
		moof.Traf = append(moof.Traf, newTraf(audioTrackID, samples[0].dts, trun))
		runs = append(runs, run{trun: trun, offset: mdatLen, samples: samples})
		mdatLen += sampleBytes(samples)

		seg.HasAudio = true
		if !seg.HasVideo {
			rate := uint64(t.audio.timescale)
			seg.DTS = samples[0].dts * 1000 / rate
			seg.Duration = time.Duration(total) * time.Second / time.Duration(rate)
		}
	}

	// data_offset is relative to the start of the moof; the mdat header
	// is 8 bytes.
	base := moof.Size() + 8
	if base+uint64(mdatLen) > math.MaxInt32 {
		return Segment{}, errors.New("fragment exceeds 2 GiB")
	}
	mdat := &bmff.Mdat{Data: make([]byte, 0, mdatLen)}
	for _, r := range runs {
		r.trun.DataOffset = int32(base) + int32(r.offset)
		for _, s := range r.samples {
			mdat.Data = append(mdat.Data, s.data...)
		}
	}
	seg.Data = bmff.Encode(moof, mdat)
	return seg, nil
}

// setVideoDurations derives each duration from the next sample's DTS. The
// last sample uses next when known, otherwise the previous duration.
func (t *Transmuxer) setVideoDurations(samples []sample, next uint64, haveNext bool) {
	for i := range samples {
		switch {
		case i+1 < len(samples):
			samples[i].duration = uint32(samples[i+1].dts - samples[i].dts)
		case haveNext:
			samples[i].duration = uint32(next - samples[i].dts)
		case i > 0:
			samples[i].duration = samples[i-1].duration
		case t.lastVideoDur > 0:
			samples[i].duration = t.lastVideoDur
		case t.video != nil && t.video.frameRate > 0:
			samples[i].duration = uint32(math.Round(1000 / t.video.frameRate))
		}
		if samples[i].duration > 0 {
			t.lastVideoDur = samples[i].duration
		}
	}
}

func newTraf(trackID uint32, dts uint64, trun *bmff.Trun) *bmff.Traf {
	return &bmff.Traf{
		Tfhd: &bmff.Tfhd{Flags: bmff.TfhdDefaultBaseIsMoof, TrackID: trackID},
		Tfdt: &bmff.Tfdt{BaseMediaDecodeTime: dts},
		Trun: []*bmff.Trun{trun},
	}
}

func sampleBytes(samples []sample) int {
	var n int
	for _, s := range samples {
		n += len(s.data)
	}
	return n
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
