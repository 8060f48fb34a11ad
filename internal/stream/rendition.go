package stream

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// SourceRendition names the passthrough rendition of a room.
const SourceRendition = "source"

// DefaultWindow is the number of segments kept in a rendition index.
const DefaultWindow = 6

// Store keys. Every object of a room lives under RoomPrefix.

// RoomPrefix returns the key prefix of all objects of a room.
func RoomPrefix(room string) string { return "room/" + room + "/" }

// RenditionPrefix returns the key prefix of a rendition.
func RenditionPrefix(room, rendition string) string {
	return RoomPrefix(room) + "track/" + rendition + "/"
}

// InitKey returns the key of the init segment with the given version.
func InitKey(room, rendition string, version uint32) string {
	return fmt.Sprintf("%sinit-%d.mp4", RenditionPrefix(room, rendition), version)
}

// SegmentKey returns the key of a media segment.
func SegmentKey(room, rendition string, seq uint32) string {
	return fmt.Sprintf("%ssegment/%d.m4s", RenditionPrefix(room, rendition), seq)
}

// IndexKey returns the metadata key of a rendition index.
func IndexKey(room, rendition string) string {
	return RenditionPrefix(room, rendition) + "index.json"
}

// SegmentTopic returns the topic segment notifications of a rendition are
// published on.
func SegmentTopic(room, rendition string) string {
	return RenditionPrefix(room, rendition) + "segment"
}

// ParseIndexKey splits an index key into room and rendition.
func ParseIndexKey(key string) (room, rendition string, ok bool) {
	rest, ok := strings.CutPrefix(key, "room/")
	if !ok {
		return "", "", false
	}
	rest, ok = strings.CutSuffix(rest, "/index.json")
	if !ok {
		return "", "", false
	}
	room, rendition, ok = strings.Cut(rest, "/track/")
	if !ok || room == "" || rendition == "" || strings.Contains(rendition, "/") {
		return "", "", false
	}
	return room, rendition, true
}

// SegmentRef describes one stored media segment.
type SegmentRef struct {
	Sequence    uint32  `json:"seq"`
	Duration    float64 `json:"duration"` // seconds
	Size        int     `json:"size"`
	Keyframe    bool    `json:"keyframe"`
	InitVersion uint32  `json:"init"`
}

// Rendition is the index of one rendition, kept in the metadata store and
// rendered into HLS playlists by the edge.
type Rendition struct {
	Room        string       `json:"room"`
	Name        string       `json:"name"`
	VideoCodec  string       `json:"videoCodec,omitempty"`
	AudioCodec  string       `json:"audioCodec,omitempty"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	FrameRate   float64      `json:"frameRate,omitempty"`
	SampleRate  int          `json:"sampleRate,omitempty"`
	Channels    int          `json:"channels,omitempty"`
	InitVersion uint32       `json:"initVersion"`
	Segments    []SegmentRef `json:"segments"`
	// MediaSequence is the sequence number of Segments[0] in playlist
	// terms; it grows by one for every segment that leaves the window.
	MediaSequence uint64 `json:"mediaSequence"`
	// DiscontinuitySequence counts init changes that slid out of the
	// window.
	DiscontinuitySequence uint64    `json:"discontinuitySequence"`
	Ended                 bool      `json:"ended"`
	Updated               time.Time `json:"updated"`
}

// Codecs returns the RFC 6381 CODECS attribute value.
func (r *Rendition) Codecs() string {
	switch {
	case r.VideoCodec != "" && r.AudioCodec != "":
		return r.VideoCodec + "," + r.AudioCodec
	case r.VideoCodec != "":
		return r.VideoCodec
	default:
		return r.AudioCodec
	}
}

// Append adds a segment and returns the oldest ones that fell out of
// window.
func (r *Rendition) Append(s SegmentRef, window int) (evicted []SegmentRef) {
	if window <= 0 {
		window = DefaultWindow
	}
	r.Segments = append(r.Segments, s)
	if n := len(r.Segments) - window; n > 0 {
		for k := 1; k <= n; k++ {
			if r.Segments[k].InitVersion != r.Segments[k-1].InitVersion {
				r.DiscontinuitySequence++
			}
		}
		evicted = append(evicted, r.Segments[:n]...)
		r.Segments = append(r.Segments[:0:0], r.Segments[n:]...)
		r.MediaSequence += uint64(n)
	}
	return evicted
}

// TargetDuration is the longest segment duration rounded up, at least 1.
func (r *Rendition) TargetDuration() int {
	target := 1
	for _, s := range r.Segments {
		if d := int(math.Ceil(s.Duration)); d > target {
			target = d
		}
	}
	return target
}

// Bandwidth is the peak segment bitrate in the window, in bits per second.
func (r *Rendition) Bandwidth() int {
	var peak float64
	for _, s := range r.Segments {
		if s.Duration <= 0 {
			continue
		}
		if bps := float64(s.Size*8) / s.Duration; bps > peak {
			peak = bps
		}
	}
	return int(peak)
}

// AverageBandwidth is the mean bitrate of the window in bits per second.
func (r *Rendition) AverageBandwidth() int {
	var (
		bytes int
		secs  float64
	)
	for _, s := range r.Segments {
		bytes += s.Size
		secs += s.Duration
	}
	if secs <= 0 {
		return 0
	}
	return int(float64(bytes*8) / secs)
}

// LastSequence returns the playlist sequence number of the newest segment,
// or -1 when the index is empty.
func (r *Rendition) LastSequence() int64 {
	return int64(r.MediaSequence) + int64(len(r.Segments)) - 1
}

// Marshal encodes the index.
func (r *Rendition) Marshal() ([]byte, error) { return json.Marshal(r) }

// UnmarshalRendition decodes an index.
func UnmarshalRendition(data []byte) (*Rendition, error) {
	r := &Rendition{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("stream: decode rendition index: %w", err)
	}
	return r, nil
}
