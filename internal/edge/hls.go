package edge

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/zsiec/beam/internal/stream"
)

const (
	hlsVersion       = 7
	audioGroupID     = "audio"
	playlistFilename = "index.m3u8"
)

// MultivariantPlaylist renders the top-level playlist of a room. Renditions
// with video get an EXT-X-STREAM-INF each; audio-only renditions become
// EXT-X-MEDIA entries of one audio group. A room with no video renditions
// lists its audio renditions as variants. Renditions without segments are
// skipped. ok is false when nothing is playable yet.
func MultivariantPlaylist(renditions []*stream.Rendition) (playlist string, ok bool) {
	var video, audio []*stream.Rendition
	for _, r := range renditions {
		if len(r.Segments) == 0 {
			continue
		}
		if r.VideoCodec != "" {
			video = append(video, r)
		} else if r.AudioCodec != "" {
			audio = append(audio, r)
		}
	}
	if len(video) == 0 && len(audio) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	if len(video) == 0 {
		for _, r := range audio {
			writeStreamInf(&b, r, "")
		}
		return b.String(), true
	}

	group := ""
	if len(audio) > 0 {
		group = audioGroupID
		for i, r := range audio {
			def := "NO"
			if i == 0 {
				def = "YES"
			}
			fmt.Fprintf(&b, "#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=%q,NAME=%q,DEFAULT=%s,AUTOSELECT=YES", group, r.Name, def)
			if r.Channels > 0 {
				fmt.Fprintf(&b, ",CHANNELS=\"%d\"", r.Channels)
			}
			fmt.Fprintf(&b, ",URI=%q\n", mediaPlaylistURI(r))
		}
	}
	for _, r := range video {
		writeStreamInf(&b, r, group)
	}
	return b.String(), true
}

func writeStreamInf(b *strings.Builder, r *stream.Rendition, audioGroup string) {
	bandwidth := max(r.Bandwidth(), 1)
	fmt.Fprintf(b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", bandwidth)
	if avg := r.AverageBandwidth(); avg > 0 {
		fmt.Fprintf(b, ",AVERAGE-BANDWIDTH=%d", avg)
	}
	fmt.Fprintf(b, ",CODECS=%q", r.Codecs())
	if r.Width > 0 && r.Height > 0 {
		fmt.Fprintf(b, ",RESOLUTION=%dx%d", r.Width, r.Height)
	}
	// An unknown frame rate is left out rather than guessed.
	if r.FrameRate > 0 {
		fmt.Fprintf(b, ",FRAME-RATE=%s", strconv.FormatFloat(r.FrameRate, 'f', 3, 64))
	}
	if audioGroup != "" {
		fmt.Fprintf(b, ",AUDIO=%q", audioGroup)
	}
	b.WriteString("\n")
	b.WriteString(mediaPlaylistURI(r))
	b.WriteString("\n")
}

func mediaPlaylistURI(r *stream.Rendition) string {
	return path.Join(r.Name, playlistFilename)
}

// InitURI returns the init segment path relative to the media playlist.
func InitURI(version uint32) string { return fmt.Sprintf("init-%d.mp4", version) }

// SegmentURI returns a segment path relative to the media playlist.
func SegmentURI(seq uint32) string { return fmt.Sprintf("segment/%d.m4s", seq) }

// MediaPlaylist renders the playlist of one rendition. A new EXT-X-MAP is
// written whenever the init version changes, preceded by a discontinuity.
func MediaPlaylist(r *stream.Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", r.TargetDuration())
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", r.MediaSequence)
	if r.DiscontinuitySequence > 0 {
		fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", r.DiscontinuitySequence)
	}
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	var mapped uint32
	for i, s := range r.Segments {
		if s.InitVersion != mapped {
			if i > 0 {
				b.WriteString("#EXT-X-DISCONTINUITY\n")
			}
			fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", InitURI(s.InitVersion))
			mapped = s.InitVersion
		}
		fmt.Fprintf(&b, "#EXTINF:%s,\n", strconv.FormatFloat(s.Duration, 'f', 3, 64))
		b.WriteString(SegmentURI(s.Sequence))
		b.WriteString("\n")
	}
	if r.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
