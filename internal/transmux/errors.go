package transmux

import (
	"fmt"

	"github.com/zsiec/beam/internal/flv"
)

// Kind categorizes a transmux failure.
type Kind uint8

// Failure kinds. Every kind is fatal for the session.
const (
	VideoDemux Kind = iota + 1
	AudioDemux
	MetadataDemux
	Mux
)

func (k Kind) String() string {
	switch k {
	case VideoDemux:
		return "video demux"
	case AudioDemux:
		return "audio demux"
	case MetadataDemux:
		return "metadata demux"
	case Mux:
		return "mux"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a categorized transmux failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return "transmux: " + e.Kind.String() + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// DemuxError categorizes a tag parse failure that happened before the tag
// reached the transmuxer.
func DemuxError(t flv.TagType, err error) *Error {
	switch t {
	case flv.TagVideo:
		return &Error{Kind: VideoDemux, Err: err}
	case flv.TagAudio:
		return &Error{Kind: AudioDemux, Err: err}
	default:
		return &Error{Kind: MetadataDemux, Err: err}
	}
}
