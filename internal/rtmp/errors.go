package rtmp

import (
	"errors"
	"fmt"

	"github.com/zsiec/beam/internal/flv"
)

var (
	ErrInvalidChunkSize   = errors.New("rtmp: invalid chunk size")
	ErrUnsupportedVersion = errors.New("rtmp: unsupported protocol version")
	ErrIdleTimeout        = errors.New("rtmp: publisher idle timeout")
	ErrConnectRejected    = errors.New("rtmp: connect rejected")
	ErrPublishRejected    = errors.New("rtmp: publish rejected")
)

// ProtocolError reports a malformed or unexpected message from the peer.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rtmp: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// TagError reports an audio, video or data message whose payload could not
// be parsed as an FLV tag.
type TagError struct {
	Type flv.TagType
	Err  error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("rtmp: %s tag: %v", e.Type, e.Err)
}

func (e *TagError) Unwrap() error { return e.Err }
