package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/zsiec/beam/internal/rtmp"
	"github.com/zsiec/beam/internal/transmux"
)

// Code is a stable ingest error code, logged as code=I01 and friends.
type Code uint8

const (
	CodeKeyframeBitrateDistance Code = iota + 1 // I01
	CodeBitrateLimit                            // I02
	CodeVideoDemux                              // I03
	CodeAudioDemux                              // I04
	CodeMetadataDemux                           // I05
	CodeMux                                     // I06
	CodeKeyframeTimeLimit                       // I07
	CodeNoTranscoder                            // I08
	CodeBitrateUpdate                           // I09
	CodeSubscribe                               // I10
	CodeShutdown                                // I11
	CodeConnect                                 // I12
	CodeTimeout                                 // I13
	CodeDisconnectRequested                     // I14
	CodeSubscriptionClosed                      // I15
	CodeTranscoderRequest                       // I16
	CodeRoomUpdate                              // I17
)

var codeText = [...]string{
	CodeKeyframeBitrateDistance: "keyframe bitrate distance exceeded",
	CodeBitrateLimit:            "bitrate limit exceeded",
	CodeVideoDemux:              "video demux failed",
	CodeAudioDemux:              "audio demux failed",
	CodeMetadataDemux:           "metadata demux failed",
	CodeMux:                     "mux failed",
	CodeKeyframeTimeLimit:       "keyframe time limit exceeded",
	CodeNoTranscoder:            "no transcoder",
	CodeBitrateUpdate:           "failed to update bitrate",
	CodeSubscribe:               "failed to subscribe",
	CodeShutdown:                "ingest shutting down",
	CodeConnect:                 "rtmp connect error",
	CodeTimeout:                 "rtmp timeout",
	CodeDisconnectRequested:     "disconnect requested",
	CodeSubscriptionClosed:      "subscription closed unexpectedly",
	CodeTranscoderRequest:       "transcoder request failed",
	CodeRoomUpdate:              "failed to update room",
}

func (c Code) String() string { return fmt.Sprintf("I%02d", uint8(c)) }

// Text describes the code in a few words.
func (c Code) Text() string {
	if int(c) < len(codeText) && codeText[c] != "" {
		return codeText[c]
	}
	return "unknown"
}

var (
	// ErrDenied is returned by a Collaborator that refuses a publish.
	ErrDenied = errors.New("ingest: publish denied")
	// ErrRoomLive rejects a second publisher for a room.
	ErrRoomLive = errors.New("ingest: room is already live")
	// ErrSessionClosed is returned by WriteTag after the session ended.
	ErrSessionClosed = errors.New("ingest: session closed")

	ErrKeyframeBitrateDistance = errors.New("keyframe bitrate distance")
	ErrBitrateLimit            = errors.New("bitrate limit")
	ErrKeyframeTimeLimit       = errors.New("keyframe time limit")
	ErrDisconnectRequested     = errors.New("disconnect requested")
)

// Error is a fatal session error tagged with its code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s (%s): %v", e.Code, e.Code.Text(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func codeErr(c Code, err error) *Error { return &Error{Code: c, Err: err} }

// CodeOf classifies err. ok is false for errors that carry no code, such
// as a clean disconnect.
func CodeOf(err error) (c Code, ok bool) {
	if err == nil {
		return 0, false
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code, true
	}
	var te *rtmp.TagError
	if errors.As(err, &te) {
		return transmuxCode(transmux.DemuxError(te.Type, te.Err)), true
	}
	var xe *transmux.Error
	if errors.As(err, &xe) {
		return transmuxCode(xe), true
	}
	var pe *rtmp.ProtocolError
	switch {
	case errors.Is(err, rtmp.ErrIdleTimeout):
		return CodeTimeout, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeShutdown, true
	case errors.As(err, &pe), errors.Is(err, rtmp.ErrConnectRejected):
		return CodeConnect, true
	}
	return 0, false
}

func transmuxCode(e *transmux.Error) Code {
	switch e.Kind {
	case transmux.VideoDemux:
		return CodeVideoDemux
	case transmux.AudioDemux:
		return CodeAudioDemux
	case transmux.MetadataDemux:
		return CodeMetadataDemux
	default:
		return CodeMux
	}
}
