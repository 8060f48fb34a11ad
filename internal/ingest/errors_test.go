package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zsiec/beam/internal/flv"
	"github.com/zsiec/beam/internal/rtmp"
	"github.com/zsiec/beam/internal/transmux"
)

func TestCodeString(t *testing.T) {
	t.Parallel()
	for c, want := range map[Code]string{
		CodeKeyframeBitrateDistance: "I01",
		CodeKeyframeTimeLimit:       "I07",
		CodeDisconnectRequested:     "I14",
		CodeRoomUpdate:              "I17",
	} {
		if got := c.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if got := Code(99).Text(); got != "unknown" {
		t.Errorf("got %q, want unknown", got)
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"ingest error", codeErr(CodeBitrateLimit, boom), CodeBitrateLimit},
		{"wrapped ingest error", fmt.Errorf("session: %w", codeErr(CodeDisconnectRequested, boom)), CodeDisconnectRequested},
		{"video tag", &rtmp.TagError{Type: flv.TagVideo, Err: boom}, CodeVideoDemux},
		{"audio tag", &rtmp.TagError{Type: flv.TagAudio, Err: boom}, CodeAudioDemux},
		{"script tag", &rtmp.TagError{Type: flv.TagScript, Err: boom}, CodeMetadataDemux},
		{"mux", &transmux.Error{Kind: transmux.Mux, Err: boom}, CodeMux},
		{"idle", rtmp.ErrIdleTimeout, CodeTimeout},
		{"cancelled", context.Canceled, CodeShutdown},
		{"protocol", &rtmp.ProtocolError{Op: "connect", Err: boom}, CodeConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := CodeOf(tt.err)
			if !ok || got != tt.want {
				t.Fatalf("got %v (ok=%v), want %v", got, ok, tt.want)
			}
		})
	}

	if _, ok := CodeOf(nil); ok {
		t.Fatal("nil error has a code")
	}
	if _, ok := CodeOf(boom); ok {
		t.Fatal("plain error has a code")
	}
}
