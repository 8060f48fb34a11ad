package transcoder

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func roundTrip[T any, P interface {
	*T
	message
}](t *testing.T, in P) P {
	t.Helper()
	data, err := wireCodec{}.Marshal(in)
	require.NoError(t, err)
	out := P(new(T))
	require.NoError(t, wireCodec{}.Unmarshal(data, out))
	return out
}

func TestWatchRequestVariants(t *testing.T) {
	t.Parallel()
	for _, in := range []*WatchRequest{
		{Open: &Open{RequestID: "01HZX3J6Q4S6WZ1V4J4Q1Y4B3R"}},
		{Shutdown: &Shutdown{}},
		{Reclaim: &Reclaim{}},
		{Error: &ErrorReport{Code: "decode", Message: "bad slice", Fatal: true}},
	} {
		require.Equal(t, in, roundTrip(t, in))
	}
}

func TestWatchResponseMedia(t *testing.T) {
	t.Parallel()
	in := &WatchResponse{Media: &Media{
		Kind:       MediaInit,
		Data:       []byte{0, 0, 0, 8, 'f', 't', 'y', 'p'},
		Keyframe:   true,
		Sequence:   2,
		DTS:        1 << 40,
		DurationMS: 2000,
		Info: &TrackInfo{
			VideoCodec: "avc1.64001F", Width: 1280, Height: 720, FrameRate: 29.97,
			AudioCodec: "mp4a.40.2", SampleRate: 48000, Channels: 2,
		},
	}}
	require.Equal(t, in, roundTrip(t, in))

	shut := &WatchResponse{Shutdown: &Shutdown{Reason: "publisher disconnected"}}
	require.Equal(t, shut, roundTrip(t, shut))
}

func TestMediaDataIsCopied(t *testing.T) {
	t.Parallel()
	data := (&Media{Kind: MediaVideo, Data: []byte("frame")}).marshal()
	var m Media
	require.NoError(t, m.unmarshal(data))
	for i := range data {
		data[i] = 0
	}
	if string(m.Data) != "frame" {
		t.Errorf("Data aliases the input buffer: got %q", m.Data)
	}
}

func TestPollRoundTrip(t *testing.T) {
	t.Parallel()
	require.Equal(t, &PollRequest{WaitMS: 2500}, roundTrip(t, &PollRequest{WaitMS: 2500}))
	resp := &PollResponse{RequestID: "id", Room: "room", Organization: "org"}
	require.Equal(t, resp, roundTrip(t, resp))
	require.Equal(t, &PollResponse{}, roundTrip(t, &PollResponse{}))
}

func TestUnknownFieldsSkipped(t *testing.T) {
	t.Parallel()
	data := (&PollRequest{WaitMS: 7}).marshal()
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")
	data = protowire.AppendTag(data, 100, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 1)

	var r PollRequest
	require.NoError(t, r.unmarshal(data))
	if r.WaitMS != 7 {
		t.Errorf("WaitMS: got %d, want 7", r.WaitMS)
	}
}

func TestMalformed(t *testing.T) {
	t.Parallel()
	var m Media
	require.ErrorIs(t, m.unmarshal([]byte{0x0a, 0x05, 'a'}), errMalformed)

	_, err := wireCodec{}.Marshal("not a message")
	require.Error(t, err)
	require.Error(t, wireCodec{}.Unmarshal(nil, new(int)))
}

func TestMediaKindString(t *testing.T) {
	t.Parallel()
	tests := map[MediaKind]string{
		MediaInit:       "init",
		MediaVideo:      "video",
		MediaAudio:      "audio",
		MediaScriptData: "script",
		MediaKind(9):    "media(9)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d: got %q, want %q", k, got, want)
		}
	}
}
