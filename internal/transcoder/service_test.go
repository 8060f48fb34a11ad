package transcoder

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startService(t *testing.T, cfg Config) (*Requests, *Client) {
	t.Helper()
	reqs := NewRequests(cfg, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterIngestServer(srv, NewService(reqs, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return reqs, NewClient(cc)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatchUnknownRequest(t *testing.T) {
	t.Parallel()
	_, client := startService(t, Config{})
	ctx := testContext(t)

	ws, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, ws.Send(&WatchRequest{Open: &Open{RequestID: "01J0000000000000000000000"}}))
	_, err = ws.Recv()
	require.Equal(t, codes.NotFound, status.Code(err), "err: %v", err)
}

func TestWatchRequiresOpen(t *testing.T) {
	t.Parallel()
	_, client := startService(t, Config{})
	ctx := testContext(t)

	ws, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, ws.Send(&WatchRequest{Reclaim: &Reclaim{}}))
	_, err = ws.Recv()
	require.Equal(t, codes.InvalidArgument, status.Code(err), "err: %v", err)
}

func TestPollEmpty(t *testing.T) {
	t.Parallel()
	_, client := startService(t, Config{})
	resp, err := client.Poll(testContext(t), &PollRequest{WaitMS: 20})
	require.NoError(t, err)
	require.Empty(t, resp.RequestID)
}

func TestWatchDeliversMediaThenShutdown(t *testing.T) {
	t.Parallel()
	reqs, client := startService(t, Config{})
	ctx := testContext(t)

	l := reqs.Open("room-1", "org-1", "conn-1")
	polled, err := client.Poll(ctx, &PollRequest{WaitMS: 1000})
	require.NoError(t, err)
	require.Equal(t, &PollResponse{RequestID: l.ID(), Room: "room-1", Organization: "org-1"}, polled)

	require.NoError(t, l.Send(ctx, &Media{Kind: MediaInit, Data: []byte("init"), Sequence: 1}))

	ws, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, ws.Send(&WatchRequest{Open: &Open{RequestID: l.ID()}}))
	waitClosed(t, l.Attached(), "attach")

	require.NoError(t, l.Send(ctx, &Media{Kind: MediaVideo, Data: []byte("frag"), Sequence: 1, Keyframe: true}))

	resp, err := ws.Recv()
	require.NoError(t, err)
	require.Equal(t, MediaInit, resp.Media.Kind)
	require.Equal(t, []byte("init"), resp.Media.Data)

	resp, err = ws.Recv()
	require.NoError(t, err)
	require.Equal(t, MediaVideo, resp.Media.Kind)
	require.True(t, resp.Media.Keyframe)

	l.Close("publisher disconnected")
	resp, err = ws.Recv()
	require.NoError(t, err)
	require.Equal(t, "publisher disconnected", resp.Shutdown.Reason)

	_, err = ws.Recv()
	require.ErrorIs(t, err, io.EOF)
	waitClosed(t, l.Detached(), "detach")
	require.Eventually(t, func() bool { return reqs.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchTranscoderEvents(t *testing.T) {
	t.Parallel()
	reqs, client := startService(t, Config{})
	ctx := testContext(t)

	l := reqs.Open("room-1", "", "conn-1")
	ws, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, ws.Send(&WatchRequest{Open: &Open{RequestID: l.ID()}}))
	waitClosed(t, l.Attached(), "attach")

	require.NoError(t, ws.Send(&WatchRequest{Reclaim: &Reclaim{}}))
	require.NoError(t, ws.Send(&WatchRequest{Error: &ErrorReport{Code: "decode", Message: "boom", Fatal: true}}))
	require.NoError(t, ws.Send(&WatchRequest{Shutdown: &Shutdown{}}))

	var kinds []EventKind
	for len(kinds) < 3 {
		select {
		case ev := <-l.Events():
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventError {
				require.True(t, ev.Error.Fatal)
				require.Equal(t, "decode", ev.Error.Code)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("got events %v", kinds)
		}
	}
	require.Equal(t, []EventKind{EventReclaim, EventError, EventShutdown}, kinds)

	// The session keeps going without a transcoder.
	waitClosed(t, l.Detached(), "detach")
	require.ErrorIs(t, l.Send(ctx, &Media{Kind: MediaVideo}), ErrDetached)
	l.Close("done")
}

func TestWatchClaimOnce(t *testing.T) {
	t.Parallel()
	reqs, client := startService(t, Config{})
	ctx := testContext(t)
	l := reqs.Open("room-1", "", "conn-1")

	first, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Send(&WatchRequest{Open: &Open{RequestID: l.ID()}}))
	waitClosed(t, l.Attached(), "attach")

	second, err := client.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Send(&WatchRequest{Open: &Open{RequestID: l.ID()}}))
	_, err = second.Recv()
	require.Equal(t, codes.NotFound, status.Code(err))
	l.Close("done")
}
