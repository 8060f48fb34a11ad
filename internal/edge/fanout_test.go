package edge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanoutSingleUpstream(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	feed := make(chan int)
	upstream := func(ctx context.Context, _ string, publish func(int)) error {
		starts.Add(1)
		for {
			select {
			case v := <-feed:
				publish(v)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	clock := newClock()
	f := NewFanout(ctx, NewTopicMap[int](TopicMapConfig{Now: clock.Now}), upstream, nil)

	_, _, a := f.Subscribe("k")
	_, _, b := f.Subscribe("k")
	require.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, time.Millisecond)

	feed <- 7
	require.Equal(t, 7, recv(t, a))
	require.Equal(t, 7, recv(t, b))
	require.Equal(t, 1, f.Upstreams())

	a.Close()
	b.Close()
	clock.Advance(DefaultExpiry)
	require.Equal(t, []string{"k"}, f.Cleanup())
	require.Eventually(t, func() bool { return f.Upstreams() == 0 }, time.Second, time.Millisecond)

	_, _, c := f.Subscribe("k")
	require.Eventually(t, func() bool { return starts.Load() == 2 }, time.Second, time.Millisecond)
	c.Close()
}

// A subscribe racing an expiring Cleanup must end up with its own upstream.
func TestFanoutSubscribeDuringCleanup(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	upstream := func(ctx context.Context, _ string, _ func(int)) error {
		starts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	clock := newClock()
	var (
		f        *Fanout[int]
		armed    atomic.Bool
		late     = make(chan *Receiver[int], 1)
		inflight = make(chan struct{})
	)
	now := func() time.Time {
		if armed.CompareAndSwap(true, false) {
			go func() {
				close(inflight)
				_, _, rx := f.Subscribe("k")
				late <- rx
			}()
			<-inflight
			time.Sleep(20 * time.Millisecond)
		}
		return clock.Now()
	}
	f = NewFanout(ctx, NewTopicMap[int](TopicMapConfig{Now: now}), upstream, nil)

	_, _, rx := f.Subscribe("k")
	require.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, time.Millisecond)
	rx.Close()
	clock.Advance(DefaultExpiry)

	armed.Store(true)
	require.Equal(t, []string{"k"}, f.Cleanup())

	var rx2 *Receiver[int]
	select {
	case rx2 = <-late:
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return")
	}
	defer rx2.Close()
	require.Eventually(t, func() bool { return starts.Load() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 1, f.Upstreams())
	require.Empty(t, f.Cleanup(), "subscribed topic must survive cleanup")
	require.Equal(t, 1, f.Upstreams())
}

// Concurrent subscribers and sweeps never leave a subscribed topic
// without an upstream.
func TestFanoutUpstreamPerLiveTopic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := func(ctx context.Context, _ string, _ func(int)) error {
		<-ctx.Done()
		return ctx.Err()
	}
	clock := newClock()
	f := NewFanout(ctx, NewTopicMap[int](TopicMapConfig{Expiry: time.Nanosecond, Now: clock.Now}), upstream, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 500 {
			clock.Advance(time.Millisecond)
			f.Cleanup()
		}
	}()
	for range 500 {
		_, _, rx := f.Subscribe("k")
		rx.Close()
	}
	<-done

	_, _, rx := f.Subscribe("k")
	defer rx.Close()
	clock.Advance(time.Second)
	f.Cleanup()
	require.Equal(t, 1, f.Upstreams())
}

func TestFanoutRelaysOrigin(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	origin := NewTopicMap[string](TopicMapConfig{})
	f := NewFanout(ctx, NewTopicMap[string](TopicMapConfig{}), TopicUpstream(origin), nil)

	_, _, rx := f.Subscribe("k")
	require.Eventually(t, func() bool { return origin.Publish("k", "seg-1") }, time.Second, time.Millisecond)
	require.Equal(t, "seg-1", recv(t, rx))

	// Closing the origin topic ends the edge topic too.
	origin.Close("k")
	select {
	case _, open := <-rx.C():
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("edge receiver not closed after origin closed")
	}
}

func TestFanoutRunStopsUpstreams(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	upstream := func(ctx context.Context, _ string, _ func(int)) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}
	f := NewFanout(ctx, NewTopicMap[int](TopicMapConfig{}), upstream, nil)
	_, _, rx := f.Subscribe("k")
	defer rx.Close()

	done := make(chan struct{})
	go func() {
		f.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case <-stopped:
	default:
		t.Fatal("upstream still running after Run returned")
	}
}
