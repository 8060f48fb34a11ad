package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "room/a/missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "room/a/track/source/init-1.mp4", []byte("init")))
	require.NoError(t, s.Put(ctx, "room/a/track/source/segment/1.m4s", []byte("seg1")))
	require.NoError(t, s.Put(ctx, "room/b/track/source/segment/1.m4s", []byte("other")))

	got, err := s.Get(ctx, "room/a/track/source/init-1.mp4")
	require.NoError(t, err)
	require.Equal(t, []byte("init"), got)

	require.NoError(t, s.Put(ctx, "room/a/track/source/init-1.mp4", []byte("init2")))
	got, err = s.Get(ctx, "room/a/track/source/init-1.mp4")
	require.NoError(t, err)
	require.Equal(t, []byte("init2"), got)

	keys, err := s.List(ctx, "room/a/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"room/a/track/source/init-1.mp4",
		"room/a/track/source/segment/1.m4s",
	}, keys)

	require.NoError(t, s.Delete(ctx, "room/a/track/source/segment/1.m4s"))
	require.NoError(t, s.Delete(ctx, "room/a/track/source/segment/1.m4s"))
	_, err = s.Get(ctx, "room/a/track/source/segment/1.m4s")
	require.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"", "/abs", "a/../b", "a//b", "dir/"} {
		require.ErrorIs(t, s.Put(ctx, bad, nil), ErrInvalidKey, "key %q", bad)
	}
}

func TestMemory(t *testing.T) {
	t.Parallel()
	testStore(t, NewMemory())
}

func TestMemoryCopies(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Put(context.Background(), "k", buf))
	buf[0] = 'x'
	got, _ := m.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestDir(t *testing.T) {
	t.Parallel()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	testStore(t, d)
}

type flaky struct {
	Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flaky) Put(ctx context.Context, key string, data []byte) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("transient")
	}
	return f.Store.Put(ctx, key, data)
}

func fastRetry() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryRecovers(t *testing.T) {
	t.Parallel()
	f := &flaky{Store: NewMemory()}
	f.failures.Store(3)
	r := NewRetry(f, fastRetry(), nil)

	require.NoError(t, r.Put(context.Background(), "k", []byte("v")))
	if got := f.calls.Load(); got != 4 {
		t.Errorf("calls: got %d, want 4", got)
	}
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()
	f := &flaky{Store: NewMemory()}
	f.failures.Store(100)
	r := NewRetry(f, fastRetry(), nil)

	require.Error(t, r.Put(context.Background(), "k", []byte("v")))
	if got := f.calls.Load(); got != DefaultAttempts {
		t.Errorf("calls: got %d, want %d", got, DefaultAttempts)
	}
}

func TestRetryNotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	r := NewRetry(NewMemory(), fastRetry(), nil)
	_, err := r.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
