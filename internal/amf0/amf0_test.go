package amf0

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNestedObjectRoundTrip(t *testing.T) {
	t.Parallel()
	in := Object{
		{Key: "k1", Value: float64(42)},
		{Key: "k2", Value: Object{
			{Key: "k3", Value: "hi"},
			{Key: "k4", Value: true},
		}},
	}
	raw, err := EncodeAll(in)
	require.NoError(t, err)

	// marker + ("k1" key + number) + ("k2" key + object marker +
	// ("k3" key + string) + ("k4" key + bool) + end) + end
	want := 1 +
		(2 + 2 + 1 + 8) +
		(2 + 2 + 1 +
			(2 + 2 + 1 + 2 + 2) +
			(2 + 2 + 1 + 1) +
			3) +
		3
	require.Len(t, raw, want)

	out, err := DecodeAll(raw)
	require.NoError(t, err)
	require.Equal(t, []any{in}, out)
	require.Len(t, out[0].(Object), 2)
}

func TestRoundTripValues(t *testing.T) {
	t.Parallel()
	values := []any{
		float64(0),
		-1.5,
		true,
		false,
		"",
		"live",
		nil,
		Undefined{},
		EcmaArray{{Key: "duration", Value: float64(0)}, {Key: "width", Value: float64(1920)}},
		[]any{float64(1), "two", nil},
		Date{Millis: 1.7e12},
		LongString(strings.Repeat("x", 70000)),
		Object{},
	}
	for _, v := range values {
		raw, err := EncodeAll(v)
		require.NoError(t, err)
		out, err := DecodeAll(raw)
		require.NoError(t, err)
		require.Equal(t, []any{v}, out)
	}
}

func TestCommandSequence(t *testing.T) {
	t.Parallel()
	raw, err := EncodeAll("connect", 1, Object{{Key: "app", Value: "live"}}, nil)
	require.NoError(t, err)
	out, err := DecodeAll(raw)
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, "connect", out[0])
	require.Equal(t, float64(1), out[1])
	require.Equal(t, "live", out[2].(Object).String("app"))
	require.Nil(t, out[3])
}

func TestEncodeErrors(t *testing.T) {
	t.Parallel()
	_, err := EncodeAll(strings.Repeat("a", 65536))
	require.ErrorIs(t, err, ErrStringTooLong)

	_, err = EncodeAll(Object{{Key: strings.Repeat("k", 65536), Value: 1}})
	require.ErrorIs(t, err, ErrStringTooLong)

	_, err = EncodeAll(struct{}{})
	var ute *UnsupportedTypeError
	require.True(t, errors.As(err, &ute))
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated number", []byte{MarkerNumber, 0x40}},
		{"truncated string", []byte{MarkerString, 0x00, 0x05, 'a'}},
		{"unterminated object", []byte{MarkerObject, 0x00, 0x01, 'a', MarkerNull}},
		{"unknown marker", []byte{0x11}},
		{"strict array count too large", []byte{MarkerStrictArray, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeAll(tt.data)
			require.Error(t, err)
		})
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	t.Parallel()
	var data []byte
	for i := 0; i < maxDepth+2; i++ {
		data = append(data, MarkerStrictArray, 0, 0, 0, 1)
	}
	data = append(data, MarkerNull)
	_, err := DecodeAll(data)
	require.ErrorIs(t, err, ErrTooDeep)
}

func TestObjectAccessors(t *testing.T) {
	t.Parallel()
	o := Object{{Key: "app", Value: "live"}, {Key: "fps", Value: 30.0}}
	if o.String("app") != "live" || o.Number("fps") != 30 || o.String("fps") != "" {
		t.Errorf("accessors: %q %v %q", o.String("app"), o.Number("fps"), o.String("fps"))
	}
	if _, ok := o.Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
}
