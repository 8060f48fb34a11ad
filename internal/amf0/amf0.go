// Package amf0 reads and writes Action Message Format 0 values as used by
// RTMP command and data messages.
//
// Values map to Go types as follows: Number is float64, Boolean is bool,
// String is string, LongString is [LongString], Null is nil, Undefined is
// [Undefined], Object is [Object], ECMA array is [EcmaArray], strict array
// is []any and Date is [Date]. Objects keep their wire order.
package amf0

import (
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/beam/internal/bytesio"
)

// Type markers.
const (
	MarkerNumber      = 0x00
	MarkerBoolean     = 0x01
	MarkerString      = 0x02
	MarkerObject      = 0x03
	MarkerNull        = 0x05
	MarkerUndefined   = 0x06
	MarkerEcmaArray   = 0x08
	MarkerObjectEnd   = 0x09
	MarkerStrictArray = 0x0A
	MarkerDate        = 0x0B
	MarkerLongString  = 0x0C
)

const maxDepth = 32

var (
	// ErrStringTooLong is returned when encoding a key or string value that
	// does not fit a 16-bit length.
	ErrStringTooLong = errors.New("amf0: normal string too long")
	// ErrTooDeep is returned when decoding exceeds the nesting limit.
	ErrTooDeep = errors.New("amf0: nesting too deep")
)

// UnsupportedTypeError reports a Go value that has no AMF0 encoding.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("amf0: unsupported type %T", e.Value)
}

// UnsupportedMarkerError reports a type marker this package cannot decode.
type UnsupportedMarkerError struct {
	Marker byte
}

func (e *UnsupportedMarkerError) Error() string {
	return fmt.Sprintf("amf0: unsupported marker %#02x", e.Marker)
}

// LongString is a string encoded with a 32-bit length. Plain Go strings
// longer than 65535 bytes must be wrapped in it explicitly.
type LongString string

// Undefined is the AMF0 undefined value.
type Undefined struct{}

// Date is an AMF0 date: milliseconds since the Unix epoch plus a time zone
// offset that is reserved and normally zero.
type Date struct {
	Millis   float64
	TimeZone int16
}

// Property is one key/value pair of an Object or EcmaArray.
type Property struct {
	Key   string
	Value any
}

// Object is an anonymous AMF0 object with ordered properties.
type Object []Property

// Get returns the value for key.
func (o Object) Get(key string) (any, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// String returns the string value for key, or "" if absent or not a string.
func (o Object) String(key string) string {
	v, _ := o.Get(key)
	s, _ := v.(string)
	return s
}

// Number returns the number value for key, or 0 if absent or not a number.
func (o Object) Number(key string) float64 {
	v, _ := o.Get(key)
	f, _ := v.(float64)
	return f
}

// EcmaArray is an associative array. It is encoded with a count prefix but
// otherwise behaves like Object.
type EcmaArray []Property

// Get returns the value for key.
func (a EcmaArray) Get(key string) (any, bool) { return Object(a).Get(key) }

// String returns the string value for key.
func (a EcmaArray) String(key string) string { return Object(a).String(key) }

// Number returns the number value for key.
func (a EcmaArray) Number(key string) float64 { return Object(a).Number(key) }

// EncodeAll serializes values back to back.
func EncodeAll(values ...any) ([]byte, error) {
	var w bytesio.Writer
	for _, v := range values {
		if err := Encode(&w, v); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// Encode appends one value to w. Integer types are widened to Number.
func Encode(w *bytesio.Writer, v any) error {
	switch v := v.(type) {
	case nil:
		w.PutU8(MarkerNull)
	case float64:
		putNumber(w, v)
	case float32:
		putNumber(w, float64(v))
	case int:
		putNumber(w, float64(v))
	case int32:
		putNumber(w, float64(v))
	case int64:
		putNumber(w, float64(v))
	case uint32:
		putNumber(w, float64(v))
	case uint64:
		putNumber(w, float64(v))
	case bool:
		w.PutU8(MarkerBoolean)
		if v {
			w.PutU8(1)
		} else {
			w.PutU8(0)
		}
	case string:
		if len(v) > math.MaxUint16 {
			return ErrStringTooLong
		}
		w.PutU8(MarkerString)
		return putUTF8(w, v)
	case LongString:
		w.PutU8(MarkerLongString)
		w.PutU32(uint32(len(v)))
		w.PutBytes([]byte(v))
	case Undefined:
		w.PutU8(MarkerUndefined)
	case Object:
		w.PutU8(MarkerObject)
		return putProperties(w, v)
	case EcmaArray:
		w.PutU8(MarkerEcmaArray)
		w.PutU32(uint32(len(v)))
		return putProperties(w, Object(v))
	case []any:
		w.PutU8(MarkerStrictArray)
		w.PutU32(uint32(len(v)))
		for _, e := range v {
			if err := Encode(w, e); err != nil {
				return err
			}
		}
	case Date:
		w.PutU8(MarkerDate)
		w.PutU64(math.Float64bits(v.Millis))
		w.PutU16(uint16(v.TimeZone))
	default:
		return &UnsupportedTypeError{Value: v}
	}
	return nil
}

func putNumber(w *bytesio.Writer, f float64) {
	w.PutU8(MarkerNumber)
	w.PutU64(math.Float64bits(f))
}

func putUTF8(w *bytesio.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	w.PutU16(uint16(len(s)))
	w.PutBytes([]byte(s))
	return nil
}

func putProperties(w *bytesio.Writer, o Object) error {
	for _, p := range o {
		if err := putUTF8(w, p.Key); err != nil {
			return err
		}
		if err := Encode(w, p.Value); err != nil {
			return err
		}
	}
	w.PutU16(0)
	w.PutU8(MarkerObjectEnd)
	return nil
}

// DecodeAll parses values until data is exhausted.
func DecodeAll(data []byte) ([]any, error) {
	c := bytesio.NewCursor(data)
	var out []any
	for c.Remaining() > 0 {
		v, err := Decode(c)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Decode parses one value at the cursor.
func Decode(c *bytesio.Cursor) (any, error) {
	return decode(c, 0)
}

func decode(c *bytesio.Cursor, depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	marker, err := c.ReadU8()
	if err != nil {
		return nil, err
	}
	switch marker {
	case MarkerNumber:
		v, err := c.ReadU64()
		return math.Float64frombits(v), err
	case MarkerBoolean:
		b, err := c.ReadU8()
		return b != 0, err
	case MarkerString:
		return readUTF8(c)
	case MarkerLongString:
		n, err := c.ReadU32()
		if err != nil {
			return nil, err
		}
		b, err := c.ReadSlice(int(n))
		return LongString(b), err
	case MarkerNull:
		return nil, nil
	case MarkerUndefined:
		return Undefined{}, nil
	case MarkerObject:
		return readProperties(c, depth)
	case MarkerEcmaArray:
		// The count is advisory; encoders disagree on it, so the
		// terminator decides.
		if _, err := c.ReadU32(); err != nil {
			return nil, err
		}
		o, err := readProperties(c, depth)
		return EcmaArray(o), err
	case MarkerStrictArray:
		n, err := c.ReadU32()
		if err != nil {
			return nil, err
		}
		if int64(n) > int64(c.Remaining()) {
			return nil, bytesio.ErrEOF
		}
		arr := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := decode(c, depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case MarkerDate:
		ms, err := c.ReadU64()
		if err != nil {
			return nil, err
		}
		tz, err := c.ReadU16()
		return Date{Millis: math.Float64frombits(ms), TimeZone: int16(tz)}, err
	default:
		return nil, &UnsupportedMarkerError{Marker: marker}
	}
}

func readUTF8(c *bytesio.Cursor) (string, error) {
	n, err := c.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := c.ReadSlice(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readProperties(c *bytesio.Cursor, depth int) (Object, error) {
	o := Object{}
	for {
		key, err := readUTF8(c)
		if err != nil {
			return nil, err
		}
		if key == "" {
			end, err := c.Peek(1)
			if err != nil {
				return nil, err
			}
			if end[0] == MarkerObjectEnd {
				_ = c.Skip(1)
				return o, nil
			}
		}
		v, err := decode(c, depth+1)
		if err != nil {
			return nil, err
		}
		o = append(o, Property{Key: key, Value: v})
	}
}
