package failcache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Codec converts values of one type to and from their stored form.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type (
	stringCodec  struct{}
	bytesCodec   struct{}
	int64Codec   struct{}
	float64Codec struct{}
	boolCodec    struct{}
)

type jsonCodec[T any] struct{}

var (
	// StringCodec stores strings as-is.
	StringCodec Codec[string] = stringCodec{}

	// BytesCodec stores byte slices as-is.
	BytesCodec Codec[[]byte] = bytesCodec{}

	// Int64Codec stores integers as decimal text, so that the values
	// can also be changed with Increment and Decrement.
	Int64Codec Codec[int64] = int64Codec{}

	// Float64Codec stores floats as decimal text, so that the values
	// can also be changed with IncrementFloat.
	Float64Codec Codec[float64] = float64Codec{}

	// BoolCodec stores booleans as "1" or "0".
	BoolCodec Codec[bool] = boolCodec{}
)

// JSONCodec stores any other value as a JSON document.
func JSONCodec[T any]() Codec[T] {
	return jsonCodec[T]{}
}

// GetValue reads and decodes the value stored at key. The boolean is
// false if the key does not exist.
func GetValue[T any](ctx context.Context, c *Client, codec Codec[T], key string) (T, bool, error) {
	var zero T

	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	value, err := codec.Decode(data)
	if err != nil {
		return zero, false, err
	}

	return value, true, nil
}

// SetValue encodes and stores value at key.
func SetValue[T any](ctx context.Context, c *Client, codec Codec[T], key string, value T, expire time.Duration) error {
	data, err := codec.Encode(value)
	if err != nil {
		return err
	}

	return c.Set(ctx, key, data, expire)
}

func (stringCodec) Encode(value string) ([]byte, error) { return []byte(value), nil }
func (stringCodec) Decode(data []byte) (string, error)  { return string(data), nil }

func (bytesCodec) Encode(value []byte) ([]byte, error) { return value, nil }
func (bytesCodec) Decode(data []byte) ([]byte, error)  { return data, nil }

func (int64Codec) Encode(value int64) ([]byte, error) {
	return strconv.AppendInt(nil, value, 10), nil
}

func (int64Codec) Decode(data []byte) (int64, error) {
	return strconv.ParseInt(string(data), 10, 64)
}

func (float64Codec) Encode(value float64) ([]byte, error) {
	return strconv.AppendFloat(nil, value, 'g', -1, 64), nil
}

func (float64Codec) Decode(data []byte) (float64, error) {
	return strconv.ParseFloat(string(data), 64)
}

func (boolCodec) Encode(value bool) ([]byte, error) {
	if value {
		return []byte("1"), nil
	}

	return []byte("0"), nil
}

func (boolCodec) Decode(data []byte) (bool, error) {
	return strconv.ParseBool(string(data))
}

func (jsonCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (jsonCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := json.Unmarshal(data, &value)
	return value, err
}
