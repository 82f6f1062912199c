package failcache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/efritz/failcache/resp"
)

// Ping checks that the current server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := redis.String(c.run(ctx, "", false, resp.NewCommand("PING")))
	return err
}

// Get returns the value stored at key. The boolean is false if the
// key does not exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return bulkOrMissing(redis.Bytes(c.run(ctx, key, false, resp.NewCommand("GET", key))))
}

// Set stores value at key. A positive expire sets the time to live.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expire time.Duration) error {
	return expectOK(c.run(ctx, key, true, setCommand(key, value, expire)))
}

// Add stores value at key only if the key does not exist. It returns
// false, without touching the stored value, if the key exists.
func (c *Client) Add(ctx context.Context, key string, value interface{}, expire time.Duration) (bool, error) {
	return stored(c.run(ctx, key, true, addCommand(key, value, expire)))
}

// Replace stores value at key and returns the value it replaced. The
// boolean is false if the key did not exist. The time to live of the
// key is cleared.
func (c *Client) Replace(ctx context.Context, key string, value interface{}) ([]byte, bool, error) {
	return bulkOrMissing(redis.Bytes(c.run(ctx, key, true, resp.NewCommand("GETSET", key, value))))
}

// Increment adds delta to the integer stored at key and returns the
// new value. A missing key counts as zero.
func (c *Client) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return redis.Int64(c.run(ctx, key, true, resp.NewCommand("INCRBY", key, delta)))
}

// Decrement subtracts delta from the integer stored at key and returns
// the new value.
func (c *Client) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return redis.Int64(c.run(ctx, key, true, resp.NewCommand("DECRBY", key, delta)))
}

// IncrementFloat adds delta to the number stored at key.
func (c *Client) IncrementFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return redis.Float64(c.run(ctx, key, true, resp.NewCommand("INCRBYFLOAT", key, delta)))
}

// ContainsKey returns true if the key exists.
func (c *Client) ContainsKey(ctx context.Context, key string) (bool, error) {
	n, err := redis.Int64(c.run(ctx, key, false, resp.NewCommand("EXISTS", key)))
	return n > 0, err
}

// GetExpire returns the remaining time to live of key. It returns
// NoExpire for a key without one and false if the key does not exist.
func (c *Client) GetExpire(ctx context.Context, key string) (time.Duration, bool, error) {
	ms, err := redis.Int64(c.run(ctx, key, false, resp.NewCommand("PTTL", key)))
	if err != nil {
		return 0, false, err
	}

	switch {
	case ms == -2:
		return 0, false, nil
	case ms < 0:
		return NoExpire, true, nil
	}

	return time.Duration(ms) * time.Millisecond, true, nil
}

// SetExpire sets the time to live of key. It returns false if the key
// does not exist.
func (c *Client) SetExpire(ctx context.Context, key string, expire time.Duration) (bool, error) {
	n, err := redis.Int64(c.run(ctx, key, true, resp.NewCommand("PEXPIRE", key, expire)))
	return n == 1, err
}

// Remove deletes the given keys and returns the number that existed.
func (c *Client) Remove(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	return redis.Int64(c.run(ctx, keys[0], true, resp.NewCommand("DEL", stringArgs(keys)...)))
}

// GetAll returns the values of every key that exists. The reads are
// pipelined over a single connection.
func (c *Client) GetAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	commands := make([]resp.Command, 0, len(keys))
	for _, key := range keys {
		commands = append(commands, resp.NewCommand("GET", key))
	}

	replies, err := c.batch(ctx, "GETALL", keys[0], commands)
	if err != nil {
		return nil, err
	}

	values := map[string][]byte{}
	for i, reply := range replies {
		value, ok, err := bulkOrMissing(redis.Bytes(replyValue(reply, nil)))
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", keys[i], err)
		}

		if ok {
			values[keys[i]] = value
		}
	}

	return values, nil
}

// SetAll stores every key/value pair. Without an expire this is a single
// MSET; otherwise one SET per key is pipelined over a single connection.
func (c *Client) SetAll(ctx context.Context, values map[string]interface{}, expire time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	if expire <= 0 {
		args := make([]interface{}, 0, len(keys)*2)
		for _, key := range keys {
			args = append(args, key, values[key])
		}

		return expectOK(c.run(ctx, keys[0], true, resp.NewCommand("MSET", args...)))
	}

	commands := make([]resp.Command, 0, len(keys))
	for _, key := range keys {
		commands = append(commands, setCommand(key, values[key], expire))
	}

	replies, err := c.batch(ctx, "SETALL", keys[0], commands)
	if err != nil {
		return err
	}

	for i, reply := range replies {
		if err := expectOK(replyValue(reply, nil)); err != nil {
			return fmt.Errorf("set %s: %w", keys[i], err)
		}
	}

	return nil
}

// GetList is not supported by this protocol subset.
func (c *Client) GetList(ctx context.Context, key string) ([][]byte, error) {
	return nil, unsupported("GetList")
}

// GetHash is not supported by this protocol subset.
func (c *Client) GetHash(ctx context.Context, key string) (map[string][]byte, error) {
	return nil, unsupported("GetHash")
}

// GetSet is not supported by this protocol subset.
func (c *Client) GetSet(ctx context.Context, key string) ([][]byte, error) {
	return nil, unsupported("GetSet")
}

// GetQueue is not supported by this protocol subset.
func (c *Client) GetQueue(ctx context.Context, key string) ([][]byte, error) {
	return nil, unsupported("GetQueue")
}

//
// Command Helper Functions

func (c *Client) run(ctx context.Context, key string, isWrite bool, command resp.Command) (interface{}, error) {
	return replyValue(c.Execute(ctx, key, isWrite, command))
}

// Send every command on one connection before reading any reply. The
// whole batch fails over together.
func (c *Client) batch(ctx context.Context, name, key string, commands []resp.Command) ([]resp.Reply, error) {
	var replies []resp.Reply
	err := c.withFailover(ctx, name, key, func(ctx context.Context, conn Conn) error {
		replies = replies[:0]

		for _, command := range commands {
			if err := conn.Send(ctx, command); err != nil {
				return err
			}
		}

		if err := conn.Flush(ctx); err != nil {
			return err
		}

		for range commands {
			reply, err := conn.Receive(ctx)
			if err != nil {
				return err
			}

			replies = append(replies, reply)
		}

		return nil
	})

	return replies, err
}

func setCommand(key string, value interface{}, expire time.Duration) resp.Command {
	return resp.NewCommand("SET", append([]interface{}{key, value}, expireArgs(expire)...)...)
}

func addCommand(key string, value interface{}, expire time.Duration) resp.Command {
	args := append([]interface{}{key, value, "NX"}, expireArgs(expire)...)
	return resp.NewCommand("SET", args...)
}

// Whole seconds are sent as EX so that servers without PX support
// still accept them.
func expireArgs(expire time.Duration) []interface{} {
	switch {
	case expire <= 0:
		return nil
	case expire%time.Second == 0:
		return []interface{}{"EX", int64(expire / time.Second)}
	}

	return []interface{}{"PX", int64(expire / time.Millisecond)}
}

func expectOK(value interface{}, err error) error {
	s, err := redis.String(value, err)
	if err != nil {
		return err
	}

	if s != "OK" {
		return fmt.Errorf("unexpected reply %q", s)
	}

	return nil
}

// A nil bulk from SET NX means the key already existed.
func stored(value interface{}, err error) (bool, error) {
	if err := expectOK(value, err); err != nil {
		if err == redis.ErrNil {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func bulkOrMissing(value []byte, err error) ([]byte, bool, error) {
	if err == redis.ErrNil {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, 0, len(values))
	for _, value := range values {
		args = append(args, value)
	}

	return args
}
