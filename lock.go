package failcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/efritz/backoff"
	"github.com/efritz/glock"
)

type (
	// LockStore is the set of cache primitives a Lock is built on.
	// A *Client is a LockStore.
	LockStore interface {
		Add(ctx context.Context, key string, value interface{}, expire time.Duration) (bool, error)
		Get(ctx context.Context, key string) ([]byte, bool, error)
		Replace(ctx context.Context, key string, value interface{}) ([]byte, bool, error)
		SetExpire(ctx context.Context, key string, expire time.Duration) (bool, error)
		Remove(ctx context.Context, keys ...string) (int64, error)
	}

	// LockState describes who holds a lock from the point of view of
	// one Lock value.
	LockState int

	// Lock is a distributed lock stored at the key "lock:" + name. The
	// stored value is the time at which the lock expires in unix
	// milliseconds; a holder that dies is superseded once that time
	// passes. Unless an expire is configured, a lock expires after the
	// wait given to Acquire.
	Lock struct {
		store   LockStore
		key     string
		expire  time.Duration
		clock   glock.Clock
		backoff func() backoff.Backoff
		logger  Logger
		mutex   sync.Mutex
		state   LockState
	}

	lockConfig struct {
		expire         time.Duration
		throwOnFailure bool
		backoffFactory func() backoff.Backoff
	}

	// LockConfigFunc is a function used to configure a lock.
	LockConfigFunc func(*lockConfig)
)

const (
	// Unlocked means this lock value does not hold the key.
	Unlocked LockState = iota

	// HeldByMe means this lock value holds the key.
	HeldByMe

	// Contended means another holder had the key when this lock value
	// last tried to take it and it is still waiting.
	Contended
)

// DefaultLockExpire is how long a lock is held before another caller
// may take it over when neither an expire nor a wait is given.
const DefaultLockExpire = time.Second * 30

func (s LockState) String() string {
	switch s {
	case HeldByMe:
		return "HeldByMe"
	case Contended:
		return "Contended"
	}

	return "Unlocked"
}

// WithLockExpire sets how long the lock is held before it is considered
// stale (default is the wait passed to Acquire).
func WithLockExpire(expire time.Duration) LockConfigFunc {
	return func(c *lockConfig) { c.expire = expire }
}

// WithThrowOnFailure makes AcquireLock return ErrLockTimeout instead of
// a nil lock when the lock is not acquired in time.
func WithThrowOnFailure() LockConfigFunc {
	return func(c *lockConfig) { c.throwOnFailure = true }
}

// WithLockRetryBackoff sets the interval between attempts for this lock,
// overriding the client's WithLockBackoff.
func WithLockRetryBackoff(factory func() backoff.Backoff) LockConfigFunc {
	return func(c *lockConfig) { c.backoffFactory = factory }
}

// NewLock creates an unlocked lock over the given name.
func (c *Client) NewLock(name string, configs ...LockConfigFunc) *Lock {
	lock, _ := c.newLock(name, configs)
	return lock
}

// AcquireLock waits up to wait for the lock over the given name. If the
// lock is not acquired in time, a nil lock is returned; with the option
// WithThrowOnFailure the error ErrLockTimeout is returned as well.
func (c *Client) AcquireLock(ctx context.Context, name string, wait time.Duration, configs ...LockConfigFunc) (*Lock, error) {
	lock, config := c.newLock(name, configs)

	ok, err := lock.Acquire(ctx, wait)
	if err != nil {
		return nil, err
	}

	if !ok {
		if config.throwOnFailure {
			return nil, ErrLockTimeout
		}

		return nil, nil
	}

	return lock, nil
}

func (c *Client) newLock(name string, configs []LockConfigFunc) (*Lock, *lockConfig) {
	config := &lockConfig{
		backoffFactory: c.lockBackoff,
	}

	for _, f := range configs {
		f(config)
	}

	return NewStoreLock(c, name, config.expire, c.clock, config.backoffFactory, c.logger), config
}

// NewStoreLock creates a lock over any LockStore. A zero expire makes
// the lock expire after the wait given to Acquire.
func NewStoreLock(
	store LockStore,
	name string,
	expire time.Duration,
	clock glock.Clock,
	backoffFactory func() backoff.Backoff,
	logger Logger,
) *Lock {
	if backoffFactory == nil {
		backoffFactory = defaultLockBackoff
	}

	return &Lock{
		store:   store,
		key:     "lock:" + name,
		expire:  expire,
		clock:   clock,
		backoff: backoffFactory,
		logger:  logger,
	}
}

// Key returns the cache key holding the lock.
func (l *Lock) Key() string {
	return l.key
}

// State returns the state observed by the last acquire or release.
func (l *Lock) State() LockState {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}

// Acquire tries to take the lock until wait elapses. It returns false
// without an error if the lock is still held by someone else at that
// point. Acquiring a lock that is already held by this value returns
// true immediately.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) (bool, error) {
	if l.State() == HeldByMe {
		return true, nil
	}

	var (
		deadline = l.clock.Now().Add(wait)
		expire   = l.expireFor(wait)
	)

	ok, err := l.store.Add(ctx, l.key, l.expiry(expire), expire)
	if err != nil {
		return false, err
	}

	if ok {
		l.setState(HeldByMe)
		return true, nil
	}

	l.setState(Contended)
	b := l.backoff()

	for {
		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			l.setState(Unlocked)
			return false, nil
		}

		interval := b.NextInterval()
		if interval > remaining {
			interval = remaining
		}

		select {
		case <-l.clock.After(interval):
		case <-ctx.Done():
			l.setState(Unlocked)
			return false, ctx.Err()
		}

		won, err := l.attempt(ctx, expire)
		if err != nil {
			l.setState(Unlocked)
			return false, err
		}

		if won {
			l.setState(HeldByMe)
			return true, nil
		}
	}
}

// Release deletes the lock key if this value holds the lock. The key is
// deleted without checking that the stored expiry is still the one this
// value wrote, so a holder that outlived its expiry removes the lock of
// whoever took it over.
func (l *Lock) Release(ctx context.Context) error {
	if l.State() != HeldByMe {
		return nil
	}

	if _, err := l.store.Remove(ctx, l.key); err != nil {
		return err
	}

	l.setState(Unlocked)
	return nil
}

//
// Lock Helper Functions

// One attempt to take a contended lock. When the stored expiry has
// passed, every waiter swaps in its own expiry but only the one that
// reads back the stale value wins.
func (l *Lock) attempt(ctx context.Context, expire time.Duration) (bool, error) {
	value, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return false, err
	}

	if !ok {
		return l.store.Add(ctx, l.key, l.expiry(expire), expire)
	}

	now := l.clock.Now()
	if !isStale(value, now) {
		return false, nil
	}

	previous, ok, err := l.store.Replace(ctx, l.key, l.expiry(expire))
	if err != nil {
		return false, err
	}

	if ok && !isStale(previous, now) {
		// Another waiter swapped first.
		return false, nil
	}

	if _, err := l.store.SetExpire(ctx, l.key, expire); err != nil {
		return false, err
	}

	if l.logger != nil {
		l.logger.Printf("Took over stale lock %s", l.key)
	}

	return true, nil
}

func (l *Lock) expireFor(wait time.Duration) time.Duration {
	switch {
	case l.expire > 0:
		return l.expire
	case wait > 0:
		return wait
	}

	return DefaultLockExpire
}

func (l *Lock) expiry(expire time.Duration) int64 {
	return l.clock.Now().Add(expire).UnixNano() / int64(time.Millisecond)
}

func (l *Lock) setState(state LockState) {
	l.mutex.Lock()
	l.state = state
	l.mutex.Unlock()
}

// A value that is not a timestamp was not written by a lock and is
// treated as stale.
func isStale(value []byte, now time.Time) bool {
	expiry, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return true
	}

	return expiry <= now.UnixNano()/int64(time.Millisecond)
}
