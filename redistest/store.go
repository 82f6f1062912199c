package redistest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/efritz/glock"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/efritz/failcache/resp"
)

type (
	// Store is an in-memory keyspace answering the commands used by
	// failcache. Expiry is evaluated against the store's clock.
	Store struct {
		clock    glock.Clock
		userName string
		password string
		data     *xsync.MapOf[string, entry]
		calls    *xsync.MapOf[string, int64]
	}

	entry struct {
		value   []byte
		expires time.Time
	}

	// StoreConfigFunc is a function used to configure a store.
	StoreConfigFunc func(*Store)

	commandFunc func(s *Store, session *Session, args [][]byte) resp.Reply
)

var commands = map[string]commandFunc{
	"PING":        (*Store).ping,
	"AUTH":        (*Store).auth,
	"SELECT":      (*Store).selectDB,
	"GET":         (*Store).get,
	"SET":         (*Store).set,
	"GETSET":      (*Store).getSet,
	"MSET":        (*Store).mset,
	"INCR":        (*Store).incr,
	"DECR":        (*Store).decr,
	"INCRBY":      (*Store).incrBy,
	"DECRBY":      (*Store).decrBy,
	"INCRBYFLOAT": (*Store).incrByFloat,
	"EXISTS":      (*Store).exists,
	"DEL":         (*Store).del,
	"TTL":         (*Store).ttl,
	"PTTL":        (*Store).pttl,
	"EXPIRE":      (*Store).expire,
	"PEXPIRE":     (*Store).pexpire,
	"FLUSHALL":    (*Store).flushAll,
}

var (
	errSyntax     = resp.NewError("ERR syntax error")
	errNotInteger = resp.NewError("ERR value is not an integer or out of range")
	errNotFloat   = resp.NewError("ERR value is not a valid float")
	errNoAuth     = resp.NewError("NOAUTH Authentication required.")
	errWrongPass  = resp.NewError("WRONGPASS invalid username-password pair or user is disabled.")
)

// NewStore creates an empty store.
func NewStore(configs ...StoreConfigFunc) *Store {
	s := &Store{
		clock: glock.NewRealClock(),
		data:  xsync.NewMapOf[string, entry](),
		calls: xsync.NewMapOf[string, int64](),
	}

	for _, f := range configs {
		f(s)
	}

	return s
}

// WithClock sets the clock used to expire keys.
func WithClock(clock glock.Clock) StoreConfigFunc {
	return func(s *Store) { s.clock = clock }
}

// WithPassword makes the store reject commands from sessions that have
// not authenticated with the given credentials. The user name may be
// empty.
func WithPassword(userName, password string) StoreConfigFunc {
	return func(s *Store) {
		s.userName = userName
		s.password = password
	}
}

// Handle answers one command. It can be used as a Handler.
func (s *Store) Handle(session *Session, command resp.Command) resp.Reply {
	name := strings.ToUpper(command.Name)

	s.calls.Compute(name, func(n int64, loaded bool) (int64, bool) {
		return n + 1, false
	})

	if s.password != "" && !session.Authenticated && name != "AUTH" {
		return errNoAuth
	}

	f, ok := commands[name]
	if !ok {
		return resp.NewError(fmt.Sprintf("ERR unknown command '%s'", command.Name))
	}

	return f(s, session, command.Args)
}

// Calls returns the number of times the given command was received.
func (s *Store) Calls(name string) int64 {
	n, _ := s.calls.Load(strings.ToUpper(name))
	return n
}

// Value returns the live value stored at key.
func (s *Store) Value(key string) ([]byte, bool) {
	e, ok := s.load(key)
	return e.value, ok
}

//
// Commands

func (s *Store) ping(_ *Session, args [][]byte) resp.Reply {
	if len(args) > 0 {
		return resp.NewBulk(args[0])
	}

	return resp.NewSimpleString("PONG")
}

func (s *Store) auth(session *Session, args [][]byte) resp.Reply {
	var userName, password string
	switch len(args) {
	case 1:
		password = string(args[0])
	case 2:
		userName, password = string(args[0]), string(args[1])
	default:
		return errSyntax
	}

	if password != s.password || (userName != "" && userName != s.userName) {
		return errWrongPass
	}

	session.Authenticated = true
	return resp.OK
}

func (s *Store) selectDB(session *Session, args [][]byte) resp.Reply {
	if len(args) != 1 {
		return errSyntax
	}

	db, err := strconv.Atoi(string(args[0]))
	if err != nil || db < 0 {
		return resp.NewError("ERR DB index is out of range")
	}

	session.DB = db
	return resp.OK
}

func (s *Store) get(_ *Session, args [][]byte) resp.Reply {
	if len(args) != 1 {
		return errSyntax
	}

	if e, ok := s.load(string(args[0])); ok {
		return resp.NewBulk(e.value)
	}

	return resp.NilBulk()
}

func (s *Store) set(_ *Session, args [][]byte) resp.Reply {
	if len(args) < 2 {
		return errSyntax
	}

	var (
		key     = string(args[0])
		value   = copyBytes(args[1])
		nx, xx  bool
		expires time.Time
	)

	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return errSyntax
			}

			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || n <= 0 {
				return resp.NewError("ERR invalid expire time in 'set' command")
			}

			unit := time.Millisecond
			if strings.EqualFold(string(args[i]), "EX") {
				unit = time.Second
			}

			expires = s.clock.Now().Add(time.Duration(n) * unit)
			i++
		default:
			return errSyntax
		}
	}

	now := s.clock.Now()
	stored := false

	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		exists := loaded && old.live(now)
		if (nx && exists) || (xx && !exists) {
			return old, !loaded
		}

		stored = true
		return entry{value: value, expires: expires}, false
	})

	if !stored {
		return resp.NilBulk()
	}

	return resp.OK
}

func (s *Store) getSet(_ *Session, args [][]byte) resp.Reply {
	if len(args) != 2 {
		return errSyntax
	}

	var (
		now      = s.clock.Now()
		value    = copyBytes(args[1])
		previous []byte
		found    bool
	)

	s.data.Compute(string(args[0]), func(old entry, loaded bool) (entry, bool) {
		if loaded && old.live(now) {
			previous, found = old.value, true
		}

		return entry{value: value}, false
	})

	if !found {
		return resp.NilBulk()
	}

	return resp.NewBulk(previous)
}

func (s *Store) mset(_ *Session, args [][]byte) resp.Reply {
	if len(args) == 0 || len(args)%2 != 0 {
		return errSyntax
	}

	for i := 0; i < len(args); i += 2 {
		s.data.Store(string(args[i]), entry{value: copyBytes(args[i+1])})
	}

	return resp.OK
}

func (s *Store) incr(_ *Session, args [][]byte) resp.Reply {
	if len(args) != 1 {
		return errSyntax
	}

	return s.add(string(args[0]), 1)
}

func (s *Store) decr(_ *Session, args [][]byte) resp.Reply {
	if len(args) != 1 {
		return errSyntax
	}

	return s.add(string(args[0]), -1)
}

func (s *Store) incrBy(_ *Session, args [][]byte) resp.Reply {
	return s.addArg(args, 1)
}

func (s *Store) decrBy(_ *Session, args [][]byte) resp.Reply {
	return s.addArg(args, -1)
}

func (s *Store) incrByFloat(_ *Session, args [][]byte) resp.Reply {
	if len(args) != 2 {
		return errSyntax
	}

	delta, err := strconv.ParseFloat(string(args[1]), 64)
	if err != nil {
		return errNotFloat
	}

	var (
		now    = s.clock.Now()
		result []byte
		failed bool
	)

	s.data.Compute(string(args[0]), func(old entry, loaded bool) (entry, bool) {
		current := 0.0
		if loaded && old.live(now) {
			f, err := strconv.ParseFloat(string(old.value), 64)
			if err != nil {
				failed = true
				return old, false
			}

			current = f
		} else {
			old = entry{}
		}

		result = strconv.AppendFloat(nil, current+delta, 'f', -1, 64)
		return entry{value: result, expires: old.expires}, false
	})

	if failed {
		return errNotFloat
	}

	return resp.NewBulk(result)
}

func (s *Store) exists(_ *Session, args [][]byte) resp.Reply {
	n := int64(0)
	for _, key := range args {
		if _, ok := s.load(string(key)); ok {
			n++
		}
	}

	return resp.NewInteger(n)
}

func (s *Store) del(_ *Session, args [][]byte) resp.Reply {
	now := s.clock.Now()

	n := int64(0)
	for _, key := range args {
		if e, ok := s.data.LoadAndDelete(string(key)); ok && e.live(now) {
			n++
		}
	}

	return resp.NewInteger(n)
}

func (s *Store) ttl(_ *Session, args [][]byte) resp.Reply {
	return s.remaining(args, time.Second)
}

func (s *Store) pttl(_ *Session, args [][]byte) resp.Reply {
	return s.remaining(args, time.Millisecond)
}

func (s *Store) expire(_ *Session, args [][]byte) resp.Reply {
	return s.setExpire(args, time.Second)
}

func (s *Store) pexpire(_ *Session, args [][]byte) resp.Reply {
	return s.setExpire(args, time.Millisecond)
}

func (s *Store) flushAll(_ *Session, _ [][]byte) resp.Reply {
	s.data.Clear()
	return resp.OK
}

//
// Store Helper Functions

func (s *Store) load(key string) (entry, bool) {
	e, ok := s.data.Load(key)
	if !ok || !e.live(s.clock.Now()) {
		return entry{}, false
	}

	return e, true
}

func (s *Store) addArg(args [][]byte, sign int64) resp.Reply {
	if len(args) != 2 {
		return errSyntax
	}

	delta, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return errNotInteger
	}

	return s.add(string(args[0]), sign*delta)
}

func (s *Store) add(key string, delta int64) resp.Reply {
	var (
		now    = s.clock.Now()
		result int64
		failed bool
	)

	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		current := int64(0)
		if loaded && old.live(now) {
			n, err := strconv.ParseInt(string(old.value), 10, 64)
			if err != nil {
				failed = true
				return old, false
			}

			current = n
		} else {
			old = entry{}
		}

		result = current + delta
		return entry{value: strconv.AppendInt(nil, result, 10), expires: old.expires}, false
	})

	if failed {
		return errNotInteger
	}

	return resp.NewInteger(result)
}

func (s *Store) remaining(args [][]byte, unit time.Duration) resp.Reply {
	if len(args) != 1 {
		return errSyntax
	}

	e, ok := s.load(string(args[0]))
	if !ok {
		return resp.NewInteger(-2)
	}

	if e.expires.IsZero() {
		return resp.NewInteger(-1)
	}

	return resp.NewInteger(int64(e.expires.Sub(s.clock.Now()) / unit))
}

func (s *Store) setExpire(args [][]byte, unit time.Duration) resp.Reply {
	if len(args) != 2 {
		return errSyntax
	}

	n, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return errNotInteger
	}

	var (
		now     = s.clock.Now()
		updated bool
	)

	s.data.Compute(string(args[0]), func(old entry, loaded bool) (entry, bool) {
		if !loaded || !old.live(now) {
			return old, true
		}

		updated = true
		if n <= 0 {
			return old, true
		}

		old.expires = now.Add(time.Duration(n) * unit)
		return old, false
	})

	if !updated {
		return resp.NewInteger(0)
	}

	return resp.NewInteger(1)
}

func (e entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

func copyBytes(p []byte) []byte {
	return append(make([]byte, 0, len(p)), p...)
}
