package failcache

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is used for servers configured without a port.
const DefaultPort = 6379

// Config is the result of parsing a connection string.
type Config struct {
	Servers  []string
	UserName string
	Password string
	Db       int

	// Timeout is zero when the connection string does not set one.
	Timeout time.Duration
}

// ErrNoServers is returned for a connection string without a server.
var ErrNoServers = errors.New("no server configured")

var timeoutKeys = map[string]struct{}{
	"timeout":         {},
	"responsetimeout": {},
	"connecttimeout":  {},
}

// ParseConfig parses a connection string of the form
//
//	server=10.0.0.1:6379,10.0.0.2;password=secret;db=3;timeout=3000
//
// Pairs are separated by semicolons or commas and keys are matched
// without regard to case. A segment without an equals sign continues the
// previous value (which is how server lists are written) or, at the start
// of the string, is taken as the server address. Timeouts are given in
// milliseconds; the first of timeout, responseTimeout and connectTimeout
// wins. A port key applies to every server that does not name its own.
func ParseConfig(value string) (*Config, error) {
	var (
		values  = map[string]string{}
		lastKey = ""
		timeout = ""
	)

	for _, segment := range strings.FieldsFunc(value, isConfigSeparator) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		i := strings.IndexByte(segment, '=')
		if i < 0 {
			if lastKey == "" {
				lastKey = "server"
			}

			if values[lastKey] == "" {
				values[lastKey] = segment
			} else {
				values[lastKey] += "," + segment
			}

			continue
		}

		key := strings.ToLower(strings.TrimSpace(segment[:i]))
		values[key] = strings.TrimSpace(segment[i+1:])
		lastKey = key

		if _, ok := timeoutKeys[key]; ok && timeout == "" {
			timeout = key
		}
	}

	config := &Config{
		UserName: values["username"],
		Password: values["password"],
	}

	if raw := values["db"]; raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return nil, fmt.Errorf("invalid db %q", raw)
		}

		config.Db = db
	}

	if timeout != "" {
		ms, err := strconv.Atoi(values[timeout])
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid %s %q", timeout, values[timeout])
		}

		config.Timeout = time.Duration(ms) * time.Millisecond
	}

	port := DefaultPort
	if raw := values["port"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", raw)
		}

		port = p
	}

	servers, err := ParseServers(values["server"], port)
	if err != nil {
		return nil, err
	}

	config.Servers = servers
	return config, nil
}

// ParseServers splits a comma separated list of host[:port] endpoints.
// Endpoints without a port are given the default port.
func ParseServers(list string, defaultPort int) ([]string, error) {
	servers := []string{}
	for _, server := range strings.Split(list, ",") {
		server = strings.TrimSpace(server)
		server = strings.TrimPrefix(server, "tcp://")
		server = strings.TrimPrefix(server, "redis://")
		server = strings.TrimSuffix(server, "/")

		if server == "" {
			continue
		}

		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, strconv.Itoa(defaultPort))
		}

		servers = append(servers, server)
	}

	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	return servers, nil
}

func isConfigSeparator(r rune) bool {
	return r == ';' || r == ','
}
