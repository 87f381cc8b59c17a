package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	defaultTCPPort  = "7777"
	defaultSSHPort  = "7778"
	defaultHTTPPort = "8080"
	defaultWSPath   = "/ws"
)

// endpoint is a parsed server address.
type endpoint struct {
	transport string // tcp, ssh or websocket
	hostPort  string
	user      string // ssh login, from ssh://user@host
	url       string // full websocket URL
	display   string
}

// parseServerAddress accepts host[:port], tcp://host[:port],
// ssh://[user@]host[:port] and ws[s]://host[:port][/path].
func parseServerAddress(raw string) (*endpoint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &endpoint{transport: "tcp", hostPort: address, display: address}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		display := "ssh://" + address
		if user != "" {
			display = "ssh://" + user + "@" + address
		}
		return &endpoint{transport: "ssh", hostPort: address, user: user, display: display}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = defaultWSPath
		}
		address := net.JoinHostPort(host, port)
		full := scheme + "://" + address + path
		return &endpoint{transport: "websocket", hostPort: address, url: full, display: full}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}
