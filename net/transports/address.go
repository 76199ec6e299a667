package transports

import (
	"crypto/tls"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// Role selects the default-port table: a broker listens for workers and
// for clients on distinct, non-overlapping ports.
type Role int

const (
	RoleWorker Role = iota
	RoleClient
)

// Address is a parsed transport URL of the form scheme://target/ where
// scheme is one of socket, tcp, grpc, or http. IPv6 hosts are bracketed.
type Address struct {
	Scheme string
	Host   string
	Port   int
	Path   string // socket scheme only
	IsIPv6 bool
}

var addressPattern = regexp.MustCompile(
	`^(?P<scheme>socket|tcp|grpc|http)://(?P<target>` +
		`\[[0-9a-fA-F:]+\](?::\d+)?` + // IPv6 with optional port
		`|\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?` + // IPv4 with optional port
		`|[a-zA-Z0-9.-]+(?::\d+)?` + // hostname with optional port
		`|/[^ ]+` + // unix path
		`)/?$`)

// ParseAddress parses a transport URL.
func ParseAddress(raw string) (*Address, error) {
	m := addressPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, errors.Newf("invalid transport address: %s", raw)
	}

	scheme := m[1]
	target := m[2]

	if scheme == "socket" {
		if !strings.HasPrefix(target, "/") {
			return nil, errors.Newf("socket address must carry an absolute path: %s", raw)
		}
		return &Address{Scheme: scheme, Path: target}, nil
	}

	addr := &Address{Scheme: scheme}

	// IPv6: [::1] or [::1]:5000
	if strings.HasPrefix(target, "[") {
		end := strings.Index(target, "]")
		addr.Host = target[1:end]
		addr.IsIPv6 = true
		if rest := target[end+1:]; rest != "" {
			port, err := strconv.Atoi(strings.TrimPrefix(rest, ":"))
			if err != nil {
				return nil, errors.Newf("invalid port in address: %s", raw)
			}
			addr.Port = port
		}
		return addr, nil
	}

	host, portStr, found := strings.Cut(target, ":")
	addr.Host = host
	if found {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Newf("invalid port in address: %s", raw)
		}
		addr.Port = port
	}
	return addr, nil
}

// DefaultPort returns the published default port for a scheme and role.
func DefaultPort(scheme string, role Role) (int, error) {
	switch role {
	case RoleClient:
		switch scheme {
		case "tcp":
			return protocol.DefaultClientPortTCP, nil
		case "grpc":
			return protocol.DefaultClientPortGRPC, nil
		case "http":
			return protocol.DefaultClientPortHTTP, nil
		}
	case RoleWorker:
		switch scheme {
		case "tcp":
			return protocol.DefaultWorkerPortTCP, nil
		case "grpc":
			return protocol.DefaultWorkerPortGRPC, nil
		}
	}
	return 0, errors.Newf("no default port for scheme %q in this role", scheme)
}

// HostPort renders the host:port pair, bracketing IPv6 hosts, applying
// the role's default port when none was given.
func (a *Address) HostPort(role Role) (string, error) {
	port := a.Port
	if port == 0 {
		var err error
		port, err = DefaultPort(a.Scheme, role)
		if err != nil {
			return "", err
		}
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port)), nil
}

// NewClient builds the client transport for an address. tlsCfg may be nil
// for a cleartext connection.
func NewClient(raw string, role Role, tlsCfg *tls.Config) (ClientTransport, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}

	switch addr.Scheme {
	case "socket":
		return NewSocketClient(addr.Path, tlsCfg), nil

	case "tcp":
		hostPort, err := addr.HostPort(role)
		if err != nil {
			return nil, err
		}
		return NewTCPClient(hostPort, tlsCfg), nil

	case "grpc":
		hostPort, err := addr.HostPort(role)
		if err != nil {
			return nil, err
		}
		return NewGRPCClient(hostPort, tlsCfg), nil

	case "http":
		hostPort, err := addr.HostPort(role)
		if err != nil {
			return nil, err
		}
		return NewHTTPClient(hostPort, tlsCfg), nil
	}

	return nil, errors.Newf("unknown transport scheme: %s", addr.Scheme)
}

// NewServer builds the server transport for an address. tlsCfg may be nil
// for a cleartext listener.
func NewServer(raw string, role Role, tlsCfg *tls.Config) (ServerTransport, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}

	switch addr.Scheme {
	case "socket":
		return NewSocketServer(addr.Path, tlsCfg), nil

	case "tcp":
		hostPort, err := addr.HostPort(role)
		if err != nil {
			return nil, err
		}
		return NewTCPServer(hostPort, tlsCfg), nil

	case "grpc":
		hostPort, err := addr.HostPort(role)
		if err != nil {
			return nil, err
		}
		return NewGRPCServer(hostPort, tlsCfg), nil

	case "http":
		hostPort, err := addr.HostPort(role)
		if err != nil {
			return nil, err
		}
		return NewHTTPServer(hostPort, tlsCfg), nil
	}

	return nil, errors.Newf("unknown transport scheme: %s", addr.Scheme)
}
