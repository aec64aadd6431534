package strand

import (
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ParseListenURL resolves the accepted listen-address grammar:
//
//	tcp://host:port
//	host:port
//	unix:///path/to.sock
//	/path/to.sock (bare filesystem path)
//	host:0 (port 0 means a Unix socket at "host")
func ParseListenURL(raw string) (network, address string, err error) {
	switch {
	case raw == "":
		return "", "", errors.New("listen: empty address")
	case strings.HasPrefix(raw, "unix://"):
		return "unix", strings.TrimPrefix(raw, "unix://"), nil
	case strings.HasPrefix(raw, "tcp://"):
		raw = strings.TrimPrefix(raw, "tcp://")
		raw = strings.TrimSuffix(raw, "/")
		return splitTCP(raw)
	case strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./"):
		return "unix", raw, nil
	default:
		return splitTCP(raw)
	}
}

func splitTCP(raw string) (string, string, error) {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		// No port at all: treat as a filesystem path.
		return "unix", raw, nil
	}
	if port == "0" {
		return "unix", host, nil
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

// listenSocket binds the address and hands back the raw descriptor (via a
// dup) together with the bound address.
func listenSocket(network, address string) (*os.File, net.Addr, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, nil, errors.Wrap(err, "listen")
	}
	addr := ln.Addr()
	var f *os.File
	switch l := ln.(type) {
	case *net.TCPListener:
		f, err = l.File()
	case *net.UnixListener:
		// The reactor owns the socket now; closing the listener must not
		// unlink the path.
		l.SetUnlinkOnClose(false)
		f, err = l.File()
	default:
		err = errors.Errorf("listen: unsupported listener %T", ln)
	}
	if err != nil {
		_ = ln.Close()
		return nil, nil, errors.Wrap(err, "listen")
	}
	_ = ln.Close()
	return f, addr, nil
}
