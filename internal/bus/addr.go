package bus

import (
	"fmt"
	"strings"
)

// SplitAddr parses a worker address into the network and address arguments
// expected by net.Dial / net.Listen. Supported forms:
//
//	unix:///run/stagehand/foo.sock
//	tcp://127.0.0.1:5001
//
// A bare path (leading '/') is accepted as a unix address for convenience.
func SplitAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	case strings.HasPrefix(addr, "/"):
		return "unix", addr, nil
	default:
		return "", "", fmt.Errorf("unsupported address %q", addr)
	}
}

// UnixAddr formats a socket path as a unix address string.
func UnixAddr(path string) string {
	return "unix://" + path
}

// TCPAddr formats a host:port as a tcp address string.
func TCPAddr(hostport string) string {
	return "tcp://" + hostport
}
