package osaurus

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// defaultGatewayPort matches the persisted config's gatewayPort default.
const defaultGatewayPort = "18789"

// normalizeGatewayAddr accepts host, host:port, IPv6, and scheme-prefixed
// addresses and returns a canonical host:port for Transport.Connect.
// Generalized from the teacher's normalizeServerAddr: any "scheme://" is
// stripped (the teacher stripped its own "bken://" specifically; the
// gateway is addressed purely by host+port+token, with no particular
// scheme of its own), and the default port is the gateway's, not the voice
// server's.
func normalizeGatewayAddr(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("osaurus: gateway address is required")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("osaurus: invalid gateway address: %w", err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("osaurus: invalid gateway address: missing host")
		}
		s = u.Host
	}

	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("osaurus: invalid gateway address: missing host")
	}

	host := s
	port := defaultGatewayPort

	if h, p, err := net.SplitHostPort(s); err == nil {
		host = h
		port = p
	} else if ip := net.ParseIP(s); ip != nil && strings.Contains(s, ":") {
		host = s
		port = defaultGatewayPort
	} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		host = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
		port = defaultGatewayPort
	} else if strings.Contains(s, ":") {
		return "", fmt.Errorf("osaurus: invalid gateway address: %q", raw)
	}

	if host == "" {
		return "", fmt.Errorf("osaurus: invalid gateway address: missing host")
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("osaurus: invalid gateway port: %q", port)
	}

	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
