package gostratum

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseAddress strips a stratum url scheme and reports whether the scheme
// asks for tls. Bare host:port values are passed through untouched.
func ParseAddress(address string) (string, bool, error) {
	address = strings.TrimSpace(address)
	useTLS := false
	if idx := strings.Index(address, "://"); idx >= 0 {
		switch strings.ToLower(address[:idx]) {
		case "stratum+tcp", "tcp", "stratum":
		case "stratum+ssl", "stratum+tls", "ssl", "tls":
			useTLS = true
		default:
			return "", false, errors.Errorf("unsupported pool scheme %q", address[:idx])
		}
		address = address[idx+3:]
	}
	address = strings.TrimSuffix(address, "/")
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", false, errors.Wrapf(err, "invalid pool address %q", address)
	}
	return address, useTLS, nil
}

func Dial(ctx context.Context, address string, useTLS bool, timeout time.Duration) (net.Conn, error) {
	hostPort, schemeTLS, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if useTLS || schemeTLS {
		host, _, _ := net.SplitHostPort(hostPort)
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName: host,
				MinVersion: tls.VersionTLS12,
			},
		}
		conn, err := tlsDialer.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return nil, errors.Wrapf(err, "failed tls dial to %s", hostPort)
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, errors.Wrapf(err, "failed dialing %s", hostPort)
	}
	return conn, nil
}
