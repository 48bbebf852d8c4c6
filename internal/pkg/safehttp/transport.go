// Package safehttp builds the outbound HTTP transports used for upstream
// services and remote credential validation.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Options tunes a transport.
type Options struct {
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	// DenyPrivate rejects connections to private or loopback IP ranges to
	// reduce SSRF risk.
	DenyPrivate bool
}

// NewTransport returns a pooled transport configured by opts.
func NewTransport(opts Options) *http.Transport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 32
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if opts.DenyPrivate {
		t.Proxy = nil
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if err := checkRemote(conn, addr); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		}
	}
	return t
}

func checkRemote(conn net.Conn, addr string) error {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("failed to parse remote IP for %q", addr)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}
