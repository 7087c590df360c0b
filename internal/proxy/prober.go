package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// HTTPProber verifies connectivity through a proxy with a lightweight
// request. HTTP proxies get a HEAD through a CONNECT tunnel, SOCKS5
// proxies a plain dial.
type HTTPProber struct {
	Target  string
	Timeout time.Duration
}

func NewHTTPProber(target string, timeout time.Duration) *HTTPProber {
	if target == "" {
		target = "https://www.google.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{Target: target, Timeout: timeout}
}

func (pr *HTTPProber) Probe(ctx context.Context, p Proxy) (time.Duration, error) {
	start := time.Now()

	var err error
	switch p.Scheme {
	case "socks5":
		err = pr.probeSOCKS5(ctx, p)
	default:
		err = pr.probeHTTP(ctx, p)
	}
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (pr *HTTPProber) probeHTTP(ctx context.Context, p Proxy) error {
	dialer := &net.Dialer{
		Timeout:   pr.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy: http.ProxyURL(p.URL()),
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:     pr.Timeout,
		TLSHandshakeTimeout: pr.Timeout / 2,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   pr.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, pr.Target, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("probe got status %d", resp.StatusCode)
	}
	return nil
}

func (pr *HTTPProber) probeSOCKS5(ctx context.Context, p Proxy) error {
	var auth *xproxy.Auth
	if p.Username != "" {
		auth = &xproxy.Auth{User: p.Username, Password: p.Password}
	}

	dialer, err := xproxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{Timeout: pr.Timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, pr.Timeout)
	defer cancel()

	target := pr.Target
	if u, perr := parseProbeHostPort(target); perr == nil {
		target = u
	}
	conn, err := dialer.(xproxy.ContextDialer).DialContext(dialCtx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

func parseProbeHostPort(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}
