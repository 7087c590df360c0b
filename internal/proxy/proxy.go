// Package proxy maintains a rotating pool of egress proxies with per-proxy
// health tracking, periodic revalidation, and pool replenishment from an
// external source.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"devicecrawl/internal/logger"
)

// Proxy describes a single egress endpoint. Values are passed around by
// copy; the manager owns the authoritative pool.
type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Scheme   string `json:"scheme"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ID is the canonical form used as the dedup and stats key.
func (p Proxy) ID() string {
	return fmt.Sprintf("%s://%s", p.Scheme, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
}

// URL renders the proxy for use by an HTTP transport.
func (p Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Addr returns host:port without the scheme, for raw dialers.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String renders the proxy back into the line format accepted by Parse.
func (p Proxy) String() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s", p.Scheme, p.Username, p.Password, p.Addr())
	}
	return p.ID()
}

// Parse accepts either a URI form (scheme://[user:pass@]host:port) or the
// plain list form host:port[:user:pass]. The scheme defaults to http.
func Parse(line string) (Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Proxy{}, fmt.Errorf("empty proxy line")
	}

	if strings.Contains(line, "://") {
		return parseURI(line)
	}

	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Proxy{}, fmt.Errorf("invalid proxy format %q", line)
	}

	p := Proxy{Scheme: "http", Host: parts[0]}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return Proxy{}, fmt.Errorf("invalid port in %q: %w", line, err)
	}
	p.Port = port
	if len(parts) == 4 {
		p.Username = parts[2]
		p.Password = parts[3]
	}

	if err := validate(p); err != nil {
		return Proxy{}, err
	}
	return p, nil
}

func parseURI(line string) (Proxy, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Proxy{}, fmt.Errorf("invalid proxy URI %q: %w", line, err)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Proxy{}, fmt.Errorf("invalid port in %q", line)
	}

	p := Proxy{
		Host:   u.Hostname(),
		Port:   port,
		Scheme: u.Scheme,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}

	if err := validate(p); err != nil {
		return Proxy{}, err
	}
	return p, nil
}

func validate(p Proxy) error {
	if p.Host == "" {
		return fmt.Errorf("proxy host is empty")
	}
	if strings.ContainsAny(p.Host, " /") {
		return fmt.Errorf("invalid proxy host %q", p.Host)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("proxy port %d out of range", p.Port)
	}
	switch p.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported proxy scheme %q", p.Scheme)
	}
	return nil
}

// ParseList parses a proxy list leniently: invalid lines are logged and
// skipped so a partially broken list still yields a usable pool.
func ParseList(lines []string) []Proxy {
	l := logger.WithComponent("ProxyPool")

	proxies := make([]Proxy, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, err := Parse(line)
		if err != nil {
			l.Warn().Int("line", i+1).Err(err).Msg("skipping invalid proxy line")
			continue
		}
		if _, dup := seen[p.ID()]; dup {
			continue
		}
		seen[p.ID()] = struct{}{}
		proxies = append(proxies, p)
	}
	return proxies
}
