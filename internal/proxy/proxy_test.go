package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Proxy
		wantErr bool
	}{
		{
			name: "plain host port",
			line: "10.0.0.1:8080",
			want: Proxy{Scheme: "http", Host: "10.0.0.1", Port: 8080},
		},
		{
			name: "host port with auth",
			line: "10.0.0.1:8080:alice:secret",
			want: Proxy{Scheme: "http", Host: "10.0.0.1", Port: 8080, Username: "alice", Password: "secret"},
		},
		{
			name: "uri form",
			line: "socks5://10.0.0.2:1080",
			want: Proxy{Scheme: "socks5", Host: "10.0.0.2", Port: 1080},
		},
		{
			name: "uri form with auth",
			line: "http://bob:pw@10.0.0.3:3128",
			want: Proxy{Scheme: "http", Host: "10.0.0.3", Port: 3128, Username: "bob", Password: "pw"},
		},
		{name: "empty", line: "", wantErr: true},
		{name: "missing port", line: "10.0.0.1", wantErr: true},
		{name: "port out of range", line: "10.0.0.1:70000", wantErr: true},
		{name: "port zero", line: "10.0.0.1:0", wantErr: true},
		{name: "non-numeric port", line: "10.0.0.1:abc", wantErr: true},
		{name: "bad scheme", line: "ftp://10.0.0.1:21", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, line := range []string{"10.0.0.1:8080", "socks5://10.0.0.2:1080", "10.0.0.1:8080:alice:secret"} {
		p, err := Parse(line)
		require.NoError(t, err)

		again, err := Parse(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, again)
	}
}

func TestParseListSkipsInvalidLines(t *testing.T) {
	lines := []string{
		"10.0.0.1:8080",
		"not a proxy",
		"",
		"# comment",
		"10.0.0.2:70000",
		"10.0.0.3:3128",
		"10.0.0.1:8080", // duplicate
	}

	proxies := ParseList(lines)
	require.Len(t, proxies, 2)
	assert.Equal(t, "10.0.0.1", proxies[0].Host)
	assert.Equal(t, "10.0.0.3", proxies[1].Host)
}

func TestProxyID(t *testing.T) {
	p := Proxy{Scheme: "http", Host: "10.0.0.1", Port: 8080}
	assert.Equal(t, "http://10.0.0.1:8080", p.ID())

	withAuth := Proxy{Scheme: "http", Host: "10.0.0.1", Port: 8080, Username: "u", Password: "p"}
	assert.Equal(t, p.ID(), withAuth.ID(), "auth must not change the dedup key")
}

func TestProxyURLCarriesAuth(t *testing.T) {
	p := Proxy{Scheme: "http", Host: "10.0.0.1", Port: 8080, Username: "alice", Password: "secret"}
	u := p.URL()
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "10.0.0.1:8080", u.Host)
	assert.Equal(t, "alice", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "secret", pw)
}
