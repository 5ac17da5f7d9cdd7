package symbiosome

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOrigin(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Origin
	}{
		{"bare", "https://a.example", "https://a.example"},
		{"upper case folded", "HTTPS://A.Example", "https://a.example"},
		{"path and query discarded", "https://a.example/deep/path?x=1#frag", "https://a.example"},
		{"default https port elided", "https://a.example:443", "https://a.example"},
		{"default http port elided", "http://a.example:80", "http://a.example"},
		{"explicit port kept", "http://a.example:8080", "http://a.example:8080"},
		{"ipv4", "https://127.0.0.1:4443", "https://127.0.0.1:4443"},
		{"ipv6 keeps brackets", "https://[2001:DB8::1]:8443", "https://[2001:db8::1]:8443"},
		{"ipv6 default port elided", "https://[2001:db8::1]:443", "https://[2001:db8::1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			origin, err := ParseOrigin(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.want, origin)
		})
	}
}

func TestParseOriginRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no scheme", "a.example"},
		{"unsupported scheme", "ftp://a.example"},
		{"no host", "https://"},
		{"oversized", "https://" + strings.Repeat("a", MaxOriginLength)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseOrigin(tc.raw)
			require.ErrorIs(t, err, ErrOriginInvalid)
		})
	}
}

func TestOriginChannelName(t *testing.T) {
	origin, err := ParseOrigin("https://a.example:8443")
	require.NoError(t, err)
	require.Equal(t, "symbiosome:https://a.example:8443", origin.ChannelName())

	// Two spellings of one origin share one channel.
	alias, err := ParseOrigin("HTTPS://a.example:8443/ignored")
	require.NoError(t, err)
	require.Equal(t, origin.ChannelName(), alias.ChannelName())
}

func TestOriginAddr(t *testing.T) {
	cases := []struct {
		origin Origin
		want   string
	}{
		{"https://a.example", "a.example:443"},
		{"http://a.example", "a.example:80"},
		{"http://a.example:8080", "a.example:8080"},
		{"https://[2001:db8::1]", "[2001:db8::1]:443"},
		{"https://[2001:db8::1]:8443", "[2001:db8::1]:8443"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.origin.Addr(), "origin %s", tc.origin)
	}
}
