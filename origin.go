package symbiosome

import (
	"log/slog"
	"net/url"
	"strings"
)

const MaxOriginLength = 255

// Origin identifies a web application's security boundary: a canonical
// `scheme://host[:port]` string, lower-cased, with default ports elided so
// that `https://a.example:443` and `https://a.example` are the same origin.
type Origin string

// ParseOrigin canonicalizes a raw origin or URL string. Anything after the
// authority (path, query, fragment) is discarded.
func ParseOrigin(raw string) (Origin, error) {
	if raw == "" || len(raw) > MaxOriginLength {
		return "", ErrOriginInvalid
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrOriginInvalid
	}
	return OriginOf(u)
}

// OriginOf extracts the canonical origin of an already parsed URL.
func OriginOf(u *url.URL) (Origin, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrOriginInvalid
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrOriginInvalid
	}
	if strings.Contains(host, ":") {
		// IPv6 literal, Hostname() stripped the brackets.
		host = "[" + host + "]"
	}

	port := u.Port()
	if port == defaultPort(scheme) {
		port = ""
	}

	if port == "" {
		return Origin(scheme + "://" + host), nil
	}
	return Origin(scheme + "://" + host + ":" + port), nil
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

func (o Origin) String() string {
	return string(o)
}

// ChannelName derives the deterministic local-bus channel identifier shared
// by every execution context of this origin.
func (o Origin) ChannelName() string {
	return "symbiosome:" + string(o)
}

// Addr returns the `host:port` dial address of the origin, with the
// scheme's default port filled back in when the canonical form elides it.
func (o Origin) Addr() string {
	scheme, rest, ok := strings.Cut(string(o), "://")
	if !ok {
		return ""
	}

	// An IPv6 authority keeps its colon inside the brackets.
	hostEnd := strings.LastIndexByte(rest, ']')
	if strings.LastIndexByte(rest, ':') > hostEnd {
		return rest
	}
	return rest + ":" + defaultPort(scheme)
}

func (o Origin) LogValue() slog.Value {
	return slog.StringValue(string(o))
}
