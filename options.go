package symbiosome

import (
	"crypto/tls"
	"log/slog"
	"net/url"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/symbiosome/symbiosome/pkg/bus"
)

type config struct {
	origin     Origin
	startupURL *url.URL
	portalMode bool
	hooks      Hooks

	bus bus.Bus
	hub *bus.Hub

	transport   Transport
	tlsConfig   *tls.Config
	bindAddr    string
	bindPort    int
	dialTimeout time.Duration

	logHandler slog.Handler
	msink      metrics.MetricSink
	mlabels    []metrics.Label
}

type Option func(*config) error

// WithOrigin sets the instance's own origin. The value is parsed and
// canonicalised; an unparsable origin fails Create.
func WithOrigin(raw string) Option {
	return func(c *config) error {
		origin, err := ParseOrigin(raw)
		if err != nil {
			return err
		}
		c.origin = origin
		return nil
	}
}

// WithStartupURL records the URL the instance was started with. Its origin
// becomes the instance's own origin unless WithOrigin overrides it, and in
// portal mode its `parent` query parameter names the single trusted remote
// origin.
func WithStartupURL(raw string) Option {
	return func(c *config) error {
		u, err := url.Parse(raw)
		if err != nil {
			return err
		}
		c.startupURL = u
		return nil
	}
}

// WithPortalMode makes the instance an embedded (portal-side) context: it
// accepts inbound deliveries and trusts exactly the parent origin captured
// at startup.
func WithPortalMode() Option {
	return func(c *config) error {
		c.portalMode = true
		return nil
	}
}

// WithHooks installs observation callbacks. Unset fields stay no-ops.
func WithHooks(hooks Hooks) Option {
	return func(c *config) error {
		c.hooks = hooks
		return nil
	}
}

// WithBus substitutes the local same-origin bus. By default the engine
// resolves an in-process channel named after its own origin from the
// shared hub.
func WithBus(b bus.Bus) Option {
	return func(c *config) error {
		c.bus = b
		return nil
	}
}

// WithHub resolves the local channel from a specific hub instead of the
// process-wide shared one. Mostly useful in tests.
func WithHub(h *bus.Hub) Option {
	return func(c *config) error {
		c.hub = h
		return nil
	}
}

// WithTransport substitutes the cross-origin transport.
func WithTransport(t Transport) Option {
	return func(c *config) error {
		c.transport = t
		return nil
	}
}

// WithTLS provides the TLS configuration the QUIC transport is built
// with. Without WithTransport or WithTLS the engine is local-only and
// every portal operation reports ErrTransportUnavailable.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(c *config) error {
		if tlsConfig == nil {
			return ErrNoTLSConfig
		}
		c.tlsConfig = tlsConfig
		return nil
	}
}

// WithBind sets where the portal-mode transport listens.
func WithBind(addr string, port int) Option {
	return func(c *config) error {
		c.bindAddr = addr
		c.bindPort = port
		return nil
	}
}

// WithDialTimeout bounds portal establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.dialTimeout = d
		return nil
	}
}

// WithLog makes the engine and its transport emit structured logs to the
// handler.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink makes the engine emit metrics to the sink.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = sink
		return nil
	}
}

// WithMetricLabels adds labels to every metric the engine emits.
func WithMetricLabels(labels ...metrics.Label) Option {
	return func(c *config) error {
		c.mlabels = labels
		return nil
	}
}
