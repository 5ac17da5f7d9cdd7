package symbiosome

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/symbiosome/symbiosome/pkg/bus"
)

// EnvOrigin names the environment variable consulted for the instance's
// own origin when no option provides one.
const EnvOrigin = "SYMBIOSOME_ORIGIN"

// Handler receives messages delivered for one listened-to origin.
type Handler func(origin Origin, message []byte)

// Symbiosome routes messages between origins: same-origin pushes fan out on
// the local bus to every execution context of the origin, cross-origin
// pushes travel through a portal to exactly one remote origin, and inbound
// cross-origin deliveries are authenticated against the single trusted
// parent origin before being re-injected into the local bus.
//
// All public operations are synchronous with respect to the caller; actual
// delivery is asynchronous and its outcome unobservable.
type Symbiosome struct {
	origin     Origin
	parent     Origin
	portalMode bool
	hooks      Hooks

	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label

	reg       *originRegistry
	bus       bus.Bus
	busCancel func()
	tr        Transport

	closed     atomic.Bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Create builds and starts an engine instance.
//
// The instance's own origin comes from WithOrigin, else from the startup
// URL, else from the SYMBIOSOME_ORIGIN environment variable. In portal
// mode the startup URL's `parent` query parameter names the one trusted
// remote origin; its absence is valid but means no inbound cross-origin
// message will ever authenticate.
func Create(opts ...Option) (*Symbiosome, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	origin := cfg.origin
	if origin == "" && cfg.startupURL != nil {
		var err error
		origin, err = OriginOf(cfg.startupURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if origin == "" {
		if raw := os.Getenv(EnvOrigin); raw != "" {
			var err error
			origin, err = ParseOrigin(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
		}
	}
	if origin == "" {
		return nil, fmt.Errorf("%w: an own origin is required", ErrInvalidCfg)
	}

	s := &Symbiosome{
		origin:     origin,
		portalMode: cfg.portalMode,
		hooks:      cfg.hooks.withDefaults(),
		mlabels:    append(cfg.mlabels, LabelOrigin.M(string(origin))),
		reg:        newOriginRegistry(origin),
		shutdownCh: make(chan struct{}),
	}

	if cfg.logHandler != nil {
		s.logger = slog.New(cfg.logHandler)
	} else {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(LabelOrigin.L(origin))
	if cfg.msink != nil {
		s.msink = cfg.msink
	} else {
		s.msink = metrics.Default()
	}

	if cfg.portalMode {
		s.parent = captureParent(cfg.startupURL, origin, s.logger)
	}

	s.bus = cfg.bus
	if s.bus == nil {
		hub := cfg.hub
		if hub == nil {
			hub = bus.Shared()
		}
		s.bus = hub.Channel(origin.ChannelName())
	}

	s.tr = cfg.transport
	if s.tr == nil && cfg.tlsConfig != nil {
		tr, err := NewQUICTransport(&TransportConfig{
			LocalOrigin:  origin,
			PortalMode:   cfg.portalMode,
			TlsConfig:    cfg.tlsConfig,
			BindAddr:     cfg.bindAddr,
			BindPort:     cfg.bindPort,
			DialTimeout:  cfg.dialTimeout,
			LogHandler:   cfg.logHandler,
			MetricSink:   s.msink,
			MetricLabels: s.mlabels,
		})
		if err != nil {
			return nil, err
		}
		s.tr = tr
	}

	busCancel, err := s.bus.Subscribe(s.handleEnvelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.busCancel = busCancel

	if s.tr != nil {
		s.wg.Add(1)
		go s.inboundLoop()
	}

	// Seed callers with "self": every instance is reachable by its own
	// origin from the moment it exists.
	s.hooks.OnPortalAdded(origin)
	return s, nil
}

func captureParent(startupURL *url.URL, own Origin, logger *slog.Logger) Origin {
	if startupURL == nil {
		logger.Warn("portal mode without a startup URL, no trusted parent captured")
		return ""
	}
	raw := startupURL.Query().Get("parent")
	if raw == "" {
		logger.Warn("portal mode without a parent origin, inbound messages will never authenticate")
		return ""
	}
	parent, err := ParseOrigin(raw)
	if err != nil {
		logger.Warn("unparsable parent origin, no trusted parent captured", LabelParent.L(raw))
		return ""
	}
	if parent == own {
		logger.Warn("parent origin equals own origin, no trusted parent captured", LabelParent.L(parent))
		return ""
	}
	logger.Debug("trusted parent origin captured", LabelParent.L(parent))
	return parent
}

// Origin reports the instance's own canonical origin.
func (s *Symbiosome) Origin() Origin {
	return s.origin
}

// ParentOrigin reports the trusted parent origin, empty when none was
// captured.
func (s *Symbiosome) ParentOrigin() Origin {
	return s.parent
}

// ListenToOrigin registers a handler for messages tagged with the origin.
// At most one listener per origin; a second registration fails with
// ErrDuplicateOrigin and leaves the first in place.
func (s *Symbiosome) ListenToOrigin(rawOrigin string, handler Handler, onListen ...func(Origin)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	origin, err := ParseOrigin(rawOrigin)
	if err != nil {
		return err
	}

	if err := s.reg.addListener(origin, handler); err != nil {
		return err
	}
	s.updateGauges()
	s.logger.Debug("listener registered", "listen", origin)
	s.callback(s.hooks.OnListenToOrigin, onListen)(origin)
	return nil
}

// AddPortal creates the receiving context for the URL's origin and
// registers a portal to it. The instance's own origin rides along as the
// `parent` query parameter so the remote side can capture it.
func (s *Symbiosome) AddPortal(ctx context.Context, portalURL string, onAdded ...func(Origin)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	target, err := url.Parse(portalURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOriginInvalid, err)
	}
	origin, err := OriginOf(target)
	if err != nil {
		return err
	}
	if origin == s.origin {
		return ErrSelfOrigin
	}
	if s.reg.hasPortal(origin) {
		return ErrDuplicateOrigin
	}
	if s.tr == nil {
		return ErrTransportUnavailable
	}

	q := target.Query()
	q.Set("parent", string(s.origin))
	target.RawQuery = q.Encode()

	conn, err := s.tr.Dial(ctx, target, s.origin)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	if err := s.reg.addPortal(origin, conn); err != nil {
		conn.Close()
		return err
	}
	s.updateGauges()
	s.msink.IncrCounterWithLabels(MetricPortalAddedCount, 1.0, s.mlabels)
	s.logger.Debug("portal added", "portal", origin)
	s.callback(s.hooks.OnPortalAdded, onAdded)(origin)
	return nil
}

// PushToOrigin delivers a message to the origin: same-origin pushes fan
// out on the local bus (reaching this instance only if it listens to its
// own origin), remote pushes require an existing portal. The push callback
// fires once the message is accepted for delivery, regardless of receipt.
func (s *Symbiosome) PushToOrigin(ctx context.Context, rawOrigin string, message []byte, onPush ...func(Origin, []byte)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	origin, err := ParseOrigin(rawOrigin)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	if origin == s.origin {
		err := s.bus.Publish(bus.Envelope{
			ID:     id,
			Origin: string(origin),
			Data:   message,
		})
		if err != nil {
			s.msink.IncrCounterWithLabels(MetricPushErrorCount, 1.0, s.mlabels)
			return err
		}
		s.msink.IncrCounterWithLabels(MetricPushLocalCount, 1.0, s.mlabels)
	} else {
		conn, has := s.reg.portal(origin)
		if !has {
			return ErrPortalNotFound
		}
		if err := conn.Send(ctx, id, message); err != nil {
			s.msink.IncrCounterWithLabels(MetricPushErrorCount, 1.0, s.mlabels)
			return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		}
		s.msink.IncrCounterWithLabels(MetricPushRemoteCount, 1.0, s.mlabels)
	}

	s.pushCallback(s.hooks.OnPushedMessage, onPush)(origin, message)
	return nil
}

// RemoveListener withdraws the listener for the origin. Removing the
// listener for one's own origin is a normal operation.
func (s *Symbiosome) RemoveListener(rawOrigin string, onRemoved ...func(Origin)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	origin, err := ParseOrigin(rawOrigin)
	if err != nil {
		return err
	}

	if err := s.reg.removeListener(origin); err != nil {
		return err
	}
	s.updateGauges()
	s.logger.Debug("listener removed", "listen", origin)
	s.callback(s.hooks.OnListenerRemoved, onRemoved)(origin)
	return nil
}

// RemovePortal tears down the portal to the origin, destroying its
// receiving context. In-flight messages to it are not guaranteed
// delivered. The own origin never has a portal; removing it fails with
// ErrSelfOrigin.
func (s *Symbiosome) RemovePortal(rawOrigin string, onRemoved ...func(Origin)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	origin, err := ParseOrigin(rawOrigin)
	if err != nil {
		return err
	}
	if origin == s.origin {
		return ErrSelfOrigin
	}

	conn, err := s.reg.removePortal(origin)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		s.logger.Warn("portal teardown failed", "portal", origin, LabelError.L(err))
	}
	s.updateGauges()
	s.msink.IncrCounterWithLabels(MetricPortalRemovedCount, 1.0, s.mlabels)
	s.logger.Debug("portal removed", "portal", origin)
	s.callback(s.hooks.OnPortalRemoved, onRemoved)(origin)
	return nil
}

// Origins returns every origin with a listener or a portal, each once,
// order unspecified.
func (s *Symbiosome) Origins() []Origin {
	return s.reg.allKnownOrigins()
}

// Shutdown tears the engine down: portals are destroyed, the bus
// subscription is cancelled, and the transport stops accepting. Idempotent.
func (s *Symbiosome) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.shutdownCh)

	for _, conn := range s.reg.drainPortals() {
		conn.Close()
	}
	s.busCancel()
	if err := s.bus.Close(); err != nil {
		s.logger.Warn("bus closure failed", LabelError.L(err))
	}
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			s.logger.Warn("transport closure failed", LabelError.L(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEnvelope dispatches local-bus traffic: envelopes whose tagged
// origin has no registered listener are dropped with a trace, since an
// instance legitimately observes broadcasts addressed to listeners it does
// not hold.
func (s *Symbiosome) handleEnvelope(env bus.Envelope) {
	origin := Origin(env.Origin)
	handler, has := s.reg.listener(origin)
	if !has {
		s.msink.IncrCounterWithLabels(
			MetricBusDropCount,
			1.0,
			append(s.mlabels, LabelReason.M("no_listener")),
		)
		s.hooks.Debug("dropping message for unlistened origin", env.Origin)
		return
	}
	handler(origin, env.Data)
}

// inboundLoop authenticates cross-origin deliveries against the trusted
// parent origin and re-injects accepted ones into the local bus, so every
// same-origin context observes them uniformly.
func (s *Symbiosome) inboundLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdownCh:
			return
		case delivery := <-s.tr.Inbound():
			if s.parent == "" || delivery.From != s.parent {
				s.msink.IncrCounterWithLabels(
					MetricInboundDropCount,
					1.0,
					append(s.mlabels, LabelReason.M("auth_mismatch")),
				)
				s.hooks.Debug("dropping message from untrusted origin", string(delivery.From))
				s.logger.Debug(
					"dropping unauthenticated inbound message",
					"from", delivery.From,
					LabelParent.L(s.parent),
				)
				continue
			}

			s.msink.IncrCounterWithLabels(MetricInboundCount, 1.0, s.mlabels)
			err := s.bus.Publish(bus.Envelope{
				ID:     delivery.ID,
				Origin: string(delivery.From),
				Data:   delivery.Payload,
			})
			if err != nil {
				s.logger.Warn("could not re-inject inbound message", LabelError.L(err))
			}
		}
	}
}

// callback resolves the per-call override against the configured default,
// call-supplied winning.
func (s *Symbiosome) callback(configured func(Origin), override []func(Origin)) func(Origin) {
	if len(override) > 0 && override[len(override)-1] != nil {
		return override[len(override)-1]
	}
	return configured
}

func (s *Symbiosome) pushCallback(configured func(Origin, []byte), override []func(Origin, []byte)) func(Origin, []byte) {
	if len(override) > 0 && override[len(override)-1] != nil {
		return override[len(override)-1]
	}
	return configured
}

func (s *Symbiosome) updateGauges() {
	listeners, portals := s.reg.sizes()
	s.msink.SetGaugeWithLabels(MetricListenerCount, float32(listeners), s.mlabels)
	s.msink.SetGaugeWithLabels(MetricPortalCount, float32(portals), s.mlabels)
}
