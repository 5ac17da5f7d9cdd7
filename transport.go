package symbiosome

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const alpnProtocol = "symbiosome/1"

// Delivery is one inbound cross-origin message as the transport hands it to
// the engine: the sender's *declared* origin plus the opaque payload.
// Parent-origin authentication happens in the engine, not here.
type Delivery struct {
	From    Origin
	ID      string
	Payload []byte
}

// PortalConn grants send access to one remote origin's receiving context.
// Sends are queued and flushed asynchronously; their outcome is not
// observable beyond a closed portal reporting ErrPortalClosed.
type PortalConn interface {
	Send(ctx context.Context, id string, payload []byte) error
	Close() error
}

// Transport manages directed cross-origin links. The production
// implementation is QUICTransport; tests substitute in-process fakes.
type Transport interface {
	// Dial creates the receiving context for the target URL's origin and
	// returns a send handle restricted to exactly that origin.
	Dial(ctx context.Context, target *url.URL, from Origin) (PortalConn, error)

	// Inbound streams deliveries accepted by the portal-mode side. The
	// channel never closes; consumers select against their own shutdown.
	Inbound() <-chan Delivery

	Close() error
}

// TransportConfig configures the QUIC transport.
type TransportConfig struct {
	// LocalOrigin is this instance's own origin. Inbound streams whose
	// intended target differs are rejected at the connection level.
	LocalOrigin Origin

	// PortalMode enables the accept side: bind, listen, and surface
	// deliveries on Inbound().
	PortalMode bool

	// TlsConfig is required; the dial side pins ServerName to the target
	// origin's host so a link to a re-homed endpoint fails its handshake.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the portal-mode side listens. A zero
	// port falls back to the port of LocalOrigin.
	BindAddr string
	BindPort int

	// DialTimeout bounds portal establishment.
	DialTimeout time.Duration

	// HintMaxPortals sizes the QUIC stream limits.
	HintMaxPortals int64

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metric emitted by the transport.
	MetricLabels []metrics.Label
}

var _ Transport = (*QUICTransport)(nil)

// QUICTransport carries portals over QUIC: one connection and one
// unidirectional send stream per portal, frames protowire-encoded. The
// first frame on every stream declares the sender's origin (recoverable by
// the receiver, which cannot observe it otherwise) and the intended target
// origin.
type QUICTransport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool
	closeCh      chan struct{}
	deliveries   chan Delivery

	// accept side, nil unless PortalMode
	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn

	connsLk sync.Mutex
	conns   []quic.Connection
}

func NewQUICTransport(cfg *TransportConfig) (t *QUICTransport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &QUICTransport{
		cfg:        cfg,
		closeCh:    make(chan struct{}),
		deliveries: make(chan Delivery, 512),
	}

	if cfg.LogHandler != nil {
		t.logger = slog.New(cfg.LogHandler)
	} else {
		t.logger = slog.Default()
	}
	if cfg.MetricSink != nil {
		t.msink = cfg.MetricSink
	} else {
		t.msink = metrics.Default()
	}

	if !cfg.PortalMode {
		return t, nil
	}

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		if _, originPort, err := net.SplitHostPort(cfg.LocalOrigin.Addr()); err == nil {
			port, _ = strconv.Atoi(originPort)
		}
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn
	t.tr = &quic.Transport{Conn: udpLn}

	ln, err := t.tr.Listen(withALPN(cfg.TlsConfig), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptConns()
	return t, nil
}

func (t *QUICTransport) quicConfig() *quic.Config {
	hint := t.cfg.HintMaxPortals
	if hint == 0 {
		hint = 1000
	}
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    hint,
		MaxIncomingUniStreams: hint,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// Addr reports the accept side's bound address, nil when not in portal mode.
func (t *QUICTransport) Addr() net.Addr {
	if t.udpLn == nil {
		return nil
	}
	return t.udpLn.LocalAddr()
}

func (t *QUICTransport) Inbound() <-chan Delivery {
	return t.deliveries
}

func (t *QUICTransport) Dial(ctx context.Context, target *url.URL, from Origin) (PortalConn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrPortalClosed
	}

	origin, err := OriginOf(target)
	if err != nil {
		return nil, err
	}

	mLabels := append(t.cfg.MetricLabels, LabelOrigin.M(string(origin)))

	tlsConf := withALPN(t.cfg.TlsConfig)
	// Pin the target origin's host: if the remote endpoint no longer
	// serves this origin, the handshake fails instead of delivering.
	tlsConf.ServerName = target.Hostname()

	if t.cfg.DialTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	var conn quic.Connection
	if t.tr != nil {
		udpAddr, err := net.ResolveUDPAddr("udp", origin.Addr())
		if err != nil {
			return nil, fmt.Errorf("transport: cannot resolve %q: %w", origin.Addr(), err)
		}
		conn, err = t.tr.Dial(ctx, udpAddr, tlsConf, t.quicConfig())
		if err != nil {
			t.msink.IncrCounterWithLabels(MetricPortalDialErrCount, 1.0, mLabels)
			return nil, err
		}
	} else {
		conn, err = quic.DialAddr(ctx, origin.Addr(), tlsConf, t.quicConfig())
		if err != nil {
			t.msink.IncrCounterWithLabels(MetricPortalDialErrCount, 1.0, mLabels)
			return nil, err
		}
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open portal stream")
		t.msink.IncrCounterWithLabels(MetricPortalDialErrCount, 1.0, mLabels)
		return nil, err
	}

	err = writeFrame(stream, frame{
		typ:    frameInit,
		source: string(from),
		target: string(origin),
	})
	if err != nil {
		QErrInternal.Close(conn, "could not send init frame")
		t.msink.IncrCounterWithLabels(MetricPortalDialErrCount, 1.0, mLabels)
		return nil, err
	}

	t.msink.IncrCounterWithLabels(MetricPortalDialCount, 1.0, mLabels)
	return newQUICPortal(conn, stream, t.msink, mLabels), nil
}

func (t *QUICTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	close(t.closeCh)

	t.connsLk.Lock()
	for _, conn := range t.conns {
		QErrShutdown.Close(conn, "transport shutting down")
	}
	t.conns = nil
	t.connsLk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *QUICTransport) acceptConns() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.connsLk.Lock()
		t.conns = append(t.conns, conn)
		t.connsLk.Unlock()

		go t.handleConn(conn)
	}
}

func (t *QUICTransport) handleConn(conn quic.Connection) {
	logger := t.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))
	for {
		stream, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			if conn.Context().Err() == nil && !t.gracefulTerm.Load() {
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}
		go t.handleStream(conn, stream, logger)
	}
}

func (t *QUICTransport) handleStream(conn quic.Connection, stream quic.ReceiveStream, logger *slog.Logger) {
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(conn.RemoteAddr().String()))
	br := bufio.NewReader(stream)

	init, err := readFrame(br)
	if err != nil || init.typ != frameInit {
		logger.Warn("protocol violation: stream did not open with an init frame", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamRejectedCount,
			1.0,
			append(mLabels, LabelReason.M("no_init_frame")),
		)
		return
	}

	if init.target != string(t.cfg.LocalOrigin) {
		logger.Warn(
			"rejecting stream intended for another origin",
			"target", init.target,
			LabelOrigin.L(t.cfg.LocalOrigin),
		)
		t.msink.IncrCounterWithLabels(
			MetricStreamRejectedCount,
			1.0,
			append(mLabels, LabelReason.M("wrong_target")),
		)
		QErrWrongOrigin.Close(conn, "this endpoint does not serve "+init.target)
		return
	}

	source, err := ParseOrigin(init.source)
	if err != nil {
		logger.Warn("protocol violation: invalid source origin", "source", init.source)
		t.msink.IncrCounterWithLabels(
			MetricStreamRejectedCount,
			1.0,
			append(mLabels, LabelReason.M("bad_source")),
		)
		stream.CancelRead(QErrStreamProtocolViolation)
		return
	}

	logger = logger.With(LabelOrigin.L(source))
	logger.Debug("portal stream established")
	t.msink.IncrCounterWithLabels(MetricStreamAcceptCount, 1.0, mLabels)

	for {
		f, err := readFrame(br)
		if err != nil {
			if !t.gracefulTerm.Load() && conn.Context().Err() == nil {
				logger.Debug("portal stream ended", LabelError.L(err))
			}
			return
		}
		if f.typ != frameData {
			logger.Warn("protocol violation: unexpected frame type", "type", uint64(f.typ))
			t.msink.IncrCounterWithLabels(
				MetricFrameInErrorCount,
				1.0,
				append(mLabels, LabelReason.M("unexpected_type")),
			)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(f.payload)), mLabels)
		select {
		case t.deliveries <- Delivery{From: source, ID: f.id, Payload: f.payload}:
		case <-t.closeCh:
			return
		}
	}
}

func withALPN(conf *tls.Config) *tls.Config {
	cloned := conf.Clone()
	for _, proto := range cloned.NextProtos {
		if proto == alpnProtocol {
			return cloned
		}
	}
	cloned.NextProtos = append(cloned.NextProtos, alpnProtocol)
	return cloned
}

var _ PortalConn = (*quicPortal)(nil)

// quicPortal queues outbound frames and flushes them on a single goroutine,
// preserving per-portal FIFO order while keeping Send non-blocking with
// respect to the network.
type quicPortal struct {
	conn   quic.Connection
	stream quic.SendStream
	msink  metrics.MetricSink
	labels []metrics.Label

	writeCh chan frame
	closeCh chan struct{}

	err        error
	lk         sync.Mutex
	writers    sync.WaitGroup
	mainLoopWg sync.WaitGroup
}

func newQUICPortal(conn quic.Connection, stream quic.SendStream, msink metrics.MetricSink, labels []metrics.Label) *quicPortal {
	p := &quicPortal{
		conn:    conn,
		stream:  stream,
		msink:   msink,
		labels:  labels,
		writeCh: make(chan frame, 1024),
		closeCh: make(chan struct{}),
	}
	p.mainLoopWg.Add(1)
	go p.run()
	return p
}

func (p *quicPortal) Send(ctx context.Context, id string, payload []byte) error {
	p.lk.Lock()
	if p.err != nil {
		p.lk.Unlock()
		return p.err
	}
	p.writers.Add(1)
	defer p.writers.Done()
	p.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return ErrPortalClosed
	case p.writeCh <- frame{typ: frameData, id: id, payload: payload}:
		return nil
	}
}

func (p *quicPortal) Close() error {
	p.closeWith(ErrPortalClosed)
	p.mainLoopWg.Wait()
	return nil
}

func (p *quicPortal) closeWith(cause error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.err != nil {
		return
	}
	p.err = cause
	close(p.closeCh)
	p.writers.Wait()
	close(p.writeCh)
	p.stream.Close()
	QErrPortalRemoved.Close(p.conn, "portal torn down")
}

func (p *quicPortal) run() {
	defer p.mainLoopWg.Done()
	for {
		f, ok := <-p.writeCh
		if !ok {
			return
		}

		if err := writeFrame(p.stream, f); err != nil {
			p.msink.IncrCounterWithLabels(MetricFrameOutErrorCount, 1.0, p.labels)
			go p.closeWith(fmt.Errorf("%w: %w", ErrPortalClosed, err))
			return
		}
		p.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(f.payload)), p.labels)
	}
}
