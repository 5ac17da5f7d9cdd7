package symbiosome

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackTLS builds a self-signed certificate for 127.0.0.1 and returns
// the matching server and client configurations.
func loopbackTLS(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "symbiosome test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}
	client = &tls.Config{RootCAs: pool}
	return server, client
}

// startReceiver binds a portal-mode transport on an ephemeral loopback port
// and pins its local origin to the bound address.
func startReceiver(t *testing.T, serverTLS *tls.Config) (*QUICTransport, Origin) {
	t.Helper()

	cfg := &TransportConfig{
		PortalMode: true,
		TlsConfig:  serverTLS,
		BindAddr:   "127.0.0.1",
		BindPort:   0,
	}
	tr, err := NewQUICTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	port := tr.Addr().(*net.UDPAddr).Port
	origin := Origin(fmt.Sprintf("https://127.0.0.1:%d", port))
	cfg.LocalOrigin = origin
	return tr, origin
}

func TestQUICTransportRequiresTLS(t *testing.T) {
	_, err := NewQUICTransport(&TransportConfig{})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestQUICPortalRoundTrip(t *testing.T) {
	serverTLS, clientTLS := loopbackTLS(t)
	receiver, target := startReceiver(t, serverTLS)

	sender, err := NewQUICTransport(&TransportConfig{
		LocalOrigin: "https://a.example",
		TlsConfig:   clientTLS,
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	targetURL, err := url.Parse(string(target) + "/portal?parent=https://a.example")
	require.NoError(t, err)

	portal, err := sender.Dial(ctx, targetURL, "https://a.example")
	require.NoError(t, err)
	t.Cleanup(func() { portal.Close() })

	require.NoError(t, portal.Send(ctx, "msg-1", []byte("hello")))
	require.NoError(t, portal.Send(ctx, "msg-2", []byte("world")))

	for i, want := range []string{"hello", "world"} {
		select {
		case delivery := <-receiver.Inbound():
			require.Equal(t, Origin("https://a.example"), delivery.From)
			require.Equal(t, fmt.Sprintf("msg-%d", i+1), delivery.ID)
			require.Equal(t, want, string(delivery.Payload))
		case <-time.After(10 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
}

func TestQUICTransportRejectsWrongTarget(t *testing.T) {
	serverTLS, clientTLS := loopbackTLS(t)
	receiver, target := startReceiver(t, serverTLS)

	// The receiver now claims to serve a different origin, so streams
	// intended for its dial address must be rejected.
	receiver.cfg.LocalOrigin = "https://other.example"

	sender, err := NewQUICTransport(&TransportConfig{
		LocalOrigin: "https://a.example",
		TlsConfig:   clientTLS,
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	targetURL, err := url.Parse(string(target) + "/portal")
	require.NoError(t, err)

	portal, err := sender.Dial(ctx, targetURL, "https://a.example")
	require.NoError(t, err)
	t.Cleanup(func() { portal.Close() })

	// Sends are fire-and-forget, so the call itself succeeds.
	require.NoError(t, portal.Send(ctx, "msg-1", []byte("misrouted")))

	select {
	case delivery := <-receiver.Inbound():
		t.Fatalf("delivery surfaced despite wrong target origin: %+v", delivery)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestQUICDialAfterClose(t *testing.T) {
	_, clientTLS := loopbackTLS(t)

	sender, err := NewQUICTransport(&TransportConfig{
		LocalOrigin: "https://a.example",
		TlsConfig:   clientTLS,
	})
	require.NoError(t, err)
	require.NoError(t, sender.Close())

	targetURL, err := url.Parse("https://127.0.0.1:4443")
	require.NoError(t, err)
	_, err = sender.Dial(context.Background(), targetURL, "https://a.example")
	require.ErrorIs(t, err, ErrPortalClosed)
}
