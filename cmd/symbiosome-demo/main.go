// symbiosome-demo runs one engine instance from a TOML configuration:
// QUIC transport for cross-origin portals, optionally a gossip bus so
// several processes of one origin share the local fan-out.
//
// Send SIGUSR1 to dump in-memory metrics.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-metrics"

	"github.com/symbiosome/symbiosome"
	"github.com/symbiosome/symbiosome/pkg/bus"
)

type demoConfig struct {
	Origin     string   `toml:"origin"`
	Parent     string   `toml:"parent"`
	PortalMode bool     `toml:"portal_mode"`
	Portals    []string `toml:"portals"`
	Listen     []string `toml:"listen"`
	Heartbeat  duration `toml:"heartbeat"`

	Transport transportConfig `toml:"transport"`
	Bus       busConfig       `toml:"bus"`
}

type transportConfig struct {
	BindAddr    string   `toml:"bind_addr"`
	BindPort    int      `toml:"bind_port"`
	CertFile    string   `toml:"cert_file"`
	KeyFile     string   `toml:"key_file"`
	CAFile      string   `toml:"ca_file"`
	DialTimeout duration `toml:"dial_timeout"`
}

type busConfig struct {
	Gossip     bool     `toml:"gossip"`
	BindAddr   string   `toml:"bind_addr"`
	BindPort   int      `toml:"bind_port"`
	NodeName   string   `toml:"node_name"`
	Neighbours []string `toml:"neighbours"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	*d = duration(parsed)
	return err
}

func main() {
	configPath := flag.String("config", "symbiosome.toml", "path to the TOML configuration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	var cfg demoConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return fmt.Errorf("could not load %s: %w", configPath, err)
	}

	origin, err := symbiosome.ParseOrigin(cfg.Origin)
	if err != nil {
		return err
	}

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(sink)
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("symbiosome-demo"), sink); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []symbiosome.Option{
		symbiosome.WithLog(logger.Handler()),
		symbiosome.WithBind(cfg.Transport.BindAddr, cfg.Transport.BindPort),
		symbiosome.WithDialTimeout(time.Duration(cfg.Transport.DialTimeout)),
	}

	if cfg.Parent != "" {
		startup := fmt.Sprintf("%s/?parent=%s", origin, cfg.Parent)
		opts = append(opts, symbiosome.WithStartupURL(startup))
	} else {
		opts = append(opts, symbiosome.WithOrigin(cfg.Origin))
	}
	if cfg.PortalMode {
		opts = append(opts, symbiosome.WithPortalMode())
	}

	tlsConfig, err := loadTLS(cfg.Transport)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		opts = append(opts, symbiosome.WithTLS(tlsConfig))
	}

	if cfg.Bus.Gossip {
		gossip, err := bus.NewGossip(bus.GossipConfig{
			ChannelName: origin.ChannelName(),
			NodeName:    cfg.Bus.NodeName,
			BindAddr:    cfg.Bus.BindAddr,
			BindPort:    cfg.Bus.BindPort,
			Neighbours:  cfg.Bus.Neighbours,
			LogHandler:  logger.Handler(),
		})
		if err != nil {
			return err
		}
		opts = append(opts, symbiosome.WithBus(gossip))
	}

	engine, err := symbiosome.Create(opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(shutdownCtx)
	}()

	for _, listen := range cfg.Listen {
		err := engine.ListenToOrigin(listen, func(from symbiosome.Origin, message []byte) {
			logger.Info("message received", "from", from, "message", string(message))
		})
		if err != nil {
			return err
		}
	}

	targets := []symbiosome.Origin{engine.Origin()}
	for _, portalURL := range cfg.Portals {
		if err := engine.AddPortal(ctx, portalURL); err != nil {
			return err
		}
		target, err := symbiosome.ParseOrigin(portalURL)
		if err != nil {
			return err
		}
		targets = append(targets, target)
	}
	logger.Info("engine running", "origin", engine.Origin(), "known", engine.Origins())

	heartbeat := time.Duration(cfg.Heartbeat)
	if heartbeat == 0 {
		heartbeat = 10 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			seq++
			payload := []byte(fmt.Sprintf("heartbeat %d from %s", seq, engine.Origin()))
			for _, target := range targets {
				err := engine.PushToOrigin(ctx, string(target), payload)
				if err != nil {
					logger.Warn("heartbeat push failed", "target", target, "error", err)
				}
			}
		}
	}
}

func loadTLS(cfg transportConfig) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.CAFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("could not load certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("could not load CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
