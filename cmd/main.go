package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acmacalister/sase"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./sase.yaml, ~/.sase/sase.yaml, /etc/sase/sase.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		proxyAddr  = flag.String("addr", "", "data plane listen address (overrides config)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genConfig {
		if err := sase.WriteExampleConfig("sase.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Generated sase.yaml")
		return
	}

	cfg, err := sase.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *proxyAddr != "" {
		cfg.Server.ProxyAddr = *proxyAddr
	}

	logger, logCloser, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *sase.Config, logger *slog.Logger) error {
	var metrics *sase.Metrics
	if cfg.Control.Metrics {
		metrics = sase.NewMetrics()
	}

	// The root CA lives only for this process; clients must re-trust the
	// written certificate after every restart.
	cm, err := sase.NewEphemeralCertManager(cfg.TLS.Organization, cfg.TLS.CertCacheSize)
	if err != nil {
		return fmt.Errorf("generate root CA: %w", err)
	}
	cm.Metrics = metrics
	if err := cm.WriteCACert(cfg.TLS.CACertPath); err != nil {
		return fmt.Errorf("write root CA: %w", err)
	}
	logger.Info("root CA written", "path", cfg.TLS.CACertPath)
	logger.Info("trust this certificate in your system or browser to avoid TLS errors")

	state := sase.NewState(cfg.SeedPolicy(), cfg.Stream.Buffer)

	engine := sase.NewEngine(state)
	engine.Logger = logger
	engine.Metrics = metrics

	if cfg.Audit.Enabled {
		audit, err := sase.NewAuditWriter(cfg.Audit)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() { _ = audit.Close() }()
		engine.Sink = audit
		logger.Info("audit log enabled", "dir", cfg.Audit.Dir)
	}

	upstream := sase.NewUpstreamPool(cfg.Upstream)
	defer upstream.CloseIdleConnections()

	proxy := sase.NewProxy(cfg.Server.ProxyAddr, cm, engine)
	proxy.Logger = logger
	proxy.Metrics = metrics
	proxy.Upstream = upstream
	proxy.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	proxy.IdleTimeout = cfg.Server.IdleTimeout
	if cfg.Logging.Access {
		proxy.AccessLog = sase.NewAccessLogger(logger)
	}

	health := sase.NewHealthChecker()

	control := sase.NewControlAPI(state)
	control.Logger = logger
	control.PathPrefix = cfg.Control.PathPrefix
	control.Heartbeat = cfg.Stream.Heartbeat
	control.StaticDir = cfg.Control.StaticDir
	control.Health = health
	control.Metrics = metrics

	srv := &sase.Server{
		Proxy:             proxy,
		Control:           control,
		ControlAddr:       cfg.Server.ControlAddr,
		State:             state,
		Health:            health,
		Logger:            logger,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	logger.Info("dashboard available", "url", srv.ControlURL())

	reloader := sase.WatchSIGHUP(state.Policy, sase.SeedReload(cfg.SeedPolicy()), logger, metrics)
	defer reloader.Cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
