package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kc1awv/rrc-web/backend"
	"github.com/kc1awv/rrc-web/config"
	"github.com/kc1awv/rrc-web/internal/cmdutil"
	rrcversion "github.com/kc1awv/rrc-web/internal/version"
	"github.com/kc1awv/rrc-web/meshsim"
	"github.com/kc1awv/rrc-web/observability/prom"
	"github.com/kc1awv/rrc-web/uibridge"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type ready struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`

	Listen     string `json:"listen"`
	WSURL      string `json:"ws_url"`
	ConfigPath string `json:"config_path"`
	Mesh       string `json:"mesh,omitempty"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false
	configPath := cmdutil.EnvString(config.EnvPath, "")
	listen := cmdutil.EnvString("RRC_WEB_LISTEN", "")
	mesh := cmdutil.EnvString("RRC_WEB_MESH", "")
	metricsListen := cmdutil.EnvString("RRC_WEB_METRICS_LISTEN", "")
	logLevel := cmdutil.EnvString("RRC_WEB_LOG_LEVEL", "")
	origins := stringSliceFlag(cmdutil.SplitCSVEnv("RRC_WEB_ALLOW_ORIGIN"))

	fs := flag.NewFlagSet("rrcweb-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", configPath, "path to JSON config file (default: ~/.rrc-web/config.json) (env: RRC_WEB_CONFIG)")
	fs.StringVar(&listen, "listen", listen, "websocket listen address (overrides config) (env: RRC_WEB_LISTEN)")
	fs.StringVar(&mesh, "mesh", mesh, "tcp address of a mesh peer to dial (overrides config) (env: RRC_WEB_MESH)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus /metrics server (empty disables; overrides config) (env: RRC_WEB_METRICS_LISTEN)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error (overrides config) (env: RRC_WEB_LOG_LEVEL)")
	fs.Var(&origins, "allow-origin", "additional allowed browser Origin (repeatable): full Origin, hostname, hostname:port, or wildcard hostname (*.example.com) (env: RRC_WEB_ALLOW_ORIGIN)")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  rrcweb-gateway [--config ./config.json] [--mesh host:port] [--listen 127.0.0.1:8514]")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Examples:")
		fmt.Fprintln(out, "  # Serve the UI websocket on the default loopback address, joined to a mesh peer.")
		fmt.Fprintln(out, "  rrcweb-gateway --mesh 192.0.2.10:4242 | tee ready.json")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "  # Development run against a local hub simulator, with metrics.")
		fmt.Fprintln(out, "  rrcweb-gateway --mesh 127.0.0.1:4242 --listen 127.0.0.1:0 --metrics-listen 127.0.0.1:0")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Output:")
		fmt.Fprintln(out, "  stdout: a single JSON ready object")
		fmt.Fprintln(out, "  stderr: logs and errors")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Exit codes:")
		fmt.Fprintln(out, "  0: success")
		fmt.Fprintln(out, "  2: usage error (bad flags/invalid values)")
		fmt.Fprintln(out, "  1: runtime error")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, rrcversion.String(version, commit, date))
		return 0
	}

	// The store logs through a bootstrap logger; the configured level
	// applies once config and flags are merged.
	boot := slog.New(slog.NewTextHandler(stderr, nil))
	store := config.Open(config.ExpandHome(configPath), boot)
	cfg := store.Get()

	if listen == "" {
		listen = cfg.Listen
	}
	if listen == "" {
		listen = config.DefaultListen
	}
	if mesh == "" {
		mesh = cfg.Mesh
	}
	if metricsListen == "" {
		metricsListen = cfg.MetricsListen
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}

	level, err := cmdutil.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := meshsim.NewNode()
	defer node.Close()
	if mesh != "" {
		if err := node.DialTCP(mesh); err != nil {
			logger.Error("cannot dial mesh peer", "addr", mesh, "err", err)
			return 1
		}
		logger.Info("mesh peer connected", "addr", mesh)
	} else {
		logger.Warn("no mesh peer configured; hub connections will fail until --mesh is set")
	}

	var reg *prometheus.Registry
	opts := []backend.Option{backend.WithLogger(logger)}
	if metricsListen != "" {
		reg = prom.NewRegistry()
		opts = append(opts,
			backend.WithObserver(prom.NewBackendObserver(reg)),
			backend.WithClientObserver(prom.NewClientObserver(reg)))
	}

	svc := backend.New(node, store, opts...)
	if err := svc.Start(ctx); err != nil {
		logger.Error("backend start failed", "err", err)
		return 1
	}
	defer svc.Close()

	bridge := uibridge.New(svc,
		uibridge.WithLogger(logger),
		uibridge.WithAllowedOrigins(origins...))

	mux := http.NewServeMux()
	mux.Handle("/ws", bridge.Handler())

	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", prom.Handler(reg))
		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			logger.Error("metrics listen failed", "addr", metricsListen, "err", err)
			return 1
		}
		metricsSrv = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		logger.Error("listen failed", "addr", listen, "err", err)
		return 1
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ln) }()
	if metricsSrv != nil {
		go func() { errCh <- metricsSrv.Serve(metricsLn) }()
	}

	addr := ln.Addr().String()
	out := ready{
		Status:     "ready",
		Version:    version,
		Commit:     commit,
		Date:       date,
		Listen:     addr,
		WSURL:      "ws://" + addr + "/ws",
		ConfigPath: store.Path(),
		Mesh:       mesh,
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)
	logger.Info("gateway ready", "listen", addr)

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			exit = 1
		}
	}

	// Dropping the sessions first lets Shutdown finish without waiting out
	// its timeout on long-lived websocket handlers.
	bridge.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return exit
}
