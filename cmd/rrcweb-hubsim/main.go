// rrcweb-hubsim runs a development relay hub: it accepts mesh links over
// TCP, relays chat for any gateway pointed at it, and announces itself so
// discovery can be exercised locally.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kc1awv/rrc-web/internal/cmdutil"
	"github.com/kc1awv/rrc-web/internal/hubsim"
	rrcversion "github.com/kc1awv/rrc-web/internal/version"
	"github.com/kc1awv/rrc-web/meshsim"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`

	Listen  string `json:"listen"`
	HubHash string `json:"hub_hash"`
	Name    string `json:"name"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false
	listen := cmdutil.EnvString("RRC_HUBSIM_LISTEN", "127.0.0.1:4242")
	name := cmdutil.EnvString("RRC_HUBSIM_NAME", "")
	motdFile := cmdutil.EnvString("RRC_HUBSIM_MOTD_FILE", "")
	logLevel := cmdutil.EnvString("RRC_HUBSIM_LOG_LEVEL", "")
	announceInterval, err := cmdutil.EnvDuration("RRC_HUBSIM_ANNOUNCE_INTERVAL", time.Minute)
	if err != nil {
		fmt.Fprintf(stderr, "invalid RRC_HUBSIM_ANNOUNCE_INTERVAL: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("rrcweb-hubsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "tcp listen address for mesh peers (env: RRC_HUBSIM_LISTEN)")
	fs.StringVar(&name, "name", name, "hub display name (env: RRC_HUBSIM_NAME)")
	fs.StringVar(&motdFile, "motd-file", motdFile, "file whose contents are pushed as the MOTD (env: RRC_HUBSIM_MOTD_FILE)")
	fs.DurationVar(&announceInterval, "announce-interval", announceInterval, "interval between hub announces (0 disables) (env: RRC_HUBSIM_ANNOUNCE_INTERVAL)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error (env: RRC_HUBSIM_LOG_LEVEL)")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  rrcweb-hubsim [--listen 127.0.0.1:4242] [--name \"My Hub\"] [--motd-file ./motd.txt]")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Examples:")
		fmt.Fprintln(out, "  # Run a local hub and point a gateway at it.")
		fmt.Fprintln(out, "  rrcweb-hubsim --name \"Dev Hub\" | tee ready.json")
		fmt.Fprintln(out, "  rrcweb-gateway --mesh 127.0.0.1:4242")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Output:")
		fmt.Fprintln(out, "  stdout: a single JSON ready object (includes hub_hash to connect to)")
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

	level, err := cmdutil.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	motd := ""
	if motdFile != "" {
		b, err := os.ReadFile(motdFile)
		if err != nil {
			logger.Error("cannot read motd file", "path", motdFile, "err", err)
			return 1
		}
		motd = strings.TrimRight(string(b), "\n")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := meshsim.NewNode()
	defer node.Close()

	hub, err := hubsim.New(node,
		hubsim.WithName(name),
		hubsim.WithVersion(rrcversion.Short()),
		hubsim.WithMOTD(motd),
		hubsim.WithLogger(logger))
	if err != nil {
		logger.Error("hub start failed", "err", err)
		return 1
	}

	addr, err := node.ListenTCP(listen)
	if err != nil {
		logger.Error("listen failed", "addr", listen, "err", err)
		return 1
	}

	if announceInterval > 0 {
		go hub.AnnounceEvery(ctx, announceInterval)
	}

	_ = json.NewEncoder(stdout).Encode(ready{
		Status:  "ready",
		Version: version,
		Commit:  commit,
		Date:    date,
		Listen:  addr.String(),
		HubHash: hub.HashHex(),
		Name:    hub.Name(),
	})
	logger.Info("hub simulator ready", "listen", addr.String(), "hash", hub.HashHex())

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}
