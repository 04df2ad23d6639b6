// Command citadelproxy is a thin standalone harness around the citadelcore
// library: it loads a HostConfig, starts the lifecycle controller, and
// blocks until asked to shut down. Everything interesting — filtering
// decisions, firewall policy, replay handling — lives in an embedding
// program's callbacks; this binary supplies only pass-through defaults,
// which is enough to smoke-test a build and issue/inspect its CA cert.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"citadelcore"
)

var (
	version = "dev"
	commit  = "none"
)

// CLI mirrors the kong-struct shape the retrieval pack's vulners-proxy-go
// uses for its own flag parsing.
type CLI struct {
	Config    string `help:"Path to a TOML host configuration file." short:"c" type:"existingfile"`
	Listen    string `help:"Override the IPv4 listen address (host:port; port is ignored, binding is always ephemeral)." default:""`
	NumThreads int   `help:"Worker thread hint passed to the diverter's Start." default:"4"`
	LogLevel  string `help:"Override the configured log level (debug, info, warn, error)." default:""`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("citadelproxy"),
		kong.Description("Transparent filtering MITM proxy core, standalone harness."),
		kong.Vars{"version": fmt.Sprintf("%s (%s)", version, commit)},
	)

	cfg, err := loadConfig(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, "citadelproxy:", err)
		os.Exit(1)
	}

	log := citadelcore.NewLogger(cfg.Log)

	proxy, err := citadelcore.NewProxy(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct proxy")
	}

	lc := citadelcore.NewLifecycleController(proxy)
	if err := lc.Start(cli.NumThreads); err != nil {
		log.Fatal().Err(err).Msg("failed to start lifecycle controller")
	}
	if addr := lc.MetricsAddr(); addr != nil {
		log.Info().Str("addr", addr.String()).Msg("metrics endpoint listening")
	}
	log.Info().Msg("citadelproxy started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	log.Info().Msg("shutting down")
	if err := lc.Stop(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
}

func loadConfig(cli *CLI) (*citadelcore.HostConfig, error) {
	var cfg *citadelcore.HostConfig
	var err error
	if cli.Config != "" {
		cfg, err = citadelcore.LoadFileConfig(cli.Config)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = citadelcore.DefaultHostConfig()
	}

	if cli.Listen != "" {
		cfg.ListenV4 = cli.Listen
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
