// Command bindrelease builds the Rust workspace for every configured Android
// ABI, packages the bindings as an Android library and optionally publishes
// the release to the distribution repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/polkabind/bindrelease"
	"github.com/polkabind/bindrelease/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	profile := flag.String("profile", "", "Release profile (overrides BINDRELEASE_PROFILE)")
	dryRun := flag.Bool("dry-run", false, "Print the resolved configuration and exit")
	flag.Parse()

	if err := run(*configPath, *profile, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "bindrelease: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, profile string, dryRun bool) error {
	cfg, err := bindrelease.Load(configPath, profile)
	if err != nil {
		return err
	}

	if dryRun {
		out, err := cfg.Redacted().YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := bindrelease.NewPipeline(cfg, &bindrelease.ExecRunner{Log: log})
	pipeline.Log = log
	pipeline.Metrics = bindrelease.NewMetrics()

	report, err := pipeline.Run(ctx, cfg)
	fmt.Fprint(os.Stderr, report.Summary())
	if err != nil {
		log.Error("release failed", zap.String("run_id", report.RunID), zap.Error(err))
		return err
	}
	return nil
}
