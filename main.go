package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/config"
	"github.com/openvulnfeed/nvd-mirror/jobs"
)

func main() {
	cfg := config.LoadConfig()

	logrus.SetLevel(cfg.ParseLogLevel())
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := cfg.Validate(); err != nil {
		logrus.Errorf("Invalid configuration: %v", err)
		os.Exit(jobs.ExitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var exitCode int
	if cfg.CacheMode() {
		exitCode = jobs.NewMirrorJob(cfg).Run(ctx)
	} else {
		exitCode = jobs.NewOutputJob(cfg, os.Stdout).Run(ctx)
	}
	stop()
	os.Exit(exitCode)
}
