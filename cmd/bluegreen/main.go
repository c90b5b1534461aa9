package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/edvin/bluegreen/internal/config"
	"github.com/edvin/bluegreen/internal/deploy"
	"github.com/edvin/bluegreen/internal/deployer"
	"github.com/edvin/bluegreen/internal/diag"
	"github.com/edvin/bluegreen/internal/health"
	"github.com/edvin/bluegreen/internal/logging"
	"github.com/edvin/bluegreen/internal/model"
	"github.com/edvin/bluegreen/internal/notify"
	"github.com/edvin/bluegreen/internal/registry"
	"github.com/edvin/bluegreen/internal/routing"
)

const probeTimeout = 5 * time.Second

func main() {
	overlayPath := flag.String("config", os.Getenv("DEPLOY_CONFIG_FILE"), "Path to per-environment YAML overlay (optional)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bluegreen [-config file] [tag]")
		flag.PrintDefaults()
	}
	flag.Parse()

	tag := flag.Arg(0)
	if tag == "" {
		tag = "latest"
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	logger := logging.NewLogger(cfg, runID)

	overlay, err := config.LoadOverlay(*overlayPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load overlay")
		os.Exit(1)
	}

	dep, err := deployer.NewDockerDeployer()
	if err != nil {
		logger.Error().Err(err).Msg("failed to create docker client")
		os.Exit(1)
	}
	defer dep.Close()

	reloader := routing.NewNginxReloader(cfg.NginxBin)
	router := routing.NewManager(logger, reloader, cfg.NginxConfPath, cfg.ServiceName, cfg.ListenPort)

	prober := health.NewHTTPProber(probeTimeout)
	gate := health.NewGate(logger, prober, cfg.HealthAttempts, cfg.HealthInterval, cfg.WarmupDelay)
	confirm := health.NewGate(logger, prober, cfg.ConfirmAttempts, cfg.HealthInterval, 0)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.TopicARN != "" {
		notifier = notify.NewSNSNotifier(cfg.TopicARN, cfg.Region)
	}

	collector := diag.NewCollector(logger, dep, cfg.DiagBucket, cfg.Region)
	auth := registry.NewECRAuthenticator(cfg.RegistryHost, cfg.Region)

	orch := deploy.New(logger, cfg, dep, auth, router, gate, confirm, notifier, collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.DeployTimeout)
	defer cancel()

	req := model.DeploymentRequest{
		RunID:    runID,
		Tag:      tag,
		ImageRef: cfg.ImageRef(tag),
		Env:      overlay.Env,
		Volumes:  overlay.Volumes,
	}

	outcome, err := orch.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", outcome.Reason)
		var rb *deploy.RollbackFailedError
		if errors.As(err, &rb) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
