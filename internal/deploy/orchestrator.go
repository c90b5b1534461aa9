package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/bluegreen/internal/config"
	"github.com/edvin/bluegreen/internal/deployer"
	"github.com/edvin/bluegreen/internal/model"
	"github.com/edvin/bluegreen/internal/notify"
	"github.com/edvin/bluegreen/internal/registry"
)

// State names the stages of a single deployment run.
type State string

const (
	StateResolving      State = "resolving"
	StateFetching       State = "fetching"
	StateLaunching      State = "launching"
	StateHealthChecking State = "health-checking"
	StateSwitching      State = "switching"
	StateMonitoring     State = "monitoring"
	StateFinalizing     State = "finalizing"
	StateRollingBack    State = "rolling-back"
	StateNotifying      State = "notifying"
)

// Router is the routing layer surface the orchestrator drives. The
// orchestrator is the only caller; the live config has a single writer.
type Router interface {
	Render(target model.Label, port int) (*model.RoutingConfig, error)
	Validate(ctx context.Context, cfg *model.RoutingConfig) error
	Apply(ctx context.Context, cfg *model.RoutingConfig) (snapshot []byte, err error)
	Restore(ctx context.Context, snapshot []byte) error
}

// HealthGate is a bounded polling check against one URL.
type HealthGate interface {
	Await(ctx context.Context, url string) (model.HealthState, error)
}

// Collector captures failure diagnostics. Best-effort by contract.
type Collector interface {
	CaptureContainer(ctx context.Context, runID, name string)
}

// Orchestrator executes the blue/green swap procedure: resolve, fetch,
// launch, health-gate, switch, monitor, then finalize or roll back, and
// notify. One sequential run per invocation; mutual exclusion across
// invocations is the caller's concern.
type Orchestrator struct {
	logger   zerolog.Logger
	cfg      *config.Config
	dep      deployer.Deployer
	auth     registry.Authenticator
	router   Router
	gate     HealthGate // pre-switch, direct target port
	confirm  HealthGate // post-switch and final, live routing path
	notifier notify.Notifier
	diag     Collector
}

// New creates an orchestrator.
func New(
	logger zerolog.Logger,
	cfg *config.Config,
	dep deployer.Deployer,
	auth registry.Authenticator,
	router Router,
	gate, confirm HealthGate,
	notifier notify.Notifier,
	diag Collector,
) *Orchestrator {
	return &Orchestrator{
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		cfg:      cfg,
		dep:      dep,
		auth:     auth,
		router:   router,
		gate:     gate,
		confirm:  confirm,
		notifier: notifier,
		diag:     diag,
	}
}

// Run performs one deployment. The returned outcome is also what was
// handed to the notifier. A non-nil error means the run failed; if it is
// a RollbackFailedError the system may need manual repair.
func (o *Orchestrator) Run(ctx context.Context, req model.DeploymentRequest) (model.DeploymentOutcome, error) {
	comp := newCompensationStack(o.logger)

	o.stage(StateResolving)
	active, target, err := o.Resolve(ctx)
	if err != nil {
		// Nothing has been touched; fail without cleanup.
		return o.finish(ctx, comp, req, "", StateResolving, err)
	}
	o.logger.Info().
		Str("active", string(active.Label)).
		Str("target", string(target.Label)).
		Str("image", req.ImageRef).
		Msg("environments resolved")

	o.stage(StateFetching)
	authHeader, err := o.auth.Auth(ctx)
	if err != nil {
		return o.finish(ctx, comp, req, active.Label, StateFetching, &AuthenticationError{Err: err})
	}
	if err := o.dep.Pull(ctx, req.ImageRef, authHeader); err != nil {
		if deployer.IsNotFound(err) {
			err = &ArtifactNotFoundError{Ref: req.ImageRef, Err: err}
		}
		return o.finish(ctx, comp, req, active.Label, StateFetching, err)
	}

	o.stage(StateLaunching)
	if err := o.launch(ctx, req, target); err != nil {
		return o.finish(ctx, comp, req, active.Label, StateLaunching, err)
	}
	comp.push("remove target instance", func(ctx context.Context) error {
		if err := o.dep.Stop(ctx, target.ContainerName); err != nil {
			return err
		}
		return o.dep.Remove(ctx, target.ContainerName)
	})

	o.stage(StateHealthChecking)
	directURL := fmt.Sprintf("http://127.0.0.1:%d/health", target.Port)
	if last, err := o.gate.Await(ctx, directURL); err != nil {
		o.diag.CaptureContainer(ctx, req.RunID, target.ContainerName)
		gateErr := &HealthCheckTimeoutError{Container: target.ContainerName, Last: last, Err: err}
		return o.finish(ctx, comp, req, active.Label, StateHealthChecking, gateErr)
	}

	o.stage(StateSwitching)
	staged, err := o.router.Render(target.Label, target.Port)
	if err != nil {
		return o.finish(ctx, comp, req, active.Label, StateSwitching, err)
	}
	if err := o.router.Validate(ctx, staged); err != nil {
		return o.finish(ctx, comp, req, active.Label, StateSwitching, &RoutingValidationError{Err: err})
	}
	snapshot, err := o.router.Apply(ctx, staged)
	if err != nil {
		// The reload may have failed after the file was swapped; restore
		// before tearing the target down.
		if snapshot != nil {
			comp.push("restore routing snapshot", func(ctx context.Context) error {
				return o.router.Restore(ctx, snapshot)
			})
		}
		return o.finish(ctx, comp, req, active.Label, StateSwitching, err)
	}
	comp.push("restore routing snapshot", func(ctx context.Context) error {
		return o.router.Restore(ctx, snapshot)
	})

	o.stage(StateMonitoring)
	liveURL := fmt.Sprintf("http://127.0.0.1:%d/health", o.cfg.ListenPort)
	if last, err := o.confirm.Await(ctx, liveURL); err != nil {
		o.diag.CaptureContainer(ctx, req.RunID, target.ContainerName)
		postErr := &PostSwitchHealthError{Last: last, Err: err}
		return o.finish(ctx, comp, req, active.Label, StateMonitoring, postErr)
	}

	o.stage(StateFinalizing)
	if o.cfg.SoakPeriod > 0 {
		o.logger.Info().Dur("soak", o.cfg.SoakPeriod).Msg("holding for soak period")
		select {
		case <-ctx.Done():
			return o.finish(ctx, comp, req, active.Label, StateFinalizing, ctx.Err())
		case <-time.After(o.cfg.SoakPeriod):
		}
	}
	if last, err := o.confirm.Await(ctx, liveURL); err != nil {
		o.diag.CaptureContainer(ctx, req.RunID, target.ContainerName)
		finalErr := &FinalVerificationError{Last: last, Err: err}
		return o.finish(ctx, comp, req, active.Label, StateFinalizing, finalErr)
	}

	// The new environment is confirmed; only now may the old one go away
	// and the snapshot be discarded.
	comp.discard()
	if err := o.dep.Stop(ctx, active.ContainerName); err != nil {
		o.logger.Warn().Err(err).Str("container", active.ContainerName).Msg("failed to stop old environment")
	} else if err := o.dep.Remove(ctx, active.ContainerName); err != nil {
		o.logger.Warn().Err(err).Str("container", active.ContainerName).Msg("failed to remove old environment")
	}

	outcome := model.DeploymentOutcome{
		RunID:       req.RunID,
		Success:     true,
		ActiveAfter: target.Label,
		Tag:         req.Tag,
	}
	o.notifyOutcome(ctx, outcome, nil)
	o.logger.Info().Str("active", string(target.Label)).Msg("deployment complete")
	return outcome, nil
}

// launch starts the target environment's container, removing any stale
// instance under the same name first so retries stay idempotent.
func (o *Orchestrator) launch(ctx context.Context, req model.DeploymentRequest, target model.Environment) error {
	if err := o.dep.Remove(ctx, target.ContainerName); err != nil {
		return &LaunchError{Container: target.ContainerName, Err: fmt.Errorf("remove stale instance: %w", err)}
	}

	env := map[string]string{}
	if o.cfg.TrackingURI != "" {
		env["MLFLOW_TRACKING_URI"] = o.cfg.TrackingURI
	}
	if o.cfg.TrackingUser != "" {
		env["MLFLOW_TRACKING_USERNAME"] = o.cfg.TrackingUser
		env["MLFLOW_TRACKING_PASSWORD"] = o.cfg.TrackingPassword
	}
	for k, v := range req.Env {
		env[k] = v
	}

	opts := deployer.RunOpts{
		Name:    target.ContainerName,
		Image:   req.ImageRef,
		Env:     env,
		Volumes: req.Volumes,
		Ports: []deployer.PortMapping{
			{Host: target.Port, Container: o.cfg.ContainerPort},
		},
	}
	if o.cfg.Region != "" {
		// Log shipping is configured here but not validated; the sink is
		// an external collaborator.
		opts.LogDriver = "awslogs"
		opts.LogOpts = map[string]string{
			"awslogs-region":       o.cfg.Region,
			"awslogs-group":        "/" + o.cfg.ServiceName + "/containers",
			"awslogs-create-group": "true",
		}
	}

	if _, err := o.dep.Run(ctx, opts); err != nil {
		return &LaunchError{Container: target.ContainerName, Err: err}
	}
	return nil
}

// finish handles a failed stage: run the accumulated compensations,
// build the failure outcome, notify, and return. activeAfter is empty
// only when resolution itself failed.
func (o *Orchestrator) finish(ctx context.Context, comp *compensationStack, req model.DeploymentRequest, activeAfter model.Label, state State, cause error) (model.DeploymentOutcome, error) {
	runErr := cause
	if len(comp.stack) > 0 {
		o.stage(StateRollingBack)
		// Cleanup must run even when the overall deadline already fired.
		cleanupCtx := context.WithoutCancel(ctx)
		if rbErr := comp.unwind(cleanupCtx); rbErr != nil {
			runErr = &RollbackFailedError{Cause: cause, RollbackErr: rbErr}
			o.logger.Error().
				Err(rbErr).
				Bool("operator_action_required", true).
				Msg("rollback failed; system may be in an inconsistent state")
		}
	}

	outcome := model.DeploymentOutcome{
		RunID:       req.RunID,
		Success:     false,
		ActiveAfter: activeAfter,
		Tag:         req.Tag,
		Reason:      fmt.Sprintf("%s: %v", state, runErr),
	}
	o.notifyOutcome(ctx, outcome, runErr)
	return outcome, runErr
}

// notifyOutcome publishes the terminal message. Notification failures are
// logged and swallowed; they never change the run's result.
func (o *Orchestrator) notifyOutcome(ctx context.Context, outcome model.DeploymentOutcome, runErr error) {
	o.stage(StateNotifying)
	// Notify even when the run died of the overall deadline.
	ctx = context.WithoutCancel(ctx)

	subject := fmt.Sprintf("[%s] deployment succeeded (active: %s)", o.cfg.ServiceName, outcome.ActiveAfter)
	if !outcome.Success {
		subject = fmt.Sprintf("[%s] deployment FAILED", o.cfg.ServiceName)
		var rb *RollbackFailedError
		if errors.As(runErr, &rb) {
			subject = fmt.Sprintf("[%s] deployment CRITICAL: rollback failed, operator needed", o.cfg.ServiceName)
		}
	}

	body, err := json.Marshal(outcome)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to encode outcome notification")
		return
	}
	if err := o.notifier.Publish(ctx, subject, string(body)); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish outcome notification")
	}
}

func (o *Orchestrator) stage(s State) {
	o.logger.Info().Str("stage", string(s)).Msg("entering stage")
}
