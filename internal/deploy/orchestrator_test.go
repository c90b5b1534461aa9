package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/bluegreen/internal/config"
	"github.com/edvin/bluegreen/internal/deployer"
	"github.com/edvin/bluegreen/internal/model"
	"github.com/edvin/bluegreen/internal/routing"
)

// --- Fakes ---

// fakeDeployer keeps an in-memory container table so multi-stage and
// repeated runs observe consistent state.
type fakeDeployer struct {
	running map[string]bool // name -> running
	pulled  []string
	pullErr error
	runErr  error
	// removeErr fires only for containers that exist, so the idempotent
	// stale-instance cleanup of a missing name still succeeds.
	removeErr error
	logs      string
}

func newFakeDeployer(runningNames ...string) *fakeDeployer {
	d := &fakeDeployer{running: map[string]bool{}, logs: "container output"}
	for _, n := range runningNames {
		d.running[n] = true
	}
	return d
}

func (d *fakeDeployer) Pull(ctx context.Context, image, auth string) error {
	if d.pullErr != nil {
		return d.pullErr
	}
	d.pulled = append(d.pulled, image)
	return nil
}

func (d *fakeDeployer) Run(ctx context.Context, opts deployer.RunOpts) (string, error) {
	if d.runErr != nil {
		return "", d.runErr
	}
	if _, exists := d.running[opts.Name]; exists {
		return "", fmt.Errorf("container name %s already in use", opts.Name)
	}
	d.running[opts.Name] = true
	return "cid-" + opts.Name, nil
}

func (d *fakeDeployer) Stop(ctx context.Context, name string) error {
	if _, exists := d.running[name]; exists {
		d.running[name] = false
	}
	return nil
}

func (d *fakeDeployer) Remove(ctx context.Context, name string) error {
	if _, exists := d.running[name]; !exists {
		return nil
	}
	if d.removeErr != nil {
		return d.removeErr
	}
	delete(d.running, name)
	return nil
}

func (d *fakeDeployer) List(ctx context.Context, names ...string) ([]deployer.ContainerState, error) {
	var out []deployer.ContainerState
	for _, n := range names {
		running, exists := d.running[n]
		if !exists {
			continue
		}
		state := "exited"
		if running {
			state = "running"
		}
		out = append(out, deployer.ContainerState{ID: "cid-" + n, Name: n, State: state, Running: running})
	}
	return out, nil
}

func (d *fakeDeployer) Logs(ctx context.Context, name string, tail int) (string, error) {
	return d.logs, nil
}

func (d *fakeDeployer) runningNames() []string {
	var out []string
	for n, r := range d.running {
		if r {
			out = append(out, n)
		}
	}
	return out
}

type fakeAuth struct {
	err error
}

func (a *fakeAuth) Auth(ctx context.Context) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "auth-header", nil
}

// fakeReloader counts nginx invocations so tests can assert the reload
// call-count contract.
type fakeReloader struct {
	validateCalls int
	reloadCalls   int
	validateErr   error
	reloadErr     error
}

func (r *fakeReloader) Validate(ctx context.Context, path string) error {
	r.validateCalls++
	return r.validateErr
}

func (r *fakeReloader) Reload(ctx context.Context) error {
	r.reloadCalls++
	return r.reloadErr
}

// fakeGate returns scripted results per call.
type fakeGate struct {
	results []error
	calls   int
	urls    []string
}

func (g *fakeGate) Await(ctx context.Context, url string) (model.HealthState, error) {
	g.calls++
	g.urls = append(g.urls, url)
	var err error
	if len(g.results) > 0 {
		err = g.results[0]
		g.results = g.results[1:]
	}
	if err != nil {
		return model.HealthState{Pass: false, Detail: err.Error()}, err
	}
	return model.HealthState{Pass: true, StatusCode: 200}, nil
}

func passing() *fakeGate { return &fakeGate{} }

type fakeNotifier struct {
	subjects []string
	messages []string
	err      error
}

func (n *fakeNotifier) Publish(ctx context.Context, subject, message string) error {
	n.subjects = append(n.subjects, subject)
	n.messages = append(n.messages, message)
	return n.err
}

type fakeCollector struct {
	captured []string
}

func (c *fakeCollector) CaptureContainer(ctx context.Context, runID, name string) {
	c.captured = append(c.captured, name)
}

// --- Harness ---

type harness struct {
	cfg      *config.Config
	dep      *fakeDeployer
	auth     *fakeAuth
	reloader *fakeReloader
	router   *routing.Manager
	gate     *fakeGate
	confirm  *fakeGate
	notifier *fakeNotifier
	diag     *fakeCollector
	confPath string
}

func newHarness(t *testing.T, runningNames ...string) *harness {
	t.Helper()
	confPath := filepath.Join(t.TempDir(), "nginx.conf")
	cfg := &config.Config{
		ServiceName:     "inference",
		RegistryHost:    "registry.example.com",
		ImageRepo:       "inference",
		PortA:           9001,
		PortB:           9002,
		ContainerPort:   8000,
		ListenPort:      8080,
		NginxConfPath:   confPath,
		NginxBin:        "nginx",
		HealthAttempts:  3,
		HealthInterval:  time.Millisecond,
		ConfirmAttempts: 2,
		SoakPeriod:      0,
		DeployTimeout:   time.Minute,
		LogLevel:        "info",
	}
	h := &harness{
		cfg:      cfg,
		dep:      newFakeDeployer(runningNames...),
		auth:     &fakeAuth{},
		reloader: &fakeReloader{},
		gate:     passing(),
		confirm:  passing(),
		notifier: &fakeNotifier{},
		diag:     &fakeCollector{},
		confPath: confPath,
	}
	h.router = routing.NewManager(zerolog.Nop(), h.reloader, confPath, cfg.ServiceName, cfg.ListenPort)
	return h
}

// seedLiveConfig writes the routing config for the given environment as
// the current live file and returns its bytes.
func (h *harness) seedLiveConfig(t *testing.T, target model.Label, port int) []byte {
	t.Helper()
	rc, err := h.router.Render(target, port)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.confPath, rc.Rendered, 0o644))
	return rc.Rendered
}

func (h *harness) orchestrator() *Orchestrator {
	return New(zerolog.Nop(), h.cfg, h.dep, h.auth, h.router, h.gate, h.confirm, h.notifier, h.diag)
}

func (h *harness) run(t *testing.T, tag string) (model.DeploymentOutcome, error) {
	t.Helper()
	req := model.DeploymentRequest{
		RunID:    "run-1",
		Tag:      tag,
		ImageRef: h.cfg.ImageRef(tag),
	}
	return h.orchestrator().Run(context.Background(), req)
}

func (h *harness) liveConfig(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(h.confPath)
	require.NoError(t, err)
	return data
}

// --- Scenarios ---

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)

	outcome, err := h.run(t, "v2")
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, model.LabelB, outcome.ActiveAfter)
	assert.Equal(t, []string{"registry.example.com/inference:v2"}, h.dep.pulled)

	// B is the only environment left.
	assert.Equal(t, []string{"inference-b"}, h.dep.runningNames())
	_, aExists := h.dep.running["inference-a"]
	assert.False(t, aExists, "old environment should be torn down")

	// Routing points at B's port, applied with exactly one reload.
	assert.Contains(t, string(h.liveConfig(t)), "server 127.0.0.1:9002")
	assert.Equal(t, 1, h.reloader.validateCalls)
	assert.Equal(t, 1, h.reloader.reloadCalls)

	// Exactly one terminal notification.
	require.Len(t, h.notifier.subjects, 1)
	assert.Contains(t, h.notifier.subjects[0], "succeeded")
}

func TestRun_HealthNeverPasses(t *testing.T) {
	h := newHarness(t, "inference-a")
	before := h.seedLiveConfig(t, model.LabelA, 9001)
	h.gate = &fakeGate{results: []error{errors.New("budget exhausted")}}

	outcome, err := h.run(t, "v2")
	require.Error(t, err)

	var gateErr *HealthCheckTimeoutError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, "inference-b", gateErr.Container)

	// Routing provably untouched and the target gone; A still serving.
	assert.Equal(t, before, h.liveConfig(t))
	assert.Equal(t, 0, h.reloader.reloadCalls)
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
	_, bExists := h.dep.running["inference-b"]
	assert.False(t, bExists)

	assert.False(t, outcome.Success)
	assert.Equal(t, model.LabelA, outcome.ActiveAfter)
	assert.Contains(t, outcome.Reason, "health-checking")

	// Diagnostics captured for the failed instance.
	assert.Equal(t, []string{"inference-b"}, h.diag.captured)
}

func TestRun_ValidationFailureSkipsReload(t *testing.T) {
	h := newHarness(t, "inference-a")
	before := h.seedLiveConfig(t, model.LabelA, 9001)
	h.reloader.validateErr = errors.New("unexpected token")

	_, err := h.run(t, "v2")
	require.Error(t, err)

	var valErr *RoutingValidationError
	require.ErrorAs(t, err, &valErr)

	// No reload was ever invoked and the live config is untouched.
	assert.Equal(t, 0, h.reloader.reloadCalls)
	assert.Equal(t, before, h.liveConfig(t))

	// Target torn down, active untouched.
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
}

func TestRun_PostSwitchRegression(t *testing.T) {
	h := newHarness(t, "inference-a")
	before := h.seedLiveConfig(t, model.LabelA, 9001)
	h.confirm = &fakeGate{results: []error{errors.New("chain of 502s")}}

	outcome, err := h.run(t, "v2")
	require.Error(t, err)

	var postErr *PostSwitchHealthError
	require.ErrorAs(t, err, &postErr)

	// Routing reverted byte-for-byte to the pre-switch snapshot.
	assert.Equal(t, before, h.liveConfig(t))
	// One reload for apply, one for restore.
	assert.Equal(t, 2, h.reloader.reloadCalls)

	// A untouched and still running; B gone.
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
	assert.Equal(t, model.LabelA, outcome.ActiveAfter)
}

func TestRun_FinalVerificationFailure(t *testing.T) {
	h := newHarness(t, "inference-a")
	before := h.seedLiveConfig(t, model.LabelA, 9001)
	// Post-switch confirmation passes, the check after soak does not.
	h.confirm = &fakeGate{results: []error{nil, errors.New("degraded")}}

	_, err := h.run(t, "v2")
	require.Error(t, err)

	var finalErr *FinalVerificationError
	require.ErrorAs(t, err, &finalErr)

	// Same rollback path as the post-switch failure.
	assert.Equal(t, before, h.liveConfig(t))
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
}

func TestRun_AmbiguousState(t *testing.T) {
	t.Run("none running", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.run(t, "v2")
		var ambErr *AmbiguousStateError
		require.ErrorAs(t, err, &ambErr)
		assert.Empty(t, ambErr.Running)
		assert.Empty(t, h.dep.pulled, "no fetch before resolution succeeds")
	})

	t.Run("both running", func(t *testing.T) {
		h := newHarness(t, "inference-a", "inference-b")

		_, err := h.run(t, "v2")
		var ambErr *AmbiguousStateError
		require.ErrorAs(t, err, &ambErr)
		assert.Len(t, ambErr.Running, 2)
		assert.Empty(t, h.dep.pulled)
	})
}

func TestRun_ArtifactNotFound(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)
	h.dep.pullErr = fmt.Errorf("pull image: %w", deployer.ErrNotFound)

	_, err := h.run(t, "does-not-exist")

	var nfErr *ArtifactNotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "registry.example.com/inference:does-not-exist", nfErr.Ref)

	// Fetch failures abort before any mutation.
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
	assert.Equal(t, 0, h.reloader.reloadCalls)
}

func TestRun_AuthenticationFailure(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.auth.err = errors.New("token expired")

	_, err := h.run(t, "v2")

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Empty(t, h.dep.pulled)
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
}

func TestRun_Idempotence(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)

	first, err := h.run(t, "v2")
	require.NoError(t, err)
	require.Equal(t, model.LabelB, first.ActiveAfter)
	require.Len(t, h.dep.runningNames(), 1)

	// Second run with the same artifact simply swaps back.
	second, err := h.run(t, "v2")
	require.NoError(t, err)
	assert.Equal(t, model.LabelA, second.ActiveAfter)
	assert.Equal(t, []string{"inference-a"}, h.dep.runningNames())
	assert.Contains(t, string(h.liveConfig(t)), "server 127.0.0.1:9001")
}

func TestRun_StaleTargetInstanceIsReplaced(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)
	// A stopped leftover from an earlier failed run occupies the target
	// name.
	h.dep.running["inference-b"] = false

	outcome, err := h.run(t, "v2")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, []string{"inference-b"}, h.dep.runningNames())
}

func TestRun_RollbackFailureIsCritical(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)
	h.gate = &fakeGate{results: []error{errors.New("budget exhausted")}}
	h.dep.removeErr = errors.New("daemon hung")

	_, err := h.run(t, "v2")
	require.Error(t, err)

	var rbErr *RollbackFailedError
	require.ErrorAs(t, err, &rbErr)
	// The original failure stays visible through the wrapper.
	var gateErr *HealthCheckTimeoutError
	assert.ErrorAs(t, err, &gateErr)

	require.Len(t, h.notifier.subjects, 1)
	assert.Contains(t, h.notifier.subjects[0], "CRITICAL")
}

func TestRun_NotificationFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)
	h.notifier.err = errors.New("topic gone")

	outcome, err := h.run(t, "v2")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestRun_GateProbesDirectPortAndConfirmProbesLivePath(t *testing.T) {
	h := newHarness(t, "inference-a")
	h.seedLiveConfig(t, model.LabelA, 9001)

	_, err := h.run(t, "v2")
	require.NoError(t, err)

	require.NotEmpty(t, h.gate.urls)
	assert.Equal(t, "http://127.0.0.1:9002/health", h.gate.urls[0])
	require.NotEmpty(t, h.confirm.urls)
	assert.Equal(t, "http://127.0.0.1:8080/health", h.confirm.urls[0])
}

func TestResolve(t *testing.T) {
	h := newHarness(t, "inference-b")
	active, target, err := h.orchestrator().Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.LabelB, active.Label)
	assert.Equal(t, model.RoleActive, active.Role)
	assert.Equal(t, 9002, active.Port)

	assert.Equal(t, model.LabelA, target.Label)
	assert.Equal(t, model.RoleTarget, target.Role)
	assert.Equal(t, 9001, target.Port)
	assert.Equal(t, "inference-a", target.ContainerName)
}

func TestResolve_IgnoresStoppedContainers(t *testing.T) {
	// A stopped leftover target must not make the state ambiguous.
	h := newHarness(t, "inference-a")
	h.dep.running["inference-b"] = false

	active, target, err := h.orchestrator().Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LabelA, active.Label)
	assert.Equal(t, model.LabelB, target.Label)
}
