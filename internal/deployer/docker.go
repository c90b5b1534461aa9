package deployer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerDeployer implements Deployer against the local Docker daemon.
type DockerDeployer struct {
	cli *client.Client
}

// NewDockerDeployer creates a DockerDeployer from the environment
// (DOCKER_HOST etc.), with API version negotiation.
func NewDockerDeployer() (*DockerDeployer, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerDeployer{cli: cli}, nil
}

// Close releases the underlying client.
func (d *DockerDeployer) Close() error {
	return d.cli.Close()
}

func (d *DockerDeployer) Pull(ctx context.Context, img, auth string) error {
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("pull image %s: %w", img, ErrNotFound)
		}
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	return nil
}

func (d *DockerDeployer) Run(ctx context.Context, opts RunOpts) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pm := range opts.Ports {
		cp := nat.Port(strconv.Itoa(pm.Container) + "/tcp")
		exposedPorts[cp] = struct{}{}
		portBindings[cp] = []nat.PortBinding{
			{HostPort: strconv.Itoa(pm.Host)},
		}
	}

	config := &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: exposedPorts,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        opts.Volumes,
	}
	if opts.LogDriver != "" {
		hostConfig.LogConfig = container.LogConfig{
			Type:   opts.LogDriver,
			Config: opts.LogOpts,
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", opts.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", opts.Name, err)
	}

	return resp.ID, nil
}

func (d *DockerDeployer) Stop(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

func (d *DockerDeployer) Remove(ctx context.Context, name string) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerDeployer) List(ctx context.Context, names ...string) ([]ContainerState, error) {
	args := filters.NewArgs()
	for _, n := range names {
		// Docker matches name filters as substrings; anchor to the full
		// name and resolve exactly below.
		args.Add("name", n)
	}

	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var out []ContainerState
	for _, s := range summaries {
		name := containerName(s.Names)
		if !wanted[name] {
			continue
		}
		out = append(out, ContainerState{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			State:   s.State,
			Running: s.State == "running",
		})
	}
	return out, nil
}

func (d *DockerDeployer) Logs(ctx context.Context, name string, tail int) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("read logs of %s: %w", name, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("read logs of %s: %w", name, err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// containerName normalizes the API's leading-slash name form.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
