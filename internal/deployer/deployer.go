package deployer

import (
	"context"
	"errors"
)

// ErrNotFound marks lookups that failed because the image or container
// does not exist in the runtime or registry.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err stems from a missing image or container.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// PortMapping describes a host-to-container port binding.
type PortMapping struct {
	Host      int `json:"host"`
	Container int `json:"container"`
}

// RunOpts holds the options for running a container.
type RunOpts struct {
	Name    string
	Image   string
	Env     map[string]string
	Volumes []string
	Ports   []PortMapping
	// LogDriver and LogOpts configure the container log driver (e.g.
	// awslogs with group/region options). Empty LogDriver keeps the
	// daemon default.
	LogDriver string
	LogOpts   map[string]string
}

// ContainerState holds the observed state of a container.
type ContainerState struct {
	ID      string
	Name    string
	Image   string
	State   string // running, exited, created, etc.
	Running bool
}

// Deployer defines the container runtime operations the orchestrator
// consumes. Names, not IDs, are the handles: environment containers carry
// fixed names and are created and destroyed, never reused.
type Deployer interface {
	// Pull materializes an image locally. auth is a registry auth header
	// value; empty means anonymous.
	Pull(ctx context.Context, image, auth string) error
	// Run creates and starts a container. The name must not be in use.
	Run(ctx context.Context, opts RunOpts) (containerID string, err error)
	// Stop stops a container by name. Stopping a missing container is not
	// an error.
	Stop(ctx context.Context, name string) error
	// Remove force-removes a container by name. Removing a missing
	// container is not an error.
	Remove(ctx context.Context, name string) error
	// List returns the state of the named containers, omitting those that
	// do not exist.
	List(ctx context.Context, names ...string) ([]ContainerState, error)
	// Logs returns up to tail lines of a container's combined output.
	Logs(ctx context.Context, name string, tail int) (string, error)
}
