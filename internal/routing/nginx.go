package routing

import (
	"context"
	"fmt"
	"os/exec"
)

// NginxReloader drives the nginx binary for validation and reload.
type NginxReloader struct {
	bin string
}

// NewNginxReloader creates a reloader using the given nginx binary path.
func NewNginxReloader(bin string) *NginxReloader {
	return &NginxReloader{bin: bin}
}

func (r *NginxReloader) Validate(ctx context.Context, path string) error {
	out, err := exec.CommandContext(ctx, r.bin, "-t", "-c", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nginx -t: %w: %s", err, out)
	}
	return nil
}

func (r *NginxReloader) Reload(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, r.bin, "-s", "reload").CombinedOutput()
	if err != nil {
		return fmt.Errorf("nginx -s reload: %w: %s", err, out)
	}
	return nil
}
