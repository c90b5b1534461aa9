package routing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/edvin/bluegreen/internal/model"
)

// configTemplate is the full nginx configuration. Three routing rules:
// a direct health-check path that bypasses the upstream, a restricted
// metrics path, and the primary proxy.
const configTemplate = `# Managed by bluegreen. Edits are overwritten on deploy.
worker_processes auto;

events {
    worker_connections 1024;
}

http {
    upstream {{ .Service }}_backend {
        server 127.0.0.1:{{ .Port }};
    }

    server {
        listen {{ .ListenPort }};

        location = /health {
            # Direct to the serving container, bypassing the upstream
            # block, so health stays observable during reloads.
            proxy_pass http://127.0.0.1:{{ .Port }}/health;
            proxy_connect_timeout 2s;
            proxy_read_timeout 5s;
        }

        location /metrics {
            allow 127.0.0.1;
            deny all;
            proxy_pass http://{{ .Service }}_backend;
        }

        location / {
            proxy_pass http://{{ .Service }}_backend;
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
            proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        }
    }
}
`

var tmpl = template.Must(template.New("nginx").Parse(configTemplate))

// Reloader abstracts the nginx binary so tests can count invocations.
type Reloader interface {
	// Validate syntax-checks a config file without touching the live one.
	Validate(ctx context.Context, path string) error
	// Reload applies the live config file in one reload operation.
	Reload(ctx context.Context) error
}

// Manager owns the live routing configuration. It is the single writer:
// no other component touches the config file, and nothing is applied
// without passing validation first.
type Manager struct {
	logger     zerolog.Logger
	reloader   Reloader
	confPath   string
	service    string
	listenPort int
}

// NewManager creates a routing manager for the given live config path.
func NewManager(logger zerolog.Logger, reloader Reloader, confPath, service string, listenPort int) *Manager {
	return &Manager{
		logger:     logger.With().Str("component", "routing").Logger(),
		reloader:   reloader,
		confPath:   confPath,
		service:    service,
		listenPort: listenPort,
	}
}

// Render builds the routing config that directs primary traffic at the
// given environment port.
func (m *Manager) Render(target model.Label, port int) (*model.RoutingConfig, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		Service    string
		Port       int
		ListenPort int
	}{m.service, port, m.listenPort})
	if err != nil {
		return nil, fmt.Errorf("render routing config: %w", err)
	}
	return &model.RoutingConfig{Target: target, Port: port, Rendered: buf.Bytes()}, nil
}

// Validate dry-run checks a rendered config. The live configuration is
// not touched.
func (m *Manager) Validate(ctx context.Context, cfg *model.RoutingConfig) error {
	tmp, err := os.CreateTemp("", "bluegreen-nginx-*.conf")
	if err != nil {
		return fmt.Errorf("write validation tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(cfg.Rendered); err != nil {
		tmp.Close()
		return fmt.Errorf("write validation tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write validation tempfile: %w", err)
	}

	if err := m.reloader.Validate(ctx, tmp.Name()); err != nil {
		return fmt.Errorf("routing config validation: %w", err)
	}
	return nil
}

// Apply atomically replaces the live config with a validated one and
// reloads. It returns the prior live config bytes as the rollback
// snapshot. A missing live file yields a nil snapshot (first deploy).
func (m *Manager) Apply(ctx context.Context, cfg *model.RoutingConfig) (snapshot []byte, err error) {
	snapshot, err = os.ReadFile(m.confPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot live config: %w", err)
		}
		snapshot = nil
	}

	if err := m.writeAtomic(cfg.Rendered); err != nil {
		return nil, err
	}
	if err := m.reloader.Reload(ctx); err != nil {
		return snapshot, fmt.Errorf("reload after apply: %w", err)
	}

	m.logger.Info().
		Str("target", string(cfg.Target)).
		Int("port", cfg.Port).
		Msg("routing switched")
	return snapshot, nil
}

// Restore writes a snapshot back as the live config and reloads. Used
// only on the rollback path.
func (m *Manager) Restore(ctx context.Context, snapshot []byte) error {
	if snapshot == nil {
		return fmt.Errorf("restore routing: no snapshot retained")
	}
	if err := m.writeAtomic(snapshot); err != nil {
		return err
	}
	if err := m.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("reload after restore: %w", err)
	}
	m.logger.Info().Msg("routing restored from snapshot")
	return nil
}

// Live returns the current live config bytes.
func (m *Manager) Live() ([]byte, error) {
	return os.ReadFile(m.confPath)
}

// writeAtomic writes the config via a same-directory tempfile and rename
// so a crash never leaves a half-written live config.
func (m *Manager) writeAtomic(data []byte) error {
	dir := filepath.Dir(m.confPath)
	tmp, err := os.CreateTemp(dir, ".bluegreen-*.conf")
	if err != nil {
		return fmt.Errorf("write live config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write live config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write live config: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.confPath); err != nil {
		return fmt.Errorf("write live config: %w", err)
	}
	return nil
}
