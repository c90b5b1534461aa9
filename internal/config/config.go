package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds the deployment orchestrator configuration. Everything is
// supplied via environment variables; the artifact tag comes from the CLI.
type Config struct {
	ServiceName string `validate:"required,hostname_rfc1123"`
	Region      string
	// RegistryHost is the image registry address, e.g.
	// 123456789.dkr.ecr.eu-west-1.amazonaws.com.
	RegistryHost string `validate:"required"`
	// ImageRepo is the repository name within the registry.
	ImageRepo string `validate:"required"`

	// Passed into the launched container environment.
	TrackingURI      string
	TrackingUser     string
	TrackingPassword string

	TopicARN   string
	DiagBucket string

	PortA         int `validate:"required,min=1,max=65535"`
	PortB         int `validate:"required,min=1,max=65535,nefield=PortA"`
	ContainerPort int `validate:"required,min=1,max=65535"`
	// ListenPort is the reverse-proxy front port, i.e. the live traffic
	// path probed after the switch.
	ListenPort int `validate:"required,min=1,max=65535"`

	NginxConfPath string `validate:"required"`
	NginxBin      string `validate:"required"`

	HealthAttempts  int           `validate:"min=1"`
	HealthInterval  time.Duration `validate:"min=1s"`
	WarmupDelay     time.Duration
	ConfirmAttempts int           `validate:"min=1"`
	SoakPeriod      time.Duration
	DeployTimeout   time.Duration `validate:"min=1m"`

	LogLevel string
}

// Overlay is the optional per-environment YAML file carrying runtime
// configuration the env surface cannot express (volume binds, extra env).
type Overlay struct {
	Env     map[string]string `yaml:"env"`
	Volumes []string          `yaml:"volumes"`
}

// Load builds the config from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:      getEnv("DEPLOY_SERVICE", "inference"),
		Region:           getEnv("AWS_REGION", ""),
		RegistryHost:     getEnv("DEPLOY_REGISTRY", ""),
		ImageRepo:        getEnv("DEPLOY_IMAGE", ""),
		TrackingURI:      getEnv("MLFLOW_TRACKING_URI", ""),
		TrackingUser:     getEnv("MLFLOW_TRACKING_USERNAME", ""),
		TrackingPassword: getEnv("MLFLOW_TRACKING_PASSWORD", ""),
		TopicARN:         getEnv("DEPLOY_TOPIC_ARN", ""),
		DiagBucket:       getEnv("DEPLOY_DIAG_BUCKET", ""),
		NginxConfPath:    getEnv("NGINX_CONF_PATH", "/etc/nginx/nginx.conf"),
		NginxBin:         getEnv("NGINX_BIN", "nginx"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PortA, err = getEnvInt("DEPLOY_PORT_A", 9001); err != nil {
		return nil, err
	}
	if cfg.PortB, err = getEnvInt("DEPLOY_PORT_B", 9002); err != nil {
		return nil, err
	}
	if cfg.ContainerPort, err = getEnvInt("DEPLOY_CONTAINER_PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.ListenPort, err = getEnvInt("DEPLOY_LISTEN_PORT", 80); err != nil {
		return nil, err
	}
	if cfg.HealthAttempts, err = getEnvInt("DEPLOY_HEALTH_ATTEMPTS", 20); err != nil {
		return nil, err
	}
	if cfg.ConfirmAttempts, err = getEnvInt("DEPLOY_CONFIRM_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.HealthInterval, err = getEnvDuration("DEPLOY_HEALTH_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.WarmupDelay, err = getEnvDuration("DEPLOY_WARMUP", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SoakPeriod, err = getEnvDuration("DEPLOY_SOAK", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeployTimeout, err = getEnvDuration("DEPLOY_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadOverlay reads the optional per-environment YAML overlay. An empty
// path yields an empty overlay.
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return &Overlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay file: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse overlay file %s: %w", path, err)
	}
	return &o, nil
}

// PortFor returns the host port assigned to an environment label.
func (c *Config) PortFor(label string) int {
	if label == "b" {
		return c.PortB
	}
	return c.PortA
}

// ImageRef builds the full registry reference for a tag.
func (c *Config) ImageRef(tag string) string {
	return c.RegistryHost + "/" + c.ImageRepo + ":" + tag
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
