package model

// DeploymentRequest describes one deployment invocation. It is immutable
// once accepted by the orchestrator.
type DeploymentRequest struct {
	RunID    string            `json:"run_id"`
	Tag      string            `json:"tag"`
	ImageRef string            `json:"image_ref"`
	Env      map[string]string `json:"env,omitempty"`
	Volumes  []string          `json:"volumes,omitempty"`
}

// RoutingConfig is a rendered reverse-proxy configuration addressed at one
// environment. Exactly one version is live at a time; the prior version is
// retained as a rollback snapshot until the deployment is confirmed stable.
type RoutingConfig struct {
	Target   Label  `json:"target"`
	Port     int    `json:"port"`
	Rendered []byte `json:"-"`
}

// DeploymentOutcome is the terminal record of a run. It is created exactly
// once and handed to the notifier; persistence is not the orchestrator's
// concern.
type DeploymentOutcome struct {
	RunID       string `json:"run_id"`
	Success     bool   `json:"success"`
	ActiveAfter Label  `json:"active_after"`
	Tag         string `json:"tag"`
	Reason      string `json:"reason,omitempty"`
}
