package deploy

import (
	"context"
	"fmt"

	"github.com/edvin/bluegreen/internal/model"
)

// Resolve inspects the runtime and determines which of the two fixed
// environments is currently serving traffic. The other one becomes the
// deployment target. It has no side effects.
//
// Exactly one running environment is required; zero or two is an
// AmbiguousStateError and needs an operator.
func (o *Orchestrator) Resolve(ctx context.Context) (active, target model.Environment, err error) {
	nameA := o.containerName(model.LabelA)
	nameB := o.containerName(model.LabelB)

	states, err := o.dep.List(ctx, nameA, nameB)
	if err != nil {
		return active, target, fmt.Errorf("inspect environments: %w", err)
	}

	var running []string
	runningByName := make(map[string]bool, 2)
	for _, s := range states {
		if s.Running {
			running = append(running, s.Name)
			runningByName[s.Name] = true
		}
	}
	if len(running) != 1 {
		return active, target, &AmbiguousStateError{Running: running}
	}

	activeLabel := model.LabelA
	if runningByName[nameB] {
		activeLabel = model.LabelB
	}
	targetLabel := activeLabel.Other()

	active = model.Environment{
		Label:         activeLabel,
		ContainerName: o.containerName(activeLabel),
		Port:          o.cfg.PortFor(string(activeLabel)),
		Role:          model.RoleActive,
	}
	target = model.Environment{
		Label:         targetLabel,
		ContainerName: o.containerName(targetLabel),
		Port:          o.cfg.PortFor(string(targetLabel)),
		Role:          model.RoleTarget,
	}
	return active, target, nil
}

func (o *Orchestrator) containerName(label model.Label) string {
	return o.cfg.ServiceName + "-" + string(label)
}
