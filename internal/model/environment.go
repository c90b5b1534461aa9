package model

import "fmt"

// Label identifies one of the two fixed blue/green environments.
type Label string

const (
	LabelA Label = "a"
	LabelB Label = "b"
)

// Other returns the opposite environment label.
func (l Label) Other() Label {
	if l == LabelA {
		return LabelB
	}
	return LabelA
}

// Valid reports whether the label is one of the two known values.
func (l Label) Valid() bool {
	return l == LabelA || l == LabelB
}

// Environment roles. Exactly one environment holds RoleActive at steady
// state; the routing layer always points at it.
const (
	RoleActive  = "active"
	RoleStandby = "standby"
	RoleTarget  = "target"
)

// Environment is one of the two named runtime slots. The container behind
// it is created and destroyed, never mutated in place.
type Environment struct {
	Label         Label  `json:"label"`
	ContainerName string `json:"container_name"`
	Port          int    `json:"port"`
	Role          string `json:"role"`
}

// HealthState is a single pass/fail observation of a target at a point in
// time. It carries no ownership; it is consumed and discarded.
type HealthState struct {
	Pass       bool   `json:"pass"`
	StatusCode int    `json:"status_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (h HealthState) String() string {
	if h.Pass {
		return fmt.Sprintf("pass (HTTP %d)", h.StatusCode)
	}
	if h.Detail != "" {
		return fmt.Sprintf("fail (%s)", h.Detail)
	}
	return fmt.Sprintf("fail (HTTP %d)", h.StatusCode)
}
