// Package config is the agentserver.ConfigurationManager implementation:
// the agent's one dynamic runtime knob (spec.md §6, §9). Unlike
// AgentSettings, which is read once at startup, EnableProgressiveRetryBackoff
// is re-read on every call so an operator can flip it without restarting the
// agent.
package config

import (
	"os"
	"strconv"
)

const progressiveBackoffEnvVar = "DISTBUILD_AGENT_PROGRESSIVE_BACKOFF"

// Manager is an environment-backed ConfigurationManager. It holds no cached
// state: every call re-reads the environment, matching the "dynamic query,
// not a constant" requirement of spec.md §9.
type Manager struct{}

// New creates a Manager.
func New() *Manager { return &Manager{} }

// EnableProgressiveRetryBackoff reports whether DISTBUILD_AGENT_PROGRESSIVE_BACKOFF
// is set to a truthy value. Unset or unparsable defaults to false (the
// legacy backoff policy of spec.md §3).
func (m *Manager) EnableProgressiveRetryBackoff() bool {
	v, ok := os.LookupEnv(progressiveBackoffEnvVar)
	if !ok {
		return false
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return enabled
}
