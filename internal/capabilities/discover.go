// Package capabilities discovers what this host can offer, for inclusion in
// the SessionDescriptor sent by CreateSession (spec.md §3, §9). The
// connection manager this agent is descended from left host-metrics
// collection as a stub pending gopsutil; this package finishes that.
package capabilities

import (
	"context"
	"fmt"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/distbuild/agent/internal/agentserver"
)

// Manager is the gopsutil-backed agentserver.CapabilitiesManager.
type Manager struct{}

// New creates a Manager. It holds no state; every Discover call re-reads the
// host.
func New() *Manager { return &Manager{} }

// Discover reports the host's architecture, CPU count, total memory, and
// platform identity as string-valued capabilities, matching the "opaque
// key/value map" shape spec.md §3 describes for Capabilities. Discovery
// errors are non-fatal: a capability gopsutil could not read is simply
// omitted rather than failing CreateSession over it.
func (m *Manager) Discover(ctx context.Context) agentserver.Capabilities {
	caps := agentserver.Capabilities{
		"Agent.OS":   runtime.GOOS,
		"Agent.Arch": runtime.GOARCH,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps["Agent.ProcessorCount"] = strconv.Itoa(n)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps["Agent.TotalMemoryBytes"] = strconv.FormatUint(vm.Total, 10)
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		caps["Agent.PlatformFamily"] = info.PlatformFamily
		caps["Agent.PlatformVersion"] = info.PlatformVersion
		caps["Agent.KernelVersion"] = info.KernelVersion
		caps["Agent.HostName"] = info.Hostname
		caps["Agent.Uptime"] = fmt.Sprintf("%ds", info.Uptime)
	}

	return caps
}
