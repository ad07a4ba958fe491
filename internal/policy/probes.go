package policy

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// ServiceHealthFunc answers whether a named service is currently healthy.
// The container layer provides the production implementation.
type ServiceHealthFunc func(ctx context.Context, service string) (bool, error)

// SystemProbes reads disk and memory pressure from the host and delegates
// service health to the container layer.
type SystemProbes struct {
	serviceHealth ServiceHealthFunc
}

// NewSystemProbes wires host probes with a service health source.
func NewSystemProbes(serviceHealth ServiceHealthFunc) *SystemProbes {
	return &SystemProbes{serviceHealth: serviceHealth}
}

func (p *SystemProbes) DiskUsagePercent(path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return usage.UsedPercent, nil
}

func (p *SystemProbes) MemoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return vm.UsedPercent, nil
}

func (p *SystemProbes) ServiceHealthy(ctx context.Context, service string) (bool, error) {
	if p.serviceHealth == nil {
		return false, fmt.Errorf("no service health source configured")
	}
	return p.serviceHealth(ctx, service)
}
