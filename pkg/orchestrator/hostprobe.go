package orchestrator

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/justnews/fabric/pkg/apierr"
)

// HostMemoryProbe is the DeviceProbe fallback used when no NVML binding
// is configured (spec §4.3.2, §9 Open Question): it reports host RAM
// headroom as a best-effort stand-in for GPU VRAM. It is deliberately
// coarse — it does not distinguish GPU indices — and exists so that
// ORCH_ALLOW_UNPROBED_GPU=false deployments still get *some* signal
// instead of an unconditional headroom_unknown.
type HostMemoryProbe struct{}

func NewHostMemoryProbe() *HostMemoryProbe {
	return &HostMemoryProbe{}
}

func (HostMemoryProbe) FreeMemoryMB(ctx context.Context, gpuIndex int) (int64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, apierr.Wrap("orchestrator.host_memory_probe", apierr.KindTransientInfra, err, "failed to read host memory stats")
	}
	return int64(vm.Available / (1024 * 1024)), nil
}
