// Package probe implements the worker-side Resource Probe (spec §4.8):
// periodic CPU/RAM/disk/network sampling into a ResourceSnapshot,
// tolerating partial failure by omitting whichever subsection could not
// be read rather than zero-filling it. Grounded on
// gsoultan-Hermod's worker heartbeat sampler (shirou/gopsutil/v3
// cpu.Percent + mem.VirtualMemory) and teranos-QNTX's per-OS gopsutil
// memory sampler, extended with disk and network subsections this spec
// additionally requires.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/types"
)

// minNetworkInterval is the minimum spacing between network samples
// before a rate can be computed by differencing cumulative counters
// (spec §4.8).
const minNetworkInterval = time.Second

// Probe samples host resource usage. diskPath names the filesystem
// mount to report disk usage for (typically "/").
type Probe struct {
	diskPath string
	logger   zerolog.Logger

	mu            sync.Mutex
	lastCounters  *net.IOCountersStat
	lastSampledAt time.Time
}

// New constructs a Probe reporting disk usage for diskPath.
func New(diskPath string, logger zerolog.Logger) *Probe {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Probe{diskPath: diskPath, logger: logger}
}

// Sample takes one reading. Any subsection that fails to collect is
// omitted from the result rather than zero-filled (spec §4.8).
func (p *Probe) Sample(ctx context.Context) *types.ResourceSnapshot {
	snap := &types.ResourceSnapshot{Timestamp: time.Now()}

	if c := p.sampleCPU(ctx); c != nil {
		snap.CPU = c
		metrics.ProbeCPUUsagePercent.Set(c.UsagePercent)
	}
	if r := p.sampleRAM(ctx); r != nil {
		snap.RAM = r
		metrics.ProbeRAMUsagePercent.Set(r.UsagePercent)
	}
	if d := p.sampleDisk(ctx); d != nil {
		snap.Disk = d
		metrics.ProbeDiskUsagePercent.Set(d.UsagePercent)
	}
	if n := p.sampleNetwork(ctx); n != nil {
		snap.Network = n
	}

	return snap
}

func (p *Probe) sampleCPU(ctx context.Context) *types.CPUSnapshot {
	overall, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(overall) == 0 {
		p.logger.Debug().Err(err).Msg("probe: cpu overall sample failed")
		return nil
	}
	perCore, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		p.logger.Debug().Err(err).Msg("probe: cpu per-core sample failed")
		perCore = nil
	}
	return &types.CPUSnapshot{UsagePercent: overall[0], PerCore: perCore}
}

func (p *Probe) sampleRAM(ctx context.Context) *types.RAMSnapshot {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("probe: ram sample failed")
		return nil
	}
	const bytesPerGB = 1e9
	return &types.RAMSnapshot{
		TotalGB:      float64(v.Total) / bytesPerGB,
		UsedGB:       float64(v.Used) / bytesPerGB,
		UsagePercent: v.UsedPercent,
	}
}

func (p *Probe) sampleDisk(ctx context.Context) *types.DiskSnapshot {
	u, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		p.logger.Debug().Err(err).Str("path", p.diskPath).Msg("probe: disk sample failed")
		return nil
	}
	const bytesPerGB = 1e9
	return &types.DiskSnapshot{
		TotalGB:      float64(u.Total) / bytesPerGB,
		UsedGB:       float64(u.Used) / bytesPerGB,
		UsagePercent: u.UsedPercent,
	}
}

// sampleNetwork differences this sample's cumulative counters against
// the prior sample, requiring at least minNetworkInterval between them
// (spec §4.8); the first call after startup has no prior sample and
// therefore omits the subsection.
func (p *Probe) sampleNetwork(ctx context.Context) *types.NetworkSnapshot {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		p.logger.Debug().Err(err).Msg("probe: network sample failed")
		return nil
	}
	now := time.Now()
	current := counters[0]

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, prevAt := p.lastCounters, p.lastSampledAt
	p.lastCounters, p.lastSampledAt = &current, now

	if prev == nil {
		return nil
	}
	elapsed := now.Sub(prevAt)
	if elapsed < minNetworkInterval {
		return nil
	}

	seconds := elapsed.Seconds()
	return &types.NetworkSnapshot{
		RxBytesPerSec: float64(current.BytesRecv-prev.BytesRecv) / seconds,
		TxBytesPerSec: float64(current.BytesSent-prev.BytesSent) / seconds,
	}
}
