package hardware

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var log = logging.Logger("cpumanager")

// CPUManager enumerates the CPUs admitted by the process affinity mask,
// assigns dense virtual ids, and runs one bound worker thread per CPU.
type CPUManager struct {
	cpus      []*CPU
	numaCount int

	sysToVirtual map[int]int

	idle *idleBitset

	wg      sync.WaitGroup
	closing chan struct{}
}

// Preinitialize queries the scheduling affinity mask of this process
// and builds the admitted CPU list. Called before worker startup.
func Preinitialize() (*CPUManager, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, xerrors.Errorf("querying process affinity mask: %w", err)
	}

	mgr := &CPUManager{
		sysToVirtual: map[int]int{},
		closing:      make(chan struct{}),
	}

	maxNuma := 0
	for sys := 0; sys < runtime.NumCPU()*2; sys++ {
		if !set.IsSet(sys) {
			continue
		}
		numa := numaNodeOf(sys)
		if numa > maxNuma {
			maxNuma = numa
		}
		virtual := len(mgr.cpus)
		mgr.sysToVirtual[sys] = virtual
		mgr.cpus = append(mgr.cpus, newCPU(sys, virtual, numa))
	}

	if len(mgr.cpus) == 0 {
		return nil, xerrors.New("affinity mask admits no CPUs")
	}

	mgr.numaCount = maxNuma + 1
	mgr.idle = newIdleBitset(len(mgr.cpus))

	log.Infow("admitted cpus", "count", len(mgr.cpus), "numa", mgr.numaCount, "mask", mgr.MaskRegionList())
	return mgr, nil
}

// numaNodeOf reads the NUMA node of a system CPU from sysfs. Probing
// failures are not fatal; such CPUs land on node 0.
func numaNodeOf(sysCPU int) int {
	base := fmt.Sprintf("/sys/devices/system/cpu/cpu%d", sysCPU)
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "node") {
			if n, err := strconv.Atoi(name[len("node"):]); err == nil {
				return n
			}
		}
	}
	return 0
}

// Initialize spawns one worker goroutine per admitted CPU, each locked
// to an OS thread bound to its CPU, running body until Shutdown.
func (m *CPUManager) Initialize(body func(cpu *CPU)) {
	for _, cpu := range m.cpus {
		cpu := cpu
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			var set unix.CPUSet
			set.Set(cpu.SystemID)
			if err := unix.SchedSetaffinity(0, &set); err != nil {
				log.Warnw("binding worker to cpu failed", "cpu", cpu.SystemID, "error", err)
			}

			body(cpu)
		}()
	}
}

// Shutdown wakes every worker and waits for the pool to drain. The
// worker body observes Closing and returns.
func (m *CPUManager) Shutdown() {
	close(m.closing)
	for _, cpu := range m.cpus {
		cpu.Wake()
	}
	m.wg.Wait()
}

func (m *CPUManager) Closing() <-chan struct{} {
	return m.closing
}

func (m *CPUManager) TotalCPUs() int {
	return len(m.cpus)
}

func (m *CPUManager) NUMANodeCount() int {
	return m.numaCount
}

func (m *CPUManager) CPU(virtualID int) *CPU {
	return m.cpus[virtualID]
}

func (m *CPUManager) CPUs() []*CPU {
	return m.cpus
}

// MarkIdle records that the worker on cpu found nothing to run.
func (m *CPUManager) MarkIdle(cpu *CPU) {
	m.idle.setIdle(cpu.VirtualID)
}

// WakeOne picks an idle CPU, clears its bit and signals it. Returns
// false when every worker is busy.
func (m *CPUManager) WakeOne() bool {
	id := m.idle.takeAnyIdle()
	if id < 0 {
		return false
	}
	m.cpus[id].Wake()
	return true
}

// Unidle clears the idle bit for cpu, reporting whether it was set.
func (m *CPUManager) Unidle(cpu *CPU) bool {
	return m.idle.clearIdle(cpu.VirtualID)
}

func (m *CPUManager) IdleCount() int {
	return m.idle.idleCount()
}

// MaskRegionList formats the admitted system CPU ids as a compact
// region list, e.g. "0-3,6,8-11".
func (m *CPUManager) MaskRegionList() string {
	var sb strings.Builder
	start, end := -1, -1
	flush := func() {
		if start < 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if start == end {
			fmt.Fprintf(&sb, "%d", start)
		} else {
			fmt.Fprintf(&sb, "%d-%d", start, end)
		}
	}
	for _, cpu := range m.cpus {
		if start >= 0 && cpu.SystemID == end+1 {
			end = cpu.SystemID
			continue
		}
		flush()
		start, end = cpu.SystemID, cpu.SystemID
	}
	flush()
	return sb.String()
}
