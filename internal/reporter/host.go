package reporter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/bob-yamong/policy-back/internal/heartbeat"
)

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)

type cpuTimes struct {
	busy  float64
	total float64
}

func timesOf(c procfs.CPUStat) cpuTimes {
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	return cpuTimes{busy: total - idle, total: total}
}

func usage(prev, cur cpuTimes) float64 {
	dt := cur.total - prev.total
	if dt <= 0 {
		return 0
	}
	v := (cur.busy - prev.busy) / dt * 100
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// HostCollector 从 /proc 与 statfs 读取主机指标。
// CPU 使用率与网络流量取两次采样之间的差值，首次采样以开机以来的累计值为基准。
type HostCollector struct {
	fs       procfs.FS
	diskPath string

	mu      sync.Mutex
	prevAll cpuTimes
	prevCPU map[int]cpuTimes
	prevRx  uint64
	prevTx  uint64
	primed  bool
}

func NewHostCollector(procRoot, diskPath string) (*HostCollector, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	if diskPath == "" {
		diskPath = "/"
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	return &HostCollector{fs: fs, diskPath: diskPath, prevCPU: map[int]cpuTimes{}}, nil
}

func (h *HostCollector) Collect() (heartbeat.HostMetrics, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out heartbeat.HostMetrics

	st, err := h.fs.Stat()
	if err != nil {
		return out, fmt.Errorf("read /proc/stat: %w", err)
	}
	all := timesOf(st.CPUTotal)
	out.CPUUsage = usage(h.prevAll, all)
	h.prevAll = all

	cores := make(map[int]cpuTimes, len(st.CPU))
	indexes := make([]int, 0, len(st.CPU))
	for i, c := range st.CPU {
		cores[int(i)] = timesOf(c)
		indexes = append(indexes, int(i))
	}
	sort.Ints(indexes)
	out.CPUCoreUsage = make([]float64, 0, len(indexes))
	for _, i := range indexes {
		out.CPUCoreUsage = append(out.CPUCoreUsage, usage(h.prevCPU[i], cores[i]))
	}
	h.prevCPU = cores

	mem, err := h.fs.Meminfo()
	if err != nil {
		return out, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if mem.MemTotal != nil {
		totalKB := float64(*mem.MemTotal)
		availKB := totalKB
		switch {
		case mem.MemAvailable != nil:
			availKB = float64(*mem.MemAvailable)
		case mem.MemFree != nil:
			availKB = float64(*mem.MemFree)
		}
		out.MemTotalMB = totalKB / 1024
		out.MemUsedMB = (totalKB - availKB) / 1024
		if totalKB > 0 {
			out.MemPercent = (totalKB - availKB) / totalKB * 100
		}
	}

	dev, err := h.fs.NetDev()
	if err != nil {
		return out, fmt.Errorf("read /proc/net/dev: %w", err)
	}
	var rx, tx uint64
	for name, line := range dev {
		if name == "lo" || strings.HasPrefix(name, "veth") {
			continue
		}
		rx += line.RxBytes
		tx += line.TxBytes
	}
	if h.primed && rx >= h.prevRx && tx >= h.prevTx {
		out.NetRecvDataMB = float64(rx-h.prevRx) / bytesPerMB
		out.NetSendDataMB = float64(tx-h.prevTx) / bytesPerMB
	}
	h.prevRx, h.prevTx = rx, tx

	var sfs unix.Statfs_t
	if err := unix.Statfs(h.diskPath, &sfs); err != nil {
		return out, fmt.Errorf("statfs %s: %w", h.diskPath, err)
	}
	bsize := float64(sfs.Bsize)
	total := float64(sfs.Blocks) * bsize
	free := float64(sfs.Bfree) * bsize
	out.DiskTotalGB = total / bytesPerGB
	out.DiskUsedGB = (total - free) / bytesPerGB
	if total > 0 {
		out.DiskPercent = (total - free) / total * 100
	}

	h.primed = true
	return out, nil
}
