package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
)

const bytesPerMB = 1024 * 1024

// Sample 为单个容器的一次资源采样，单位与心跳载荷一致（MB/百分比）。
type Sample struct {
	CPUPercent    float64
	MemUsageMB    float64
	MemLimitMB    float64
	MemPercent    float64
	NetRecvDataMB float64
	NetSendDataMB float64
	BlockReadMB   float64
	BlockWriteMB  float64
	ProcCount     uint64
}

// StatsOnce 读取容器的一次性 stats（不保持流式连接）。
func StatsOnce(ctx context.Context, containerID string) (Sample, error) {
	cli, err := GetClient()
	if err != nil {
		return Sample{}, err
	}

	resp, err := cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get stats for container %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Sample{}, fmt.Errorf("decode stats for container %s: %w", containerID, err)
	}
	return SampleFromStats(stats), nil
}

// SampleFromStats 将 Docker stats 换算为心跳使用的指标。
func SampleFromStats(stats container.StatsResponse) Sample {
	memUsage := float64(stats.MemoryStats.Usage)
	memLimit := float64(stats.MemoryStats.Limit)
	memPercent := 0.0
	if memLimit > 0 {
		memPercent = (memUsage / memLimit) * 100.0
	}

	var netRx, netTx uint64
	for _, nw := range stats.Networks {
		netRx += nw.RxBytes
		netTx += nw.TxBytes
	}

	var blkRead, blkWrite uint64
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			blkRead += entry.Value
		case "write":
			blkWrite += entry.Value
		}
	}

	return Sample{
		CPUPercent:    calculateCPUPercent(stats),
		MemUsageMB:    memUsage / bytesPerMB,
		MemLimitMB:    memLimit / bytesPerMB,
		MemPercent:    memPercent,
		NetRecvDataMB: float64(netRx) / bytesPerMB,
		NetSendDataMB: float64(netTx) / bytesPerMB,
		BlockReadMB:   float64(blkRead) / bytesPerMB,
		BlockWriteMB:  float64(blkWrite) / bytesPerMB,
		ProcCount:     stats.PidsStats.Current,
	}
}

func calculateCPUPercent(stats container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs <= 0 {
		if n := len(stats.CPUStats.CPUUsage.PercpuUsage); n > 0 {
			onlineCPUs = float64(n)
		} else {
			onlineCPUs = 1
		}
	}
	return (cpuDelta / systemDelta) * onlineCPUs * 100.0
}
