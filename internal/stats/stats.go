// Package stats 将主机与容器的时序快照按时间分桶聚合（mean/median/max）。
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bob-yamong/policy-back/internal/storage"
)

const DefaultLookback = 24 * time.Hour

// scanBatch 为读取时间窗时每批的行数；窗口内的行全部参与聚合。
var scanBatch = storage.DefaultScanBatch

// CPUPoint 序列化为 {"time": ..., "cpu1": ..., "cpu2": ...}。
type CPUPoint struct {
	Time  time.Time
	Cores []float64
}

func (p CPUPoint) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"time":`)
	ts, err := json.Marshal(p.Time.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	buf.Write(ts)
	for i, v := range p.Cores {
		buf.WriteString(`,"cpu`)
		buf.WriteString(strconv.Itoa(i + 1))
		buf.WriteString(`":`)
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Core 返回第 n 个核心（从 1 开始）的聚合值。
func (p CPUPoint) Core(n int) (float64, bool) {
	if n < 1 || n > len(p.Cores) {
		return 0, false
	}
	return p.Cores[n-1], true
}

type NetworkPoint struct {
	Time       Timestamp `json:"time"`
	RecvDataMB float64   `json:"recv_data_mb"`
	SentDataMB float64   `json:"sent_data_mb"`
}

type ContainerCPUPoint struct {
	Time       Timestamp `json:"time"`
	CPUPercent float64   `json:"cpu_percent"`
}

type MemoryPoint struct {
	Time       Timestamp `json:"time"`
	MemUsageMB float64   `json:"mem_usage_mb"`
	MemPercent float64   `json:"mem_percent"`
}

type DiskPoint struct {
	Time         Timestamp `json:"time"`
	BlockReadMB  float64   `json:"block_read_mb"`
	BlockWriteMB float64   `json:"block_write_mb"`
}

// Timestamp 以 RFC3339（UTC）序列化桶起始时间。
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339))
}

func (t Timestamp) Time() time.Time { return time.Time(t) }

// HostStats 为主机聚合结果。内存与磁盘暂不聚合，始终为空数组。
type HostStats struct {
	CPU     []CPUPoint     `json:"cpu"`
	Network []NetworkPoint `json:"network"`
	Memory  []MemoryPoint  `json:"memory"`
	Disk    []DiskPoint    `json:"disk"`
}

type ContainerStats struct {
	CPU     []ContainerCPUPoint `json:"cpu"`
	Network []NetworkPoint      `json:"network"`
	Memory  []MemoryPoint       `json:"memory"`
	Disk    []DiskPoint         `json:"disk"`
}

type Service struct {
	store    *storage.Storage
	lookback time.Duration
	now      func() time.Time
}

func NewService(store *storage.Storage, lookback time.Duration, now func() time.Time) *Service {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, lookback: lookback, now: now}
}

// HostStats 聚合主机最近 lookback 时间窗内的 SystemInfo。
// 服务器不存在时返回 storage.ErrNotFound；窗口内无数据时返回空数组。
func (s *Service) HostStats(ctx context.Context, serverID uint64, unit Unit, agg Aggregator) (*HostStats, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	from := s.now().UTC().Add(-s.lookback)
	var rows []storage.SystemInfo
	err := s.store.ScanSystemInfo(ctx, serverID, storage.TimeRangeQuery{From: &from}, scanBatch, func(batch []storage.SystemInfo) error {
		rows = append(rows, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return AggregateHost(rows, unit, agg), nil
}

// ContainerStats 聚合容器最近 lookback 时间窗内的 ContainerSysInfo。
func (s *Service) ContainerStats(ctx context.Context, containerID uint64, unit Unit, agg Aggregator) (*ContainerStats, error) {
	if _, err := s.store.GetContainer(ctx, containerID); err != nil {
		return nil, err
	}
	from := s.now().UTC().Add(-s.lookback)
	var rows []storage.ContainerSysInfo
	err := s.store.ScanContainerSysInfo(ctx, containerID, storage.TimeRangeQuery{From: &from}, scanBatch, func(batch []storage.ContainerSysInfo) error {
		rows = append(rows, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return AggregateContainer(rows, unit, agg), nil
}

// AggregateHost 对已取出的行分桶聚合。
//
// 各行的核心数可能不同：按下标对齐，某行缺少的下标不参与该核心的聚合。
func AggregateHost(rows []storage.SystemInfo, unit Unit, agg Aggregator) *HostStats {
	out := &HostStats{
		CPU:     []CPUPoint{},
		Network: []NetworkPoint{},
		Memory:  []MemoryPoint{},
		Disk:    []DiskPoint{},
	}
	ts := func(r storage.SystemInfo) time.Time { return r.Timestamp }

	for _, b := range bucketize(rows, ts, unit) {
		width := 0
		for _, r := range b.rows {
			if len(r.CPUCoreUsage) > width {
				width = len(r.CPUCoreUsage)
			}
		}
		if width > 0 {
			point := CPUPoint{Time: b.start, Cores: make([]float64, width)}
			for i := 0; i < width; i++ {
				var values []float64
				for _, r := range b.rows {
					if i < len(r.CPUCoreUsage) {
						values = append(values, r.CPUCoreUsage[i])
					}
				}
				point.Cores[i] = agg.Reduce(values)
			}
			out.CPU = append(out.CPU, point)
		}

		out.Network = append(out.Network, NetworkPoint{
			Time:       Timestamp(b.start),
			RecvDataMB: reduceField(b.rows, agg, func(r storage.SystemInfo) float64 { return r.NetRecvDataMB }),
			SentDataMB: reduceField(b.rows, agg, func(r storage.SystemInfo) float64 { return r.NetSendDataMB }),
		})
	}
	return out
}

func AggregateContainer(rows []storage.ContainerSysInfo, unit Unit, agg Aggregator) *ContainerStats {
	out := &ContainerStats{
		CPU:     []ContainerCPUPoint{},
		Network: []NetworkPoint{},
		Memory:  []MemoryPoint{},
		Disk:    []DiskPoint{},
	}
	ts := func(r storage.ContainerSysInfo) time.Time { return r.Timestamp }

	for _, b := range bucketize(rows, ts, unit) {
		start := Timestamp(b.start)
		out.CPU = append(out.CPU, ContainerCPUPoint{
			Time:       start,
			CPUPercent: reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.CPUPercent }),
		})
		out.Network = append(out.Network, NetworkPoint{
			Time:       start,
			RecvDataMB: reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.NetRecvDataMB }),
			SentDataMB: reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.NetSendDataMB }),
		})
		out.Memory = append(out.Memory, MemoryPoint{
			Time:       start,
			MemUsageMB: reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.MemUsageMB }),
			MemPercent: reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.MemPercent }),
		})
		out.Disk = append(out.Disk, DiskPoint{
			Time:         start,
			BlockReadMB:  reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.BlockReadMB }),
			BlockWriteMB: reduceField(b.rows, agg, func(r storage.ContainerSysInfo) float64 { return r.BlockWriteMB }),
		})
	}
	return out
}
