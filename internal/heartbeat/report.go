package heartbeat

import (
	"fmt"
	"math"
	"time"
)

const (
	maxUUIDLen      = 64
	maxRequestIDLen = 64
	maxNameLen      = 255
)

// Report 为 Agent 上报的一次心跳快照。
type Report struct {
	// UUID 为主机稳定标识。
	UUID string `json:"uuid"`
	// RequestID 为可选的幂等键；同一 RequestID 的重试只处理一次。
	RequestID string `json:"request_id,omitempty"`
	// Timestamp 为 Agent 采样时间；为空时使用服务端时间。
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// Endpoint 为 Agent 的回调地址，供后续策略下发使用。
	Endpoint   string            `json:"endpoint"`
	Host       *HostMetrics      `json:"host"`
	Containers []ContainerReport `json:"containers"`
}

// HostMetrics 为主机级资源快照。
type HostMetrics struct {
	CPUUsage      float64   `json:"cpu_usage"`
	CPUCoreUsage  []float64 `json:"cpu_core_usage"`
	MemTotalMB    float64   `json:"mem_total_mb"`
	MemUsedMB     float64   `json:"mem_used_mb"`
	MemPercent    float64   `json:"mem_percent"`
	DiskTotalGB   float64   `json:"disk_total_gb"`
	DiskUsedGB    float64   `json:"disk_used_gb"`
	DiskPercent   float64   `json:"disk_percent"`
	NetRecvDataMB float64   `json:"net_recv_data_mb"`
	NetSendDataMB float64   `json:"net_send_data_mb"`
}

// ContainerReport 为一个被观察到的容器。
//
// Namespace 为空表示 Agent 本次未能读取 OS 层身份，服务端沿用最近一次的身份；
// Stats 为空表示本次没有采样，不写 ContainerSysInfo。
type ContainerReport struct {
	Name      string          `json:"name"`
	Runtime   string          `json:"runtime"`
	CgroupID  uint64          `json:"cgroup_id"`
	Namespace *Namespace      `json:"namespace,omitempty"`
	Stats     *ContainerStats `json:"stats,omitempty"`
}

type Namespace struct {
	Pid uint64 `json:"pid"`
	Mnt uint64 `json:"mnt"`
}

type ContainerStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsageMB    float64 `json:"mem_usage_mb"`
	MemLimitMB    float64 `json:"mem_limit_mb"`
	MemPercent    float64 `json:"mem_percent"`
	NetRecvDataMB float64 `json:"net_recv_data_mb"`
	NetSendDataMB float64 `json:"net_send_data_mb"`
	BlockReadMB   float64 `json:"block_read_mb"`
	BlockWriteMB  float64 `json:"block_write_mb"`
	ProcCount     uint64  `json:"proc_count"`
}

// ValidationError 表示心跳载荷不合法，在进入对账逻辑之前被拒绝。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid heartbeat: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate 检查必填字段与取值范围。
func (r *Report) Validate() error {
	if r == nil {
		return invalid("report", "is required")
	}
	if r.UUID == "" {
		return invalid("uuid", "is required")
	}
	if len(r.UUID) > maxUUIDLen {
		return invalid("uuid", "must be at most %d characters", maxUUIDLen)
	}
	if len(r.RequestID) > maxRequestIDLen {
		return invalid("request_id", "must be at most %d characters", maxRequestIDLen)
	}
	if len(r.Endpoint) > maxNameLen {
		return invalid("endpoint", "must be at most %d characters", maxNameLen)
	}
	if r.Timestamp != nil && r.Timestamp.IsZero() {
		return invalid("timestamp", "must not be zero")
	}
	if r.Host == nil {
		return invalid("host", "is required")
	}
	if err := r.Host.validate(); err != nil {
		return err
	}

	seen := make(map[string]int, len(r.Containers))
	for i, c := range r.Containers {
		field := fmt.Sprintf("containers[%d]", i)
		if c.Name == "" {
			return invalid(field+".name", "is required")
		}
		if len(c.Name) > maxNameLen {
			return invalid(field+".name", "must be at most %d characters", maxNameLen)
		}
		if prev, ok := seen[c.Name]; ok {
			return invalid(field+".name", "duplicates containers[%d]", prev)
		}
		seen[c.Name] = i
		if c.Runtime == "" {
			return invalid(field+".runtime", "is required")
		}
		if c.Namespace == nil && c.CgroupID != 0 {
			return invalid(field+".namespace", "is required when cgroup_id is set")
		}
		if c.Stats != nil {
			if err := c.Stats.validate(field + ".stats"); err != nil {
				return err
			}
		}
	}
	return nil
}

// numberField 按声明顺序校验，多个字段非法时总是报告第一个。
type numberField struct {
	name  string
	value float64
}

func checkNumbers(prefix string, fields []numberField) error {
	for _, f := range fields {
		if !validNumber(f.value) {
			return invalid(prefix+f.name, "must be a non-negative number")
		}
	}
	return nil
}

func (h *HostMetrics) validate() error {
	if err := checkNumbers("host.", []numberField{
		{"cpu_usage", h.CPUUsage},
		{"mem_total_mb", h.MemTotalMB},
		{"mem_used_mb", h.MemUsedMB},
		{"mem_percent", h.MemPercent},
		{"disk_total_gb", h.DiskTotalGB},
		{"disk_used_gb", h.DiskUsedGB},
		{"disk_percent", h.DiskPercent},
		{"net_recv_data_mb", h.NetRecvDataMB},
		{"net_send_data_mb", h.NetSendDataMB},
	}); err != nil {
		return err
	}
	for i, v := range h.CPUCoreUsage {
		if !validNumber(v) {
			return invalid(fmt.Sprintf("host.cpu_core_usage[%d]", i), "must be a non-negative number")
		}
	}
	return nil
}

func (s *ContainerStats) validate(prefix string) error {
	return checkNumbers(prefix+".", []numberField{
		{"cpu_percent", s.CPUPercent},
		{"mem_usage_mb", s.MemUsageMB},
		{"mem_limit_mb", s.MemLimitMB},
		{"mem_percent", s.MemPercent},
		{"net_recv_data_mb", s.NetRecvDataMB},
		{"net_send_data_mb", s.NetSendDataMB},
		{"block_read_mb", s.BlockReadMB},
		{"block_write_mb", s.BlockWriteMB},
	})
}

func validNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
