package storage

import (
	"time"

	"gorm.io/datatypes"
)

// Server 表示一台运行监控 Agent 的容器宿主机。
//
// UUID 是 Agent 上报的稳定主机标识；首次收到未知 UUID 的心跳时自动创建，
// 名称默认等于 UUID，之后只允许改名，心跳路径永远不会删除 Server。
type Server struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey" json:"id"`
	// UUID 为主机稳定标识，全局唯一。
	UUID string `gorm:"size:64;not null;uniqueIndex" json:"uuid"`
	// Name 为展示名称，默认与 UUID 相同。
	Name string `gorm:"size:255;not null" json:"name"`
	// CreatedAt 为首次登记时间。
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}

// Container 表示宿主机上的一个“逻辑容器”。
//
// (HostServerID, Name) 是逻辑身份：容器被运行时重启后 OS 层身份会变化，但名称不变。
// RemovedAt 由心跳驱动：宿主机最近一次心跳未上报该容器时被置位。
type Container struct {
	ID uint64 `gorm:"primaryKey" json:"id"`
	// HostServerID 指向所属 Server，与 Name 组成唯一索引。
	HostServerID uint64  `gorm:"not null;uniqueIndex:idx_containers_host_name,priority:1" json:"host_server"`
	HostServer   *Server `gorm:"foreignKey:HostServerID" json:"-"`
	// Name 为容器名称（逻辑身份）。
	Name string `gorm:"size:255;not null;uniqueIndex:idx_containers_host_name,priority:2" json:"name"`
	// Runtime 为容器运行时（docker/containerd/...）。
	Runtime   string     `gorm:"size:100;not null" json:"runtime"`
	CreatedAt time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	RemovedAt *time.Time `gorm:"index" json:"removed_at"`

	Tags []Tag `gorm:"many2many:container_tags;" json:"tags,omitempty"`
}

// InternalContainerID 记录逻辑容器的一个 OS 层身份周期（pid/mnt namespace + cgroup）。
//
// 同一容器会随重启产生多条记录，RegTime 最新的一条为当前身份。
type InternalContainerID struct {
	ID          uint64     `gorm:"primaryKey" json:"id"`
	ContainerID uint64     `gorm:"not null;uniqueIndex:idx_internal_ids_tuple,priority:1;index:idx_internal_ids_container_time,priority:1" json:"container_id"`
	Container   *Container `gorm:"foreignKey:ContainerID" json:"-"`
	PidID       uint64     `gorm:"not null;uniqueIndex:idx_internal_ids_tuple,priority:2" json:"pid_id"`
	MntID       uint64     `gorm:"not null;uniqueIndex:idx_internal_ids_tuple,priority:3" json:"mnt_id"`
	CgroupID    uint64     `gorm:"not null;uniqueIndex:idx_internal_ids_tuple,priority:4" json:"cgroup_id"`
	// RegTime 为该身份最近一次被确认为“当前身份”的时间。
	RegTime time.Time `gorm:"not null;index:idx_internal_ids_container_time,priority:2" json:"reg_time"`
}

// SameIdentity 判断两个身份元组是否一致。
func (id InternalContainerID) SameIdentity(pid, mnt, cgroup uint64) bool {
	return id.PidID == pid && id.MntID == mnt && id.CgroupID == cgroup
}

// SystemInfo 为主机级资源快照（时序数据，只追加）。
type SystemInfo struct {
	ID       uint64  `gorm:"primaryKey" json:"id"`
	ServerID uint64  `gorm:"not null;index:idx_system_infos_server_time,priority:1" json:"server_id"`
	Server   *Server `gorm:"foreignKey:ServerID" json:"-"`
	// CPUUsage 为整机 CPU 使用率百分比。
	CPUUsage float64 `gorm:"not null" json:"cpu_usage"`
	// CPUCoreUsage 为按核心顺序排列的使用率百分比。
	CPUCoreUsage  datatypes.JSONSlice[float64] `json:"cpu_core_usage"`
	MemTotalMB    float64                      `gorm:"not null" json:"mem_total_mb"`
	MemUsedMB     float64                      `gorm:"not null" json:"mem_used_mb"`
	MemPercent    float64                      `gorm:"not null" json:"mem_percent"`
	DiskTotalGB   float64                      `gorm:"not null" json:"disk_total_gb"`
	DiskUsedGB    float64                      `gorm:"not null" json:"disk_used_gb"`
	DiskPercent   float64                      `gorm:"not null" json:"disk_percent"`
	NetRecvDataMB float64                      `gorm:"not null" json:"net_recv_data_mb"`
	NetSendDataMB float64                      `gorm:"not null" json:"net_send_data_mb"`
	// Timestamp 为采样时间（UTC），与 ServerID 组成联合索引。
	Timestamp time.Time `gorm:"not null;index:idx_system_infos_server_time,priority:2" json:"timestamp"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"-"`
}

// ContainerSysInfo 为容器级资源快照（时序数据，只追加）。
type ContainerSysInfo struct {
	ID            uint64     `gorm:"primaryKey" json:"id"`
	ContainerID   uint64     `gorm:"not null;index:idx_container_sys_infos_container_time,priority:1" json:"container_id"`
	Container     *Container `gorm:"foreignKey:ContainerID" json:"-"`
	CPUPercent    float64    `gorm:"not null" json:"cpu_percent"`
	MemUsageMB    float64    `gorm:"not null" json:"mem_usage_mb"`
	MemLimitMB    float64    `gorm:"not null" json:"mem_limit_mb"`
	MemPercent    float64    `gorm:"not null" json:"mem_percent"`
	NetRecvDataMB float64    `gorm:"not null" json:"net_recv_data_mb"`
	NetSendDataMB float64    `gorm:"not null" json:"net_send_data_mb"`
	BlockReadMB   float64    `gorm:"not null" json:"block_read_mb"`
	BlockWriteMB  float64    `gorm:"not null" json:"block_write_mb"`
	// ProcCount 为容器内进程数。
	ProcCount uint64    `gorm:"not null" json:"proc_count"`
	Timestamp time.Time `gorm:"not null;index:idx_container_sys_infos_container_time,priority:2" json:"timestamp"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"-"`
}

// Heartbeat 为心跳审计日志：每次被接受的心跳一条，只追加，不更新不删除。
type Heartbeat struct {
	ID   uint64 `gorm:"primaryKey" json:"id"`
	UUID string `gorm:"size:64;not null;index:idx_heartbeats_uuid_time,priority:1" json:"uuid"`
	// RequestID 为 Agent 提供的幂等键（可选）；重复的 RequestID 不会重复处理。
	RequestID            *string   `gorm:"size:64;uniqueIndex" json:"request_id,omitempty"`
	Timestamp            time.Time `gorm:"not null;index:idx_heartbeats_uuid_time,priority:2" json:"timestamp"`
	SurvivalContainerCnt int       `gorm:"not null;default:0" json:"survival_container_cnt"`
	// ReqIP 为传输层看到的来源地址，与上报的 UUID 无关。
	ReqIP string `gorm:"size:255;not null" json:"req_ip"`
	// Endpoint 为 Agent 的回调地址，用于后续策略下发。
	Endpoint  string    `gorm:"size:255" json:"endpoint"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"-"`
}

// Tag 为容器标签。
type Tag struct {
	ID   uint64 `gorm:"primaryKey" json:"-"`
	Name string `gorm:"size:255;not null;uniqueIndex" json:"name"`
}

// Policy 是下发到某个容器的一条 LSM/tracepoint 策略。
//
// Rules 保存 tracepoint_policy 与 lsm_policies 的 JSON 原文，结构由 policy 包定义。
type Policy struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	ContainerID uint64         `gorm:"not null;uniqueIndex:idx_policies_container_name,priority:1" json:"container_id"`
	Container   *Container     `gorm:"foreignKey:ContainerID" json:"-"`
	Name        string         `gorm:"size:255;not null;uniqueIndex:idx_policies_container_name,priority:2" json:"name"`
	APIVersion  string         `gorm:"size:128;not null" json:"api_version"`
	RawTP       string         `gorm:"size:16" json:"raw_tp"`
	Rules       datatypes.JSON `json:"rules"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
