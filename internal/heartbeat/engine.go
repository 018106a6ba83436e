// Package heartbeat 实现心跳对账：把一次上报的主机与容器快照合并进库存，
// 识别新容器、身份变化（namespace/cgroup 改变）以及从心跳中消失的容器。
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	plog "github.com/bob-yamong/policy-back/internal/log"
	"github.com/bob-yamong/policy-back/internal/metrics"
	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// regTimeStep 为新纪元相对上一纪元的最小间隔；取微秒以兼容 Postgres 的时间精度。
const regTimeStep = time.Microsecond

// ErrStorage 包装对账过程中的存储失败；调用方应整体重试该心跳。
var ErrStorage = errors.New("heartbeat storage failure")

type storageError struct {
	op    string
	cause error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.cause)
}

func (e *storageError) Unwrap() error { return e.cause }

func (e *storageError) Is(target error) bool { return target == ErrStorage }

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *storageError
	if errors.As(err, &se) {
		return err
	}
	return &storageError{op: op, cause: err}
}

type Options struct {
	// ReinstateRemoved 为 true 时，重新出现的已移除容器会清除 removed_at。
	// 默认保持“永不自动清除”。
	ReinstateRemoved bool
	Broker           *stream.Broker
	// Logger 为空时使用全局 logger 的 heartbeat 组件。
	Logger *zerolog.Logger
	// Now 可在测试中替换时钟。
	Now func() time.Time
}

// Engine 是心跳对账服务，持有存储句柄，可被多个请求并发使用。
type Engine struct {
	store     *storage.Storage
	broker    *stream.Broker
	log       zerolog.Logger
	now       func() time.Time
	reinstate bool
}

func NewEngine(store *storage.Storage, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := plog.WithComponent("heartbeat")
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Engine{
		store:     store,
		broker:    opts.Broker,
		log:       l,
		now:       now,
		reinstate: opts.ReinstateRemoved,
	}
}

// Meta 为传输层提供的信息。
type Meta struct {
	// ReqIP 为请求的来源地址，与上报的 UUID 无关。
	ReqIP string
}

// Result 描述一次对账的结果。
type Result struct {
	ServerID      uint64
	ServerCreated bool
	HeartbeatID   uint64
	// Duplicate 表示 RequestID 已处理过，本次未写入任何数据。
	Duplicate  bool
	Created    []string
	Restarted  []string
	Reinstated []string
	Removed    []uint64
	// Epochs 为本次新登记（或重新成为最新）的身份纪元数。
	Epochs int
}

// Process 在单个事务中处理一次心跳：任一步骤失败则整体回滚，读者看不到部分写入。
func (e *Engine) Process(ctx context.Context, rep *Report, meta Meta) (Result, error) {
	if e == nil || e.store == nil {
		return Result{}, errors.New("heartbeat engine not initialized")
	}
	timer := metrics.NewTimer()

	if err := rep.Validate(); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues(resultRejected).Inc()
		return Result{}, err
	}

	var res Result
	err := e.store.Transaction(ctx, func(tx *storage.Storage) error {
		var err error
		res, err = e.reconcile(ctx, tx, rep, meta)
		return err
	})
	if err != nil {
		// 并发重试同一 RequestID：另一方已提交，本次回滚后视为重复。
		if rep.RequestID != "" && errors.Is(err, storage.ErrConflict) {
			if hb, ok, lookupErr := e.store.HeartbeatByRequestID(ctx, rep.RequestID); lookupErr == nil && ok {
				metrics.HeartbeatsTotal.WithLabelValues(resultDuplicate).Inc()
				return Result{Duplicate: true, HeartbeatID: hb.ID}, nil
			}
		}
		metrics.HeartbeatsTotal.WithLabelValues(resultFailed).Inc()
		e.log.Error().Err(err).Str("server_uuid", rep.UUID).Msg("heartbeat failed")
		return Result{}, wrapStorage("process heartbeat", err)
	}

	timer.ObserveDuration(metrics.HeartbeatDuration)
	if res.Duplicate {
		metrics.HeartbeatsTotal.WithLabelValues(resultDuplicate).Inc()
		e.log.Debug().Str("server_uuid", rep.UUID).Str("request_id", rep.RequestID).Msg("duplicate heartbeat ignored")
		return res, nil
	}

	metrics.HeartbeatsTotal.WithLabelValues(resultAccepted).Inc()
	metrics.ContainersCreated.Add(float64(len(res.Created)))
	metrics.ContainersRemoved.Add(float64(len(res.Removed)))
	metrics.IdentityEpochs.Add(float64(res.Epochs))

	e.log.Info().
		Str("server_uuid", rep.UUID).
		Uint64("heartbeat_id", res.HeartbeatID).
		Int("containers", len(rep.Containers)).
		Int("created", len(res.Created)).
		Int("restarted", len(res.Restarted)).
		Int("removed", len(res.Removed)).
		Msg("heartbeat accepted")

	e.broker.Publish(stream.HeartbeatEvent{
		ServerID:       res.ServerID,
		ServerUUID:     rep.UUID,
		HeartbeatID:    res.HeartbeatID,
		Timestamp:      e.reportTime(rep, e.now().UTC()),
		ReqIP:          meta.ReqIP,
		Endpoint:       rep.Endpoint,
		ContainerCount: len(rep.Containers),
		Created:        res.Created,
		Restarted:      res.Restarted,
		Removed:        res.Removed,
	})
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, tx *storage.Storage, rep *Report, meta Meta) (Result, error) {
	var res Result

	if rep.RequestID != "" {
		hb, ok, err := tx.HeartbeatByRequestID(ctx, rep.RequestID)
		if err != nil {
			return res, wrapStorage("lookup request id", err)
		}
		if ok {
			return Result{Duplicate: true, HeartbeatID: hb.ID}, nil
		}
	}

	now := e.now().UTC()
	ts := e.reportTime(rep, now)

	srv, created, err := tx.ResolveOrCreateServer(ctx, rep.UUID, "")
	if err != nil {
		return res, wrapStorage("resolve server", err)
	}
	res.ServerID = srv.ID
	res.ServerCreated = created
	if created {
		e.log.Info().Str("server_uuid", rep.UUID).Uint64("server_id", srv.ID).Msg("server registered")
	}

	if err := tx.InsertSystemInfo(ctx, hostRow(srv.ID, rep.Host, ts)); err != nil {
		return res, wrapStorage("insert system info", err)
	}

	aliveIDs, err := tx.ListAliveContainerIDs(ctx, srv.ID)
	if err != nil {
		return res, wrapStorage("list alive containers", err)
	}
	stale := make(map[uint64]struct{}, len(aliveIDs))
	for _, id := range aliveIDs {
		stale[id] = struct{}{}
	}

	for _, obs := range rep.Containers {
		c, created, err := tx.ResolveOrCreateContainer(ctx, srv.ID, obs.Name, obs.Runtime)
		if err != nil {
			return res, wrapStorage("resolve container "+obs.Name, err)
		}
		delete(stale, c.ID)
		if created {
			res.Created = append(res.Created, obs.Name)
			e.log.Debug().Str("server_uuid", rep.UUID).Str("container", obs.Name).Msg("container registered")
		}

		if c.RemovedAt != nil && e.reinstate {
			changed, err := tx.ReinstateContainer(ctx, c.ID)
			if err != nil {
				return res, wrapStorage("reinstate container "+obs.Name, err)
			}
			if changed {
				res.Reinstated = append(res.Reinstated, obs.Name)
			}
		}

		// 身份未知时不动身份纪元，也不算重启
		if obs.Namespace != nil {
			if err := e.recordIdentity(ctx, tx, rep, c.ID, obs, now, &res); err != nil {
				return res, err
			}
		}

		if obs.Stats != nil {
			if err := tx.InsertContainerSysInfo(ctx, containerRow(c.ID, obs.Stats, ts)); err != nil {
				return res, wrapStorage("insert container sys info "+obs.Name, err)
			}
		}
	}

	if len(stale) > 0 {
		ids := make([]uint64, 0, len(stale))
		for id := range stale {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if _, err := tx.MarkContainersRemoved(ctx, ids, now); err != nil {
			return res, wrapStorage("mark containers removed", err)
		}
		res.Removed = ids
	}

	hb := storage.Heartbeat{
		UUID:                 rep.UUID,
		Timestamp:            ts,
		SurvivalContainerCnt: len(rep.Containers),
		ReqIP:                meta.ReqIP,
		Endpoint:             rep.Endpoint,
	}
	if rep.RequestID != "" {
		id := rep.RequestID
		hb.RequestID = &id
	}
	if err := tx.InsertHeartbeat(ctx, &hb); err != nil {
		return res, err
	}
	res.HeartbeatID = hb.ID
	return res, nil
}

func (e *Engine) reportTime(rep *Report, now time.Time) time.Time {
	if rep.Timestamp != nil && !rep.Timestamp.IsZero() {
		return rep.Timestamp.UTC()
	}
	return now
}

func hostRow(serverID uint64, h *HostMetrics, ts time.Time) *storage.SystemInfo {
	cores := make([]float64, len(h.CPUCoreUsage))
	copy(cores, h.CPUCoreUsage)
	return &storage.SystemInfo{
		ServerID:      serverID,
		CPUUsage:      h.CPUUsage,
		CPUCoreUsage:  cores,
		MemTotalMB:    h.MemTotalMB,
		MemUsedMB:     h.MemUsedMB,
		MemPercent:    h.MemPercent,
		DiskTotalGB:   h.DiskTotalGB,
		DiskUsedGB:    h.DiskUsedGB,
		DiskPercent:   h.DiskPercent,
		NetRecvDataMB: h.NetRecvDataMB,
		NetSendDataMB: h.NetSendDataMB,
		Timestamp:     ts,
	}
}

// recordIdentity 在身份与最新纪元不同（或尚无纪元）时登记新纪元。
// reg_time 严格大于当前最新纪元，时钟相同或精度不足时也能保证新纪元排在最后。
func (e *Engine) recordIdentity(ctx context.Context, tx *storage.Storage, rep *Report, containerID uint64, obs ContainerReport, now time.Time, res *Result) error {
	latest, ok, err := tx.LatestInternalID(ctx, containerID)
	if err != nil {
		return wrapStorage("lookup identity "+obs.Name, err)
	}
	if ok && latest.SameIdentity(obs.Namespace.Pid, obs.Namespace.Mnt, obs.CgroupID) {
		return nil
	}

	regTime := now
	if ok && !regTime.After(latest.RegTime) {
		regTime = latest.RegTime.Add(regTimeStep)
	}
	if err := tx.InsertInternalID(ctx, &storage.InternalContainerID{
		ContainerID: containerID,
		PidID:       obs.Namespace.Pid,
		MntID:       obs.Namespace.Mnt,
		CgroupID:    obs.CgroupID,
		RegTime:     regTime,
	}); err != nil {
		return wrapStorage("insert identity "+obs.Name, err)
	}
	res.Epochs++
	if ok {
		res.Restarted = append(res.Restarted, obs.Name)
		e.log.Debug().
			Str("server_uuid", rep.UUID).
			Str("container", obs.Name).
			Uint64("pid_id", obs.Namespace.Pid).
			Uint64("mnt_id", obs.Namespace.Mnt).
			Uint64("cgroup_id", obs.CgroupID).
			Msg("container identity changed")
	}
	return nil
}

func containerRow(containerID uint64, s *ContainerStats, ts time.Time) *storage.ContainerSysInfo {
	return &storage.ContainerSysInfo{
		ContainerID:   containerID,
		CPUPercent:    s.CPUPercent,
		MemUsageMB:    s.MemUsageMB,
		MemLimitMB:    s.MemLimitMB,
		MemPercent:    s.MemPercent,
		NetRecvDataMB: s.NetRecvDataMB,
		NetSendDataMB: s.NetSendDataMB,
		BlockReadMB:   s.BlockReadMB,
		BlockWriteMB:  s.BlockWriteMB,
		ProcCount:     s.ProcCount,
		Timestamp:     ts,
	}
}

// OnlineStatus 根据最近一次心跳时间判断主机状态。
func OnlineStatus(last time.Time, window time.Duration, now time.Time) string {
	if last.IsZero() || window <= 0 {
		return StatusUnknown
	}
	if now.Sub(last) <= window {
		return StatusRunning
	}
	return StatusUnknown
}

const (
	StatusRunning = "running"
	StatusUnknown = "unknown"
)
