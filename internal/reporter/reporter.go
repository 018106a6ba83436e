// Package reporter 是运行在每台主机上的心跳上报 Agent：
// 采集主机指标与运行中的容器，按固定间隔推送到 policy-back 的 /api/v1/heartbeat。
package reporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bob-yamong/policy-back/internal/docker"
	"github.com/bob-yamong/policy-back/internal/heartbeat"
	plog "github.com/bob-yamong/policy-back/internal/log"
)

const HeartbeatPath = "/api/v1/heartbeat"

type Config struct {
	ServerURL string `mapstructure:"server_url"`
	UUID      string `mapstructure:"uuid"`
	// Endpoint 为本机 Agent 的回调地址，随心跳上报。
	Endpoint   string        `mapstructure:"endpoint"`
	Interval   time.Duration `mapstructure:"interval"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ProcRoot   string        `mapstructure:"proc_root"`
	CgroupRoot string        `mapstructure:"cgroup_root"`
	DiskPath   string        `mapstructure:"disk_path"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

type HostSource interface {
	Collect() (heartbeat.HostMetrics, error)
}

type IdentitySource interface {
	Read(pid int) (Identity, error)
}

// ContainerSource 枚举运行中的容器并读取一次性资源采样。
type ContainerSource interface {
	ListRunning(ctx context.Context) ([]docker.RunningContainer, error)
	StatsOnce(ctx context.Context, id string) (docker.Sample, error)
}

type dockerSource struct{}

func (dockerSource) ListRunning(ctx context.Context) ([]docker.RunningContainer, error) {
	return docker.ListRunning(ctx)
}

func (dockerSource) StatsOnce(ctx context.Context, id string) (docker.Sample, error) {
	return docker.StatsOnce(ctx, id)
}

// Options 中为空的采集源使用默认实现（procfs / statfs / Docker）。
type Options struct {
	Host       HostSource
	Identity   IdentitySource
	Containers ContainerSource
	Logger     *zerolog.Logger
	Now        func() time.Time
}

type Reporter struct {
	cfg        Config
	host       HostSource
	identity   IdentitySource
	containers ContainerSource
	log        zerolog.Logger
	now        func() time.Time

	// known 按 Docker 容器 ID 缓存最近一次读取成功的身份。
	mu    sync.Mutex
	known map[string]Identity
}

func New(cfg Config, opts Options) (*Reporter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errors.New("reporter server_url is required")
	}
	if _, err := uuid.Parse(cfg.UUID); err != nil {
		return nil, fmt.Errorf("reporter uuid %q: %w", cfg.UUID, err)
	}

	r := &Reporter{
		cfg:        cfg,
		host:       opts.Host,
		identity:   opts.Identity,
		containers: opts.Containers,
		now:        opts.Now,
		log:        plog.WithComponent("reporter"),
		known:      make(map[string]Identity),
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.host == nil {
		h, err := NewHostCollector(cfg.ProcRoot, cfg.DiskPath)
		if err != nil {
			return nil, err
		}
		r.host = h
	}
	if r.identity == nil {
		id, err := NewIdentityReader(cfg.ProcRoot, cfg.CgroupRoot)
		if err != nil {
			return nil, err
		}
		r.identity = id
	}
	if r.containers == nil {
		r.containers = dockerSource{}
	}
	return r, nil
}

// BuildReport 采集一次完整快照，每次生成新的 request_id。
func (r *Reporter) BuildReport(ctx context.Context) (*heartbeat.Report, error) {
	host, err := r.host.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect host metrics: %w", err)
	}

	running, err := r.containers.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(running))
	alive := make(map[string]struct{}, len(running))
	containers := make([]heartbeat.ContainerReport, 0, len(running))
	for _, c := range running {
		if _, dup := seen[c.Name]; dup || c.Name == "" {
			continue
		}
		seen[c.Name] = struct{}{}
		alive[c.ID] = struct{}{}

		runtime := c.Runtime
		if runtime == "" {
			runtime = docker.DefaultRuntime
		}
		// 读不到身份或采样时仍上报容器，避免被服务端判定为已移除
		rep := heartbeat.ContainerReport{Name: c.Name, Runtime: runtime}

		if ident, ok := r.readIdentity(c); ok {
			rep.CgroupID = ident.CgroupID
			rep.Namespace = &heartbeat.Namespace{Pid: ident.PidNS, Mnt: ident.MntNS}
		}

		sample, err := r.containers.StatsOnce(ctx, c.ID)
		if err != nil {
			r.log.Warn().Err(err).Str("container", c.Name).Msg("read container stats failed, sample skipped")
		} else {
			rep.Stats = &heartbeat.ContainerStats{
				CPUPercent:    sample.CPUPercent,
				MemUsageMB:    sample.MemUsageMB,
				MemLimitMB:    sample.MemLimitMB,
				MemPercent:    sample.MemPercent,
				NetRecvDataMB: sample.NetRecvDataMB,
				NetSendDataMB: sample.NetSendDataMB,
				BlockReadMB:   sample.BlockReadMB,
				BlockWriteMB:  sample.BlockWriteMB,
				ProcCount:     sample.ProcCount,
			}
		}
		containers = append(containers, rep)
	}
	for id := range r.known {
		if _, ok := alive[id]; !ok {
			delete(r.known, id)
		}
	}

	ts := r.now().UTC()
	return &heartbeat.Report{
		UUID:       r.cfg.UUID,
		RequestID:  uuid.NewString(),
		Timestamp:  &ts,
		Endpoint:   r.cfg.Endpoint,
		Host:       &host,
		Containers: containers,
	}, nil
}

// readIdentity 读取容器身份；失败时退回该容器上次读取成功的身份，
// 都没有时返回 false，心跳中不带 namespace，服务端保持原有身份纪元。
func (r *Reporter) readIdentity(c docker.RunningContainer) (Identity, bool) {
	ident, err := r.identity.Read(c.Pid)
	if err == nil {
		r.known[c.ID] = ident
		return ident, true
	}
	cached, ok := r.known[c.ID]
	r.log.Warn().Err(err).
		Str("container", c.Name).
		Int("pid", c.Pid).
		Bool("cached", ok).
		Msg("read container identity failed")
	return cached, ok
}

// Push 把心跳 POST 到服务端，非 201 响应视为失败。
func (r *Reporter) Push(ctx context.Context, rep *heartbeat.Report) error {
	url := strings.TrimRight(r.cfg.ServerURL, "/") + HeartbeatPath

	timeout := r.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	a := fiber.Post(url)
	a.JSON(rep)
	a.Timeout(timeout)
	if err := a.Parse(); err != nil {
		return fmt.Errorf("prepare heartbeat request: %w", err)
	}

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("post heartbeat: %w", errors.Join(errs...))
	}
	if code != fiber.StatusCreated {
		return fmt.Errorf("post heartbeat: unexpected status %d: %s", code, strings.TrimSpace(string(body)))
	}
	return nil
}

// Once 采集并推送一次心跳。
func (r *Reporter) Once(ctx context.Context) error {
	rep, err := r.BuildReport(ctx)
	if err != nil {
		return err
	}
	if err := r.Push(ctx, rep); err != nil {
		return err
	}
	r.log.Debug().
		Str("request_id", rep.RequestID).
		Int("containers", len(rep.Containers)).
		Msg("heartbeat sent")
	return nil
}

// Run 按 Interval 循环上报，失败只记录日志，在下一个 tick 以新的 request_id 重试。
func (r *Reporter) Run(ctx context.Context) error {
	r.log.Info().
		Str("server_url", r.cfg.ServerURL).
		Str("server_uuid", r.cfg.UUID).
		Dur("interval", r.cfg.Interval).
		Msg("reporter started")

	if err := r.Once(ctx); err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("heartbeat failed")
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reporter stopped")
			return nil
		case <-ticker.C:
			if err := r.Once(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
