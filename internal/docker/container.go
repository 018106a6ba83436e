package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// DefaultRuntime 为 HostConfig 未声明运行时时使用的名称。
const DefaultRuntime = "docker"

// RunningContainer 为心跳上报所需的容器信息。
type RunningContainer struct {
	ID      string
	Name    string
	Runtime string
	// Pid 为容器 init 进程在宿主机上的 PID，用于读取 namespace 与 cgroup。
	Pid int
}

// ListRunning 列出正在运行的容器，并通过 inspect 补全 PID 与运行时。
// 列出后已退出的容器会被跳过。
func ListRunning(ctx context.Context) ([]RunningContainer, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]RunningContainer, 0, len(containers))
	for _, c := range containers {
		info, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", truncateID(c.ID), err)
		}
		if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running || info.State.Pid <= 0 {
			continue
		}
		runtime := DefaultRuntime
		if info.HostConfig != nil && info.HostConfig.Runtime != "" && info.HostConfig.Runtime != "runc" {
			runtime = info.HostConfig.Runtime
		}
		name := containerName(info.Name)
		if name == "" && len(c.Names) > 0 {
			name = containerName(c.Names[0])
		}
		out = append(out, RunningContainer{
			ID:      truncateID(c.ID),
			Name:    name,
			Runtime: runtime,
			Pid:     info.State.Pid,
		})
	}
	return out, nil
}

func containerName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "/")
}
