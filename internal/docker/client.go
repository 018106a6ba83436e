package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
)

var (
	dockerCli *client.Client
	dockerErr error
	once      sync.Once
)

// GetClient 获取 Docker Client 单例，第一次调用时初始化。
// 连接参数读取 DOCKER_HOST 等环境变量，API 版本自动协商。
func GetClient() (*client.Client, error) {
	once.Do(func() {
		dockerCli, dockerErr = client.NewClientWithOpts(
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		)
	})
	if dockerErr != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", dockerErr)
	}
	return dockerCli, nil
}

// Ping 检查 Docker daemon 是否可达。
func Ping(ctx context.Context) error {
	cli, err := GetClient()
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// CloseClient 关闭 Docker Client 连接，程序退出时调用。
func CloseClient() error {
	if dockerCli != nil {
		return dockerCli.Close()
	}
	return nil
}
