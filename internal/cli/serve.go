package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bob-yamong/policy-back/internal/api"
	"github.com/bob-yamong/policy-back/internal/heartbeat"
	plog "github.com/bob-yamong/policy-back/internal/log"
	"github.com/bob-yamong/policy-back/internal/monitor"
	"github.com/bob-yamong/policy-back/internal/policy"
	"github.com/bob-yamong/policy-back/internal/stats"
	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background retention",
	Long: `Open the inventory database, start the retention manager and serve the
heartbeat, inventory, stats and policy API until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. 上下文用于优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := plog.WithComponent("serve")

	// 2. 初始化存储
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	l.Info().Str("driver", store.Driver()).Msg("storage ready")

	// 3. 心跳引擎与事件流
	broker := stream.NewBroker(cfg.API.StreamBuffer)
	engine := heartbeat.NewEngine(store, heartbeat.Options{
		ReinstateRemoved: cfg.Heartbeat.ReinstateRemoved,
		Broker:           broker,
	})

	srv, err := api.New(api.Config{
		BodyLimit:       cfg.API.BodyLimit,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		JWTSecret:       cfg.API.JWTSecret,
		OnlineWindow:    cfg.Heartbeat.OnlineWindow,
		StreamKeepAlive: cfg.API.StreamKeepAlive,
	}, api.Deps{
		Store:    store,
		Engine:   engine,
		Stats:    stats.NewService(store, cfg.Stats.Lookback, nil),
		Policies: policy.NewService(store),
		Broker:   broker,
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}
	if cfg.API.JWTSecret == "" {
		l.Warn().Msg("api.jwt_secret not set, operator routes are unauthenticated")
	}

	// 4. 保留策略
	mgr, err := monitor.NewManager(monitor.Config{Retention: cfg.Retention})
	if err != nil {
		return fmt.Errorf("create monitor manager: %w", err)
	}
	ret, err := monitor.NewRetentionCollector(store)
	if err != nil {
		return fmt.Errorf("create retention collector: %w", err)
	}
	mgr.WithRetention(ret)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start monitor manager: %w", err)
	}

	// 5. 启动 HTTP 服务并等待信号
	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.Listen(cfg.API.Listen) }()

	var runErr error
	select {
	case <-ctx.Done():
		l.Info().Msg("shutdown signal received")
	case err := <-listenErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	// 6. 优雅停止：先关闭事件流让 SSE 连接结束，再关闭 HTTP 服务
	broker.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("api shutdown failed")
	}

	mgr.Stop()
	if err := mgr.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("monitor manager: %w", err)
	}

	l.Info().Msg("shutdown complete")
	return runErr
}
