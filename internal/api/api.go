// Package api 基于 fiber 暴露心跳上报、库存查询、统计与策略管理的 HTTP 接口。
package api

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/bob-yamong/policy-back/internal/heartbeat"
	plog "github.com/bob-yamong/policy-back/internal/log"
	"github.com/bob-yamong/policy-back/internal/policy"
	"github.com/bob-yamong/policy-back/internal/stats"
	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

const Prefix = "/api/v1"

type Config struct {
	// BodyLimit 为请求体上限（字节），<=0 使用 4MB。
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// JWTSecret 为空时运维接口不做鉴权。
	JWTSecret string
	// OnlineWindow 为判定主机在线的心跳间隔上限。
	OnlineWindow time.Duration
	// StreamKeepAlive 为 SSE 空闲时发送注释行的间隔。
	StreamKeepAlive time.Duration
}

type Deps struct {
	Store    *storage.Storage
	Engine   *heartbeat.Engine
	Stats    *stats.Service
	Policies *policy.Service
	// Broker 为空时 /heartbeat/stream 返回 503。
	Broker *stream.Broker
	Logger *zerolog.Logger
	Now    func() time.Time
}

type Server struct {
	app *fiber.App
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Engine == nil {
		return nil, errors.New("api requires storage and heartbeat engine")
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4 * 1024 * 1024
	}
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = 60 * time.Second
	}
	if cfg.StreamKeepAlive <= 0 {
		cfg.StreamKeepAlive = 15 * time.Second
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewService(deps.Store, 0, deps.Now)
	}
	if deps.Policies == nil {
		deps.Policies = policy.NewService(deps.Store)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	l := plog.WithComponent("api")
	if deps.Logger != nil {
		l = *deps.Logger
	}

	app := fiber.New(fiber.Config{
		AppName:               "policy-back",
		ServerHeader:          "policy-back",
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		// 指标标签与订阅键会保留请求中的字符串，不能指向 fasthttp 复用的缓冲区
		Immutable:             true,
		ErrorHandler:          errorHandler(l),
	})

	app.Use(requestLogger(l))
	app.Use(recover.New(recover.Config{EnableStackTrace: false}))

	h := &handlers{
		store:     deps.Store,
		engine:    deps.Engine,
		stats:     deps.Stats,
		policies:  deps.Policies,
		broker:    deps.Broker,
		now:       deps.Now,
		window:    cfg.OnlineWindow,
		keepAlive: cfg.StreamKeepAlive,
	}
	routes(app, h, cfg)

	return &Server{app: app, cfg: cfg, log: l}, nil
}

func routes(app *fiber.App, h *handlers, cfg Config) {
	app.Get("/health", h.health)
	app.Get("/metrics", metricsHandler())

	v1 := app.Group(Prefix)

	// Agent 侧接口，不鉴权；必须注册在鉴权分组之前
	v1.Post("/heartbeat", h.postHeartbeat)

	ops := v1.Group("")
	if cfg.JWTSecret != "" {
		ops = v1.Group("", JWTProtected(cfg.JWTSecret))
	}

	ops.Get("/heartbeat/stream", h.streamHeartbeats)

	ops.Get("/server", h.listServers)
	ops.Post("/server", h.createServer)
	ops.Get("/server/:id", h.getServer)
	ops.Put("/server/:id", h.renameServer)
	ops.Get("/server/:id/containers", h.serverContainers)
	ops.Get("/server/:id/stats", h.serverStats)
	ops.Get("/server/:id/heartbeats", h.serverHeartbeats)

	ops.Post("/container/tags", h.addTags)
	ops.Put("/container/tags", h.replaceTags)
	ops.Get("/container/:id", h.getContainer)
	ops.Get("/container/:id/stats", h.containerStats)
	ops.Get("/container/:id/identities", h.containerIdentities)

	ops.Post("/policy/server/:id", h.applyPolicy)
	ops.Get("/policy/server/:id", h.serverPolicies)
	ops.Get("/policy/container/:id", h.containerPolicies)
	ops.Delete("/policy/container/:id/:policy_id", h.deletePolicy)
}

// App 返回底层 fiber 应用，测试中配合 app.Test 使用。
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.log.Info().Str("listen", addr).Msg("api server listening")
	return s.app.Listen(addr)
}

func (s *Server) Listener(ln net.Listener) error {
	s.log.Info().Str("listen", ln.Addr().String()).Msg("api server listening")
	return s.app.Listener(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
