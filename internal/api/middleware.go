package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"

	"github.com/bob-yamong/policy-back/internal/metrics"
)

// requestLogger 记录每个请求并累加请求计数。
// 链路中返回的错误在这里交给 ErrorHandler，以便拿到最终状态码。
func requestLogger(l zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		metrics.APIRequestsTotal.WithLabelValues(c.Method(), strconv.Itoa(status)).Inc()

		ev := l.Debug()
		if status >= fiber.StatusInternalServerError {
			ev = l.Warn()
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Str("ip", c.IP()).
			Dur("latency", time.Since(start)).
			Msg("request")
		return nil
	}
}

func metricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(metrics.Handler())
}
