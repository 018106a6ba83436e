package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/bob-yamong/policy-back/internal/heartbeat"
	"github.com/bob-yamong/policy-back/internal/policy"
	"github.com/bob-yamong/policy-back/internal/stats"
	"github.com/bob-yamong/policy-back/internal/storage"
)

const msgStorageUnavailable = "storage unavailable, retry later"

// statusOf 将领域错误映射为 HTTP 状态码与对外消息。
func statusOf(err error) (int, string) {
	var (
		fe *fiber.Error
		hv *heartbeat.ValidationError
		pv *policy.ValidationError
		sv *stats.InvalidArgumentError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code, fe.Message
	case errors.As(err, &hv), errors.As(err, &pv), errors.As(err, &sv):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, heartbeat.ErrStorage):
		return fiber.StatusServiceUnavailable, msgStorageUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, storage.ErrConflict):
		return fiber.StatusConflict, err.Error()
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

func errorHandler(l zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code, msg := statusOf(err)
		if code >= fiber.StatusInternalServerError {
			l.Error().Err(err).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", code).
				Msg("request failed")
		}
		return c.Status(code).JSON(fiber.Map{
			"error":   true,
			"message": msg,
		})
	}
}

func badRequest(msg string) error {
	return fiber.NewError(fiber.StatusBadRequest, msg)
}
