package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bob-yamong/policy-back/internal/heartbeat"
	"github.com/bob-yamong/policy-back/internal/policy"
	"github.com/bob-yamong/policy-back/internal/stats"
	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

type handlers struct {
	store     *storage.Storage
	engine    *heartbeat.Engine
	stats     *stats.Service
	policies  *policy.Service
	broker    *stream.Broker
	now       func() time.Time
	window    time.Duration
	keepAlive time.Duration
}

type heartbeatResponse struct {
	ServerID      uint64   `json:"server_id"`
	ServerCreated bool     `json:"server_created"`
	HeartbeatID   uint64   `json:"heartbeat_id"`
	Duplicate     bool     `json:"duplicate"`
	Created       []string `json:"created"`
	Restarted     []string `json:"restarted"`
	Reinstated    []string `json:"reinstated"`
	Removed       []uint64 `json:"removed"`
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *handlers) postHeartbeat(c *fiber.Ctx) error {
	var rep heartbeat.Report
	if err := json.Unmarshal(c.Body(), &rep); err != nil {
		return badRequest("invalid heartbeat body: " + err.Error())
	}

	res, err := h.engine.Process(c.UserContext(), &rep, heartbeat.Meta{ReqIP: c.IP()})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(heartbeatResponse{
		ServerID:      res.ServerID,
		ServerCreated: res.ServerCreated,
		HeartbeatID:   res.HeartbeatID,
		Duplicate:     res.Duplicate,
		Created:       orEmpty(res.Created),
		Restarted:     orEmpty(res.Restarted),
		Reinstated:    orEmpty(res.Reinstated),
		Removed:       orEmpty(res.Removed),
	})
}

// streamHeartbeats 以 SSE 推送心跳事件；uuid 为空时推送全部主机。
func (h *handlers) streamHeartbeats(c *fiber.Ctx) error {
	if h.broker == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "heartbeat stream disabled")
	}
	sub := h.broker.Subscribe(strings.TrimSpace(c.Query("uuid")))
	broker := h.broker
	keepAlive := h.keepAlive

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer broker.Unsubscribe(sub)

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: heartbeat\nid: %d\ndata: %s\n\n", ev.HeartbeatID, data)
				if err := w.Flush(); err != nil {
					return
				}
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func (h *handlers) serverHeartbeats(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	srv, err := h.store.GetServer(c.UserContext(), id)
	if err != nil {
		return err
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest("invalid limit: " + v)
		}
		limit = n
	}
	rows, err := h.store.QueryHeartbeats(c.UserContext(), srv.UUID, storage.TimeRangeQuery{Limit: limit, Desc: true})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"count": len(rows), "heartbeats": rows})
}
