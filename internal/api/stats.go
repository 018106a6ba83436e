package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bob-yamong/policy-back/internal/stats"
)

func parseStatsQuery(c *fiber.Ctx) (stats.Unit, stats.Aggregator, error) {
	unit, err := stats.ParseUnit(c.Query("unit"))
	if err != nil {
		return "", "", err
	}
	agg, err := stats.ParseAggregator(c.Query("aggregator"))
	if err != nil {
		return "", "", err
	}
	return unit, agg, nil
}

func (h *handlers) serverStats(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	unit, agg, err := parseStatsQuery(c)
	if err != nil {
		return err
	}
	out, err := h.stats.HostStats(c.UserContext(), id, unit, agg)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (h *handlers) containerStats(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	unit, agg, err := parseStatsQuery(c)
	if err != nil {
		return err
	}
	out, err := h.stats.ContainerStats(c.UserContext(), id, unit, agg)
	if err != nil {
		return err
	}
	return c.JSON(out)
}
