package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bob-yamong/policy-back/internal/policy"
)

// applyPolicy 接收 JSON 或 YAML 格式的策略包。
func (h *handlers) applyPolicy(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	bundle, err := policy.Parse(c.Body())
	if err != nil {
		return err
	}
	rows, err := h.policies.Apply(c.UserContext(), id, bundle)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"count": len(rows), "policies": rows})
}

func (h *handlers) serverPolicies(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	bundles, err := h.policies.ServerBundle(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"server_id": id, "bundles": bundles})
}

func (h *handlers) containerPolicies(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	list, err := h.policies.ContainerPolicies(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"container_id": id, "policies": list})
}

func (h *handlers) deletePolicy(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	policyID, err := paramID(c, "policy_id")
	if err != nil {
		return err
	}
	if err := h.policies.Delete(c.UserContext(), id, policyID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) health(c *fiber.Ctx) error {
	if err := h.store.Ping(c.UserContext()); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, msgStorageUnavailable)
	}
	return c.JSON(fiber.Map{"status": "ok", "driver": h.store.Driver()})
}
