package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/bob-yamong/policy-back/internal/heartbeat"
	"github.com/bob-yamong/policy-back/internal/storage"
)

func paramID(c *fiber.Ctx, name string) (uint64, error) {
	raw := c.Params(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid " + name + ": " + raw)
	}
	return id, nil
}

type serverInfo struct {
	ID            uint64     `json:"id"`
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	IP            string     `json:"ip"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"create_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
}

func (h *handlers) describeServer(c *fiber.Ctx, srv storage.Server) (serverInfo, error) {
	info := serverInfo{
		ID:        srv.ID,
		UUID:      srv.UUID,
		Name:      srv.Name,
		CreatedAt: srv.CreatedAt,
		Status:    heartbeat.StatusUnknown,
	}
	hb, ok, err := h.store.LastHeartbeat(c.UserContext(), srv.UUID)
	if err != nil {
		return info, err
	}
	if ok {
		ts := hb.Timestamp
		info.LastHeartbeat = &ts
		info.IP = hb.ReqIP
		info.Status = heartbeat.OnlineStatus(hb.Timestamp, h.window, h.now())
	}
	return info, nil
}

func (h *handlers) listServers(c *fiber.Ctx) error {
	servers, err := h.store.ListServers(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]serverInfo, 0, len(servers))
	for _, srv := range servers {
		info, err := h.describeServer(c, srv)
		if err != nil {
			return err
		}
		out = append(out, info)
	}
	return c.JSON(fiber.Map{"count": len(out), "server": out})
}

func (h *handlers) createServer(c *fiber.Ctx) error {
	var req struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	req.UUID = strings.TrimSpace(req.UUID)
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(req.UUID); err != nil {
		return badRequest("invalid uuid: " + req.UUID)
	}

	srv, err := h.store.CreateServer(c.UserContext(), req.UUID, strings.TrimSpace(req.Name))
	if err != nil {
		return err
	}
	info, err := h.describeServer(c, *srv)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(info)
}

func (h *handlers) getServer(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	srv, err := h.store.GetServer(c.UserContext(), id)
	if err != nil {
		return err
	}
	info, err := h.describeServer(c, *srv)
	if err != nil {
		return err
	}
	return c.JSON(info)
}

func (h *handlers) renameServer(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return badRequest("name is required")
	}
	srv, err := h.store.RenameServer(c.UserContext(), id, name)
	if err != nil {
		return err
	}
	info, err := h.describeServer(c, *srv)
	if err != nil {
		return err
	}
	return c.JSON(info)
}

type containerInfo struct {
	ID         uint64     `json:"id"`
	HostServer uint64     `json:"host_server"`
	Runtime    string     `json:"runtime"`
	Name       string     `json:"name"`
	PidID      *uint64    `json:"pid_id"`
	MntID      *uint64    `json:"mnt_id"`
	CgroupID   *uint64    `json:"cgroup_id"`
	Tags       []string   `json:"tag"`
	CreatedAt  time.Time  `json:"create_at"`
	RegTime    *time.Time `json:"req_time"`
	RemovedAt  *time.Time `json:"removed_at"`
}

func toContainerInfo(c storage.Container, latest *storage.InternalContainerID) containerInfo {
	out := containerInfo{
		ID:         c.ID,
		HostServer: c.HostServerID,
		Runtime:    c.Runtime,
		Name:       c.Name,
		Tags:       make([]string, 0, len(c.Tags)),
		CreatedAt:  c.CreatedAt,
		RemovedAt:  c.RemovedAt,
	}
	for _, t := range c.Tags {
		out.Tags = append(out.Tags, t.Name)
	}
	if latest != nil {
		pid, mnt, cg, reg := latest.PidID, latest.MntID, latest.CgroupID, latest.RegTime
		out.PidID, out.MntID, out.CgroupID, out.RegTime = &pid, &mnt, &cg, &reg
	}
	return out
}

func (h *handlers) serverContainers(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	q := storage.ContainerQuery{
		Tag:       strings.TrimSpace(c.Query("tag")),
		AliveOnly: c.QueryBool("alive", false),
	}
	list, err := h.store.ListContainersForServer(c.UserContext(), id, q)
	if err != nil {
		return err
	}
	out := make([]containerInfo, 0, len(list))
	for _, d := range list {
		out = append(out, toContainerInfo(d.Container, d.Latest))
	}
	return c.JSON(fiber.Map{"cnt": len(out), "containers": out})
}

func (h *handlers) getContainer(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctr, err := h.store.GetContainer(c.UserContext(), id)
	if err != nil {
		return err
	}
	latest, ok, err := h.store.LatestInternalID(c.UserContext(), id)
	if err != nil {
		return err
	}
	if !ok {
		return c.JSON(toContainerInfo(*ctr, nil))
	}
	return c.JSON(toContainerInfo(*ctr, &latest))
}

func (h *handlers) containerIdentities(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.store.GetContainer(c.UserContext(), id); err != nil {
		return err
	}
	ids, err := h.store.ListInternalIDs(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"count": len(ids), "identities": ids})
}

type tagUpdate struct {
	Tags       []string `json:"tags"`
	Containers []uint64 `json:"containers"`
}

func (h *handlers) parseTagUpdate(c *fiber.Ctx) (tagUpdate, error) {
	var req tagUpdate
	if err := c.BodyParser(&req); err != nil {
		return req, badRequest("invalid request body")
	}
	if len(req.Containers) == 0 {
		return req, badRequest("containers is required")
	}
	for _, t := range req.Tags {
		if strings.TrimSpace(t) == "" {
			return req, badRequest("tag names must not be empty")
		}
	}
	return req, nil
}

func (h *handlers) addTags(c *fiber.Ctx) error {
	req, err := h.parseTagUpdate(c)
	if err != nil {
		return err
	}
	if len(req.Tags) == 0 {
		return badRequest("tags is required")
	}
	if err := h.store.AddContainerTags(c.UserContext(), req.Containers, req.Tags); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"containers": req.Containers, "tags": req.Tags})
}

// replaceTags 以给定标签集覆盖容器原有标签；空集合表示清空。
func (h *handlers) replaceTags(c *fiber.Ctx) error {
	req, err := h.parseTagUpdate(c)
	if err != nil {
		return err
	}
	if err := h.store.ReplaceContainerTags(c.UserContext(), req.Containers, req.Tags); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"containers": req.Containers, "tags": orEmpty(req.Tags)})
}
