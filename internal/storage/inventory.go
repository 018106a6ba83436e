package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResolveServerByUUID 按主机 UUID 查找 Server，不存在时返回 ErrNotFound。
func (s *Storage) ResolveServerByUUID(ctx context.Context, uuid string) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out Server
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("server", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	return &out, nil
}

// CreateServer 显式登记一台主机；UUID 已存在时返回 ErrConflict。
func (s *Storage) CreateServer(ctx context.Context, uuid, name string) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if uuid == "" {
		return nil, errors.New("server uuid is required")
	}
	if name == "" {
		name = uuid
	}
	srv := Server{UUID: uuid, Name: name, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&srv).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, conflictError{Entity: "server", Key: uuid, cause: err}
		}
		return nil, fmt.Errorf("insert server: %w", err)
	}
	return &srv, nil
}

// ResolveOrCreateServer 原子地“查找或创建” Server。
//
// 插入使用 ON CONFLICT DO NOTHING，并发心跳同时创建同一 UUID 时只有一方插入成功，
// 另一方回落为普通查询；返回值 created 表示本次调用是否新建了记录。
func (s *Storage) ResolveOrCreateServer(ctx context.Context, uuid, name string) (*Server, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errNotInitialized
	}
	if name == "" {
		name = uuid
	}
	srv := Server{UUID: uuid, Name: name, CreatedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "uuid"}}, DoNothing: true}).
		Create(&srv)
	if res.Error != nil {
		return nil, false, fmt.Errorf("upsert server: %w", res.Error)
	}
	if res.RowsAffected == 1 && srv.ID != 0 {
		return &srv, true, nil
	}

	existing, err := s.ResolveServerByUUID(ctx, uuid)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Storage) GetServer(ctx context.Context, id uint64) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out Server
	err := s.db.WithContext(ctx).Take(&out, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("server", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	return &out, nil
}

func (s *Storage) ListServers(ctx context.Context) ([]Server, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []Server
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	return out, nil
}

func (s *Storage) RenameServer(ctx context.Context, id uint64, name string) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if name == "" {
		return nil, errors.New("server name is required")
	}
	res := s.db.WithContext(ctx).Model(&Server{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return nil, fmt.Errorf("rename server: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, gormNotFoundError("server", id)
	}
	return s.GetServer(ctx, id)
}

// ResolveOrCreateContainer 按 (serverID, name) 原子地查找或创建逻辑容器。
// 已存在的容器不会被修改（包括 runtime 与 removed_at）。
func (s *Storage) ResolveOrCreateContainer(ctx context.Context, serverID uint64, name, runtime string) (*Container, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errNotInitialized
	}
	if name == "" {
		return nil, false, errors.New("container name is required")
	}
	c := Container{HostServerID: serverID, Name: name, Runtime: runtime, CreatedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host_server_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Omit(clause.Associations).
		Create(&c)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrForeignKeyViolated) {
			return nil, false, gormNotFoundError("server", serverID)
		}
		return nil, false, fmt.Errorf("upsert container: %w", res.Error)
	}
	if res.RowsAffected == 1 && c.ID != 0 {
		return &c, true, nil
	}

	var existing Container
	err := s.db.WithContext(ctx).
		Where("host_server_id = ? AND name = ?", serverID, name).
		Take(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("query container: %w", err)
	}
	return &existing, false, nil
}

func (s *Storage) GetContainer(ctx context.Context, id uint64) (*Container, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out Container
	err := s.db.WithContext(ctx).Preload("Tags").Take(&out, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("container", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query container: %w", err)
	}
	return &out, nil
}

// ListAliveContainerIDs 返回某主机下 removed_at 为空的容器 ID。
func (s *Storage) ListAliveContainerIDs(ctx context.Context, serverID uint64) ([]uint64, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&Container{}).
		Where("host_server_id = ? AND removed_at IS NULL", serverID).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("query alive containers: %w", err)
	}
	return ids, nil
}

// MarkContainersRemoved 将给定容器标记为已移除。已经标记过的容器保持原有的移除时间。
func (s *Storage) MarkContainersRemoved(ctx context.Context, ids []uint64, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&Container{}).
		Where("id IN ? AND removed_at IS NULL", ids).
		Update("removed_at", at.UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("mark containers removed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReinstateContainer 清除容器的 removed_at；返回是否真的发生了变更。
func (s *Storage) ReinstateContainer(ctx context.Context, id uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	res := s.db.WithContext(ctx).Model(&Container{}).
		Where("id = ? AND removed_at IS NOT NULL", id).
		Update("removed_at", nil)
	if res.Error != nil {
		return false, fmt.Errorf("reinstate container: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LatestInternalID 返回容器当前（reg_time 最新）的 OS 层身份；found=false 表示尚无记录。
func (s *Storage) LatestInternalID(ctx context.Context, containerID uint64) (InternalContainerID, bool, error) {
	if s == nil || s.db == nil {
		return InternalContainerID{}, false, errNotInitialized
	}
	var out InternalContainerID
	err := s.db.WithContext(ctx).
		Where("container_id = ?", containerID).
		Order("reg_time DESC").
		Order("id DESC").
		Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InternalContainerID{}, false, nil
	}
	if err != nil {
		return InternalContainerID{}, false, fmt.Errorf("query internal container id: %w", err)
	}
	return out, true, nil
}

// InsertInternalID 登记一个新的身份周期。
//
// 元组 (container_id, pid_id, mnt_id, cgroup_id) 唯一：若容器回到了曾经出现过的身份，
// 不新增行，而是把该行的 reg_time 刷新为当前时间，使其重新成为最新身份。
func (s *Storage) InsertInternalID(ctx context.Context, id *InternalContainerID) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if id == nil {
		return errors.New("internal container id is nil")
	}
	if id.RegTime.IsZero() {
		id.RegTime = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "container_id"}, {Name: "pid_id"}, {Name: "mnt_id"}, {Name: "cgroup_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"reg_time"}),
		}).
		Omit(clause.Associations).
		Create(id).Error
	if err != nil {
		return fmt.Errorf("insert internal container id: %w", err)
	}
	return nil
}

func (s *Storage) ListInternalIDs(ctx context.Context, containerID uint64) ([]InternalContainerID, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []InternalContainerID
	err := s.db.WithContext(ctx).
		Where("container_id = ?", containerID).
		Order("reg_time ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query internal container ids: %w", err)
	}
	return out, nil
}

type ContainerQuery struct {
	// Tag 为可选过滤条件：只返回带该标签的容器。
	Tag string
	// AliveOnly 只返回 removed_at 为空的容器。
	AliveOnly bool
}

// ContainerDetail 为容器及其当前身份与标签。
type ContainerDetail struct {
	Container
	Latest *InternalContainerID
}

// ListContainersForServer 返回主机下的容器，附带最新身份周期与标签。
func (s *Storage) ListContainersForServer(ctx context.Context, serverID uint64, q ContainerQuery) ([]ContainerDetail, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if _, err := s.GetServer(ctx, serverID); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx).Model(&Container{}).Preload("Tags").
		Where("host_server_id = ?", serverID)
	if q.AliveOnly {
		db = db.Where("removed_at IS NULL")
	}
	if q.Tag != "" {
		sub := s.db.Table("container_tags").
			Select("container_tags.container_id").
			Joins("JOIN tags ON tags.id = container_tags.tag_id").
			Where("tags.name = ?", q.Tag)
		db = db.Where("id IN (?)", sub)
	}

	var containers []Container
	if err := db.Order("id ASC").Find(&containers).Error; err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}

	out := make([]ContainerDetail, 0, len(containers))
	for _, c := range containers {
		d := ContainerDetail{Container: c}
		latest, ok, err := s.LatestInternalID(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			d.Latest = &latest
		}
		out = append(out, d)
	}
	return out, nil
}

type containerTag struct {
	ContainerID uint64 `gorm:"primaryKey"`
	TagID       uint64 `gorm:"primaryKey"`
}

func (containerTag) TableName() string { return "container_tags" }

// ResolveOrCreateTags 返回给定名称对应的标签，缺失的会被创建。
func (s *Storage) ResolveOrCreateTags(ctx context.Context, names []string) ([]Tag, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	names = dedupe(names)
	if len(names) == 0 {
		return nil, nil
	}
	rows := make([]Tag, 0, len(names))
	for _, n := range names {
		rows = append(rows, Tag{Name: n})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("upsert tags: %w", err)
	}

	var out []Tag
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	return out, nil
}

// AddContainerTags 为一组容器追加标签；任一容器不存在则整体返回 ErrNotFound。
func (s *Storage) AddContainerTags(ctx context.Context, containerIDs []uint64, tags []string) error {
	return s.Transaction(ctx, func(tx *Storage) error {
		return tx.setContainerTags(ctx, containerIDs, tags, false)
	})
}

// ReplaceContainerTags 用给定标签集合替换容器现有标签。
func (s *Storage) ReplaceContainerTags(ctx context.Context, containerIDs []uint64, tags []string) error {
	return s.Transaction(ctx, func(tx *Storage) error {
		return tx.setContainerTags(ctx, containerIDs, tags, true)
	})
}

func (s *Storage) setContainerTags(ctx context.Context, containerIDs []uint64, tags []string, replace bool) error {
	for _, id := range containerIDs {
		var n int64
		if err := s.db.WithContext(ctx).Model(&Container{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("query container: %w", err)
		}
		if n == 0 {
			return gormNotFoundError("container", id)
		}
	}

	resolved, err := s.ResolveOrCreateTags(ctx, tags)
	if err != nil {
		return err
	}

	for _, id := range containerIDs {
		if replace {
			if err := s.db.WithContext(ctx).Where("container_id = ?", id).Delete(&containerTag{}).Error; err != nil {
				return fmt.Errorf("clear container tags: %w", err)
			}
		}
		if len(resolved) == 0 {
			continue
		}
		links := make([]containerTag, 0, len(resolved))
		for _, t := range resolved {
			links = append(links, containerTag{ContainerID: id, TagID: t.ID})
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&links).Error
		if err != nil {
			return fmt.Errorf("insert container tags: %w", err)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
