package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 50000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900

	// DefaultScanBatch 为 Scan* 每批读取的行数。
	DefaultScanBatch = 5000
)

type TimeRangeQuery struct {
	// From/To 过滤 Timestamp 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 Timestamp 倒序返回（优先返回最新采样点）。
	Desc bool
}

func (s *Storage) InsertSystemInfo(ctx context.Context, info *SystemInfo) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if info == nil {
		return errors.New("system info is nil")
	}
	now := time.Now().UTC()
	if info.Timestamp.IsZero() {
		info.Timestamp = now
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	if info.CPUCoreUsage == nil {
		info.CPUCoreUsage = []float64{}
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(info).Error; err != nil {
		return fmt.Errorf("insert system info: %w", err)
	}
	return nil
}

func (s *Storage) QuerySystemInfo(ctx context.Context, serverID uint64, q TimeRangeQuery) ([]SystemInfo, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	db := s.db.WithContext(ctx).Model(&SystemInfo{}).Where("server_id = ?", serverID)
	db = applyTimeRange(db, q)

	var out []SystemInfo
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query system info: %w", err)
	}
	return out, nil
}

func (s *Storage) InsertContainerSysInfo(ctx context.Context, info *ContainerSysInfo) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if info == nil {
		return errors.New("container sys info is nil")
	}
	now := time.Now().UTC()
	if info.Timestamp.IsZero() {
		info.Timestamp = now
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(info).Error; err != nil {
		return fmt.Errorf("insert container sys info: %w", err)
	}
	return nil
}

func (s *Storage) QueryContainerSysInfo(ctx context.Context, containerID uint64, q TimeRangeQuery) ([]ContainerSysInfo, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	db := s.db.WithContext(ctx).Model(&ContainerSysInfo{}).Where("container_id = ?", containerID)
	db = applyTimeRange(db, q)

	var out []ContainerSysInfo
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query container sys info: %w", err)
	}
	return out, nil
}

// ScanSystemInfo 按主键分批读取时间窗内的全部 SystemInfo，每批交给 fn。
// 与 QuerySystemInfo 不同，这里忽略 q.Limit 与 q.Desc，不会截断窗口。
func (s *Storage) ScanSystemInfo(ctx context.Context, serverID uint64, q TimeRangeQuery, batch int, fn func([]SystemInfo) error) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	db := s.db.WithContext(ctx).Model(&SystemInfo{}).Where("server_id = ?", serverID)
	if err := scanInBatches(applyTimeFilter(db, q), batch, fn); err != nil {
		return fmt.Errorf("scan system info: %w", err)
	}
	return nil
}

// ScanContainerSysInfo 同 ScanSystemInfo，作用于 ContainerSysInfo。
func (s *Storage) ScanContainerSysInfo(ctx context.Context, containerID uint64, q TimeRangeQuery, batch int, fn func([]ContainerSysInfo) error) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	db := s.db.WithContext(ctx).Model(&ContainerSysInfo{}).Where("container_id = ?", containerID)
	if err := scanInBatches(applyTimeFilter(db, q), batch, fn); err != nil {
		return fmt.Errorf("scan container sys info: %w", err)
	}
	return nil
}

func scanInBatches[T any](db *gorm.DB, batch int, fn func([]T) error) error {
	if batch <= 0 {
		batch = DefaultScanBatch
	}
	var rows []T
	return db.FindInBatches(&rows, batch, func(*gorm.DB, int) error {
		return fn(rows)
	}).Error
}

func (s *Storage) InsertHeartbeat(ctx context.Context, hb *Heartbeat) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if hb == nil {
		return errors.New("heartbeat is nil")
	}
	now := time.Now().UTC()
	if hb.Timestamp.IsZero() {
		hb.Timestamp = now
	}
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(hb).Error; err != nil {
		if isDuplicateKey(err) && hb.RequestID != nil {
			return conflictError{Entity: "heartbeat", Key: *hb.RequestID, cause: err}
		}
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatByRequestID 查找带有指定幂等键的心跳；found=false 表示尚未处理过。
func (s *Storage) HeartbeatByRequestID(ctx context.Context, requestID string) (Heartbeat, bool, error) {
	if s == nil || s.db == nil {
		return Heartbeat{}, false, errNotInitialized
	}
	var out Heartbeat
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("query heartbeat: %w", err)
	}
	return out, true, nil
}

// LastHeartbeat 返回某主机最近一次心跳；found=false 表示从未收到。
func (s *Storage) LastHeartbeat(ctx context.Context, uuid string) (Heartbeat, bool, error) {
	if s == nil || s.db == nil {
		return Heartbeat{}, false, errNotInitialized
	}
	var out Heartbeat
	err := s.db.WithContext(ctx).
		Where("uuid = ?", uuid).
		Order("timestamp DESC").
		Order("id DESC").
		Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("query heartbeat: %w", err)
	}
	return out, true, nil
}

func (s *Storage) QueryHeartbeats(ctx context.Context, uuid string, q TimeRangeQuery) ([]Heartbeat, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	db := s.db.WithContext(ctx).Model(&Heartbeat{})
	if uuid != "" {
		db = db.Where("uuid = ?", uuid)
	}
	db = applyTimeRange(db, q)

	var out []Heartbeat
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	return out, nil
}

// DeleteBeforeLimited 按批删除某张时序表中 timestamp 早于 before 的行。
// model 必须是 *SystemInfo、*ContainerSysInfo 或 *Heartbeat。
func (s *Storage) DeleteBeforeLimited(ctx context.Context, model any, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	// 只清理时序表；Heartbeat 为只追加的审计日志。
	switch model.(type) {
	case *SystemInfo, *ContainerSysInfo:
	default:
		return 0, fmt.Errorf("unsupported retention model %T", model)
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	err := s.db.WithContext(ctx).Model(model).
		Where("timestamp < ?", before.UTC()).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("select %T ids: %w", model, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(model)
	if res.Error != nil {
		return 0, fmt.Errorf("delete %T: %w", model, res.Error)
	}
	return res.RowsAffected, nil
}

// TableCounts 返回各表行数，用于 CLI 概况展示。
func (s *Storage) TableCounts(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	models := []struct {
		name  string
		model any
	}{
		{"servers", &Server{}},
		{"containers", &Container{}},
		{"internal_container_ids", &InternalContainerID{}},
		{"system_infos", &SystemInfo{}},
		{"container_sys_infos", &ContainerSysInfo{}},
		{"heartbeats", &Heartbeat{}},
		{"tags", &Tag{}},
		{"policies", &Policy{}},
	}
	out := make(map[string]int64, len(models))
	for _, m := range models {
		var n int64
		if err := s.db.WithContext(ctx).Model(m.model).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", m.name, err)
		}
		out[m.name] = n
	}
	return out, nil
}

func applyTimeFilter(db *gorm.DB, q TimeRangeQuery) *gorm.DB {
	if q.From != nil {
		db = db.Where("timestamp >= ?", q.From.UTC())
	}
	if q.To != nil {
		db = db.Where("timestamp <= ?", q.To.UTC())
	}
	return db
}

func applyTimeRange(db *gorm.DB, q TimeRangeQuery) *gorm.DB {
	db = applyTimeFilter(db, q)
	if q.Desc {
		db = db.Order("timestamp DESC")
	} else {
		db = db.Order("timestamp ASC")
	}
	return db.Order("id ASC").Limit(normalizeLimit(q.Limit))
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}
