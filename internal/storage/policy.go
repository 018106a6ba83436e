package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreatePolicy 为容器新增一条策略；同一容器下策略名重复时返回 ErrConflict。
func (s *Storage) CreatePolicy(ctx context.Context, p *Policy) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if p == nil {
		return errors.New("policy is nil")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(p).Error
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		return conflictError{Entity: "policy", Key: p.Name, cause: err}
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return gormNotFoundError("container", p.ContainerID)
	}
	return fmt.Errorf("insert policy: %w", err)
}

// ListPoliciesByServer 返回主机下所有容器的策略（预加载所属容器）。
func (s *Storage) ListPoliciesByServer(ctx context.Context, serverID uint64) ([]Policy, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if _, err := s.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	var out []Policy
	err := s.db.WithContext(ctx).
		Preload("Container").
		Joins("JOIN containers ON containers.id = policies.container_id").
		Where("containers.host_server_id = ?", serverID).
		Order("policies.id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	return out, nil
}

func (s *Storage) ListPoliciesByContainer(ctx context.Context, containerID uint64) ([]Policy, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if _, err := s.GetContainer(ctx, containerID); err != nil {
		return nil, err
	}
	var out []Policy
	err := s.db.WithContext(ctx).
		Preload("Container").
		Where("container_id = ?", containerID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	return out, nil
}

// DeletePolicy 删除容器下的一条策略；策略不存在或不属于该容器时返回 ErrNotFound。
func (s *Storage) DeletePolicy(ctx context.Context, containerID, policyID uint64) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	res := s.db.WithContext(ctx).
		Where("id = ? AND container_id = ?", policyID, containerID).
		Delete(&Policy{})
	if res.Error != nil {
		return fmt.Errorf("delete policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gormNotFoundError("policy", policyID)
	}
	return nil
}
