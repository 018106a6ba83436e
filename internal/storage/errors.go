package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 表示引用的 Server/Container/Policy 不存在。
	ErrNotFound = errors.New("not found")
	// ErrConflict 表示唯一约束冲突（例如同一容器下重复的策略名）。
	ErrConflict = errors.New("conflict")

	errNotInitialized = errors.New("storage not initialized")
)

type notFoundError struct {
	Entity string
	ID     any
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Entity, e.ID)
}

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func gormNotFoundError(entity string, id any) error {
	return notFoundError{Entity: entity, ID: id}
}

type conflictError struct {
	Entity string
	Key    string
	cause  error
}

func (e conflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.Key)
}

func (e conflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e conflictError) Unwrap() error {
	return e.cause
}

// isDuplicateKey 判断是否为唯一约束冲突。开启 TranslateError 后驱动会返回
// gorm.ErrDuplicatedKey，这里再按错误文本兜底一次。
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
