// Package policy 管理下发到容器的 LSM/tracepoint 策略包。
//
// 策略按容器名挂载：引用的容器尚未出现在库存中时会被预先登记，
// 之后该主机的心跳会沿用同一条逻辑容器记录。
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/bob-yamong/policy-back/internal/storage"
)

// PlaceholderRuntime 为通过策略预先登记的容器使用的运行时。
const PlaceholderRuntime = "unknown"

// ValidationError 表示策略包内容不合法。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy: %s: %s", e.Field, e.Reason)
}

// Parse 解析 YAML 或 JSON 格式的策略包（JSON 是 YAML 的子集），拒绝未知字段。
func Parse(data []byte) (*ServerPolicy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out ServerPolicy
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Field: "body", Reason: "is empty"}
		}
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	if out.APIVersion == "" {
		out.APIVersion = DefaultAPIVersion
	}
	return &out, nil
}

// Validate 检查策略包的必填字段与约束。
func (p *ServerPolicy) Validate() error {
	if p == nil {
		return &ValidationError{Field: "body", Reason: "is required"}
	}
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(p.Containers) == 0 {
		return &ValidationError{Field: "containers", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(p.Containers))
	for i, c := range p.Containers {
		field := fmt.Sprintf("containers[%d]", i)
		if c.ContainerName == "" {
			return &ValidationError{Field: field + ".container_name", Reason: "is required"}
		}
		if _, ok := seen[c.ContainerName]; ok {
			return &ValidationError{Field: field + ".container_name", Reason: "is duplicated"}
		}
		seen[c.ContainerName] = struct{}{}
		if len(c.RawTP) > MaxRawTPLen {
			return &ValidationError{Field: field + ".raw_tp", Reason: fmt.Sprintf("must be at most %d characters", MaxRawTPLen)}
		}
		for j, f := range c.LSMPolicies.File {
			if f.Path == "" {
				return &ValidationError{Field: fmt.Sprintf("%s.lsm_policies.file[%d].path", field, j), Reason: "is required"}
			}
		}
		for j, n := range c.LSMPolicies.Network {
			if n.Port < 0 || n.Port > 65535 {
				return &ValidationError{Field: fmt.Sprintf("%s.lsm_policies.network[%d].port", field, j), Reason: "must be between 0 and 65535"}
			}
		}
		for j, pr := range c.LSMPolicies.Process {
			if pr.Comm == "" {
				return &ValidationError{Field: fmt.Sprintf("%s.lsm_policies.process[%d].comm", field, j), Reason: "is required"}
			}
		}
	}
	return nil
}

type Service struct {
	store *storage.Storage
}

func NewService(store *storage.Storage) *Service {
	return &Service{store: store}
}

// Apply 将策略包写入指定主机：每个容器条目对应一条 Policy 行。
// 整个包在一个事务内写入；任一容器下已有同名策略时返回 storage.ErrConflict。
func (s *Service) Apply(ctx context.Context, serverID uint64, bundle *ServerPolicy) ([]storage.Policy, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	apiVersion := bundle.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	var created []storage.Policy
	err := s.store.Transaction(ctx, func(tx *storage.Storage) error {
		if _, err := tx.GetServer(ctx, serverID); err != nil {
			return err
		}
		for _, c := range bundle.Containers {
			container, _, err := tx.ResolveOrCreateContainer(ctx, serverID, c.ContainerName, PlaceholderRuntime)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(rules{TracepointPolicy: c.TracepointPolicy, LSMPolicies: c.LSMPolicies})
			if err != nil {
				return fmt.Errorf("encode policy rules: %w", err)
			}
			row := storage.Policy{
				ContainerID: container.ID,
				Name:        bundle.Name,
				APIVersion:  apiVersion,
				RawTP:       c.RawTP,
				Rules:       datatypes.JSON(raw),
			}
			if err := tx.CreatePolicy(ctx, &row); err != nil {
				return err
			}
			created = append(created, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ServerBundle 按策略名重组主机上已存储的策略，得到可直接下发给 Agent 的策略包。
func (s *Service) ServerBundle(ctx context.Context, serverID uint64) ([]ServerPolicy, error) {
	rows, err := s.store.ListPoliciesByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	out := []ServerPolicy{}
	index := make(map[string]int)
	for _, row := range rows {
		cp, err := decode(row)
		if err != nil {
			return nil, err
		}
		key := row.APIVersion + "\x00" + row.Name
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, ServerPolicy{APIVersion: row.APIVersion, Name: row.Name})
		}
		out[i].Containers = append(out[i].Containers, cp)
	}
	return out, nil
}

// ContainerPolicies 返回单个容器上的全部策略。
func (s *Service) ContainerPolicies(ctx context.Context, containerID uint64) ([]NamedPolicy, error) {
	rows, err := s.store.ListPoliciesByContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	out := make([]NamedPolicy, 0, len(rows))
	for _, row := range rows {
		cp, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, NamedPolicy{ID: row.ID, APIVersion: row.APIVersion, Name: row.Name, Policy: cp})
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, containerID, policyID uint64) error {
	return s.store.DeletePolicy(ctx, containerID, policyID)
}

func decode(row storage.Policy) (ContainerPolicy, error) {
	var r rules
	if len(row.Rules) > 0 {
		if err := json.Unmarshal(row.Rules, &r); err != nil {
			return ContainerPolicy{}, fmt.Errorf("decode policy %d rules: %w", row.ID, err)
		}
	}
	cp := ContainerPolicy{
		RawTP:            row.RawTP,
		TracepointPolicy: r.TracepointPolicy,
		LSMPolicies:      r.LSMPolicies,
	}
	if row.Container != nil {
		cp.ContainerName = row.Container.Name
	}
	return cp, nil
}
