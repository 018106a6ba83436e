package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	plog "github.com/bob-yamong/policy-back/internal/log"
	"github.com/bob-yamong/policy-back/internal/metrics"
	"github.com/bob-yamong/policy-back/internal/storage"
)

// RetentionCollector 周期性删除过期的时序数据（SystemInfo/ContainerSysInfo/Heartbeat）。
// 库存表（Server/Container/InternalContainerID）永不被清理。
type RetentionCollector struct {
	cfg RetentionConfig

	store *storage.Storage
	log   zerolog.Logger
}

func NewRetentionCollector(store *storage.Storage) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &RetentionCollector{store: store, log: plog.WithComponent("retention")}, nil
}

// Prune 按 cfg 执行一次清理并返回各表删除的行数。
func Prune(ctx context.Context, store *storage.Storage, cfg RetentionConfig) (map[string]int64, error) {
	c, err := NewRetentionCollector(store)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg.withDefaults()
	return c.runOnce(ctx, time.Now().UTC())
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	if _, err := c.runOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.runOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

type retentionTask struct {
	table string
	model any
	keep  time.Duration
}

func (c *RetentionCollector) runOnce(ctx context.Context, now time.Time) (map[string]int64, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("retention collector not initialized")
	}

	var tasks []retentionTask
	for _, t := range []retentionTask{
		{table: "system_infos", model: &storage.SystemInfo{}, keep: c.cfg.KeepSystemInfo},
		{table: "container_sys_infos", model: &storage.ContainerSysInfo{}, keep: c.cfg.KeepContainerInfo},
	} {
		if t.keep > 0 {
			tasks = append(tasks, t)
		}
	}
	deleted := make(map[string]int64, len(tasks))
	if len(tasks) == 0 {
		return deleted, nil
	}

	workers := c.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan retentionTask)
	errs := make(chan error, len(tasks))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				n, err := c.deleteBefore(ctx, job.model, now.Add(-job.keep))
				mu.Lock()
				deleted[job.table] += n
				mu.Unlock()
				if n > 0 {
					metrics.RetentionDeletedRows.WithLabelValues(job.table).Add(float64(n))
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return deleted, ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			c.log.Error().Err(err).Msg("retention pass failed")
			return deleted, err
		}
	}

	c.log.Debug().
		Int64("system_infos", deleted["system_infos"]).
		Int64("container_sys_infos", deleted["container_sys_infos"]).
		Msg("retention pass finished")
	return deleted, nil
}

func (c *RetentionCollector) deleteBefore(ctx context.Context, model any, before time.Time) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := c.store.DeleteBeforeLimited(ctx, model, before, c.cfg.BatchRows)
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			return total, nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
