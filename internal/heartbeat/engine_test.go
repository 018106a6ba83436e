package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	s, err := storage.Open(context.Background(), storage.Config{
		Path:      filepath.Join(t.TempDir(), "heartbeat.db"),
		EnableWAL: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *storage.Storage, *testClock) {
	t.Helper()
	store := openTestStorage(t)
	clock := &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	nop := zerolog.Nop()
	opts.Now = clock.Now
	opts.Logger = &nop
	return NewEngine(store, opts), store, clock
}

func container(name string, pid, mnt, cgroup uint64) ContainerReport {
	return ContainerReport{
		Name:      name,
		Runtime:   "docker",
		CgroupID:  cgroup,
		Namespace: &Namespace{Pid: pid, Mnt: mnt},
		Stats:     &ContainerStats{CPUPercent: 1.5, MemUsageMB: 64, ProcCount: 3},
	}
}

func report(uuid string, containers ...ContainerReport) *Report {
	return &Report{
		UUID:     uuid,
		Endpoint: "http://10.0.0.5:9000",
		Host: &HostMetrics{
			CPUUsage:     12.5,
			CPUCoreUsage: []float64{10, 15},
			MemTotalMB:   2048,
			MemUsedMB:    1024,
			MemPercent:   50,
		},
		Containers: containers,
	}
}

func counts(t *testing.T, s *storage.Storage) map[string]int64 {
	t.Helper()
	c, err := s.TableCounts(context.Background())
	require.NoError(t, err)
	return c
}

func containerByName(t *testing.T, s *storage.Storage, serverID uint64, name string) storage.ContainerDetail {
	t.Helper()
	list, err := s.ListContainersForServer(context.Background(), serverID, storage.ContainerQuery{})
	require.NoError(t, err)
	for _, c := range list {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("container %q not found", name)
	return storage.ContainerDetail{}
}

func TestProcessIsIdempotentForUnchangedReport(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	rep := report("host-a", container("web", 10, 20, 30), container("db", 11, 21, 31))

	first, err := e.Process(ctx, rep, Meta{ReqIP: "192.168.0.10"})
	require.NoError(t, err)
	assert.True(t, first.ServerCreated)
	assert.ElementsMatch(t, []string{"web", "db"}, first.Created)

	clock.Advance(10 * time.Second)
	second, err := e.Process(ctx, rep, Meta{ReqIP: "192.168.0.10"})
	require.NoError(t, err)
	assert.False(t, second.ServerCreated)
	assert.Empty(t, second.Created)
	assert.Empty(t, second.Restarted)
	assert.Empty(t, second.Removed)
	assert.Equal(t, first.ServerID, second.ServerID)

	c := counts(t, store)
	assert.EqualValues(t, 1, c["servers"])
	assert.EqualValues(t, 2, c["containers"])
	assert.EqualValues(t, 2, c["internal_container_ids"])
	assert.EqualValues(t, 2, c["system_infos"])
	assert.EqualValues(t, 4, c["container_sys_infos"])
	assert.EqualValues(t, 2, c["heartbeats"])
}

func TestProcessCreatesUnknownServerNamedByUUID(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	res, err := e.Process(ctx, report("9f0c2d1e-new-host"), Meta{ReqIP: "10.1.1.1"})
	require.NoError(t, err)

	srv, err := store.GetServer(ctx, res.ServerID)
	require.NoError(t, err)
	assert.Equal(t, "9f0c2d1e-new-host", srv.Name)
	assert.Equal(t, "9f0c2d1e-new-host", srv.UUID)
	assert.EqualValues(t, 1, counts(t, store)["servers"])

	hb, ok, err := store.LastHeartbeat(ctx, "9f0c2d1e-new-host")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.1.1.1", hb.ReqIP)
	assert.Equal(t, "http://10.0.0.5:9000", hb.Endpoint)
	assert.Equal(t, 0, hb.SurvivalContainerCnt)
	assert.Equal(t, res.HeartbeatID, hb.ID)
}

func TestProcessMarksVanishedContainersRemoved(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	res, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3), container("B", 4, 5, 6)), Meta{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	removedAt := clock.Now()
	res2, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	require.Len(t, res2.Removed, 1)

	a := containerByName(t, store, res.ServerID, "A")
	b := containerByName(t, store, res.ServerID, "B")
	assert.Nil(t, a.RemovedAt)
	require.NotNil(t, b.RemovedAt)
	assert.True(t, b.RemovedAt.Equal(removedAt))
	assert.Equal(t, b.ID, res2.Removed[0])

	// 已移除的容器不会被再次打上新的移除时间。
	clock.Advance(time.Minute)
	res3, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	assert.Empty(t, res3.Removed)
	b = containerByName(t, store, res.ServerID, "B")
	require.NotNil(t, b.RemovedAt)
	assert.True(t, b.RemovedAt.Equal(removedAt))
}

func TestProcessKeepsRemovedFlagOnReappearanceByDefault(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	res, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = e.Process(ctx, report("host-a"), Meta{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.NoError(t, err)

	a := containerByName(t, store, res.ServerID, "A")
	assert.NotNil(t, a.RemovedAt)

	rows, err := store.QueryContainerSysInfo(ctx, a.ID, storage.TimeRangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestProcessReinstatesWhenEnabled(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{ReinstateRemoved: true})
	ctx := context.Background()

	res, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = e.Process(ctx, report("host-a"), Meta{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	res3, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res3.Reinstated)

	a := containerByName(t, store, res.ServerID, "A")
	assert.Nil(t, a.RemovedAt)
}

func TestProcessRecordsIdentityDrift(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	res, err := e.Process(ctx, report("host-a", container("A", 10, 20, 30)), Meta{})
	require.NoError(t, err)
	firstRegTime := clock.Now()

	clock.Advance(time.Minute)
	res2, err := e.Process(ctx, report("host-a", container("A", 99, 20, 30)), Meta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res2.Restarted)

	a := containerByName(t, store, res.ServerID, "A")
	epochs, err := store.ListInternalIDs(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.True(t, epochs[0].SameIdentity(10, 20, 30))
	assert.True(t, epochs[0].RegTime.Equal(firstRegTime))
	assert.True(t, epochs[1].SameIdentity(99, 20, 30))

	require.NotNil(t, a.Latest)
	assert.Equal(t, uint64(99), a.Latest.PidID)
}

func TestProcessReturnToEarlierIdentityWithFrozenClock(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	// 时钟不前进：A -> B -> A 三次心跳拿到同一个 now。
	res, err := e.Process(ctx, report("host-a", container("web", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	_, err = e.Process(ctx, report("host-a", container("web", 4, 5, 6)), Meta{})
	require.NoError(t, err)
	back, err := e.Process(ctx, report("host-a", container("web", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, back.Restarted)
	assert.Equal(t, 1, back.Epochs)

	web := containerByName(t, store, res.ServerID, "web")
	require.NotNil(t, web.Latest)
	assert.True(t, web.Latest.SameIdentity(1, 2, 3))

	epochs, err := store.ListInternalIDs(ctx, web.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)

	// 再次上报同一身份不产生新纪元。
	again, err := e.Process(ctx, report("host-a", container("web", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	assert.Empty(t, again.Restarted)
	assert.Zero(t, again.Epochs)
}

func TestProcessKeepsEpochWhenIdentityUnknown(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	res, err := e.Process(ctx, report("host-a", container("web", 10, 20, 30)), Meta{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Epochs)

	unknown := container("web", 0, 0, 0)
	unknown.Namespace = nil
	unknown.Stats = nil
	clock.Advance(time.Minute)
	res2, err := e.Process(ctx, report("host-a", unknown), Meta{})
	require.NoError(t, err)
	assert.Empty(t, res2.Restarted)
	assert.Empty(t, res2.Removed)
	assert.Zero(t, res2.Epochs)

	clock.Advance(time.Minute)
	res3, err := e.Process(ctx, report("host-a", container("web", 10, 20, 30)), Meta{})
	require.NoError(t, err)
	assert.Empty(t, res3.Restarted)

	web := containerByName(t, store, res.ServerID, "web")
	assert.Nil(t, web.RemovedAt)
	epochs, err := store.ListInternalIDs(ctx, web.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 1)

	// 缺少采样的那次心跳不写容器时序行。
	c := counts(t, store)
	assert.Equal(t, int64(2), c["container_sys_infos"])
	assert.Equal(t, int64(3), c["system_infos"])
}

func TestProcessNewContainerWithoutIdentity(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	obs := container("batch", 0, 0, 0)
	obs.Namespace = nil
	res, err := e.Process(ctx, report("host-a", obs), Meta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"batch"}, res.Created)
	assert.Zero(t, res.Epochs)

	batch := containerByName(t, store, res.ServerID, "batch")
	assert.Nil(t, batch.Latest)

	res2, err := e.Process(ctx, report("host-a", container("batch", 7, 8, 9)), Meta{})
	require.NoError(t, err)
	assert.Empty(t, res2.Restarted)
	assert.Equal(t, 1, res2.Epochs)
}

func TestProcessScopesContainerNamesByHost(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	resA, err := e.Process(ctx, report("host-a", container("nginx", 1, 2, 3)), Meta{})
	require.NoError(t, err)
	resB, err := e.Process(ctx, report("host-b", container("nginx", 1, 2, 3)), Meta{})
	require.NoError(t, err)

	assert.NotEqual(t, resA.ServerID, resB.ServerID)
	assert.Equal(t, []string{"nginx"}, resB.Created)
	assert.Empty(t, resB.Removed)

	a := containerByName(t, store, resA.ServerID, "nginx")
	b := containerByName(t, store, resB.ServerID, "nginx")
	assert.NotEqual(t, a.ID, b.ID)
	assert.EqualValues(t, 2, counts(t, store)["containers"])
}

func TestProcessRejectsInvalidReport(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	rep := report("host-a", container("A", 1, 2, 3))
	rep.Host = nil
	_, err := e.Process(ctx, rep, Meta{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "host", verr.Field)
	assert.EqualValues(t, 0, counts(t, store)["servers"])
}

func TestProcessRequestIDMakesRetriesSafe(t *testing.T) {
	e, store, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	ts := time.Date(2024, 5, 1, 9, 59, 58, 0, time.UTC)
	rep := report("host-a", container("A", 1, 2, 3))
	rep.RequestID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	rep.Timestamp = &ts

	first, err := e.Process(ctx, rep, Meta{})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	clock.Advance(time.Second)
	second, err := e.Process(ctx, rep, Meta{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.HeartbeatID, second.HeartbeatID)

	c := counts(t, store)
	assert.EqualValues(t, 1, c["system_infos"])
	assert.EqualValues(t, 1, c["container_sys_infos"])
	assert.EqualValues(t, 1, c["heartbeats"])

	rows, err := store.QuerySystemInfo(ctx, first.ServerID, storage.TimeRangeQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Timestamp.Equal(ts))
	assert.Equal(t, []float64{10, 15}, []float64(rows[0].CPUCoreUsage))
}

func TestProcessRollsBackOnStorageFailure(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, store.DB().Migrator().DropTable(&storage.ContainerSysInfo{}))

	_, err := e.Process(ctx, report("host-a", container("A", 1, 2, 3)), Meta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))

	var n int64
	require.NoError(t, store.DB().Model(&storage.Server{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, store.DB().Model(&storage.SystemInfo{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, store.DB().Model(&storage.Container{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestProcessConcurrentSameHost(t *testing.T) {
	e, store, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep := report("racy-host", container("shared", 1, 2, 3), container(fmt.Sprintf("own-%d", i), uint64(i), 2, 3))
			_, err := e.Process(ctx, rep, Meta{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	c := counts(t, store)
	assert.EqualValues(t, 1, c["servers"])
	assert.EqualValues(t, workers+1, c["containers"])
	assert.EqualValues(t, workers, c["heartbeats"])
}

func TestProcessPublishesEventAfterCommit(t *testing.T) {
	broker := stream.NewBroker(4)
	e, _, _ := newTestEngine(t, Options{Broker: broker})
	sub := broker.Subscribe("host-a")
	defer broker.Unsubscribe(sub)

	res, err := e.Process(context.Background(), report("host-a", container("A", 1, 2, 3)), Meta{ReqIP: "10.0.0.9"})
	require.NoError(t, err)

	select {
	case ev := <-sub.C():
		assert.Equal(t, res.HeartbeatID, ev.HeartbeatID)
		assert.Equal(t, "10.0.0.9", ev.ReqIP)
		assert.Equal(t, []string{"A"}, ev.Created)
		assert.Equal(t, 1, ev.ContainerCount)
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat event")
	}
}

func TestOnlineStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, StatusRunning, OnlineStatus(now.Add(-30*time.Second), time.Minute, now))
	assert.Equal(t, StatusUnknown, OnlineStatus(now.Add(-2*time.Minute), time.Minute, now))
	assert.Equal(t, StatusUnknown, OnlineStatus(time.Time{}, time.Minute, now))
}
