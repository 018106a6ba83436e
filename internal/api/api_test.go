package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bob-yamong/policy-back/internal/heartbeat"
	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

const hostUUID = "8c1a5c3e-8d4f-4a55-9d0e-3f1f9b7c2a10"

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	srv    *Server
	store  *storage.Storage
	broker *stream.Broker
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := storage.Open(context.Background(), storage.Config{
		Path:      filepath.Join(t.TempDir(), "api.db"),
		EnableWAL: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	nop := zerolog.Nop()
	now := func() time.Time { return baseTime.Add(30 * time.Second) }
	broker := stream.NewBroker(4)
	engine := heartbeat.NewEngine(store, heartbeat.Options{Broker: broker, Logger: &nop, Now: now})

	srv, err := New(cfg, Deps{Store: store, Engine: engine, Broker: broker, Logger: &nop, Now: now})
	require.NoError(t, err)
	return &testEnv{srv: srv, store: store, broker: broker}
}

func (e *testEnv) call(t *testing.T, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()

	var r io.Reader
	contentType := fiberJSON
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
		contentType = "application/yaml"
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.srv.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

const fiberJSON = "application/json"

func report(containers ...heartbeat.ContainerReport) heartbeat.Report {
	ts := baseTime
	return heartbeat.Report{
		UUID:      hostUUID,
		Timestamp: &ts,
		Endpoint:  "http://10.0.0.7:9000",
		Host: &heartbeat.HostMetrics{
			CPUUsage:     35,
			CPUCoreUsage: []float64{30, 40},
			MemTotalMB:   2048,
			MemUsedMB:    1024,
			MemPercent:   50,
		},
		Containers: containers,
	}
}

func ctr(name string, pid uint64) heartbeat.ContainerReport {
	return heartbeat.ContainerReport{
		Name:      name,
		Runtime:   "docker",
		CgroupID:  pid + 1000,
		Namespace: &heartbeat.Namespace{Pid: pid, Mnt: pid + 1},
		Stats:     &heartbeat.ContainerStats{CPUPercent: 10, MemUsageMB: 64, ProcCount: 2},
	}
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

type errorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func TestHeartbeatAndServerListing(t *testing.T) {
	env := newTestEnv(t, Config{OnlineWindow: time.Minute})

	code, raw := env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10), ctr("db", 20)))
	require.Equal(t, http.StatusCreated, code, string(raw))
	res := decode[heartbeatResponse](t, raw)
	assert.True(t, res.ServerCreated)
	assert.ElementsMatch(t, []string{"web", "db"}, res.Created)
	assert.Empty(t, res.Removed)

	code, raw = env.call(t, http.MethodGet, "/api/v1/server", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[struct {
		Count  int          `json:"count"`
		Server []serverInfo `json:"server"`
	}](t, raw)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, hostUUID, list.Server[0].UUID)
	assert.Equal(t, heartbeat.StatusRunning, list.Server[0].Status)
	require.NotNil(t, list.Server[0].LastHeartbeat)
	assert.True(t, list.Server[0].LastHeartbeat.Equal(baseTime))

	code, raw = env.call(t, http.MethodGet, "/api/v1/server/1/containers", nil)
	require.Equal(t, http.StatusOK, code)
	containers := decode[struct {
		Cnt        int             `json:"cnt"`
		Containers []containerInfo `json:"containers"`
	}](t, raw)
	require.Equal(t, 2, containers.Cnt)
	for _, c := range containers.Containers {
		require.NotNil(t, c.PidID)
		assert.Nil(t, c.RemovedAt)
	}

	// 第二次心跳缺少 db：db 被标记为已移除
	code, raw = env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10)))
	require.Equal(t, http.StatusCreated, code, string(raw))
	res = decode[heartbeatResponse](t, raw)
	assert.False(t, res.ServerCreated)
	assert.Len(t, res.Removed, 1)

	code, raw = env.call(t, http.MethodGet, "/api/v1/server/1/containers?alive=true", nil)
	require.Equal(t, http.StatusOK, code)
	containers = decode[struct {
		Cnt        int             `json:"cnt"`
		Containers []containerInfo `json:"containers"`
	}](t, raw)
	require.Equal(t, 1, containers.Cnt)
	assert.Equal(t, "web", containers.Containers[0].Name)

	code, raw = env.call(t, http.MethodGet, "/api/v1/server/1/heartbeats?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"count":1`)
}

func TestHeartbeatRejections(t *testing.T) {
	env := newTestEnv(t, Config{})

	code, raw := env.call(t, http.MethodPost, "/api/v1/heartbeat", map[string]any{"uuid": hostUUID})
	require.Equal(t, http.StatusBadRequest, code)
	body := decode[errorBody](t, raw)
	assert.True(t, body.Error)
	assert.Contains(t, body.Message, "host")

	dup := report(ctr("web", 10), ctr("web", 11))
	code, _ = env.call(t, http.MethodPost, "/api/v1/heartbeat", dup)
	assert.Equal(t, http.StatusBadRequest, code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/heartbeat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", fiberJSON)
	resp, err := env.srv.App().Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	counts, err := env.store.TableCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts["servers"])
	assert.Zero(t, counts["heartbeats"])
}

func TestHeartbeatRequestIDRetry(t *testing.T) {
	env := newTestEnv(t, Config{})

	rep := report(ctr("web", 10))
	rep.RequestID = "req-1"
	code, _ := env.call(t, http.MethodPost, "/api/v1/heartbeat", rep)
	require.Equal(t, http.StatusCreated, code)

	code, raw := env.call(t, http.MethodPost, "/api/v1/heartbeat", rep)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, decode[heartbeatResponse](t, raw).Duplicate)

	counts, err := env.store.TableCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["heartbeats"])
	assert.Equal(t, int64(1), counts["system_infos"])
}

func TestServerCRUD(t *testing.T) {
	env := newTestEnv(t, Config{})

	code, raw := env.call(t, http.MethodPost, "/api/v1/server", map[string]string{"uuid": hostUUID, "name": "edge-1"})
	require.Equal(t, http.StatusCreated, code, string(raw))
	created := decode[serverInfo](t, raw)
	assert.Equal(t, "edge-1", created.Name)
	assert.Equal(t, heartbeat.StatusUnknown, created.Status)
	assert.Nil(t, created.LastHeartbeat)

	code, _ = env.call(t, http.MethodPost, "/api/v1/server", map[string]string{"uuid": hostUUID})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = env.call(t, http.MethodPost, "/api/v1/server", map[string]string{"uuid": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw = env.call(t, http.MethodPut, "/api/v1/server/1", map[string]string{"name": "edge-renamed"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "edge-renamed", decode[serverInfo](t, raw).Name)

	code, raw = env.call(t, http.MethodGet, "/api/v1/server/99", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.True(t, decode[errorBody](t, raw).Error)

	code, _ = env.call(t, http.MethodGet, "/api/v1/server/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, http.MethodGet, "/api/v1/server/99/containers", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestContainerTagsAndDetail(t *testing.T) {
	env := newTestEnv(t, Config{})

	code, _ := env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10), ctr("db", 20)))
	require.Equal(t, http.StatusCreated, code)

	code, _ = env.call(t, http.MethodPost, "/api/v1/container/tags", tagUpdate{Tags: []string{"prod", "frontend"}, Containers: []uint64{1}})
	require.Equal(t, http.StatusOK, code)

	code, raw := env.call(t, http.MethodGet, "/api/v1/server/1/containers?tag=frontend", nil)
	require.Equal(t, http.StatusOK, code)
	filtered := decode[struct {
		Cnt        int             `json:"cnt"`
		Containers []containerInfo `json:"containers"`
	}](t, raw)
	require.Equal(t, 1, filtered.Cnt)
	assert.ElementsMatch(t, []string{"prod", "frontend"}, filtered.Containers[0].Tags)

	code, _ = env.call(t, http.MethodPut, "/api/v1/container/tags", tagUpdate{Tags: []string{"staging"}, Containers: []uint64{1}})
	require.Equal(t, http.StatusOK, code)

	code, raw = env.call(t, http.MethodGet, "/api/v1/container/1", nil)
	require.Equal(t, http.StatusOK, code)
	detail := decode[containerInfo](t, raw)
	assert.Equal(t, []string{"staging"}, detail.Tags)
	require.NotNil(t, detail.CgroupID)
	assert.Equal(t, uint64(1010), *detail.CgroupID)

	code, raw = env.call(t, http.MethodGet, "/api/v1/container/1/identities", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"count":1`)

	code, _ = env.call(t, http.MethodPost, "/api/v1/container/tags", tagUpdate{Tags: []string{"x"}, Containers: []uint64{404}})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.call(t, http.MethodPost, "/api/v1/container/tags", tagUpdate{Tags: []string{"x"}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, http.MethodGet, "/api/v1/container/404", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	code, _ := env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10)))
	require.Equal(t, http.StatusCreated, code)

	code, raw := env.call(t, http.MethodGet, "/api/v1/server/1/stats?unit=hour&aggregator=max", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	host := decode[struct {
		CPU    []map[string]any `json:"cpu"`
		Memory []any            `json:"memory"`
	}](t, raw)
	require.Len(t, host.CPU, 1)
	assert.Equal(t, 30.0, host.CPU[0]["cpu1"])
	assert.Equal(t, 40.0, host.CPU[0]["cpu2"])
	assert.NotNil(t, host.Memory)

	code, raw = env.call(t, http.MethodGet, "/api/v1/container/1/stats", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Contains(t, string(raw), `"cpu":[`)

	code, raw = env.call(t, http.MethodGet, "/api/v1/server/1/stats?unit=fortnight", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, decode[errorBody](t, raw).Message, "unit")

	code, _ = env.call(t, http.MethodGet, "/api/v1/server/1/stats?aggregator=sum", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, http.MethodGet, "/api/v1/server/7/stats", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

const bundleYAML = `
name: block-shell
containers:
  - container_name: web
    raw_tp: sys_enter
    tracepoint_policy:
      tracepoints: [sys_enter_execve]
`

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	code, _ := env.call(t, http.MethodPost, "/api/v1/server", map[string]string{"uuid": hostUUID})
	require.Equal(t, http.StatusCreated, code)

	code, raw := env.call(t, http.MethodPost, "/api/v1/policy/server/1", bundleYAML)
	require.Equal(t, http.StatusCreated, code, string(raw))
	applied := decode[struct {
		Count    int              `json:"count"`
		Policies []storage.Policy `json:"policies"`
	}](t, raw)
	require.Equal(t, 1, applied.Count)
	policyID := applied.Policies[0].ID
	containerID := applied.Policies[0].ContainerID

	code, _ = env.call(t, http.MethodPost, "/api/v1/policy/server/1", bundleYAML)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = env.call(t, http.MethodPost, "/api/v1/policy/server/1", "name: x\nunknown_field: 1\n")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, http.MethodPost, "/api/v1/policy/server/42", bundleYAML)
	assert.Equal(t, http.StatusNotFound, code)

	code, raw = env.call(t, http.MethodGet, "/api/v1/policy/server/1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"name":"block-shell"`)
	assert.Contains(t, string(raw), `"container_name":"web"`)

	path := "/api/v1/policy/container/" + itoa(containerID)
	code, raw = env.call(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"sys_enter_execve"`)

	code, _ = env.call(t, http.MethodDelete, path+"/"+itoa(policyID), nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = env.call(t, http.MethodDelete, path+"/"+itoa(policyID), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func TestJWTProtectsOperatorRoutes(t *testing.T) {
	const secret = "s3cret"
	env := newTestEnv(t, Config{JWTSecret: secret})

	code, _ := env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10)))
	assert.Equal(t, http.StatusCreated, code)

	code, raw := env.call(t, http.MethodGet, "/api/v1/server", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.True(t, decode[errorBody](t, raw).Error)

	code, _ = env.call(t, http.MethodGet, "/api/v1/server", nil, "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, code)

	bad, err := GenerateToken("ops", "other-secret", time.Hour)
	require.NoError(t, err)
	code, _ = env.call(t, http.MethodGet, "/api/v1/server", nil, "Authorization", "Bearer "+bad)
	assert.Equal(t, http.StatusUnauthorized, code)

	token, err := GenerateToken("ops", secret, time.Hour)
	require.NoError(t, err)
	code, _ = env.call(t, http.MethodGet, "/api/v1/server", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, code)

	_, err = GenerateToken("ops", "", time.Hour)
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{JWTSecret: "locked"})

	code, raw := env.call(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"driver":"sqlite"`)

	code, _ = env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10)))
	require.Equal(t, http.StatusCreated, code)

	code, raw = env.call(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "policyback_heartbeats_total")
	assert.Contains(t, string(raw), "policyback_api_requests_total")
}

func TestMetricsSurviveMixedTraffic(t *testing.T) {
	env := newTestEnv(t, Config{})

	code, _ := env.call(t, http.MethodPost, "/api/v1/heartbeat", report(ctr("web", 10)))
	require.Equal(t, http.StatusCreated, code)
	for i := 0; i < 5; i++ {
		env.call(t, http.MethodGet, "/api/v1/server", nil)
		env.call(t, http.MethodPut, "/api/v1/server/1", map[string]string{"name": "edge-" + strconv.Itoa(i)})
		env.call(t, http.MethodDelete, "/api/v1/policy/container/1/99", nil)
		env.call(t, http.MethodPost, "/api/v1/server", map[string]string{"name": "x"})
		env.call(t, http.MethodGet, "/api/v1/server/999?verbose=1", nil)
	}

	_, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	code, raw := env.call(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `method="PUT"`)
	assert.Contains(t, string(raw), `method="DELETE"`)
}

func TestHeartbeatStream(t *testing.T) {
	env := newTestEnv(t, Config{})

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for env.broker.SubscriberCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		env.broker.Publish(stream.HeartbeatEvent{ServerID: 1, ServerUUID: hostUUID, HeartbeatID: 7, Created: []string{"web"}})
		env.broker.Publish(stream.HeartbeatEvent{ServerID: 2, ServerUUID: "someone-else", HeartbeatID: 8})
		env.broker.Close()
	}()

	code, raw := env.call(t, http.MethodGet, "/api/v1/heartbeat/stream?uuid="+hostUUID, nil)
	require.Equal(t, http.StatusOK, code)

	body := string(raw)
	assert.Contains(t, body, "event: heartbeat")
	assert.Contains(t, body, "id: 7")
	assert.Contains(t, body, `"created":["web"]`)
	assert.NotContains(t, body, "id: 8")
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&heartbeat.ValidationError{Field: "uuid", Reason: "is required"}, http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrConflict, http.StatusConflict},
		{heartbeat.ErrStorage, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := statusOf(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
	}

	_, msg := statusOf(heartbeat.ErrStorage)
	assert.Equal(t, msgStorageUnavailable, msg)
}
