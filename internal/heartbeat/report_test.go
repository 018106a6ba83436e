package heartbeat

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportDecode(t *testing.T) {
	raw := `{
		"uuid": "host-a",
		"request_id": "r-1",
		"timestamp": "2024-05-01T10:00:00Z",
		"endpoint": "http://10.0.0.5:9000",
		"host": {"cpu_usage": 5, "cpu_core_usage": [1, 2], "mem_total_mb": 100},
		"containers": [
			{"name": "web", "runtime": "docker", "cgroup_id": 30,
			 "namespace": {"pid": 10, "mnt": 20},
			 "stats": {"cpu_percent": 1.5, "proc_count": 2}}
		]
	}`

	var rep Report
	require.NoError(t, json.Unmarshal([]byte(raw), &rep))
	require.NoError(t, rep.Validate())

	assert.Equal(t, "host-a", rep.UUID)
	require.NotNil(t, rep.Timestamp)
	assert.True(t, rep.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	require.Len(t, rep.Containers, 1)
	assert.Equal(t, uint64(10), rep.Containers[0].Namespace.Pid)
	assert.Equal(t, uint64(30), rep.Containers[0].CgroupID)
	assert.Equal(t, uint64(2), rep.Containers[0].Stats.ProcCount)
}

func TestReportValidate(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(r *Report)
		field string
	}{
		{"missing uuid", func(r *Report) { r.UUID = "" }, "uuid"},
		{"long uuid", func(r *Report) { r.UUID = string(make([]byte, 65)) }, "uuid"},
		{"missing host", func(r *Report) { r.Host = nil }, "host"},
		{"negative memory", func(r *Report) { r.Host.MemUsedMB = -1 }, "host.mem_used_mb"},
		{"nan core", func(r *Report) { r.Host.CPUCoreUsage = []float64{1, math.NaN()} }, "host.cpu_core_usage[1]"},
		{"missing name", func(r *Report) { r.Containers[0].Name = "" }, "containers[0].name"},
		{"missing runtime", func(r *Report) { r.Containers[0].Runtime = "" }, "containers[0].runtime"},
		{"cgroup without namespace", func(r *Report) { r.Containers[0].Namespace = nil }, "containers[0].namespace"},
		{"negative container stat", func(r *Report) { r.Containers[0].Stats.BlockReadMB = -1 }, "containers[0].stats.block_read_mb"},
		{"first invalid host field wins", func(r *Report) {
			r.Host.NetSendDataMB = -1
			r.Host.MemPercent = math.Inf(1)
			r.Host.CPUUsage = -5
		}, "host.cpu_usage"},
		{"first invalid stat wins", func(r *Report) {
			r.Containers[0].Stats.BlockWriteMB = -1
			r.Containers[0].Stats.MemUsageMB = math.NaN()
		}, "containers[0].stats.mem_usage_mb"},
		{"duplicate name", func(r *Report) { r.Containers = append(r.Containers, container("A", 4, 5, 6)) }, "containers[1].name"},
		{"zero timestamp", func(r *Report) { r.Timestamp = &time.Time{} }, "timestamp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := report("host-a", container("A", 1, 2, 3))
			tc.edit(r)
			err := r.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	var nilReport *Report
	assert.Error(t, nilReport.Validate())
	assert.NoError(t, report("host-a").Validate())

	// 身份与采样缺失时仍是合法心跳。
	partial := report("host-a", container("A", 1, 2, 3))
	partial.Containers[0].Namespace = nil
	partial.Containers[0].CgroupID = 0
	partial.Containers[0].Stats = nil
	assert.NoError(t, partial.Validate())
}

func TestValidateReportsSameFieldEveryRun(t *testing.T) {
	r := report("host-a", container("A", 1, 2, 3))
	r.Host.DiskPercent = -1
	r.Host.MemTotalMB = -1
	r.Host.NetRecvDataMB = -1
	for i := 0; i < 50; i++ {
		var verr *ValidationError
		require.ErrorAs(t, r.Validate(), &verr)
		require.Equal(t, "host.mem_total_mb", verr.Field)
	}
}
