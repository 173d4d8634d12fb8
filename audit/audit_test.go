package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/internal/metrics"
	"github.com/hengadev/medvault/objectstore"
)

type failingSink struct{}

func (failingSink) Name() string { return "broken" }

func (failingSink) Write(context.Context, medvault.AuditEntry) error {
	return errors.New("disk full")
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileSink_WireFormat(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	ts := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	j := New([]Sink{sink}, WithClock(func() time.Time { return ts }))
	j.Record(context.Background(), medvault.ActionUpload, "stored_object", "obj-1", "T1", "dr-house",
		map[string]any{"key": "root/tenants/T1/lab_results/obj-1.pdf", "outcome": "success"})

	lines := readLines(t, filepath.Join(dir, "audit-2024-03-09.jsonl"))
	require.Len(t, lines, 1)

	var keys []string
	for k := range lines[0] {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"timestamp", "action", "resourceType", "resourceId", "actorId", "tenantId", "detail"}, keys)
	assert.Equal(t, "upload", lines[0]["action"])
	assert.Equal(t, "2024-03-09T14:30:00Z", lines[0]["timestamp"])
	assert.Equal(t, "success", lines[0]["detail"].(map[string]any)["outcome"])
}

func TestFileSink_RotatesAtDayRollover(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	clock := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	j := New([]Sink{sink}, WithClock(func() time.Time { return clock }))

	ctx := context.Background()
	j.Record(ctx, medvault.ActionCreate, "tenant", "T1", "T1", "admin", nil)
	clock = clock.Add(2 * time.Second)
	j.Record(ctx, medvault.ActionProvision, "tenant", "T1", "T1", "admin", nil)
	j.Record(ctx, medvault.ActionAccess, "stored_object", "o1", "T1", "admin", nil)

	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2024-01-31.jsonl")), 1)
	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2024-02-01.jsonl")), 2)
}

func TestFileSink_UsesUTCDay(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	paris := time.FixedZone("CET", 3600)
	local := time.Date(2024, 6, 1, 0, 30, 0, 0, paris)
	New([]Sink{sink}).Append(context.Background(), medvault.AuditEntry{Timestamp: local, Action: medvault.ActionAccess})

	_, err = os.Stat(filepath.Join(dir, "audit-2024-05-31.jsonl"))
	assert.NoError(t, err)
}

func TestFileSink_ConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	ts := time.Date(2024, 5, 5, 8, 0, 0, 0, time.UTC)
	j := New([]Sink{sink}, WithClock(func() time.Time { return ts }))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Record(context.Background(), medvault.ActionAccess, "stored_object", "o", "T1", "nurse", nil)
		}()
	}
	wg.Wait()

	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2024-05-05.jsonl")), 50)
}

func TestJournal_SwallowsSinkFailures(t *testing.T) {
	var logs bytes.Buffer
	m := metrics.New()
	store := objectstore.NewMemory()
	j := New([]Sink{failingSink{}, NewObjectStoreSink(store)},
		WithLogger(zerolog.New(&logs)),
		WithMetrics(m))

	assert.NotPanics(t, func() {
		j.Record(context.Background(), medvault.ActionDelete, "stored_object", "o1", "T1", "admin", nil)
	})

	assert.Equal(t, 1, store.Len(), "healthy sinks still receive the entry")
	assert.Contains(t, logs.String(), "audit write failed")
	assert.Contains(t, logs.String(), `"sink":"broken"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWriteFailures.WithLabelValues("broken")))
}

func TestJournal_NilIsNoOp(t *testing.T) {
	var j *Journal
	assert.NotPanics(t, func() {
		j.Record(context.Background(), medvault.ActionAccess, "stored_object", "o1", "T1", "admin", nil)
	})
}

func TestJournal_DetailIsCopied(t *testing.T) {
	store := objectstore.NewMemory()
	j := New([]Sink{NewObjectStoreSink(store)})

	detail := map[string]any{"error": errors.New("boom")}
	j.Record(context.Background(), medvault.ActionUpload, "stored_object", "o1", "T1", "admin", detail)
	detail["error"] = "changed"

	keys := store.Keys()
	require.Len(t, keys, 1)
	obj, err := store.Get(context.Background(), keys[0])
	require.NoError(t, err)
	assert.Contains(t, string(obj.Data), `"error":"boom"`)
}

func TestObjectStoreSink_Keys(t *testing.T) {
	store := objectstore.NewMemory()
	sink := NewObjectStoreSink(store)
	n := 0
	sink.newID = func() string {
		n++
		return strings.Repeat("a", n)
	}

	entry := medvault.AuditEntry{Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC), Action: medvault.ActionAccess}
	require.NoError(t, sink.Write(context.Background(), entry))
	require.NoError(t, sink.Write(context.Background(), entry))

	assert.Equal(t, []string{
		"root/audit/2024-01-02/20240102T030405.000000006Z-a.json",
		"root/audit/2024-01-02/20240102T030405.000000006Z-aa.json",
	}, store.Keys(), "identical entries never overwrite each other")
}

func TestReader_ReadRange(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	ctx := context.Background()
	j := New([]Sink{sink})
	day1 := time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)
	j.Append(ctx, medvault.AuditEntry{Timestamp: day1, Action: medvault.ActionUpload, ResourceType: "object", ResourceID: "o1", TenantID: "T1", ActorID: "a"})
	j.Append(ctx, medvault.AuditEntry{Timestamp: day1, Action: medvault.ActionUpload, ResourceType: "object", ResourceID: "o2", TenantID: "T2", ActorID: "a"})
	j.Append(ctx, medvault.AuditEntry{Timestamp: day1.AddDate(0, 0, 2), Action: medvault.ActionAccess, ResourceType: "owner", ResourceID: "P1", TenantID: "T1", ActorID: "b"})
	require.NoError(t, sink.Close())

	r := NewReader(dir)

	got, err := r.ReadDay(day1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.ReadDay(day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, got, "a day without journal has no entries")

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "everything", want: 3},
		{name: "tenant", filter: Filter{TenantID: "T1"}, want: 2},
		{name: "action", filter: Filter{Action: medvault.ActionAccess}, want: 1},
		{name: "actor and tenant", filter: Filter{TenantID: "T2", ActorID: "b"}, want: 0},
		{name: "resource type", filter: Filter{ResourceType: "object"}, want: 2},
		{name: "resource type and tenant", filter: Filter{ResourceType: "owner", TenantID: "T1"}, want: 1},
		{name: "resource id", filter: Filter{ResourceID: "o2"}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ReadRange(day1, day1.AddDate(0, 0, 2), tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	_, err = r.ReadRange(day1, day1.AddDate(0, 0, -1), Filter{})
	assert.Error(t, err)
}

func TestReader_MalformedLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName("2024-01-01")), []byte("{\"action\":\"upload\"}\n{oops\n"), 0o640))

	_, err := NewReader(dir).ReadDay(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit-2024-01-01.jsonl:2")
}

func TestReader_LongEntries(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	keys := make([]string, 20000)
	for i := range keys {
		keys[i] = fmt.Sprintf("root/tenants/T1/medical_records/%08d-0000-4000-8000-000000000000.pdf", i)
	}
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	j := New([]Sink{sink}, WithClock(func() time.Time { return day }))
	ctx := context.Background()
	j.Record(ctx, medvault.ActionReconcile, "tenant", "T1", "T1", "admin", map[string]any{"keys": keys})
	j.Record(ctx, medvault.ActionAccess, "object", "o1", "T1", "admin", nil)
	require.NoError(t, sink.Close())

	got, err := NewReader(dir).ReadDay(day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0].Detail["keys"], len(keys))
	assert.Equal(t, medvault.ActionAccess, got[1].Action)
}
