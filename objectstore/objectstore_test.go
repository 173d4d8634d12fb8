package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "root/tenants/T1/a.pdf", []byte("payload"), "application/pdf"))

	obj, err := m.Get(ctx, "root/tenants/T1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), obj.Data)
	assert.Equal(t, int64(7), obj.Info.Size)
	assert.Equal(t, "application/pdf", obj.Info.ContentType)

	obj.Data[0] = 'X'
	again, err := m.Get(ctx, "root/tenants/T1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), again.Data, "returned data is a copy")

	require.NoError(t, m.Delete(ctx, "root/tenants/T1/a.pdf"))
	require.NoError(t, m.Delete(ctx, "root/tenants/T1/a.pdf"), "deleting twice is not an error")

	_, err = m.Get(ctx, "root/tenants/T1/a.pdf")
	assert.ErrorIs(t, err, medvault.ErrNotFound)
}

func TestMemory_ListIsLexicographicAndPaged(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PageSize = 2

	keys := []string{
		"root/tenants/T1/lab_results/b.pdf",
		"root/tenants/T1/lab_results/a.pdf.meta.json",
		"root/tenants/T1/lab_results/a.pdf",
		"root/tenants/T10/lab_results/c.pdf",
		"root/tenants/T1/.keep",
	}
	for _, k := range keys {
		require.NoError(t, m.Put(ctx, k, []byte(k), ""))
	}

	got, err := Collect(ctx, m, "root/tenants/T1/")
	require.NoError(t, err)

	var listed []string
	for _, info := range got {
		listed = append(listed, info.Key)
	}
	assert.Equal(t, []string{
		"root/tenants/T1/.keep",
		"root/tenants/T1/lab_results/a.pdf",
		"root/tenants/T1/lab_results/a.pdf.meta.json",
		"root/tenants/T1/lab_results/b.pdf",
	}, listed)
}

func TestMemory_ListStops(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, fmt.Sprintf("k/%d", i), nil, ""))
	}

	seen := 0
	err := m.List(ctx, "k/", func(ObjectInfo) error {
		seen++
		if seen == 2 {
			return SkipAll
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)

	boom := errors.New("boom")
	err = m.List(ctx, "k/", func(ObjectInfo) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMemory_Presign(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Now = func() time.Time { return time.Unix(1700000000, 0) }
	require.NoError(t, m.Put(ctx, "a/b.pdf", []byte("x"), ""))

	url, err := m.Presign(ctx, "a/b.pdf", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "memory:///"))
	assert.Contains(t, url, "expires=1700000060")

	_, err = m.Presign(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, medvault.ErrNotFound)

	_, err = m.Presign(ctx, "a/b.pdf", 0)
	assert.Error(t, err)
}

func TestMemory_Fault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetFault(func(op Op, key string) error {
		if op == OpPut && strings.HasSuffix(key, ".meta.json") {
			return medvault.NewStorageUnavailableError("put", key, errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, m.Put(ctx, "a.pdf", nil, ""))
	err := m.Put(ctx, "a.pdf.meta.json", nil, "")
	assert.ErrorIs(t, err, medvault.ErrStorageUnavailable)
	assert.Equal(t, 1, m.Len())
}

func fastRetry() RetryOptions {
	return RetryOptions{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestWithRetry(t *testing.T) {
	unavailable := medvault.NewStorageUnavailableError("put", "k", errors.New("503"))

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int32
		wantErr   error
	}{
		{name: "succeeds first time", failures: 0, err: unavailable, wantCalls: 1},
		{name: "recovers after transient failures", failures: 2, err: unavailable, wantCalls: 3},
		{name: "gives up after max retries", failures: 10, err: unavailable, wantCalls: 4, wantErr: medvault.ErrStorageUnavailable},
		{name: "does not retry permanent errors", failures: 10, err: medvault.ErrNotFound, wantCalls: 1, wantErr: medvault.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			var calls int32
			m.SetFault(func(op Op, key string) error {
				if atomic.AddInt32(&calls, 1) <= int32(tt.failures) {
					return tt.err
				}
				return nil
			})

			err := WithRetry(m, fastRetry()).Put(context.Background(), "k", []byte("v"), "")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestWithRetry_ListDoesNotReplayDeliveredEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PageSize = 1
	require.NoError(t, m.Put(ctx, "p/a", nil, ""))
	require.NoError(t, m.Put(ctx, "p/b", nil, ""))

	var listCalls int32
	m.SetFault(func(op Op, key string) error {
		if op == OpList && atomic.AddInt32(&listCalls, 1) == 2 {
			return medvault.NewStorageUnavailableError("list", key, errors.New("timeout"))
		}
		return nil
	})

	var seen []string
	err := WithRetry(m, fastRetry()).List(ctx, "p/", func(info ObjectInfo) error {
		seen = append(seen, info.Key)
		return nil
	})
	assert.ErrorIs(t, err, medvault.ErrStorageUnavailable)
	assert.Equal(t, []string{"p/a"}, seen)
}

func TestWithRetry_ListRetriesBeforeFirstEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "p/a", nil, ""))

	var listCalls int32
	m.SetFault(func(op Op, key string) error {
		if op == OpList && atomic.AddInt32(&listCalls, 1) == 1 {
			return medvault.NewStorageUnavailableError("list", key, errors.New("timeout"))
		}
		return nil
	})

	got, err := Collect(ctx, WithRetry(m, fastRetry()), "p/")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestWithRetry_HonoursCancellation(t *testing.T) {
	m := NewMemory()
	m.SetFault(func(Op, string) error {
		return medvault.NewStorageUnavailableError("get", "k", errors.New("down"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(m, RetryOptions{MaxRetries: 100, InitialInterval: time.Hour}).Get(ctx, "k")
	assert.Error(t, err)
}
