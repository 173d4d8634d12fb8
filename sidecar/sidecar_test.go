package sidecar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/objectstore"
)

func testObject() medvault.StoredObject {
	return medvault.StoredObject{
		ID:          "5f0c3c1e-8a0a-4c59-9d53-0a1c3d2e4f50",
		TenantID:    "T1",
		OwnerID:     "P7",
		Category:    "lab_result",
		Key:         "root/tenants/T1/owners/P7/lab_results/5f0c3c1e-8a0a-4c59-9d53-0a1c3d2e4f50.pdf",
		Size:        2048,
		ContentHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		ContentType: "application/pdf",
		Encrypted:   true,
		KeyVersion:  2,
		CreatedAt:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestWriter_WriteRead(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	w := NewWriter(store)
	obj := testObject()

	require.NoError(t, w.Write(ctx, obj.Key, ForObject(obj, map[string]string{"source": "scanner"})))

	raw, err := store.Get(ctx, obj.Key+".meta.json")
	require.NoError(t, err)
	assert.Equal(t, ContentType, raw.Info.ContentType)

	d, err := w.Read(ctx, obj.Key)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, d.Version)
	assert.Equal(t, KindObject, d.Kind)
	assert.Equal(t, "scanner", d.Tags["source"])

	rebuilt, err := d.StoredObject(obj.Key)
	require.NoError(t, err)
	assert.Equal(t, obj, rebuilt)
}

func TestWriter_ReadMissing(t *testing.T) {
	w := NewWriter(objectstore.NewMemory())

	_, err := w.Read(context.Background(), "root/tenants/T1/lab_results/x.pdf")
	assert.ErrorIs(t, err, medvault.ErrNotFound)
}

func TestWriter_Delete(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	w := NewWriter(store)
	obj := testObject()

	require.NoError(t, w.Write(ctx, obj.Key, ForObject(obj, nil)))
	require.NoError(t, w.Delete(ctx, obj.Key))
	assert.Equal(t, 0, store.Len())
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "object", data: `{"kind":"object","tenantId":"T1"}`},
		{name: "directory", data: `{"kind":"directory","tenantId":"T1","folders":["lab_results"]}`},
		{name: "not json", data: `{"kind":`, wantErr: true},
		{name: "unknown kind", data: `{"kind":"folder"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDescriptor_StoredObjectRejectsDirectories(t *testing.T) {
	d := Descriptor{Kind: KindDirectory, TenantID: "T1"}

	_, err := d.StoredObject("root/tenants/T1/")
	assert.Error(t, err)
}
