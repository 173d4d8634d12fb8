package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/analytics"
	"github.com/hengadev/medvault/objectstore"
	"github.com/hengadev/medvault/sidecar"
)

// setupEnv points the configuration at a temporary catalog and journal with a
// static keyring, and returns a cli sharing one in-memory store across runs.
func setupEnv(t *testing.T) (*cli, *objectstore.Memory) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MEDVAULT_DEPARTMENT", "medicine")
	t.Setenv("MEDVAULT_STORE", "memory")
	t.Setenv("MEDVAULT_DB_DRIVER", "sqlite3")
	t.Setenv("MEDVAULT_DB_DSN", "file:"+filepath.Join(dir, "db", "catalog.db")+"?_foreign_keys=on")
	t.Setenv("MEDVAULT_KMS", "static")
	t.Setenv("MEDVAULT_ENCRYPTION_KEYS", "1:cli-test-secret")
	t.Setenv("MEDVAULT_AUDIT_DIR", filepath.Join(dir, "audit"))
	t.Setenv("MEDVAULT_LOG_LEVEL", "error")
	t.Setenv("MEDVAULT_METRICS_ADDR", "")
	t.Setenv("MEDVAULT_REDIS_ADDR", "")

	store := objectstore.NewMemory()
	return &cli{store: store}, store
}

func run(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(c)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--actor", "tester", "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, c.close())
	return out.String(), err
}

func mustRun(t *testing.T, c *cli, args ...string) string {
	t.Helper()
	out, err := run(t, c, args...)
	require.NoError(t, err, out)
	return out
}

func TestCLI_Workflow(t *testing.T) {
	c, _ := setupEnv(t)

	out := mustRun(t, c, "provision", "tenant", "T1", "--name", "Clinique du Parc")
	assert.Contains(t, out, "tenant T1: complete, 6 folders created, 0 failed")

	out = mustRun(t, c, "provision", "owner", "T1", "P1", "--field", "address=1 rue de la Paix", "--field", "blood_type=A+")
	assert.Contains(t, out, "owner P1: complete, 6 folders created")

	out = mustRun(t, c, "owner", "show", "T1", "P1")
	assert.Contains(t, out, "blood_type: A+")
	assert.Contains(t, out, "address: <sealed, key version 1>")
	assert.NotContains(t, out, "rue de la Paix")

	out = mustRun(t, c, "owner", "show", "T1", "P1", "--reveal")
	assert.Contains(t, out, "address: 1 rue de la Paix")

	content := []byte("%PDF-1.4 discharge summary")
	file := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(file, content, 0o600))

	out = mustRun(t, c, "upload", "T1", file, "--owner", "P1", "--category", "medical_record", "--tag", "source=scanner")
	var obj medvault.StoredObject
	require.NoError(t, json.Unmarshal([]byte(out), &obj))
	assert.True(t, strings.HasPrefix(obj.Key, "root/tenants/T1/owners/P1/medical_records/"))
	assert.True(t, obj.Encrypted)
	assert.Equal(t, "application/pdf", obj.ContentType)

	out = mustRun(t, c, "open", "T1", obj.Key)
	assert.Equal(t, string(content), out)

	out = mustRun(t, c, "objects", "T1")
	assert.Contains(t, out, obj.Key)
	assert.Contains(t, out, "v1")

	out = mustRun(t, c, "tenant", "list")
	assert.Contains(t, out, "Clinique du Parc")
	assert.Contains(t, out, "26 B")

	out = mustRun(t, c, "analytics", "T1", "--json")
	var summary analytics.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(1), summary.Objects)
	assert.Equal(t, int64(1), summary.ByOwner["P1"].Objects)

	out = mustRun(t, c, "reconcile", "T1")
	assert.Contains(t, out, "tenant T1: scanned=1 known=1 missingInDb=0")

	out = mustRun(t, c, "keys", "current")
	assert.Equal(t, "1\n", out)
	out = mustRun(t, c, "keys", "rotate")
	assert.Equal(t, "rotated from version 1 to 2\n", out)

	out = mustRun(t, c, "audit", "show", "--tenant", "T1", "--action", "upload")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var entry medvault.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "tester", entry.ActorID)
	assert.Equal(t, obj.ID, entry.ResourceID)

	mustRun(t, c, "delete", "T1", obj.Key)
	_, err := run(t, c, "open", "T1", obj.Key)
	assert.ErrorIs(t, err, medvault.ErrNotFound)
}

func TestCLI_ReconcileRecoversFromSidecars(t *testing.T) {
	c, store := setupEnv(t)
	mustRun(t, c, "provision", "tenant", "T1")

	key := "root/tenants/T1/lab_results/0b7e5c1e-3f0a-4a8e-8d4e-0f3c2a9b6d11.pdf"
	require.NoError(t, store.Put(context.Background(), key, []byte("lab"), "application/pdf"))
	desc := sidecar.ForObject(medvault.StoredObject{
		ID: "0b7e5c1e-3f0a-4a8e-8d4e-0f3c2a9b6d11", TenantID: "T1", Category: "lab_result",
		Key: key, Size: 3, ContentType: "application/pdf", CreatedAt: time.Now().UTC(),
	}, nil)
	require.NoError(t, sidecar.NewWriter(store).Write(context.Background(), key, desc))

	out := mustRun(t, c, "reconcile", "--all", "--dry-run")
	assert.Contains(t, out, "missing in catalog: "+key)
	assert.NotContains(t, mustRun(t, c, "objects", "T1"), key)

	out = mustRun(t, c, "reconcile", "--all")
	assert.Contains(t, out, "created: "+key)
	assert.Contains(t, mustRun(t, c, "objects", "T1"), key)
}

func TestCLI_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr error
	}{
		{
			name:    "reconcile without tenants",
			args:    []string{"reconcile"},
			wantErr: medvault.ErrInvalidConfiguration,
		},
		{
			name:    "reconcile with tenants and --all",
			args:    []string{"reconcile", "T1", "--all"},
			wantErr: medvault.ErrInvalidConfiguration,
		},
		{
			name:    "keys in pass-through mode",
			env:     map[string]string{"MEDVAULT_KMS": "none"},
			args:    []string{"keys", "current"},
			wantErr: medvault.ErrInvalidConfiguration,
		},
		{
			name:    "unknown tenant status",
			args:    []string{"tenant", "status", "T1", "deleted"},
			wantErr: medvault.ErrInvalidConfiguration,
		},
		{
			name:    "invalid configuration",
			env:     map[string]string{"MEDVAULT_STORE": "ftp"},
			args:    []string{"tenant", "list"},
			wantErr: medvault.ErrInvalidConfiguration,
		},
		{
			name:    "unknown tenant",
			args:    []string{"analytics", "T9"},
			wantErr: medvault.ErrNotFound,
		},
		{
			name:    "bad since",
			args:    []string{"analytics", "T1", "--since", "last week"},
			wantErr: medvault.ErrInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := setupEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := run(t, c, tt.args...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCLI_DepartmentMismatch(t *testing.T) {
	c, _ := setupEnv(t)
	mustRun(t, c, "provision", "tenant", "T1")

	t.Setenv("MEDVAULT_DEPARTMENT", "dentistry")
	_, err := run(t, c, "analytics", "T1")
	assert.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestCLI_Health(t *testing.T) {
	c, store := setupEnv(t)

	out := mustRun(t, c, "health")
	for _, check := range []string{"audit_dir", "catalog", "key_provider", "object_store"} {
		assert.Contains(t, out, check)
	}
	assert.Contains(t, out, "overall: healthy")

	store.SetFault(func(op objectstore.Op, key string) error {
		return medvault.NewStorageUnavailableError(string(op), key, errors.New("bucket unreachable"))
	})
	t.Setenv("MEDVAULT_STORE_RETRIES", "0")
	out, err := run(t, c, "health", "--json")
	assert.Error(t, err)
	assert.Contains(t, out, "bucket unreachable")
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2024-01", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2024-01-15", want: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{in: "2024-01-15T10:00:00Z", want: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTime(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "7.0 KiB", formatBytes(7*1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3*512*1024))
	assert.Equal(t, "10.0 GiB", formatBytes(10<<30))
}

func TestEnsureSQLiteDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ensureSQLiteDir("file:"+filepath.Join(dir, "a", "b", "keys.db")+"?cache=shared"))
	assert.DirExists(t, filepath.Join(dir, "a", "b"))

	assert.NoError(t, ensureSQLiteDir("file::memory:?cache=shared"))
	assert.NoError(t, ensureSQLiteDir(""))
}
