package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/objectstore"
)

// MirrorPrefix is the object store prefix of mirrored entries. It sits beside
// "root/tenants/" so tenant listings never see audit objects.
const MirrorPrefix = "root/audit/"

const mirrorTimeLayout = "20060102T150405.000000000Z"

// ObjectStoreSink mirrors every entry as its own immutable object under
// root/audit/YYYY-MM-DD/. Keys are never reused, so the mirror is append-only.
type ObjectStoreSink struct {
	store objectstore.Client
	newID func() string
}

// NewObjectStoreSink creates a mirror sink.
func NewObjectStoreSink(store objectstore.Client) *ObjectStoreSink {
	return &ObjectStoreSink{store: store, newID: func() string { return uuid.NewString() }}
}

func (s *ObjectStoreSink) Name() string { return "mirror" }

// MirrorKey returns the object key of an entry.
func MirrorKey(entry medvault.AuditEntry, id string) string {
	ts := entry.Timestamp.UTC()
	return fmt.Sprintf("%s%s/%s-%s.json", MirrorPrefix, ts.Format(dayLayout), ts.Format(mirrorTimeLayout), id)
}

func (s *ObjectStoreSink) Write(ctx context.Context, entry medvault.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	return s.store.Put(ctx, MirrorKey(entry, s.newID()), data, "application/json")
}
