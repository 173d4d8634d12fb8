// Package sidecar writes and reads the JSON descriptors stored next to every
// payload and provisioned directory.
//
// A descriptor lives at the payload key plus ".meta.json" and is always written
// after its payload, so its presence proves the upload completed. Directory
// descriptors are stored at the directory prefix plus ".meta.json".
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/namespace"
	"github.com/hengadev/medvault/objectstore"
)

// ContentType is the content type of every sidecar object.
const ContentType = "application/json"

// SchemaVersion is written into every descriptor.
const SchemaVersion = 1

// Kind tells whether a descriptor describes an object or a directory.
type Kind string

const (
	KindObject    Kind = "object"
	KindDirectory Kind = "directory"
)

// Descriptor is the JSON document stored in a sidecar.
type Descriptor struct {
	Version     int               `json:"version"`
	Kind        Kind              `json:"kind"`
	ObjectID    string            `json:"objectId,omitempty"`
	TenantID    string            `json:"tenantId"`
	OwnerID     string            `json:"ownerId,omitempty"`
	Category    string            `json:"category,omitempty"`
	Size        int64             `json:"size"`
	ContentHash string            `json:"contentHash,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Encrypted   bool              `json:"encrypted"`
	KeyVersion  int               `json:"keyVersion"`
	UploadedAt  time.Time         `json:"uploadedAt"`
	Tags        map[string]string `json:"tags,omitempty"`

	// Directory descriptors only.
	Folders   []string                        `json:"folders,omitempty"`
	Fields    map[string]string               `json:"fields,omitempty"`
	Sensitive map[string]medvault.SealedField `json:"sensitive,omitempty"`
}

// ForObject builds the descriptor of a stored object.
func ForObject(obj medvault.StoredObject, tags map[string]string) Descriptor {
	return Descriptor{
		Version:     SchemaVersion,
		Kind:        KindObject,
		ObjectID:    obj.ID,
		TenantID:    obj.TenantID,
		OwnerID:     obj.OwnerID,
		Category:    obj.Category,
		Size:        obj.Size,
		ContentHash: obj.ContentHash,
		ContentType: obj.ContentType,
		Encrypted:   obj.Encrypted,
		KeyVersion:  obj.KeyVersion,
		UploadedAt:  obj.CreatedAt.UTC(),
		Tags:        tags,
	}
}

// StoredObject reconstructs the catalog record of the payload at key.
// The key itself is authoritative; the descriptor only fills in metadata.
func (d Descriptor) StoredObject(key string) (medvault.StoredObject, error) {
	if d.Kind != KindObject {
		return medvault.StoredObject{}, fmt.Errorf("sidecar of '%s' describes a %s, not an object", key, d.Kind)
	}
	return medvault.StoredObject{
		ID:          d.ObjectID,
		TenantID:    d.TenantID,
		OwnerID:     d.OwnerID,
		Category:    d.Category,
		Key:         key,
		Size:        d.Size,
		ContentHash: d.ContentHash,
		ContentType: d.ContentType,
		Encrypted:   d.Encrypted,
		KeyVersion:  d.KeyVersion,
		CreatedAt:   d.UploadedAt,
	}, nil
}

// Writer stores descriptors through an object store client.
type Writer struct {
	store objectstore.Client
}

// NewWriter creates a Writer.
func NewWriter(store objectstore.Client) *Writer {
	return &Writer{store: store}
}

// Write stores the descriptor of the payload or directory at key.
func (w *Writer) Write(ctx context.Context, key string, d Descriptor) error {
	if d.Version == 0 {
		d.Version = SchemaVersion
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode sidecar of '%s': %w", key, err)
	}
	return w.store.Put(ctx, namespace.SidecarKey(key), data, ContentType)
}

// Read loads the descriptor of the payload at key. A missing sidecar fails
// with ErrNotFound.
func (w *Writer) Read(ctx context.Context, key string) (Descriptor, error) {
	obj, err := w.store.Get(ctx, namespace.SidecarKey(key))
	if err != nil {
		return Descriptor{}, err
	}
	return Decode(obj.Data)
}

// Delete removes the sidecar of the payload at key.
func (w *Writer) Delete(ctx context.Context, key string) error {
	return w.store.Delete(ctx, namespace.SidecarKey(key))
}

// ErrMalformed is returned for sidecars that are not valid descriptors.
var ErrMalformed = errors.New("malformed sidecar")

// Decode parses a descriptor.
func Decode(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if d.Kind != KindObject && d.Kind != KindDirectory {
		return Descriptor{}, fmt.Errorf("%w: unknown kind '%s'", ErrMalformed, d.Kind)
	}
	return d, nil
}
