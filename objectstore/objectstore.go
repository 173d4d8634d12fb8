// Package objectstore defines the key/value blob store the storage core runs on.
//
// Keys are flat strings; the "/"-separated hierarchy of the namespace package
// is a naming convention only. Implementations must be safe for concurrent
// use. Transport and credential failures are reported as
// medvault.ErrStorageUnavailable, missing keys as medvault.ErrNotFound.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// Client is the object store contract.
type Client interface {
	// Put writes data at key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the object at key.
	Get(ctx context.Context, key string) (*Object, error)

	// List walks every object whose key starts with prefix in lexicographic
	// order, one page at a time. An error returned by fn stops the walk and is
	// returned, except SkipAll which stops it without error.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Presign returns a time-limited URL granting read access to key.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Object is an object's content and metadata.
type Object struct {
	Data []byte
	Info ObjectInfo
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// SkipAll is returned by a List callback to stop walking without error.
var SkipAll = errors.New("skip remaining objects")

// Collect lists prefix into a slice. Intended for small listings and tests.
func Collect(ctx context.Context, c Client, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := c.List(ctx, prefix, func(info ObjectInfo) error {
		out = append(out, info)
		return nil
	})
	return out, err
}
