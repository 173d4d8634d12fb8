package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hengadev/medvault"
)

// Op names an object store operation, used for fault injection.
type Op string

const (
	OpPut     Op = "put"
	OpGet     Op = "get"
	OpList    Op = "list"
	OpDelete  Op = "delete"
	OpPresign Op = "presign"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Memory is an in-memory Client. Listings are served in pages of PageSize keys
// so callers observe the same streaming behaviour as a remote store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// PageSize bounds the keys snapshotted per listing page.
	PageSize int

	// Fault, when set, is consulted before every operation; a non-nil result
	// fails the operation with that error.
	Fault func(op Op, key string) error

	// Now is the clock used for LastModified.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string]memoryObject),
		PageSize: 1000,
		Now:      time.Now,
	}
}

func (m *Memory) fault(op Op, key string) error {
	m.mu.RLock()
	fault := m.Fault
	m.mu.RUnlock()
	if fault == nil {
		return nil
	}
	return fault(op, key)
}

// SetFault replaces the fault injector.
func (m *Memory) SetFault(fault func(op Op, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fault = fault
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fault(OpPut, key); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: buf, contentType: contentType, modified: m.Now().UTC()}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fault(OpGet, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, medvault.NewNotFoundError("object", key)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return &Object{
		Data: data,
		Info: ObjectInfo{Key: key, Size: int64(len(data)), ContentType: obj.contentType, LastModified: obj.modified},
	}, nil
}

func (m *Memory) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.fault(OpList, prefix); err != nil {
			return err
		}
		page := m.page(prefix, after, pageSize)
		for _, info := range page {
			if err := fn(info); err != nil {
				if errors.Is(err, SkipAll) {
					return nil
				}
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

// page returns up to n objects under prefix whose key sorts after the marker.
func (m *Memory) page(prefix, after string, n int) []ObjectInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > n {
		keys = keys[:n]
	}
	out := make([]ObjectInfo, len(keys))
	for i, k := range keys {
		obj := m.objects[k]
		out[i] = ObjectInfo{Key: k, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified}
	}
	return out
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fault(OpDelete, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := m.fault(OpPresign, key); err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", medvault.NewNotFoundError("object", key)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive, got %s", ttl)
	}
	expires := m.Now().Add(ttl).UTC().Unix()
	return fmt.Sprintf("memory:///%s?expires=%d", url.PathEscape(key), expires), nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Keys returns every stored key in lexicographic order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
