// Package namespace maps tenants, owners and file categories to deterministic
// object-store keys.
//
// Keys follow the layout shared with existing stored data:
//
//	root/tenants/{tenantId}/[owners/{ownerId}/]{category-folder}/{uuid}.{ext}
//
// with the JSON sidecar of an object stored at the same key plus ".meta.json".
// The tenant id always directly follows the fixed "root/tenants/" segments and
// ends with a separator, so the prefixes of two tenants never overlap and a
// per-tenant listing is a single prefix scan.
package namespace

import (
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/hengadev/medvault"
)

const (
	Root            = "root"
	TenantsSegment  = "tenants"
	OwnersSegment   = "owners"
	SidecarSuffix   = ".meta.json"
	PlaceholderName = ".keep"
	separator       = "/"
)

// Namespace resolves keys for one department.
type Namespace struct {
	dept Department
}

// New creates a Namespace over the department's category table.
func New(dept Department) *Namespace {
	return &Namespace{dept: dept}
}

// Department returns the department the namespace resolves for.
func (n *Namespace) Department() Department {
	return n.dept
}

// TenantPrefix returns "root/tenants/{tenantId}/".
func (n *Namespace) TenantPrefix(tenantID string) (string, error) {
	if err := validateSegment("tenant", tenantID); err != nil {
		return "", err
	}
	return Root + separator + TenantsSegment + separator + tenantID + separator, nil
}

// OwnerPrefix returns "root/tenants/{tenantId}/owners/{ownerId}/".
func (n *Namespace) OwnerPrefix(tenantID, ownerID string) (string, error) {
	prefix, err := n.TenantPrefix(tenantID)
	if err != nil {
		return "", err
	}
	if err := validateSegment("owner", ownerID); err != nil {
		return "", err
	}
	return prefix + OwnersSegment + separator + ownerID + separator, nil
}

// Resolve returns the folder prefix of a category for a tenant, or for an owner
// of that tenant when ownerID is not empty.
func (n *Namespace) Resolve(tenantID, ownerID string, c Category) (string, error) {
	folder, ok := n.dept.Folder(c)
	if !ok {
		return "", medvault.NewInvalidCategoryError(n.dept.Name, string(c))
	}
	var (
		prefix string
		err    error
	)
	if ownerID == "" {
		prefix, err = n.TenantPrefix(tenantID)
	} else {
		prefix, err = n.OwnerPrefix(tenantID, ownerID)
	}
	if err != nil {
		return "", err
	}
	return prefix + folder + separator, nil
}

// ObjectKey returns the payload key of a new object. ext is taken without its leading dot.
func (n *Namespace) ObjectKey(tenantID, ownerID string, c Category, id uuid.UUID, ext string) (string, error) {
	prefix, err := n.Resolve(tenantID, ownerID, c)
	if err != nil {
		return "", err
	}
	name := id.String()
	if ext = strings.TrimPrefix(strings.ToLower(ext), "."); ext != "" {
		name += "." + ext
	}
	return prefix + name, nil
}

// Extension returns the extension of a filename suitable for ObjectKey, "bin" when there is none.
func Extension(filename string) string {
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" || strings.ContainsAny(ext, `/\ `) {
		return "bin"
	}
	return strings.ToLower(ext)
}

// PlaceholderKey returns the zero-byte key that materializes a folder prefix.
func PlaceholderKey(prefix string) string {
	return prefix + PlaceholderName
}

// SidecarKey returns the sidecar key of a payload or directory key.
func SidecarKey(key string) string {
	return key + SidecarSuffix
}

// IsSidecar reports whether the key is a sidecar.
func IsSidecar(key string) bool {
	return strings.HasSuffix(key, SidecarSuffix)
}

// IsPlaceholder reports whether the key is a folder placeholder.
func IsPlaceholder(key string) bool {
	return key == PlaceholderName || strings.HasSuffix(key, separator+PlaceholderName)
}

// IsDirectory reports whether the key names a prefix rather than an object.
func IsDirectory(key string) bool {
	return strings.HasSuffix(key, separator)
}

// PayloadKey returns the key a sidecar describes.
func PayloadKey(sidecarKey string) string {
	return strings.TrimSuffix(sidecarKey, SidecarSuffix)
}

// KeyParts is the decomposition of a payload key.
type KeyParts struct {
	TenantID string
	OwnerID  string
	Category Category
	Name     string
}

// Parse decomposes a payload key produced by ObjectKey. The category is looked up
// from its folder in the department table; unknown folders fail with ErrInvalidCategory.
func (n *Namespace) Parse(key string) (KeyParts, error) {
	segments := strings.Split(key, separator)
	// root/tenants/{t}/{folder}/{name} or root/tenants/{t}/owners/{o}/{folder}/{name}
	if len(segments) < 5 || segments[0] != Root || segments[1] != TenantsSegment {
		return KeyParts{}, medvault.NewInvalidIdentifierError("key", key)
	}
	parts := KeyParts{TenantID: segments[2]}
	rest := segments[3:]
	if len(rest) == 4 && rest[0] == OwnersSegment {
		parts.OwnerID = rest[1]
		rest = rest[2:]
	}
	if len(rest) != 2 || rest[1] == "" {
		return KeyParts{}, medvault.NewInvalidIdentifierError("key", key)
	}
	c, ok := n.dept.Category(rest[0])
	if !ok {
		return KeyParts{}, medvault.NewInvalidCategoryError(n.dept.Name, rest[0])
	}
	parts.Category = c
	parts.Name = rest[1]
	return parts, nil
}

func validateSegment(kind, value string) error {
	if value == "" || len(value) > medvault.MaxIdentifierLength ||
		strings.Contains(value, separator) || value == "." || value == ".." {
		return medvault.NewInvalidIdentifierError(kind, value)
	}
	return nil
}
