package medvault

import "time"

// TenantStatus is the lifecycle state of a tenant. Tenants are archived, never deleted.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantArchived  TenantStatus = "archived"
)

// OwnerStatus is the lifecycle state of an owner. Owners are soft-deleted.
type OwnerStatus string

const (
	OwnerActive  OwnerStatus = "active"
	OwnerDeleted OwnerStatus = "deleted"
)

// Tenant is an institution, clinic or salon owning a namespace of owners and objects.
type Tenant struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Department string       `json:"department"`
	QuotaBytes int64        `json:"quotaBytes"` // 0 = unlimited
	Status     TenantStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// SealedField is a sensitive value after it went through the encryption envelope.
// KeyVersion is 0 and Encrypted is false when the envelope ran in pass-through mode.
type SealedField struct {
	Ciphertext []byte `json:"ciphertext"`
	KeyVersion int    `json:"keyVersion"`
	Encrypted  bool   `json:"encrypted"`
}

// Owner is a patient or client record within a tenant.
type Owner struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	Status    OwnerStatus            `json:"status"`
	Fields    map[string]string      `json:"fields,omitempty"`
	Sensitive map[string]SealedField `json:"sensitive,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	DeletedAt *time.Time             `json:"deletedAt,omitempty"`
}

// StoredObject is one uploaded file and its tracked metadata. Its Key is write-once.
type StoredObject struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	OwnerID        string     `json:"ownerId,omitempty"`
	Category       string     `json:"category"`
	Key            string     `json:"key"`
	Size           int64      `json:"size"`
	ContentHash    string     `json:"contentHash"`
	ContentType    string     `json:"contentType"`
	Encrypted      bool       `json:"encrypted"`
	KeyVersion     int        `json:"keyVersion"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
}

// AuditAction enumerates the mutating and access actions recorded in the audit journal.
type AuditAction string

const (
	ActionCreate    AuditAction = "create"
	ActionUpload    AuditAction = "upload"
	ActionDelete    AuditAction = "delete"
	ActionAccess    AuditAction = "access"
	ActionProvision AuditAction = "provision"
	ActionReconcile AuditAction = "reconcile"
	ActionRotateKey AuditAction = "rotate_key"
)

// AuditEntry is one immutable line of the audit journal.
type AuditEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Action       AuditAction    `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	ActorID      string         `json:"actorId"`
	TenantID     string         `json:"tenantId"`
	Detail       map[string]any `json:"detail"`
}
