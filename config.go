package medvault

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"
)

// Config holds the process-wide configuration of the storage core.
//
// This struct contains only data, no behavior. It is usually filled by
// LoadConfigFromEnvironment, but can be built in code and validated explicitly:
//
//	cfg := medvault.Config{
//	    Department: "dentistry",
//	    Store:      medvault.StoreS3,
//	    S3Bucket:   "clinic-records",
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Department selects the category table and sensitive field list.
	Department string `env:"MEDVAULT_DEPARTMENT" envDefault:"medicine"`

	// DepartmentsFile optionally points to a YAML file overriding the built-in department tables.
	DepartmentsFile string `env:"MEDVAULT_DEPARTMENTS_FILE"`

	// DBDriver is the catalog driver: sqlite3 or postgres.
	DBDriver string `env:"MEDVAULT_DB_DRIVER" envDefault:"sqlite3"`
	DBDSN    string `env:"MEDVAULT_DB_DSN" envDefault:"file:.medvault/catalog.db?_foreign_keys=on"`

	// Store is the object store backend: s3 or memory.
	Store        string `env:"MEDVAULT_STORE" envDefault:"s3"`
	S3Bucket     string `env:"MEDVAULT_S3_BUCKET"`
	S3Region     string `env:"MEDVAULT_S3_REGION"`
	S3Endpoint   string `env:"MEDVAULT_S3_ENDPOINT"`
	S3PathStyle  bool   `env:"MEDVAULT_S3_PATH_STYLE"`
	StoreRetries int    `env:"MEDVAULT_STORE_RETRIES" envDefault:"3"`

	// EncryptionKeys is a comma separated list of "version:secret" pairs for the static keyring.
	// Leave empty (with KMS=none) to run the envelope in pass-through mode.
	EncryptionKeys string `env:"MEDVAULT_ENCRYPTION_KEYS"`

	// KMS selects the key provider: none, static, vault or awskms.
	KMS         string `env:"MEDVAULT_KMS" envDefault:"static"`
	KMSKeyAlias string `env:"MEDVAULT_KMS_KEY_ALIAS" envDefault:"medvault-data-key"`
	KMSRegion   string `env:"MEDVAULT_KMS_REGION"`
	KeyringDB   string `env:"MEDVAULT_KEYRING_DB" envDefault:"file:.medvault/keys.db"`

	AuditDir    string `env:"MEDVAULT_AUDIT_DIR" envDefault:".medvault/audit"`
	AuditMirror bool   `env:"MEDVAULT_AUDIT_MIRROR"`

	// RedisAddr enables the cross-process reconciliation lease when set.
	RedisAddr      string        `env:"MEDVAULT_REDIS_ADDR"`
	ReconcileLease time.Duration `env:"MEDVAULT_RECONCILE_LEASE" envDefault:"10m"`

	LogLevel    string `env:"MEDVAULT_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"MEDVAULT_LOG_FORMAT" envDefault:"json"`
	MetricsAddr string `env:"MEDVAULT_METRICS_ADDR"`
}

// Validate checks that the configuration is coherent. Every problem is reported
// at once, keyed by the offending setting.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.Department == "" {
		c.Department = DefaultDepartment
	}
	if c.DBDriver == "" {
		c.DBDriver = DefaultDBDriver
	}
	if c.AuditDir == "" {
		c.AuditDir = DefaultAuditDir
	}
	if c.KMSKeyAlias == "" {
		c.KMSKeyAlias = DefaultKeyAlias
	}

	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs.Set("MEDVAULT_DB_DRIVER", fmt.Sprintf("unsupported driver '%s'", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs.Set("MEDVAULT_DB_DSN", "a data source name is required")
	}

	switch c.Store {
	case StoreMemory:
	case StoreS3:
		if c.S3Bucket == "" {
			errs.Set("MEDVAULT_S3_BUCKET", "a bucket is required for the s3 store")
		}
	default:
		errs.Set("MEDVAULT_STORE", fmt.Sprintf("unsupported store '%s'", c.Store))
	}
	if c.StoreRetries < 0 {
		errs.Set("MEDVAULT_STORE_RETRIES", "must not be negative")
	}

	switch c.KMS {
	case KMSNone:
	case KMSStatic:
		if _, err := ParseEncryptionKeys(c.EncryptionKeys); err != nil {
			errs.Set("MEDVAULT_ENCRYPTION_KEYS", err)
		}
	case KMSVault, KMSAWS:
		if c.KeyringDB == "" {
			errs.Set("MEDVAULT_KEYRING_DB", "a keyring database is required with a KMS provider")
		}
	default:
		errs.Set("MEDVAULT_KMS", fmt.Sprintf("unsupported key provider '%s'", c.KMS))
	}

	if c.RedisAddr != "" && c.ReconcileLease <= 0 {
		errs.Set("MEDVAULT_RECONCILE_LEASE", "must be positive when redis is configured")
	}

	if errs.IsEmpty() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errs.AsError())
}

// PassThrough reports whether the configuration leaves payloads unencrypted.
func (c *Config) PassThrough() bool {
	if c.KMS == KMSNone {
		return true
	}
	return c.KMS == KMSStatic && strings.TrimSpace(c.EncryptionKeys) == ""
}

// ParseEncryptionKeys parses "version:secret" pairs separated by commas.
// An empty string yields no keys, which selects pass-through mode.
func ParseEncryptionKeys(raw string) (map[int]string, error) {
	keys := make(map[int]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		version, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || secret == "" {
			return nil, fmt.Errorf("malformed key entry '%s', expected version:secret", pair)
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid key version '%s'", version)
		}
		if _, dup := keys[v]; dup {
			return nil, fmt.Errorf("duplicate key version %d", v)
		}
		keys[v] = secret
	}
	return keys, nil
}
