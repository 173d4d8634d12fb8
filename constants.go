package medvault

// Default values
const (
	// DefaultDepartment is used when MEDVAULT_DEPARTMENT is not set.
	DefaultDepartment = "medicine"

	// DefaultDBDriver is the database/sql driver of the record catalog.
	DefaultDBDriver = "sqlite3"

	// DefaultDBDSN is the default SQLite catalog location.
	DefaultDBDSN = "file:.medvault/catalog.db?_foreign_keys=on"

	// DefaultAuditDir is the directory holding one NDJSON audit file per day.
	DefaultAuditDir = ".medvault/audit"

	// DefaultKeyAlias is the KMS alias wrapping the data keys of the SQL keyring.
	DefaultKeyAlias = "medvault-data-key"

	// DefaultPresignTTLSeconds bounds presigned URL lifetimes when the caller does not choose one.
	DefaultPresignTTLSeconds = 900
)

// Store backends
const (
	StoreS3     = "s3"
	StoreMemory = "memory"
)

// Key providers
const (
	KMSNone   = "none"
	KMSVault  = "vault"
	KMSAWS    = "awskms"
	KMSStatic = "static"
)

// Catalog drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// MaxIdentifierLength bounds tenant and owner identifiers used as key segments.
const MaxIdentifierLength = 128
