// Package medvault is the storage core of a multi-tenant medical document
// vault.
//
// Every stored object belongs to a tenant, usually a clinic, and optionally
// to an owner, usually a patient. Objects are filed under a deterministic
// namespace in an object store, described by a JSON sidecar next to the
// payload, and indexed in a relational catalog. Categories that carry
// protected health data are sealed with AES-256-GCM under a versioned key
// before they leave the process.
//
// This package holds the shared domain types, sentinel errors and the
// environment driven configuration. The behaviour lives in subpackages:
//
//   - namespace: department taxonomies and object key layout
//   - envelope: key providers and authenticated encryption of payloads and fields
//   - objectstore: the object store client, an in-memory store and retries
//   - providers/s3, providers/vault, providers/awskms: production backends
//   - sidecar: directory and object metadata written beside payloads
//   - catalog: tenants, owners and stored objects in PostgreSQL or SQLite
//   - audit: the append-only journal of access and mutation events
//   - provision: tenant and owner folder hierarchies
//   - files: upload, open, presign and delete of stored objects
//   - reconcile: repairing drift between the object store and the catalog
//   - analytics: storage usage grouped by category, owner and month
//
// # Configuration
//
// Configuration is read from MEDVAULT_* environment variables, optionally
// seeded from .env files:
//
//	cfg, err := medvault.LoadConfigFromEnvironment(".env")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Errors
//
// Errors wrap one of the sentinels declared in errors.go and are matched
// with errors.Is:
//
//	if errors.Is(err, medvault.ErrQuotaExceeded) {
//		// ask the tenant to free space
//	}
package medvault
