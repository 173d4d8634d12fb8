package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/hengadev/medvault"
)

// Dialect is the SQL flavour of the catalog database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a database/sql driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgsql":
		return Postgres, nil
	default:
		return "", fmt.Errorf("%w: unsupported catalog driver '%s'", medvault.ErrInvalidConfiguration, driver)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return medvault.DriverPostgres
	}
	return medvault.DriverSQLite
}

// jsonType returns the column type holding JSON documents.
func (d Dialect) jsonType() string {
	if d == Postgres {
		return "JSONB"
	}
	return "TEXT"
}

// timestampType returns the column type holding UTC timestamps.
func (d Dialect) timestampType() string {
	if d == Postgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// lockRow returns the clause locking the selected rows until the end of the
// transaction. SQLite needs none, its transactions already exclude writers.
func (d Dialect) lockRow() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// rebind rewrites '?' placeholders to the dialect's bind syntax.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
