package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures the few places SQLite and PostgreSQL disagree.
type dialect struct {
	name      string
	sqlDriver string // database/sql driver name
	serialPK  string // auto-incrementing primary key column type
	noLimit   string // LIMIT value meaning "unbounded", needed before OFFSET
	numbered  bool   // $1, $2 placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		name:      DriverSQLite,
		sqlDriver: "sqlite",
		serialPK:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		noLimit:   "-1",
	}
	postgresDialect = dialect{
		name:      DriverPostgres,
		sqlDriver: "pgx",
		serialPK:  "BIGSERIAL PRIMARY KEY",
		noLimit:   "ALL",
		numbered:  true,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3", "":
		return sqliteDialect, nil
	case DriverPostgres, "postgresql", "pgx":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql driver: %s", driver)
	}
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
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

// escapeLike escapes LIKE wildcards so a path prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
