package sqldb

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect captures what differs between the supported SQL databases.
type Dialect struct {
	Name   string
	Driver string
	Schema string

	// forUpdate is appended to reads made inside a unit of work.
	forUpdate string
	txOptions *sql.TxOptions
	numbered  bool
	conflict  func(error) bool
}

// Postgres serialises units of work with SERIALIZABLE transactions and row
// locks. Serialization failures and deadlocks surface as ErrConflict.
var Postgres = Dialect{
	Name:   "postgres",
	Driver: "postgres",
	Schema: `
CREATE TABLE IF NOT EXISTS shelf_stock (
  book_id TEXT    NOT NULL,
  shelf   TEXT    NOT NULL,
  copies  INTEGER NOT NULL CHECK (copies >= 0),
  PRIMARY KEY (book_id, shelf)
);
CREATE TABLE IF NOT EXISTS orders (
  id    TEXT  PRIMARY KEY,
  books JSONB NOT NULL
);`,
	forUpdate: " FOR UPDATE",
	txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	numbered:  true,
	conflict: func(err error) bool {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			return false
		}
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	},
}

// SQLite relies on a single connection, so units of work never overlap.
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	Schema: `
CREATE TABLE IF NOT EXISTS shelf_stock (
  book_id TEXT    NOT NULL,
  shelf   TEXT    NOT NULL,
  copies  INTEGER NOT NULL CHECK (copies >= 0),
  PRIMARY KEY (book_id, shelf)
);
CREATE TABLE IF NOT EXISTS orders (
  id    TEXT PRIMARY KEY,
  books TEXT NOT NULL
);`,
	conflict: func(error) bool { return false },
}

// rebind rewrites ? placeholders to $1, $2... for databases that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
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
