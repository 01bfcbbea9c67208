package db

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"
)

// Driver names a database/sql driver able to open the embedded store.
type Driver string

const (
	// DriverSQLite3 is the WebAssembly build of SQLite (ncruces/go-sqlite3).
	DriverSQLite3 Driver = "sqlite3"
	// DriverModernc is the transpiled pure-Go SQLite (modernc.org/sqlite).
	DriverModernc Driver = "sqlite"
	// DriverLibSQL is the embedded libSQL engine. It is only registered in
	// binaries built with the libsql tag.
	DriverLibSQL Driver = "libsql"
)

// ParseDriver maps a configuration value onto a Driver. The empty string
// selects DriverSQLite3.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite3", "ncruces":
		return DriverSQLite3, nil
	case "sqlite", "modernc":
		return DriverModernc, nil
	case "libsql":
		return DriverLibSQL, nil
	}
	return "", fmt.Errorf("unknown database driver %q (want sqlite3, sqlite or libsql)", s)
}

// dsnPragmas reports whether the driver applies connection pragmas from the
// DSN. Drivers that don't get them executed after open.
func (d Driver) dsnPragmas() bool {
	return d == DriverSQLite3 || d == DriverModernc
}

// dsn builds the connection string for path.
//
// Pragmas set through the DSN apply to every pooled connection, not just the
// one that happens to run an Exec.
func (d Driver) dsn(path string, busyTimeout time.Duration) string {
	if !d.dsnPragmas() {
		return "file:" + path
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}
