package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// Options describes how to reach the database.  For MySQL the connection
// fields are used; for SQLite only Path.
type Options struct {
	Driver string
	User   string
	Pass   string
	Host   string
	Port   string
	Name   string
	Path   string
}

// Open connects to the configured database and verifies the connection.
func Open(opts Options) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverMySQL, "":
		db, err = sql.Open(DriverMySQL, MySQLDSN(opts))
		if err != nil {
			return nil, err
		}
		// Pool settings
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)
	case DriverSQLite:
		db, err = sql.Open(DriverSQLite, SQLiteDSN(opts.Path))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported db driver %q", opts.Driver)
	}

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// MySQLDSN builds the go-sql-driver DSN.
// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent |
// multiStatements lets migrations run multi-statement files.
func MySQLDSN(opts Options) string {
	auth := opts.User
	if opts.Pass != "" {
		auth = fmt.Sprintf("%s:%s", opts.User, opts.Pass)
	}
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC&multiStatements=true",
		auth, opts.Host, opts.Port, opts.Name)
}

// SQLiteDSN builds the go-sqlite3 DSN.  Writers take the lock up front
// (_txlock=immediate) and wait for it instead of failing with SQLITE_BUSY.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "10000")
	q.Set("_txlock", "immediate")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "1")
	return "file:" + path + "?" + q.Encode()
}
