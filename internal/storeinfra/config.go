package storeinfra

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds the connection settings for the bun record store.
type Config struct {
	// DSN selects the backend: postgres:// and postgresql:// URLs use lib/pq,
	// anything else is handed to the sqlite3 driver (an optional sqlite://
	// prefix is stripped).
	DSN string

	// MaxOpenConns caps the pool. SQLite backends always use a single connection.
	MaxOpenConns int

	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a Config pointing at a private in-memory SQLite database.
func DefaultConfig() Config {
	return Config{
		DSN:          "file:notes?mode=memory&cache=shared",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}
}

// Validate checks that the configuration can be opened.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DSN, validation.Required, validation.By(checkScheme)),
		validation.Field(&c.MaxOpenConns, validation.Min(1)),
		validation.Field(&c.MaxIdleConns, validation.Min(0)),
		validation.Field(&c.ConnMaxLifetime, validation.Min(time.Duration(0))),
	)
}

type backend int

const (
	backendSQLite backend = iota
	backendPostgres
)

func (b backend) String() string {
	if b == backendPostgres {
		return "postgres"
	}
	return "sqlite"
}

func parseDSN(dsn string) (backend, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return backendPostgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return backendSQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return backendSQLite, dsn
	}
}

func checkScheme(value any) error {
	dsn, _ := value.(string)
	if i := strings.Index(dsn, "://"); i > 0 {
		switch dsn[:i] {
		case "postgres", "postgresql", "sqlite":
		default:
			return validation.NewError("validation_dsn_scheme", "unsupported scheme "+dsn[:i])
		}
	}
	return nil
}
