// Package sqlstore implements the repository interfaces over database/sql.
//
// One implementation serves three dialects:
//
//	MySQL      github.com/go-sql-driver/mysql   (production default, port 3306)
//	PostgreSQL github.com/jackc/pgx/v5/stdlib   (port 5432)
//	SQLite     modernc.org/sqlite               (tests and local development)
//
// The table and column names come from configuration, because the same user
// table is shared with other applications that chose their own names. Names
// are whitelisted and quoted once, when the Store is built; request data only
// ever travels as bind parameters.
//
// CONNECTION POOL:
// sql.Open() does NOT open a connection. Open pings with exponential backoff
// so that a database container that is still starting does not crash the
// issuer, and gives up after ConnectTimeout.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"

	// Driver registrations: "pgx" and "sqlite".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Options describes how to reach the user store.
type Options struct {
	Driver   Driver
	Host     string
	Port     int
	User     string
	Password string
	// Name is the database name, or the file path for SQLite.
	Name    string
	SSLMode string

	Columns Columns

	// LookupTries bounds attempts per lookup, including the first.
	LookupTries uint
	// ConnectTimeout bounds the initial connection retries.
	ConnectTimeout time.Duration
}

// Store is a user repository backed by a SQL connection pool.
type Store struct {
	conn        *sql.DB
	driver      Driver
	columns     Columns
	q           queries
	lookupTries uint
	logger      *slog.Logger
}

// Open connects to the database described by opts and waits until it answers.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	conn, err := openDB(opts)
	if err != nil {
		return nil, err
	}

	if err := waitForDB(ctx, conn, opts, logger); err != nil {
		conn.Close()
		return nil, err
	}

	if opts.Driver == SQLite {
		if err := configureSQLite(ctx, conn, opts.Name); err != nil {
			conn.Close()
			return nil, err
		}
	}

	s, err := New(conn, opts.Driver, opts.Columns, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if opts.LookupTries > 0 {
		s.lookupTries = opts.LookupTries
	}
	return s, nil
}

// New wraps an existing pool. Tests use it with an in-memory SQLite database.
func New(conn *sql.DB, driver Driver, cols Columns, logger *slog.Logger) (*Store, error) {
	if cols == (Columns{}) {
		cols = DefaultColumns
	}
	q, err := buildQueries(driver, cols)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conn:        conn,
		driver:      driver,
		columns:     cols,
		q:           q,
		lookupTries: 1,
		logger:      logger,
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	return nil
}

func openDB(opts Options) (*sql.DB, error) {
	switch opts.Driver {
	case MySQL:
		mc := mysql.NewConfig()
		mc.User = opts.User
		mc.Passwd = opts.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
		mc.DBName = opts.Name
		mc.Timeout = 5 * time.Second
		connector, err := mysql.NewConnector(mc)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: building mysql connector: %w", err)
		}
		conn := sql.OpenDB(connector)
		conn.SetConnMaxLifetime(3 * time.Minute)
		return conn, nil

	case Postgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(opts.User, opts.Password),
			Host:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
			Path:   "/" + opts.Name,
		}
		if opts.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {opts.SSLMode}}.Encode()
		}
		conn, err := sql.Open(opts.Driver.driverName(), u.String())
		if err != nil {
			return nil, fmt.Errorf("sqlstore: opening postgres: %w", err)
		}
		return conn, nil

	case SQLite:
		conn, err := sql.Open(opts.Driver.driverName(), opts.Name)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: opening sqlite: %w", err)
		}
		// Every new connection to ":memory:" is a new, empty database.
		if opts.Name == ":memory:" {
			conn.SetMaxOpenConns(1)
		}
		return conn, nil
	}

	return nil, fmt.Errorf("sqlstore: unsupported driver %q", opts.Driver)
}

func configureSQLite(ctx context.Context, conn *sql.DB, name string) error {
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("sqlstore: setting busy timeout: %w", err)
	}
	if name != ":memory:" {
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("sqlstore: setting WAL mode: %w", err)
		}
	}
	return nil
}

// waitForDB pings until the database answers or the connect budget runs out.
func waitForDB(ctx context.Context, conn *sql.DB, opts Options, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, conn.PingContext(pingCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying",
				slog.String("driver", string(opts.Driver)),
				slog.Int("attempt", attempt),
				slog.Duration("retryIn", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: connecting to %s: %w", opts.Driver, err)
	}
	return nil
}

// retryable reports whether a failed lookup is worth repeating.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
