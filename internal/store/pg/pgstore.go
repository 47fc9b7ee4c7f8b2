// Package pg stores credentials, lockout state and audit events in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ironwatch.dev/internal/auth"
)

const pgErrUndefinedTable = "42P01"

//go:embed migrations/*.sql
var migrationFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Migrations returns the schema migrations.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return sub
}

// Seeds returns the demo seed files.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFiles, "seeds")
	return sub
}

// Store is backed by a database/sql handle using the pgx driver.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("pg: database handle is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var _ auth.CredentialProvider = (*Store)(nil)
var _ auth.RoleAuthorizer = (*Store)(nil)

// Lookup returns the password hash of an enabled account.
func (s *Store) Lookup(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`select password_hash from credentials where username = $1 and not disabled`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// AllowsRole reports whether username may log in as role. An empty role list
// allows every role.
func (s *Store) AllowsRole(ctx context.Context, username string, role auth.Role) (bool, error) {
	var roles string
	err := s.db.QueryRowContext(ctx,
		`select roles from credentials where username = $1 and not disabled`, username).Scan(&roles)
	if errors.Is(err, sql.ErrNoRows) {
		return false, auth.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	list := splitRoles(roles)
	if len(list) == 0 {
		return true, nil
	}
	for _, r := range list {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// PutCredential creates or replaces an account.
func (s *Store) PutCredential(ctx context.Context, username, passwordHash string, roles []auth.Role) error {
	username = strings.TrimSpace(username)
	if username == "" || passwordHash == "" {
		return fmt.Errorf("%w: username and password hash are required", auth.ErrInvalidInput)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, r)
		}
		names = append(names, string(r))
	}
	_, err := s.db.ExecContext(ctx, `
		insert into credentials (username, password_hash, roles, disabled, updated_at)
		values ($1, $2, $3, false, $4)
		on conflict (username) do update
		set password_hash = excluded.password_hash,
		    roles = excluded.roles,
		    disabled = false,
		    updated_at = excluded.updated_at
	`, username, passwordHash, strings.Join(names, ","), s.now().UTC())
	return err
}

// DisableCredential blocks an account without deleting it.
func (s *Store) DisableCredential(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`update credentials set disabled = true, updated_at = $2 where username = $1`, username, s.now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func splitRoles(raw string) []auth.Role {
	var out []auth.Role
	for _, part := range strings.Split(raw, ",") {
		if r, ok := auth.ParseRole(part); ok {
			out = append(out, r)
		}
	}
	return out
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUndefinedTable
}
