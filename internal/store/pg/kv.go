package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ironwatch.dev/internal/kv"
)

var _ kv.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `select value from guard_kv where key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, schemaHint(err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		insert into guard_kv (key, value, updated_at)
		values ($1, $2, $3)
		on conflict (key) do update
		set value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.now().UTC())
	return schemaHint(err)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from guard_kv where key = $1`, key)
	return schemaHint(err)
}

func schemaHint(err error) error {
	if err != nil && isUndefinedTable(err) {
		return fmt.Errorf("%w (schema missing, run migrations)", err)
	}
	return err
}
