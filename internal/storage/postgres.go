package storage

import (
	"bytes"
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/storage"
)

// PostgresStore keeps the result store in a single kv table, for deployments
// where several coordinator hosts share one database. The schema lives in
// migrations/ and is applied with the migrate command.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, storage.Frame(value))
	return err
}

func (s *PostgresStore) Get(key string) ([]byte, error) {
	var framed []byte
	err := s.db.Get(&framed, "SELECT value FROM kv WHERE key = $1", key)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return storage.Unframe(framed)
}

func (s *PostgresStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = $1", key)
	return err
}

func (s *PostgresStore) CompareAndSwap(key string, old, new []byte) error {
	if old == nil {
		result, err := s.db.Exec(
			"INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
			key, storage.Frame(new))
		if err != nil {
			return err
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return storage.ErrConflict
		}
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var framed []byte
	err = tx.Get(&framed, "SELECT value FROM kv WHERE key = $1 FOR UPDATE", key)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	current, err := storage.Unframe(framed)
	if err != nil {
		return err
	}
	if !bytes.Equal(current, old) {
		return storage.ErrConflict
	}
	if _, err := tx.Exec("UPDATE kv SET value = $1 WHERE key = $2", storage.Frame(new), key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Scan(prefix string) ([]storage.KV, error) {
	rows, err := s.db.Queryx(
		"SELECT key, value FROM kv WHERE key LIKE $1 || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []storage.KV
	for rows.Next() {
		var key string
		var framed []byte
		if err := rows.Scan(&key, &framed); err != nil {
			return nil, err
		}
		value, err := storage.Unframe(framed)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, storage.KV{Key: key, Value: value})
	}
	return pairs, rows.Err()
}

func (s *PostgresStore) NextID(counter string) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO counters (name, n) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET n = counters.n + 1
		 RETURNING n`, counter).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "advance counter %s", counter)
	}
	return id, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
