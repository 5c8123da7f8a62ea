package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresBlobTableName      = "tablerelay_blob_blocks"
	postgresOperationTimeout   = 30 * time.Second
	postgresLeaseLockNamespace = "tablerelay-lease"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per appended block. Leases are session
// advisory locks held on a dedicated connection.
type PostgresStore struct {
	dsn       string
	tableName string
	limits    Limits
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, limits Limits) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresBlobTableName,
		limits:    limits.withDefaults(),
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Limits() Limits { return s.limits }

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT NOT NULL,
				seq INTEGER NOT NULL,
				data BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (name, seq)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Read(ctx context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT data FROM %s WHERE name = $1 ORDER BY seq ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []byte
	found := false
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		found = true
		out = append(out, chunk...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out, nil
}

func (s *PostgresStore) Stat(ctx context.Context, name string) (Info, error) {
	name, err := cleanName(name)
	if err != nil {
		return Info{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Info{}, err
	}
	info, err := postgresStat(ctx, s.db, s.tableName, name)
	if err != nil {
		return Info{}, err
	}
	if info.Blocks == 0 {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return info, nil
}

type postgresQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func postgresStat(ctx context.Context, q postgresQuerier, tableName, name string) (Info, error) {
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM %s WHERE name = $1", postgresQuoteIdentifier(tableName))
	var info Info
	if err := q.QueryRowContext(ctx, query, name).Scan(&info.Blocks, &info.Size); err != nil {
		return Info{}, err
	}
	return info, nil
}

// withLockedTx runs fn in a transaction holding the advisory locks of names,
// taken in sorted order.
func (s *PostgresStore) withLockedTx(ctx context.Context, fn func(tx *sql.Tx) error, names ...string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	keys := make([]int64, 0, len(names))
	for _, name := range names {
		keys = append(keys, postgresLockKey(s.tableName, name))
	}
	if len(keys) == 2 && keys[1] < keys[0] {
		keys[0], keys[1] = keys[1], keys[0]
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Append(ctx context.Context, name string, data []byte) (Info, error) {
	name, err := cleanName(name)
	if err != nil {
		return Info{}, err
	}
	var next Info
	err = s.withLockedTx(ctx, func(tx *sql.Tx) error {
		current, err := postgresStat(ctx, tx, s.tableName, name)
		if err != nil {
			return err
		}
		if err := checkAppend(s.limits, current, data); err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT INTO %s (name, seq, data) VALUES ($1, $2, $3)", postgresQuoteIdentifier(s.tableName))
		if _, err := tx.ExecContext(ctx, insert, name, current.Blocks, data); err != nil {
			return err
		}
		next = Info{Size: current.Size + int64(len(data)), Blocks: current.Blocks + 1}
		return nil
	}, name)
	return next, err
}

func (s *PostgresStore) Replace(ctx context.Context, name string, data []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return s.withLockedTx(ctx, func(tx *sql.Tx) error {
		del := fmt.Sprintf("DELETE FROM %s WHERE name = $1", postgresQuoteIdentifier(s.tableName))
		if _, err := tx.ExecContext(ctx, del, name); err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT INTO %s (name, seq, data) VALUES ($1, 0, $2)", postgresQuoteIdentifier(s.tableName))
		_, err := tx.ExecContext(ctx, insert, name, data)
		return err
	}, name)
}

func (s *PostgresStore) Rename(ctx context.Context, from, to string) error {
	from, err := cleanName(from)
	if err != nil {
		return err
	}
	to, err = cleanName(to)
	if err != nil {
		return err
	}
	return s.withLockedTx(ctx, func(tx *sql.Tx) error {
		del := fmt.Sprintf("DELETE FROM %s WHERE name = $1", postgresQuoteIdentifier(s.tableName))
		if _, err := tx.ExecContext(ctx, del, to); err != nil {
			return err
		}
		update := fmt.Sprintf("UPDATE %s SET name = $1 WHERE name = $2", postgresQuoteIdentifier(s.tableName))
		res, err := tx.ExecContext(ctx, update, to, from)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, from)
		}
		return nil
	}, from, to)
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return s.withLockedTx(ctx, func(tx *sql.Tx) error {
		del := fmt.Sprintf("DELETE FROM %s WHERE name = $1", postgresQuoteIdentifier(s.tableName))
		_, err := tx.ExecContext(ctx, del, name)
		return err
	}, name)
}

func (s *PostgresStore) AcquireLease(ctx context.Context, name string, _ time.Duration) (Lease, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	key := postgresLockKey(postgresLeaseLockNamespace, name)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	return &postgresLease{conn: conn, name: name, key: key, id: uuid.NewString()}, nil
}

func (s *PostgresStore) DelegatedURL(context.Context, string, Permission, time.Duration) (string, error) {
	return "", fmt.Errorf("%w: delegated urls on postgres", ErrNotImplemented)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type postgresLease struct {
	mu   sync.Mutex
	conn *sql.Conn
	name string
	key  int64
	id   string
}

func (l *postgresLease) ID() string { return l.id }

// Renew checks the session that owns the lock is still alive.
func (l *postgresLease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.name)
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return nil
}

func (l *postgresLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	_, unlockErr := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	closeErr := conn.Close()
	return errors.Join(unlockErr, closeErr)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(namespace, name string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(namespace)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(name))
	return int64(hasher.Sum64())
}
