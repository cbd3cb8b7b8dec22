// Package repository содержит реализацию хранилища кассы поверх SQL: SQLite для
// автономной работы кассы и PostgreSQL для магазинного сервера.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	// драйвер database/sql "sqlite"
	_ "modernc.org/sqlite"

	"github.com/mmeshcher/zipos-register/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect - диалект SQL хранилища.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) gooseDialect() string {
	if d == DialectSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// SQLStore реализует store.Store поверх database/sql.
type SQLStore struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect Dialect
	logger  *zap.Logger
	retries uint64
}

var _ store.Store = (*SQLStore)(nil)

// OpenSQLite открывает файл базы SQLite и применяет миграции. path ":memory:" создаёт временную базу.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// один писатель; для :memory: единственное соединение хранит всю базу
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := newSQLStore(db, DialectSQLite, logger)
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres подключается к PostgreSQL по dsn и применяет миграции.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*SQLStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := newSQLStore(stdlib.OpenDBFromPool(pool), DialectPostgres, logger)
	s.pool = pool
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger, retries: 3}
}

func (s *SQLStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return s.runMigrations(ctx)
}

func (s *SQLStore) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(s.dialect.gooseDialect()); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations/"+string(s.dialect)); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Dialect возвращает диалект хранилища.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// InTx выполняет fn в транзакции БД. При конфликте сериализации или занятой базе
// транзакция повторяется целиком, поэтому fn не должна иметь побочных эффектов вне tx.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.runTx(ctx, fn)
	})
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	opts := &sql.TxOptions{}
	if s.dialect == DialectPostgres {
		opts.Isolation = sql.LevelSerializable
	}

	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close закрывает соединения с БД.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// tx - операции хранилища внутри одной транзакции БД.
type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

var _ store.Tx = (*tx)(nil)

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// NextSequence увеличивает именованный счётчик и возвращает новое значение.
func (t *tx) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := t.queryRow(ctx,
		`INSERT INTO sequences (name, value) VALUES (?, 1)
		 ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`,
		name,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return value, nil
}

// rebind заменяет плейсхолдеры ? на $n для PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// notFound переводит sql.ErrNoRows в store.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
