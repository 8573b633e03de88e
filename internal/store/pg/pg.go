// Package pg implementa el Key Record Store sobre PostgreSQL (pgxpool).
// El TTL se emula con Purge; el filtro por expires_at hace que un record
// vencido y no purgado nunca se publique.
package pg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store"
	migrations "github.com/dropDatabas3/hellojohn-jwks/migrations/postgres"
)

// DefaultTable nombre de tabla si la config no indica otro.
const DefaultTable = migrations.KeysTable

// undefinedTable es el SQLSTATE 42P01.
const undefinedTable = "42P01"

func init() { store.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "postgres" }

func (driver) Open(ctx context.Context, cfg store.Config) (store.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store/pg: parse DSN: %w", err)
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store/pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/pg: ping: %w", err)
	}
	return New(pool, cfg.Table, cfg.ClockOrWall(), cfg.Notify), nil
}

// DB es lo que el store necesita de pgxpool.Pool (o de un pgx.Tx en tests).
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store es el Key Record Store sobre Postgres.
type Store struct {
	db     DB
	table  string // identificador ya sanitizado
	clock  clock.Clock
	notify func(feed.Event)
	closer func()
}

// New crea el store. table vacío usa DefaultTable.
func New(db DB, table string, clk clock.Clock, notify func(feed.Event)) *Store {
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Store{
		db:     db,
		table:  pgx.Identifier{table}.Sanitize(),
		clock:  clk,
		notify: notify,
	}
	if p, ok := db.(*pgxpool.Pool); ok {
		s.closer = p.Close
	}
	return s
}

// Migrate aplica las migraciones embebidas en orden de nombre. Son
// idempotentes (IF NOT EXISTS) así que se pueden correr en cada deploy.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("store/pg: list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("store/pg: read %s: %w", name, err)
		}
		ddl := strings.ReplaceAll(string(b), migrations.KeysTable, s.table)
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("store/pg: apply %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Put(ctx context.Context, rec jwks.Record) error {
	now := s.clock.Now().UTC()
	if err := store.CheckPut(rec, now); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	// Solo se pisa un kid existente si ya venció.
	q := `INSERT INTO ` + s.table + ` (kid, kty, crv, x, y, d, use, alg, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
ON CONFLICT (kid) DO UPDATE SET
  kty = EXCLUDED.kty, crv = EXCLUDED.crv, x = EXCLUDED.x, y = EXCLUDED.y, d = EXCLUDED.d,
  use = EXCLUDED.use, alg = EXCLUDED.alg, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
WHERE ` + s.table + `.expires_at <= $11`
	tag, err := s.db.Exec(ctx, q,
		rec.KID, rec.KeyType, rec.Curve, rec.X, rec.Y, rec.D, rec.Use, rec.Algorithm,
		rec.ExpiresAt.UTC(), rec.CreatedAt.UTC(), now)
	if err != nil {
		return mapErr("put", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	s.emit(rec.KID, feed.Inserted)
	return nil
}

func (s *Store) Delete(ctx context.Context, kid string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+s.table+` WHERE kid = $1`, kid)
	if err != nil {
		return mapErr("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	s.emit(kid, feed.Removed)
	return nil
}

func (s *Store) ListActive(ctx context.Context, now time.Time) ([]jwks.Record, error) {
	rows, err := s.db.Query(ctx, `SELECT kid, kty, crv, x, y, COALESCE(d, ''), use, alg, expires_at, created_at
FROM `+s.table+` WHERE use = $1 AND expires_at > $2 ORDER BY kid`, jwks.UseSig, now.UTC())
	if err != nil {
		return nil, mapErr("list", err)
	}
	defer rows.Close()

	var out []jwks.Record
	for rows.Next() {
		var r jwks.Record
		if err := rows.Scan(&r.KID, &r.KeyType, &r.Curve, &r.X, &r.Y, &r.D, &r.Use, &r.Algorithm, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, mapErr("scan", err)
		}
		r.ExpiresAt = r.ExpiresAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows", err)
	}
	return out, nil
}

// Purge borra los records vencidos (equivalente al TTL de DynamoDB) y emite
// un evento Removed por cada uno.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.Query(ctx, `DELETE FROM `+s.table+` WHERE expires_at <= $1 RETURNING kid`, now.UTC())
	if err != nil {
		return 0, mapErr("purge", err)
	}
	kids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, mapErr("purge", err)
	}
	for _, kid := range kids {
		s.emit(kid, feed.Removed)
	}
	return len(kids), nil
}

// Pool devuelve el pool subyacente (nil si el store se armó sobre otro DB).
func (s *Store) Pool() *pgxpool.Pool {
	p, _ := s.db.(*pgxpool.Pool)
	return p
}

func (s *Store) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

func (s *Store) emit(kid string, kind feed.ChangeKind) {
	if s.notify != nil {
		s.notify(feed.Event{KeyID: kid, Kind: kind})
	}
}

func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s: %v", store.ErrNotProvisioned, op, err)
	}
	return fmt.Errorf("store/pg: %s: %w", op, err)
}
