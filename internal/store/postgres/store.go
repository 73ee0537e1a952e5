// Package postgres persists addressed products in Postgres over pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jstrand/listcrawld/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for product rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawl.ProductStore on Postgres. Rows are keyed by the
// canonical position, so re-crawling a page upserts rather than duplicates.
//
// Expected schema:
//
//	CREATE TABLE products (
//	    page_id        INT NOT NULL,
//	    index_in_page  INT NOT NULL,
//	    url            TEXT NOT NULL,
//	    physical_page  INT NOT NULL,
//	    offset_in_page INT NOT NULL,
//	    title          TEXT,
//	    manufacturer   TEXT,
//	    model          TEXT,
//	    certificate_id TEXT,
//	    certified_at   TIMESTAMPTZ,
//	    extra          JSONB,
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (page_id, index_in_page)
//	);
type Store struct {
	pool  dbPool
	table string
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.Table)
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "products"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

// MaxAddressedPosition returns the highest stored canonical position, or nil
// when the table is empty.
func (s *Store) MaxAddressedPosition(ctx context.Context) (*crawl.Position, error) {
	query := fmt.Sprintf(`
		SELECT page_id, index_in_page
		FROM %s
		ORDER BY page_id DESC, index_in_page DESC
		LIMIT 1`, s.table)

	var pos crawl.Position
	err := s.pool.QueryRow(ctx, query).Scan(&pos.PageID, &pos.IndexInPage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, crawl.WrapError(crawl.KindDatabase, "query max addressed position", err)
	}
	return &pos, nil
}

// Save upserts a batch of addressed products.
func (s *Store) Save(ctx context.Context, products []crawl.Product) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (page_id, index_in_page, url, physical_page, offset_in_page,
			title, manufacturer, model, certificate_id, certified_at, extra, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (page_id, index_in_page) DO UPDATE SET
			url = EXCLUDED.url,
			physical_page = EXCLUDED.physical_page,
			offset_in_page = EXCLUDED.offset_in_page,
			title = EXCLUDED.title,
			manufacturer = EXCLUDED.manufacturer,
			model = EXCLUDED.model,
			certificate_id = EXCLUDED.certificate_id,
			certified_at = EXCLUDED.certified_at,
			extra = EXCLUDED.extra,
			updated_at = NOW()`, s.table)

	for _, p := range products {
		var (
			title, manufacturer, model, certID string
			certifiedAt                        *time.Time
			extra                              []byte
		)
		if p.Detail != nil {
			title = p.Detail.Title
			manufacturer = p.Detail.Manufacturer
			model = p.Detail.Model
			certID = p.Detail.CertificateID
			certifiedAt = p.Detail.CertifiedAt
			if len(p.Detail.Extra) > 0 {
				b, err := json.Marshal(p.Detail.Extra)
				if err != nil {
					return crawl.WrapError(crawl.KindDatabase, fmt.Sprintf("marshal extra for %s", p.URL), err)
				}
				extra = b
			}
		}
		_, err := s.pool.Exec(ctx, query,
			p.Position.PageID, p.Position.IndexInPage, p.URL, p.PhysicalPage, p.OffsetInPage,
			title, manufacturer, model, certID, certifiedAt, extra)
		if err != nil {
			return crawl.WrapError(crawl.KindDatabase, fmt.Sprintf("save product %s", p.URL), err)
		}
	}
	return nil
}

// CountTotal counts the stored products.
func (s *Store) CountTotal(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, crawl.WrapError(crawl.KindDatabase, "count products", err)
	}
	return n, nil
}

// CountDuplicates counts stored rows that repeat another row's URL. The
// planner uses the resulting rate to decide whether a re-crawl should skip
// already-seen URLs.
func (s *Store) CountDuplicates(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(c - 1), 0)
		FROM (SELECT COUNT(*) AS c FROM %s GROUP BY url HAVING COUNT(*) > 1) dup`, s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, crawl.WrapError(crawl.KindDatabase, "count duplicate products", err)
	}
	return n, nil
}
