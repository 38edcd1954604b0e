package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aluiziolira/go-harvest-listings/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// batchSender is the part of *pgxpool.Pool the writer needs.
type batchSender interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresWriter inserts listings into a single table, ignoring IDs that are
// already stored. Listings without an ID cannot be keyed and are skipped.
type PostgresWriter struct {
	ctx   context.Context
	db    batchSender
	pool  *pgxpool.Pool
	table string

	mu         sync.Mutex
	inserted   int
	conflicted int
	skipped    int
}

// NewPostgresWriter connects to dsn and creates table if it does not exist.
func NewPostgresWriter(ctx context.Context, dsn, table string) (*PostgresWriter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	pw, err := newPostgresWriter(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	pw.pool = pool
	return pw, nil
}

func newPostgresWriter(ctx context.Context, db batchSender, table string) (*PostgresWriter, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("postgres table cannot be empty")
	}
	pw := &PostgresWriter{
		ctx:   ctx,
		db:    db,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	}
	if _, err := db.Exec(ctx, pw.createTableSQL()); err != nil {
		return nil, fmt.Errorf("create table %s: %w", pw.table, err)
	}
	return pw, nil
}

func (pw *PostgresWriter) createTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + pw.table + ` (
		id              TEXT PRIMARY KEY,
		address         TEXT,
		address_city    TEXT,
		address_state   TEXT,
		address_street  TEXT,
		address_zipcode TEXT,
		page            INTEGER NOT NULL,
		scraped_at      TIMESTAMPTZ NOT NULL
	)`
}

func (pw *PostgresWriter) insertSQL() string {
	return `INSERT INTO ` + pw.table + `
		(id, address, address_city, address_state, address_street, address_zipcode, page, scraped_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`
}

// Write inserts one batch in a single round trip.
func (pw *PostgresWriter) Write(listings []*models.Listing) error {
	b := &pgx.Batch{}
	skipped := 0
	insert := pw.insertSQL()
	for _, l := range listings {
		if l == nil || strings.TrimSpace(l.ID) == "" {
			skipped++
			continue
		}
		b.Queue(insert,
			l.ID, l.Address, l.AddressCity, l.AddressState, l.AddressStreet, l.AddressZipcode,
			l.Page, l.ScrapedAt,
		)
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.skipped += skipped
	if b.Len() == 0 {
		return nil
	}

	br := pw.db.SendBatch(pw.ctx, b)
	for k := 0; k < b.Len(); k++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("insert listing: %w", err)
		}
		if tag.RowsAffected() > 0 {
			pw.inserted += int(tag.RowsAffected())
		} else {
			pw.conflicted++
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

// Stats reports rows inserted, rows already present and listings skipped.
func (pw *PostgresWriter) Stats() (inserted, conflicted, skipped int) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.inserted, pw.conflicted, pw.skipped
}

// Close releases the connection pool.
func (pw *PostgresWriter) Close() error {
	if pw.pool != nil {
		pw.pool.Close()
	}
	return nil
}

// Validate fails when no listing reached the table.
func (pw *PostgresWriter) Validate() error {
	inserted, conflicted, skipped := pw.Stats()
	if inserted+conflicted == 0 {
		return fmt.Errorf("no listings written to %s (%d skipped without id)", pw.table, skipped)
	}
	return nil
}
