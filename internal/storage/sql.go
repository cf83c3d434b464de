package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/config"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/manifest"
)

// PageArchive records crawled pages in a durable sink alongside the
// manifest, for crawl history queries across runs.
type PageArchive interface {
	SavePage(ctx context.Context, rec manifest.PageRecord, fetchedAt time.Time) error
	Close() error
}

// SQLArchive implements PageArchive on a relational database. It is
// optional: the pipeline runs without it unless db.driver and db.dsn are
// configured.
type SQLArchive struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLArchive opens the archive connection and optionally migrates the
// schema.
func NewSQLArchive(cfg config.SQLConfig) (*SQLArchive, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	archive := &SQLArchive{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := archive.ensureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return archive, nil
}

// SavePage upserts the page record keyed by URL.
func (s *SQLArchive) SavePage(ctx context.Context, rec manifest.PageRecord, fetchedAt time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.upsertPage(ctx, rec, fetchedAt); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsertPage(ctx, rec, fetchedAt); retryErr != nil {
				return fmt.Errorf("insert page: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *SQLArchive) upsertPage(ctx context.Context, rec manifest.PageRecord, fetchedAt time.Time) error {
	query := `
        INSERT INTO mirrored_pages (url, status, html_path, error, asset_count, fetched_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (url) DO UPDATE SET
            status = EXCLUDED.status,
            html_path = EXCLUDED.html_path,
            error = EXCLUDED.error,
            asset_count = EXCLUDED.asset_count,
            fetched_at = EXCLUDED.fetched_at
    `
	_, err := s.db.ExecContext(ctx, query,
		rec.URL,
		string(rec.Status),
		rec.HTMLPath,
		rec.Error,
		len(rec.Assets),
		fetchedAt,
	)
	return err
}

// Close closes the underlying DB connection.
func (s *SQLArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLArchive) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mirrored_pages (
		    url TEXT PRIMARY KEY,
		    status TEXT,
		    html_path TEXT,
		    error TEXT,
		    asset_count INT,
		    fetched_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mirrored_pages_fetched_at ON mirrored_pages (fetched_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
