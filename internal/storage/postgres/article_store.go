// Package postgres persists articles into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ArticlesTable   string
	ContentsTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArticleStore writes articles and their contents in one transaction,
// deduplicating on link_hash.
type ArticleStore struct {
	pool     txPool
	articles string
	contents string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
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
	store, err := NewWithPool(pool, cfg.ArticlesTable, cfg.ContentsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool txPool, articles, contents string) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if articles == "" {
		articles = "articles"
	}
	if contents == "" {
		contents = "article_contents"
	}
	for _, table := range []string{articles, contents} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ArticleStore{pool: pool, articles: articles, contents: contents}, nil
}

// Name identifies the backend in logs and metrics.
func (s *ArticleStore) Name() string { return "postgres" }

// EnsureSchema creates the article tables when they do not exist.
func (s *ArticleStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL,
	link_hash CHAR(32) NOT NULL UNIQUE,
	source_url TEXT NOT NULL DEFAULT '',
	extra JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.articles),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	article_id BIGINT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
	content TEXT NOT NULL DEFAULT '',
	content_hash CHAR(64) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.contents, s.articles),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveArticle inserts the article unless its link hash already exists, in
// which case the existing id is returned with duplicate=true.
func (s *ArticleStore) SaveArticle(ctx context.Context, article crawler.ArticleRecord) (string, bool, error) {
	if s == nil || s.pool == nil {
		return "", false, fmt.Errorf("article store is not configured")
	}
	if article.LinkHash == "" {
		return "", false, fmt.Errorf("link hash is required")
	}
	extra, err := json.Marshal(article.Extra)
	if err != nil {
		return "", false, fmt.Errorf("marshal extra: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}

	id, found, err := s.lookup(ctx, tx, article.LinkHash)
	if err != nil {
		return "", false, rollback(ctx, tx, err)
	}
	if found {
		return id, true, rollback(ctx, tx, nil)
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (task_id, title, link, link_hash, source_url, extra, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (link_hash) DO NOTHING
RETURNING id`, s.articles)
	var newID int64
	err = tx.QueryRow(ctx, insert,
		article.TaskID,
		article.Title,
		article.Link,
		article.LinkHash,
		article.SourceURL,
		extra,
		article.CreatedAt,
	).Scan(&newID)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent writer won the race for this link hash.
		if err := rollback(ctx, tx, nil); err != nil {
			return "", false, err
		}
		return s.existing(ctx, article.LinkHash)
	}
	if err != nil {
		return "", false, rollback(ctx, tx, fmt.Errorf("insert article: %w", err))
	}

	contents := fmt.Sprintf(`
INSERT INTO %s (article_id, content, content_hash, created_at)
VALUES ($1, $2, $3, $4)`, s.contents)
	if _, err := tx.Exec(ctx, contents, newID, article.Content, article.ContentHash, article.CreatedAt); err != nil {
		return "", false, rollback(ctx, tx, fmt.Errorf("insert article content: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit article: %w", err)
	}
	return strconv.FormatInt(newID, 10), false, nil
}

func (s *ArticleStore) lookup(ctx context.Context, tx pgx.Tx, linkHash string) (string, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE link_hash = $1`, s.articles), linkHash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup link hash: %w", err)
	}
	return strconv.FormatInt(id, 10), true, nil
}

func (s *ArticleStore) existing(ctx context.Context, linkHash string) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	id, found, err := s.lookup(ctx, tx, linkHash)
	if err := rollback(ctx, tx, err); err != nil {
		return "", false, err
	}
	if !found {
		return "", false, fmt.Errorf("link hash %s vanished after conflict", linkHash)
	}
	return id, true, nil
}

// rollback aborts tx and returns cause, or the rollback error when cause is nil.
func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		if cause != nil {
			return errors.Join(cause, fmt.Errorf("rollback: %w", err))
		}
		return fmt.Errorf("rollback: %w", err)
	}
	return cause
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
