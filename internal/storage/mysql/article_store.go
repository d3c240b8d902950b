// Package mysql persists articles into MySQL through sqlx.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// errDuplicateEntry is MySQL's ER_DUP_ENTRY.
const errDuplicateEntry = 1062

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the MySQL connection and table names.
type Config struct {
	DSN             string
	ArticlesTable   string
	ContentsTable   string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// ArticleStore writes articles and their contents in one transaction,
// deduplicating on link_hash.
type ArticleStore struct {
	DB       *sqlx.DB
	articles string
	contents string
}

// New connects to MySQL and pings it.
func New(ctx context.Context, cfg Config) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.mysql.dsn is required")
	}
	db, err := Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	store, err := NewWithDB(db, cfg.ArticlesTable, cfg.ContentsTable)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Open connects to MySQL with parseTime enabled and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	db, err := sqlx.ConnectContext(ctx, "mysql", parsed.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	return db, nil
}

// NewWithDB constructs a store from an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB, articles, contents string) (*ArticleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
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
	return &ArticleStore{DB: db, articles: articles, contents: contents}, nil
}

// Name identifies the backend in logs and metrics.
func (s *ArticleStore) Name() string { return "mysql" }

// EnsureSchema creates the article tables when they do not exist.
func (s *ArticleStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	task_id VARCHAR(64) NOT NULL,
	title VARCHAR(1024) NOT NULL DEFAULT '',
	link VARCHAR(2048) NOT NULL,
	link_hash CHAR(32) NOT NULL,
	source_url VARCHAR(2048) NOT NULL DEFAULT '',
	extra JSON NULL,
	created_at DATETIME NOT NULL,
	UNIQUE KEY uniq_link_hash (link_hash)
) DEFAULT CHARSET=utf8mb4`, s.articles),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	article_id BIGINT PRIMARY KEY,
	content LONGTEXT NOT NULL,
	content_hash CHAR(64) NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	CONSTRAINT fk_%s_article FOREIGN KEY (article_id) REFERENCES %s(id) ON DELETE CASCADE
) DEFAULT CHARSET=utf8mb4`, s.contents, s.contents, s.articles),
	}
	for _, stmt := range statements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveArticle inserts the article unless its link hash already exists, in
// which case the existing id is returned with duplicate=true.
func (s *ArticleStore) SaveArticle(ctx context.Context, article crawler.ArticleRecord) (string, bool, error) {
	if article.LinkHash == "" {
		return "", false, fmt.Errorf("link hash is required")
	}
	extra, err := json.Marshal(article.Extra)
	if err != nil {
		return "", false, fmt.Errorf("marshal extra: %w", err)
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}

	var existing int64
	err = tx.GetContext(ctx, &existing, fmt.Sprintf("SELECT id FROM %s WHERE link_hash = ?", s.articles), article.LinkHash)
	switch {
	case err == nil:
		return strconv.FormatInt(existing, 10), true, rollback(tx, nil)
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, rollback(tx, fmt.Errorf("lookup link hash: %w", err))
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (task_id, title, link, link_hash, source_url, extra, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		s.articles),
		article.TaskID,
		article.Title,
		article.Link,
		article.LinkHash,
		article.SourceURL,
		extra,
		article.CreatedAt,
	)
	if isDuplicate(err) {
		if err := rollback(tx, nil); err != nil {
			return "", false, err
		}
		var id int64
		if err := s.DB.GetContext(ctx, &id, fmt.Sprintf("SELECT id FROM %s WHERE link_hash = ?", s.articles), article.LinkHash); err != nil {
			return "", false, fmt.Errorf("lookup link hash after conflict: %w", err)
		}
		return strconv.FormatInt(id, 10), true, nil
	}
	if err != nil {
		return "", false, rollback(tx, fmt.Errorf("insert article: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", false, rollback(tx, fmt.Errorf("last insert id: %w", err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (article_id, content, content_hash, created_at) VALUES (?, ?, ?, ?)", s.contents),
		id, article.Content, article.ContentHash, article.CreatedAt,
	); err != nil {
		return "", false, rollback(tx, fmt.Errorf("insert article content: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit article: %w", err)
	}
	return strconv.FormatInt(id, 10), false, nil
}

func isDuplicate(err error) bool {
	var myErr *driver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}

func rollback(tx *sqlx.Tx, cause error) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		if cause != nil {
			return errors.Join(cause, fmt.Errorf("rollback: %w", err))
		}
		return fmt.Errorf("rollback: %w", err)
	}
	return cause
}

// Close gracefully shuts down the connection pool.
func (s *ArticleStore) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("close mysql: %w", err)
	}
	return nil
}
