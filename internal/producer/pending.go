package producer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/storage/mysql"
)

const defaultBatchSize = 500

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PendingSource pages through a pending_requests table in id order:
//
//	CREATE TABLE pending_requests (
//	  id BIGINT PRIMARY KEY AUTO_INCREMENT,
//	  url TEXT NOT NULL,
//	  method VARCHAR(10) DEFAULT 'GET',
//	  headers_json TEXT,
//	  params_json TEXT,
//	  meta_json TEXT
//	);
type PendingSource struct {
	db     *sqlx.DB
	table  string
	batch  int
	logger *zap.Logger
}

type pendingRow struct {
	ID          int64          `db:"id"`
	URL         string         `db:"url"`
	Method      sql.NullString `db:"method"`
	HeadersJSON sql.NullString `db:"headers_json"`
	ParamsJSON  sql.NullString `db:"params_json"`
	MetaJSON    sql.NullString `db:"meta_json"`
}

// OpenPending connects to the MySQL database holding the pending table.
func OpenPending(ctx context.Context, dsn, table string, batch int, logger *zap.Logger) (*PendingSource, error) {
	db, err := mysql.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	src, err := NewPendingSource(db, table, batch, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return src, nil
}

// NewPendingSource wraps an existing handle.
func NewPendingSource(db *sqlx.DB, table string, batch int, logger *zap.Logger) (*PendingSource, error) {
	if table == "" {
		table = "pending_requests"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingSource{db: db, table: table, batch: batch, logger: logger}, nil
}

// Each calls fn for every row. Rows whose JSON columns cannot be decoded are
// logged and skipped.
func (s *PendingSource) Each(ctx context.Context, fn func(crawler.RequestMessage) error) error {
	query := fmt.Sprintf(
		"SELECT id, url, method, headers_json, params_json, meta_json FROM %s WHERE id > ? ORDER BY id LIMIT ?",
		s.table,
	)
	var after int64
	for {
		var rows []pendingRow
		if err := s.db.SelectContext(ctx, &rows, query, after, s.batch); err != nil {
			return fmt.Errorf("select pending requests: %w", err)
		}
		for _, row := range rows {
			after = row.ID
			msg, err := row.message()
			if err != nil {
				s.logger.Warn("skip pending request", zap.Int64("id", row.ID), zap.Error(err))
				continue
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
		if len(rows) < s.batch {
			return nil
		}
	}
}

// Close releases the connection pool.
func (s *PendingSource) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close pending source: %w", err)
	}
	return nil
}

// message converts a row into a request. meta may carry workflow_index and a
// nested context the way older producers wrote them; otherwise meta itself is
// the context. Params are folded into the context under "params".
func (r pendingRow) message() (crawler.RequestMessage, error) {
	if strings.TrimSpace(r.URL) == "" {
		return crawler.RequestMessage{}, fmt.Errorf("empty url")
	}
	var headers map[string]any
	if err := decodeColumn(r.HeadersJSON, &headers); err != nil {
		return crawler.RequestMessage{}, fmt.Errorf("headers_json: %w", err)
	}
	var params map[string]any
	if err := decodeColumn(r.ParamsJSON, &params); err != nil {
		return crawler.RequestMessage{}, fmt.Errorf("params_json: %w", err)
	}
	meta := map[string]any{}
	if err := decodeColumn(r.MetaJSON, &meta); err != nil {
		return crawler.RequestMessage{}, fmt.Errorf("meta_json: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}

	values := map[string]any{}
	if nested, ok := meta["context"].(map[string]any); ok {
		values = nested
	} else {
		for k, v := range meta {
			if k != "workflow_index" {
				values[k] = v
			}
		}
	}
	if len(params) > 0 {
		values["params"] = params
	}

	method := strings.ToUpper(strings.TrimSpace(r.Method.String))
	if method == "" {
		method = http.MethodGet
	}
	msg := crawler.RequestMessage{
		URL:     strings.TrimSpace(r.URL),
		Method:  method,
		Headers: stringify(headers),
		Context: crawler.NewContext(values),
	}
	if idx, ok := meta["workflow_index"].(float64); ok {
		msg.StepIndex = int(idx)
	}
	return msg, nil
}

func decodeColumn(col sql.NullString, v any) error {
	if !col.Valid || strings.TrimSpace(col.String) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func stringify(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
