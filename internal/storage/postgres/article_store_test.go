package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

func sampleArticle() crawler.ArticleRecord {
	return crawler.ArticleRecord{
		TaskID:      "42",
		Title:       "Hello",
		Link:        "https://example.com/a",
		LinkHash:    "8b1a9953c4611296a827abf8c47804d7",
		Content:     "body",
		ContentHash: "230d8358dc8e8890b4c58deeb62912ee2f20357ae92a5cc861b98e68fe31acb5",
		SourceURL:   "https://example.com/a",
		Extra:       map[string]any{"fields": map[string]any{"title": "Hello"}},
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestSaveArticleInsertsBothTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	rec := sampleArticle()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles WHERE link_hash").
		WithArgs(rec.LinkHash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO articles").
		WithArgs(rec.TaskID, rec.Title, rec.Link, rec.LinkHash, rec.SourceURL, pgxmock.AnyArg(), rec.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO article_contents").
		WithArgs(int64(7), rec.Content, rec.ContentHash, rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, dup, err := store.SaveArticle(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.False(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleDuplicateReturnsExistingID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "articles", "article_contents")
	require.NoError(t, err)
	rec := sampleArticle()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles WHERE link_hash").
		WithArgs(rec.LinkHash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectRollback()

	id, dup, err := store.SaveArticle(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "3", id)
	assert.True(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleConflictRace(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	rec := sampleArticle()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles").
		WithArgs(rec.LinkHash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO articles").
		WithArgs(rec.TaskID, rec.Title, rec.Link, rec.LinkHash, rec.SourceURL, pgxmock.AnyArg(), rec.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles").
		WithArgs(rec.LinkHash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectRollback()

	id, dup, err := store.SaveArticle(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "9", id)
	assert.True(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleRollsBackOnContentFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	rec := sampleArticle()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles").
		WithArgs(rec.LinkHash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO articles").
		WithArgs(rec.TaskID, rec.Title, rec.Link, rec.LinkHash, rec.SourceURL, pgxmock.AnyArg(), rec.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO article_contents").
		WithArgs(int64(1), rec.Content, rec.ContentHash, rec.CreatedAt).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err = store.SaveArticle(context.Background(), rec)
	require.ErrorContains(t, err, "insert article content")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleRequiresLinkHash(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	rec := sampleArticle()
	rec.LinkHash = ""

	_, _, err = store.SaveArticle(context.Background(), rec)
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS articles").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS article_contents").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "articles;drop", "")
	require.Error(t, err)
	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
}
