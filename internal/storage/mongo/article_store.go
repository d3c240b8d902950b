// Package mongo persists articles as MongoDB documents.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// Config selects the deployment, database and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// collection is the subset of collection behavior the store needs.
type collection interface {
	findIDByLinkHash(ctx context.Context, linkHash string) (any, error)
	insert(ctx context.Context, doc any) (any, error)
	ensureIndex(ctx context.Context) error
}

// ArticleStore deduplicates articles on link_hash.
type ArticleStore struct {
	client *mongo.Client
	coll   collection
}

// New connects to MongoDB and pings the primary.
func New(ctx context.Context, cfg Config) (*ArticleStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("storage.mongo.uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("storage.mongo.database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "articles"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.Timeout).SetServerSelectionTimeout(cfg.Timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return &ArticleStore{client: client, coll: driverCollection{coll: coll}}, nil
}

// Name identifies the backend in logs and metrics.
func (s *ArticleStore) Name() string { return "mongo" }

// EnsureSchema creates the unique link_hash index.
func (s *ArticleStore) EnsureSchema(ctx context.Context) error {
	if err := s.coll.ensureIndex(ctx); err != nil {
		return fmt.Errorf("ensure index: %w", err)
	}
	return nil
}

// SaveArticle inserts the article unless its link hash already exists.
func (s *ArticleStore) SaveArticle(ctx context.Context, article crawler.ArticleRecord) (string, bool, error) {
	if article.LinkHash == "" {
		return "", false, fmt.Errorf("link hash is required")
	}
	id, err := s.coll.findIDByLinkHash(ctx, article.LinkHash)
	switch {
	case err == nil:
		return formatID(id), true, nil
	case !errors.Is(err, mongo.ErrNoDocuments):
		return "", false, fmt.Errorf("find link hash: %w", err)
	}

	inserted, err := s.coll.insert(ctx, article)
	if mongo.IsDuplicateKeyError(err) {
		id, err := s.coll.findIDByLinkHash(ctx, article.LinkHash)
		if err != nil {
			return "", false, fmt.Errorf("find link hash after conflict: %w", err)
		}
		return formatID(id), true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("insert article: %w", err)
	}
	return formatID(inserted), false, nil
}

// Close disconnects the client.
func (s *ArticleStore) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func formatID(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type driverCollection struct {
	coll *mongo.Collection
}

func (d driverCollection) findIDByLinkHash(ctx context.Context, linkHash string) (any, error) {
	var doc struct {
		ID any `bson:"_id"`
	}
	opts := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})
	if err := d.coll.FindOne(ctx, bson.D{{Key: "link_hash", Value: linkHash}}, opts).Decode(&doc); err != nil {
		return nil, err //nolint:wrapcheck // callers match mongo.ErrNoDocuments
	}
	return doc.ID, nil
}

func (d driverCollection) insert(ctx context.Context, doc any) (any, error) {
	res, err := d.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers match duplicate key errors
	}
	return res.InsertedID, nil
}

func (d driverCollection) ensureIndex(ctx context.Context) error {
	_, err := d.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "link_hash", Value: 1}},
		Options: options.Index().
			SetName("uniq_link_hash").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "link_hash", Value: bson.D{{Key: "$type", Value: "string"}}}}),
	})
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}
