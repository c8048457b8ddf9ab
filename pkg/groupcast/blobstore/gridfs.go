package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSConfig configures GridFSStore.
type GridFSConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	Bucket   string `yaml:"bucket"`

	// ConnectTimeout bounds the initial connect and ping.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// GridFSStore implements Store on a MongoDB GridFS bucket. Session files are
// stored in the "sessions" bucket by default.
type GridFSStore struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// gridFile is the subset of a GridFS files document the store reads.
type gridFile struct {
	ID         primitive.ObjectID `bson:"_id"`
	Length     int64              `bson:"length"`
	UploadDate time.Time          `bson:"uploadDate"`
	Name       string             `bson:"filename"`
	Metadata   Metadata           `bson:"metadata"`
}

// OpenGridFS connects to MongoDB and opens the configured bucket.
func OpenGridFS(ctx context.Context, cfg GridFSConfig) (*GridFSStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("gridfs: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "groupcast"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "sessions"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	bucket, err := gridfs.NewBucket(client.Database(cfg.Database), options.GridFSBucket().SetName(cfg.Bucket))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("open gridfs bucket %q: %w", cfg.Bucket, err)
	}

	return &GridFSStore{client: client, bucket: bucket}, nil
}

// Insert implements Store.
func (g *GridFSStore) Insert(ctx context.Context, filename string, r io.Reader, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The deadline goes on the stream; the bucket is shared by concurrent
	// uploads.
	stream, err := g.bucket.OpenUploadStream(filename, options.GridFSUpload().SetMetadata(meta))
	if err != nil {
		return "", fmt.Errorf("open upload stream %q: %w", filename, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := io.Copy(stream, r); err != nil {
		_ = stream.Abort()
		return "", fmt.Errorf("upload %q: %w", filename, err)
	}
	if err := ctx.Err(); err != nil {
		_ = stream.Abort()
		return "", err
	}
	if err := stream.Close(); err != nil {
		return "", fmt.Errorf("finish upload %q: %w", filename, err)
	}
	return uploadID(stream.FileID), nil
}

func uploadID(v any) string {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(v)
}

// Find implements Store.
func (g *GridFSStore) Find(ctx context.Context, q Query) ([]Blob, error) {
	filter := bson.M{}
	if q.TenantID != "" {
		filter["metadata.tenantId"] = q.TenantID
	}
	opts := options.GridFSFind()
	if q.SortByFileIndex {
		opts.SetSort(bson.D{{Key: "metadata.fileIndex", Value: 1}})
	}

	cursor, err := g.bucket.FindContext(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find session files: %w", err)
	}
	var docs []gridFile
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode session files: %w", err)
	}

	out := make([]Blob, 0, len(docs))
	for _, d := range docs {
		out = append(out, Blob{
			ID:         d.ID.Hex(),
			Filename:   d.Name,
			Length:     d.Length,
			UploadedAt: d.UploadDate,
			Metadata:   d.Metadata,
		})
	}
	return out, nil
}

// Download implements Store.
func (g *GridFSStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := g.bucket.OpenDownloadStream(oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open download stream %s: %w", id, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	return stream, nil
}

// Delete implements Store.
func (g *GridFSStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	err = g.bucket.DeleteContext(ctx, oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (g *GridFSStore) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}
