// Package blobstore defines the durable, metadata-queryable storage used to
// persist tenant session snapshots, with SQLite, MongoDB GridFS and in-memory
// implementations.
package blobstore

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"
)

// ErrNotFound is returned when a blob id does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// Metadata is attached to every stored blob. Field names mirror the document
// layout used by the GridFS bucket.
type Metadata struct {
	TenantID       string    `bson:"tenantId" json:"tenantId"`
	OriginalPath   string    `bson:"originalPath" json:"originalPath"`
	FileIndex      int       `bson:"fileIndex" json:"fileIndex"`
	ModifiedTime   time.Time `bson:"modifiedTime" json:"modifiedTime"`
	SessionVersion int64     `bson:"sessionVersion" json:"sessionVersion"`
}

// Blob describes a stored blob without its content.
type Blob struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Length     int64     `json:"length"`
	UploadedAt time.Time `json:"uploadedAt"`
	Metadata   Metadata  `json:"metadata"`
}

// Query selects blobs by metadata. An empty TenantID matches every tenant.
type Query struct {
	TenantID string

	// SortByFileIndex orders results by metadata.fileIndex ascending.
	SortByFileIndex bool
}

// Store is the blob persistence contract consumed by the session layer.
type Store interface {
	// Insert stores the content of r under filename and returns the new id.
	Insert(ctx context.Context, filename string, r io.Reader, meta Metadata) (string, error)

	// Find returns the blobs matching q.
	Find(ctx context.Context, q Query) ([]Blob, error)

	// Download opens the content of a blob. Callers must close the reader.
	Download(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing id returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// sortBlobs applies the ordering requested by q in place. Ties keep insertion
// order.
func sortBlobs(blobs []Blob, q Query) {
	if !q.SortByFileIndex {
		return
	}
	sort.SliceStable(blobs, func(i, j int) bool {
		return blobs[i].Metadata.FileIndex < blobs[j].Metadata.FileIndex
	})
}
