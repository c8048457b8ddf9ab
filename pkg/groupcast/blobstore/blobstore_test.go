package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "blobs.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close(context.Background()) })
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
	if g := openTestGridFS(t); g != nil {
		stores["gridfs"] = g
	}
	return stores
}

// openTestGridFS connects to GROUPCAST_TEST_MONGODB_URI, or returns nil when
// it is unset.
func openTestGridFS(t *testing.T) *GridFSStore {
	t.Helper()
	uri := os.Getenv("GROUPCAST_TEST_MONGODB_URI")
	if uri == "" {
		return nil
	}
	g, err := OpenGridFS(context.Background(), GridFSConfig{
		URI:      uri,
		Database: "groupcast_test",
		Bucket:   fmt.Sprintf("sessions_%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("OpenGridFS: %v", err)
	}
	t.Cleanup(func() { g.Close(context.Background()) })
	return g
}

func readAll(t *testing.T, s Store, id string) string {
	t.Helper()
	rc, err := s.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download(%s): %v", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", id, err)
	}
	return string(data)
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ids := make(map[string]string)
			for i, p := range []string{"b.ldb", "a.json", "c.db"} {
				id, err := s.Insert(ctx, "42_"+p, strings.NewReader("content-"+p), Metadata{
					TenantID:       "42",
					OriginalPath:   p,
					FileIndex:      2 - i,
					ModifiedTime:   mtime,
					SessionVersion: 1000,
				})
				if err != nil {
					t.Fatalf("Insert(%s): %v", p, err)
				}
				ids[p] = id
			}
			if _, err := s.Insert(ctx, "7_x", strings.NewReader("x"), Metadata{TenantID: "7", OriginalPath: "x"}); err != nil {
				t.Fatalf("Insert other tenant: %v", err)
			}

			t.Run("find filters by tenant and sorts", func(t *testing.T) {
				blobs, err := s.Find(ctx, Query{TenantID: "42", SortByFileIndex: true})
				if err != nil {
					t.Fatalf("Find: %v", err)
				}
				if len(blobs) != 3 {
					t.Fatalf("expected 3 blobs, got %d", len(blobs))
				}
				want := []string{"c.db", "a.json", "b.ldb"}
				for i, b := range blobs {
					if b.Metadata.OriginalPath != want[i] {
						t.Errorf("blob %d: expected %s, got %s", i, want[i], b.Metadata.OriginalPath)
					}
				}
				if blobs[0].Length != int64(len("content-c.db")) {
					t.Errorf("unexpected length %d", blobs[0].Length)
				}
				if !blobs[0].Metadata.ModifiedTime.Equal(mtime) {
					t.Errorf("modified time not preserved: %v", blobs[0].Metadata.ModifiedTime)
				}
				if blobs[0].Metadata.SessionVersion != 1000 {
					t.Errorf("session version not preserved: %d", blobs[0].Metadata.SessionVersion)
				}
			})

			t.Run("empty tenant matches all", func(t *testing.T) {
				blobs, err := s.Find(ctx, Query{})
				if err != nil {
					t.Fatalf("Find: %v", err)
				}
				if len(blobs) != 4 {
					t.Errorf("expected 4 blobs, got %d", len(blobs))
				}
			})

			t.Run("download returns content", func(t *testing.T) {
				if got := readAll(t, s, ids["a.json"]); got != "content-a.json" {
					t.Errorf("unexpected content %q", got)
				}
			})

			t.Run("delete removes blob", func(t *testing.T) {
				if err := s.Delete(ctx, ids["b.ldb"]); err != nil {
					t.Fatalf("Delete: %v", err)
				}
				if _, err := s.Download(ctx, ids["b.ldb"]); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound after delete, got %v", err)
				}
				if err := s.Delete(ctx, ids["b.ldb"]); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound on second delete, got %v", err)
				}
				blobs, _ := s.Find(ctx, Query{TenantID: "42"})
				if len(blobs) != 2 {
					t.Errorf("expected 2 remaining blobs, got %d", len(blobs))
				}
			})
		})
	}
}

func TestMemoryStoreCounters(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	id, _ := m.Insert(ctx, "f", strings.NewReader("x"), Metadata{TenantID: "1"})
	m.Insert(ctx, "g", strings.NewReader("y"), Metadata{TenantID: "1"})
	m.Delete(ctx, id)

	if m.Inserts() != 2 {
		t.Errorf("expected 2 inserts, got %d", m.Inserts())
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 blob, got %d", m.Len())
	}
}

// cancelingReader cancels its context once the first chunk is read.
type cancelingReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.cancel()
	return n, err
}

func TestGridFSInsertHonorsContext(t *testing.T) {
	g := openTestGridFS(t)
	if g == nil {
		t.Skip("GROUPCAST_TEST_MONGODB_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	r := &cancelingReader{r: strings.NewReader(strings.Repeat("x", 1024)), cancel: cancel}
	if _, err := g.Insert(ctx, "42_device.db", r, Metadata{TenantID: "42", OriginalPath: "device.db"}); err == nil {
		t.Fatal("insert cancelled mid-stream should fail")
	}
	blobs, err := g.Find(context.Background(), Query{TenantID: "42"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("aborted upload left %d files", len(blobs))
	}
}

func TestUploadID(t *testing.T) {
	oid := primitive.NewObjectID()
	if got := uploadID(oid); got != oid.Hex() {
		t.Errorf("uploadID(ObjectID) = %q, want %q", got, oid.Hex())
	}
	if got := uploadID("custom"); got != "custom" {
		t.Errorf("uploadID(string) = %q", got)
	}
}
