package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteHistory(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer h.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := h.Append(ctx, Record{
			ID:        fmt.Sprintf("r%d", i),
			TenantID:  "42",
			GroupID:   fmt.Sprintf("%d@g.us", i),
			Status:    StatusSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Position:  fmt.Sprintf("%d/5", i+1),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	h.Append(ctx, Record{ID: "other", TenantID: "7", GroupID: "x@g.us", Status: StatusError, Error: "boom", Timestamp: base})

	t.Run("newest first with limit", func(t *testing.T) {
		recs, err := h.List(ctx, "42", 2)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(recs) != 2 || recs[0].ID != "r4" || recs[1].ID != "r3" {
			t.Errorf("unexpected records %+v", recs)
		}
		if !recs[0].Timestamp.Equal(base.Add(4 * time.Minute)) {
			t.Errorf("timestamp not preserved: %v", recs[0].Timestamp)
		}
	})

	t.Run("per tenant", func(t *testing.T) {
		recs, _ := h.List(ctx, "7", 0)
		if len(recs) != 1 || recs[0].Error != "boom" || recs[0].Status != StatusError {
			t.Errorf("unexpected records %+v", recs)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		if err := h.Append(ctx, Record{ID: "r0", TenantID: "42", Timestamp: base}); err == nil {
			t.Error("expected unique violation")
		}
	})

	t.Run("clear", func(t *testing.T) {
		n, err := h.Clear(ctx, "42")
		if err != nil || n != 5 {
			t.Errorf("expected 5 deleted, got %d (err %v)", n, err)
		}
		if recs, _ := h.List(ctx, "42", 0); len(recs) != 0 {
			t.Error("tenant log should be empty")
		}
		if recs, _ := h.List(ctx, "7", 0); len(recs) != 1 {
			t.Error("other tenants must be untouched")
		}
	})
}
