package agent

import (
	"errors"
	"sync/atomic"
	"testing"
)

type countingCloser struct {
	closed atomic.Int32
	err    error
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return c.err
}

func TestWhatsmeowDestroyClosesDeviceStore(t *testing.T) {
	w := NewWhatsmeowClient(t.TempDir(), "", nil)
	db := &countingCloser{}
	w.db = db

	w.Destroy()
	if got := db.closed.Load(); got != 1 {
		t.Fatalf("expected device store closed once, got %d", got)
	}

	w.Destroy()
	if got := db.closed.Load(); got != 1 {
		t.Errorf("second destroy must not close again, got %d", got)
	}
}

func TestWhatsmeowDestroyCloseError(t *testing.T) {
	w := NewWhatsmeowClient(t.TempDir(), "", nil)
	db := &countingCloser{err: errors.New("database is locked")}
	w.db = db

	w.Destroy()
	if db.closed.Load() != 1 {
		t.Error("close should still be attempted")
	}
	if w.db != nil {
		t.Error("store reference should be dropped after close")
	}
}

func TestWhatsmeowDestroyBeforeStart(t *testing.T) {
	w := NewWhatsmeowClient(t.TempDir(), "", nil)
	w.Destroy()
	if w.current() != nil {
		t.Error("no client expected before start")
	}
}
