package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// SlotKey identifies one delivery slot of a tenant.
type SlotKey struct {
	TenantID string
	Weekday  time.Weekday
	Hour     int
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%d-%d", k.TenantID, k.Weekday, k.Hour)
}

type slotState int

const (
	slotPending slotState = iota + 1
	slotDone
)

// SlotLedger records which slots were claimed or completed since the last
// reset. A slot is executed at most once between resets.
type SlotLedger struct {
	mu    sync.Mutex
	slots map[SlotKey]slotState
}

// NewSlotLedger returns an empty ledger.
func NewSlotLedger() *SlotLedger {
	return &SlotLedger{slots: make(map[SlotKey]slotState)}
}

// Claim marks k pending. It returns false when k is already pending or done.
func (l *SlotLedger) Claim(k SlotKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.slots[k]; taken {
		return false
	}
	l.slots[k] = slotPending
	return true
}

// Complete marks k done.
func (l *SlotLedger) Complete(k SlotKey) {
	l.mu.Lock()
	l.slots[k] = slotDone
	l.mu.Unlock()
}

// Release drops a pending claim so the slot can be claimed again. Completed
// slots are left alone.
func (l *SlotLedger) Release(k SlotKey) {
	l.mu.Lock()
	if l.slots[k] == slotPending {
		delete(l.slots, k)
	}
	l.mu.Unlock()
}

// Done reports whether k completed.
func (l *SlotLedger) Done(k SlotKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[k] == slotDone
}

// Reset forgets every slot.
func (l *SlotLedger) Reset() {
	l.mu.Lock()
	l.slots = make(map[SlotKey]slotState)
	l.mu.Unlock()
}

// Len returns the number of tracked slots.
func (l *SlotLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
