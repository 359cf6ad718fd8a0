package config

import (
	"context"
	"sync"
	"time"
)

// memoTTL bounds the per-request MachineRecord memoisation window described
// in spec.md §5: "a short-lived (≤ 5s) per-request memoisation ... is
// permitted to avoid redundant reads inside one fallback loop."
const memoTTL = 5 * time.Second

// RequestMemo wraps a Store with a short-lived, single-request cache of one
// MachineRecord's Get result. It is not a cross-request cache: a new
// RequestMemo must be created per inbound request, and writes always go
// straight through to the underlying Store so later reads in the same
// fallback loop observe them.
type RequestMemo struct {
	backing Store

	mu        sync.Mutex
	machineID string
	record    *MachineRecord
	err       error
	fetchedAt time.Time
}

// NewRequestMemo wraps backing for the lifetime of a single request.
func NewRequestMemo(backing Store) *RequestMemo {
	return &RequestMemo{backing: backing}
}

func (m *RequestMemo) Get(ctx context.Context, machineID string) (*MachineRecord, error) {
	m.mu.Lock()
	if m.record != nil && m.machineID == machineID && time.Since(m.fetchedAt) < memoTTL {
		rec, err := m.record, m.err
		m.mu.Unlock()
		return rec, err
	}
	m.mu.Unlock()

	rec, err := m.backing.Get(ctx, machineID)

	m.mu.Lock()
	m.machineID = machineID
	m.record = rec
	m.err = err
	m.fetchedAt = time.Now()
	m.mu.Unlock()
	return rec, err
}

func (m *RequestMemo) Save(ctx context.Context, record *MachineRecord) error {
	if err := m.backing.Save(ctx, record); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

func (m *RequestMemo) UpdateProviderConnection(ctx context.Context, machineID, connectionID string, update ProviderConnectionUpdate) error {
	if err := m.backing.UpdateProviderConnection(ctx, machineID, connectionID, update); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

func (m *RequestMemo) invalidate() {
	m.mu.Lock()
	m.record = nil
	m.err = nil
	m.mu.Unlock()
}
