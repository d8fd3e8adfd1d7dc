package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/crystal-mush/gochatter/pkg/world"
)

// Memory is an in-process Gateway. Fail, when set, is consulted before
// every operation and lets tests inject faults.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*Account // by NameKey
	snapshot *world.Snapshot

	Fail func(op string) error
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*Account)}
}

func (m *Memory) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

func (m *Memory) LoadIdentity(ctx context.Context, name string) (*Account, error) {
	if err := m.fail("load_identity"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[NameKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: identity %q", ErrNotFound, name)
	}
	return a.Clone(), nil
}

func (m *Memory) CreateIdentity(ctx context.Context, acct *Account) error {
	if err := m.fail("create_identity"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NameKey(acct.Identity.Name)
	if _, ok := m.accounts[key]; ok {
		return fmt.Errorf("%w: %q", ErrNameTaken, acct.Identity.Name)
	}
	m.accounts[key] = acct.Clone()
	return nil
}

func (m *Memory) SaveIdentity(ctx context.Context, acct *Account) error {
	if err := m.fail("save_identity"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NameKey(acct.Identity.Name)
	if _, ok := m.accounts[key]; !ok {
		return fmt.Errorf("%w: identity %q", ErrNotFound, acct.Identity.Name)
	}
	m.accounts[key] = acct.Clone()
	return nil
}

func (m *Memory) LoadWorldSnapshot(ctx context.Context) (*world.Snapshot, error) {
	if err := m.fail("load_world"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, fmt.Errorf("%w: world snapshot", ErrNotFound)
	}
	s := *m.snapshot
	return &s, nil
}

func (m *Memory) SaveWorldSnapshot(ctx context.Context, snap *world.Snapshot) error {
	if err := m.fail("save_world"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *snap
	m.snapshot = &s
	return nil
}
