package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps accounts and entries in process memory. Each account has
// its own lock, so units on different accounts never wait on each other.
// Staged writes become visible together when the unit commits.
type MemoryStore struct {
	mu       sync.RWMutex // guards accounts, entries, nextID
	accounts map[int64]Account
	entries  map[int64][]Entry
	nextID   int64

	locksMu sync.Mutex
	locks   map[int64]chan struct{}

	now func() time.Time
}

// NewMemoryStore creates a store seeded with accounts.
func NewMemoryStore(accounts ...Account) *MemoryStore {
	m := &MemoryStore{
		accounts: make(map[int64]Account, len(accounts)),
		entries:  make(map[int64][]Entry),
		locks:    make(map[int64]chan struct{}),
		now:      time.Now,
	}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *MemoryStore) accountLock(id int64) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[id] = l
	}
	return l
}

// RunInUnit implements Store.
// Nothing is written before fn returns, so a failing or panicking fn leaves
// no trace.
func (m *MemoryStore) RunInUnit(ctx context.Context, fn func(Unit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u := &memoryUnit{
		store:    m,
		held:     make(map[int64]chan struct{}),
		balances: make(map[int64]int64),
	}
	defer u.release()

	if err := fn(u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	u.commit()
	return nil
}

// Snapshot implements Store.
func (m *MemoryStore) Snapshot(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Entries are append-only, so cloned slice headers pin the view taken
	// here while later commits proceed.
	m.mu.RLock()
	r := memoryReader{
		accounts: maps.Clone(m.accounts),
		entries:  maps.Clone(m.entries),
	}
	m.mu.RUnlock()

	return fn(r)
}

type memoryUnit struct {
	store    *MemoryStore
	held     map[int64]chan struct{}
	balances map[int64]int64
	staged   []Entry
}

func (u *memoryUnit) LockAccount(ctx context.Context, id int64) (Account, error) {
	u.store.mu.RLock()
	_, ok := u.store.accounts[id]
	u.store.mu.RUnlock()
	if !ok {
		return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}

	if _, held := u.held[id]; !held {
		l := u.store.accountLock(id)
		select {
		case l <- struct{}{}:
			u.held[id] = l
		case <-ctx.Done():
			return Account{}, ctx.Err()
		}
	}

	u.store.mu.RLock()
	acct := u.store.accounts[id]
	u.store.mu.RUnlock()
	if b, ok := u.balances[id]; ok {
		acct.Balance = b
	}
	return acct, nil
}

func (u *memoryUnit) UpdateBalance(ctx context.Context, id int64, balance int64) error {
	if _, held := u.held[id]; !held {
		return fmt.Errorf("%w: account %d is not locked by this unit", ErrInternal, id)
	}
	u.balances[id] = balance
	return nil
}

func (u *memoryUnit) AppendEntry(ctx context.Context, e NewEntry) (Entry, error) {
	if _, held := u.held[e.AccountID]; !held {
		return Entry{}, fmt.Errorf("%w: account %d is not locked by this unit", ErrInternal, e.AccountID)
	}

	u.store.mu.Lock()
	u.store.nextID++
	id := u.store.nextID
	u.store.mu.Unlock()

	entry := Entry{
		ID:          id,
		AccountID:   e.AccountID,
		Amount:      e.Amount,
		Kind:        e.Kind,
		Description: e.Description,
		OccurredAt:  u.store.now().UTC(),
	}
	u.staged = append(u.staged, entry)
	return entry, nil
}

func (u *memoryUnit) commit() {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	for id, b := range u.balances {
		acct := u.store.accounts[id]
		acct.Balance = b
		u.store.accounts[id] = acct
	}
	for _, e := range u.staged {
		u.store.entries[e.AccountID] = append(u.store.entries[e.AccountID], e)
	}
}

func (u *memoryUnit) release() {
	for id, l := range u.held {
		<-l
		delete(u.held, id)
	}
}

type memoryReader struct {
	accounts map[int64]Account
	entries  map[int64][]Entry
}

func (r memoryReader) ReadAccount(ctx context.Context, id int64) (Account, error) {
	acct, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return acct, nil
}

func (r memoryReader) RecentEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	all := slices.Clone(r.entries[accountID])
	slices.SortFunc(all, newerFirst)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

var _ Store = (*MemoryStore)(nil)
