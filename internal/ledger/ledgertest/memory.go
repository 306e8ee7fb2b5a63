// Package ledgertest provides an in-memory ledger with the same locking
// contract as the Postgres store, for tests.
package ledgertest

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
)

// Memory keeps users and transactions in maps. Settle serializes on a
// per-transaction and a per-user mutex, taken in that order.
type Memory struct {
	mu        sync.Mutex
	users     map[uuid.UUID]domain.User
	txs       map[uuid.UUID]domain.Transaction
	txLocks   map[uuid.UUID]*sync.Mutex
	userLocks map[uuid.UUID]*sync.Mutex

	// SettleErr, when set, is returned by the next Settle call instead of
	// running it.
	SettleErr error
	// Settles counts committed, non-no-op settlements.
	Settles int
}

func New() *Memory {
	return &Memory{
		users:     make(map[uuid.UUID]domain.User),
		txs:       make(map[uuid.UUID]domain.Transaction),
		txLocks:   make(map[uuid.UUID]*sync.Mutex),
		userLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// AddUser stores u, replacing any user with the same id.
func (m *Memory) AddUser(u domain.User) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return u
}

// AddTransaction stores t as-is.
func (m *Memory) AddTransaction(t domain.Transaction) domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.txs[t.ID] = t
	return t
}

func (m *Memory) User(id uuid.UUID) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

func (m *Memory) Transaction(id uuid.UUID) domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[id]
}

func (m *Memory) FindTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return &t, nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) GetBalance(ctx context.Context, id uuid.UUID) (money.Amount, error) {
	u, err := m.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

func (m *Memory) CreateUser(_ context.Context, u *domain.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Currency == "" {
		u.Currency = money.TRY
	}
	*u = m.AddUser(*u)
	return nil
}

func (m *Memory) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[t.UserID]; !ok {
		return ledger.ErrUserNotFound
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	m.txs[t.ID] = *t
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range m.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) lockFor(locks map[uuid.UUID]*sync.Mutex, id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := locks[id]
	if !ok {
		l = &sync.Mutex{}
		locks[id] = l
	}
	return l
}

func (m *Memory) Settle(_ context.Context, id uuid.UUID, fn ledger.SettleFunc) (ledger.Transition, error) {
	m.mu.Lock()
	if err := m.SettleErr; err != nil {
		m.SettleErr = nil
		m.mu.Unlock()
		return ledger.Transition{}, err
	}
	m.mu.Unlock()

	txLock := m.lockFor(m.txLocks, id)
	txLock.Lock()
	defer txLock.Unlock()

	tx, err := m.FindTransaction(context.Background(), id)
	if err != nil {
		return ledger.Transition{}, err
	}

	userLock := m.lockFor(m.userLocks, tx.UserID)
	userLock.Lock()
	defer userLock.Unlock()

	m.mu.Lock()
	user, ok := m.users[tx.UserID]
	m.mu.Unlock()
	if !ok {
		return ledger.Transition{}, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, tx.UserID)
	}

	// Widen the read-modify-write window so racing settlements would
	// interleave if the user lock were missing.
	runtime.Gosched()

	t, err := fn(*tx, user.Balance)
	if err != nil {
		return ledger.Transition{}, err
	}
	if t.NoOp {
		return t, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user.Balance = t.Balance
	m.users[user.ID] = user
	tx.Status = t.To
	tx.UpdatedAt = time.Now().UTC()
	m.txs[tx.ID] = *tx
	m.Settles++
	return t, nil
}
