// Package memory implements the repositories in process. It backs service
// and handler tests and single-node local runs without Postgres.
//
// Permissions, roles and grants are transactional. A transaction works on a
// private copy of them carried on its context and publishes the copy on
// Commit. Only one transaction is open at a time, and writes made outside a
// transaction wait for it, which also gives GetByIDForUpdate its locking
// semantics. Readers outside a transaction only ever see committed data.
//
// Users and audit entries are never written transactionally and live in a
// separate journal.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
)

type roleRecord struct {
	role    models.Role
	permIDs []uuid.UUID
}

type state struct {
	permissions map[uuid.UUID]models.Permission
	roles       map[uuid.UUID]*roleRecord
	grants      []models.Grant
}

func newState() *state {
	return &state{
		permissions: make(map[uuid.UUID]models.Permission),
		roles:       make(map[uuid.UUID]*roleRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, p := range s.permissions {
		c.permissions[id] = p
	}
	for id, r := range s.roles {
		c.roles[id] = &roleRecord{role: r.role, permIDs: append([]uuid.UUID(nil), r.permIDs...)}
	}
	c.grants = append([]models.Grant(nil), s.grants...)
	return c
}

type journal struct {
	users map[uuid.UUID]models.User
	audit []models.AuditLog
}

// Store owns the data shared by the memory repositories
type Store struct {
	// txMu is held by the open transaction and by each write made outside one
	txMu sync.Mutex

	mu   sync.RWMutex
	data *state

	logMu sync.RWMutex
	log   journal
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		data: newState(),
		log:  journal{users: make(map[uuid.UUID]models.User)},
	}
}

// PutUser inserts or replaces a user. Users are managed outside this service,
// so this is the only way to add them.
func (s *Store) PutUser(u models.User) {
	_ = s.writeJournal(func(j *journal) error {
		j.users[u.ID] = u
		return nil
	})
}

// Repositories returns repositories over the store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Permissions: &PermissionRepository{store: s},
		Roles:       &RoleRepository{store: s},
		Grants:      &GrantRepository{store: s},
		Users:       &UserRepository{store: s},
		AuditLogs:   &AuditRepository{store: s},
	}
}

// TransactionManager returns a transaction manager over the store
func (s *Store) TransactionManager() *TransactionManager {
	return &TransactionManager{store: s}
}

type txContextKey struct{}

// transaction returns the open transaction of s carried on ctx
func (s *Store) transaction(ctx context.Context) *Transaction {
	tx, ok := ctx.Value(txContextKey{}).(*Transaction)
	if !ok || tx.store != s || tx.done {
		return nil
	}
	return tx
}

func (s *Store) read(ctx context.Context, fn func(d *state) error) error {
	if tx := s.transaction(ctx); tx != nil {
		return fn(tx.work)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *Store) write(ctx context.Context, fn func(d *state) error) error {
	if tx := s.transaction(ctx); tx != nil {
		return fn(tx.work)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *Store) readJournal(fn func(j *journal) error) error {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return fn(&s.log)
}

func (s *Store) writeJournal(fn func(j *journal) error) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return fn(&s.log)
}

func (s *Store) hasUser(id uuid.UUID) bool {
	found := false
	_ = s.readJournal(func(j *journal) error {
		_, found = j.users[id]
		return nil
	})
	return found
}

// TransactionManager serializes transactions over a Store
type TransactionManager struct {
	store *Store
}

// Begin takes the store transaction lock and copies the committed data.
// Repository calls made with the transaction's Context see its writes.
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return tm.begin(ctx)
}

func (tm *TransactionManager) begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tm.store.txMu.Lock()

	tm.store.mu.RLock()
	work := tm.store.data.clone()
	tm.store.mu.RUnlock()

	tx := &Transaction{store: tm.store, work: work}
	tx.ctx = context.WithValue(ctx, txContextKey{}, tx)
	return tx, nil
}

// InTransaction runs fn inside a transaction, rolling back on error or panic.
// A call made while a transaction is already on ctx joins it.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if outer := tm.store.transaction(ctx); outer != nil {
		return fn(ctx, outer)
	}

	tx, err := tm.begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transaction is an open memory transaction
type Transaction struct {
	store *Store
	work  *state
	ctx   context.Context
	done  bool
}

var errTxDone = errors.New("transaction already finished")

// Commit publishes the transaction's writes
func (t *Transaction) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.mu.Lock()
	t.store.data = t.work
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

// Rollback discards the transaction's writes
func (t *Transaction) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.work = nil
	t.store.txMu.Unlock()
	return nil
}

// Context returns a context carrying the transaction
func (t *Transaction) Context() context.Context {
	return t.ctx
}
