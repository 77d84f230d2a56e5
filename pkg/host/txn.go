package host

import (
	"context"
	"database/sql"
	"sync"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
)

// TxnHook is invoked when a transaction ends. committed reports whether
// the transaction committed or rolled back; hooks must behave identically
// for both outcomes when they release per-transaction resources.
type TxnHook func(committed bool)

// TxnManager tracks the host transaction and fires end-of-transaction
// hooks. The engine registers a hook that releases every execution
// environment allocated during the transaction.
type TxnManager struct {
	mu     sync.Mutex
	db     *sql.DB
	tx     *sql.Tx
	active bool
	hooks  []TxnHook
	logger *log.Logger
}

// NewTxnManager creates a transaction manager over db. db may be nil for
// engines running without a relational store; Begin then only arms the
// hook lifecycle.
func NewTxnManager(db *sql.DB, logger *log.Logger) *TxnManager {
	if logger == nil {
		logger = log.Default()
	}
	return &TxnManager{db: db, logger: logger}
}

// RegisterHook registers an end-of-transaction hook. Hooks persist across
// transactions and fire once per transaction end, in registration order.
func (m *TxnManager) RegisterHook(h TxnHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Begin starts a transaction.
func (m *TxnManager) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return plerrors.New(plerrors.ErrCodeSessionFailed,
			"transaction already in progress").
			WithOp("TxnManager.Begin").
			Err()
	}
	if m.db != nil {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return plerrors.Wrap(err, plerrors.ErrCodeStorageExec,
				"failed to begin transaction").
				WithOp("TxnManager.Begin").
				Err()
		}
		m.tx = tx
	}
	m.active = true
	m.logger.Storage().Debug("transaction started")
	return nil
}

// Commit commits the transaction and fires end-of-transaction hooks.
// Hooks fire even if the underlying commit fails.
func (m *TxnManager) Commit() error {
	return m.end(true)
}

// Rollback rolls the transaction back and fires end-of-transaction hooks.
func (m *TxnManager) Rollback() error {
	return m.end(false)
}

func (m *TxnManager) end(commit bool) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return plerrors.New(plerrors.ErrCodeSessionFailed,
			"no transaction in progress").
			WithOp("TxnManager.end").
			Err()
	}
	tx := m.tx
	m.tx = nil
	m.active = false
	hooks := make([]TxnHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	var err error
	if tx != nil {
		if commit {
			err = tx.Commit()
		} else {
			err = tx.Rollback()
		}
	}

	for _, h := range hooks {
		h(commit && err == nil)
	}

	if err != nil {
		return plerrors.Wrap(err, plerrors.ErrCodeStorageExec,
			"transaction end failed").
			WithOp("TxnManager.end").
			WithField("commit", commit).
			Err()
	}
	m.logger.Storage().Debug("transaction ended", "committed", commit)
	return nil
}

// InTransaction reports whether a transaction is open.
func (m *TxnManager) InTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
