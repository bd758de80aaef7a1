// Package txn implements the engine's transaction manager: it hands out
// monotonically increasing transaction ids and serializes table access by
// acquiring read/write locks on every table a transaction touches, in
// ascending table-id order, before the transaction is allowed to start.
//
// Ported near line-for-line from the reference implementation's
// tnx_manager.rs: the same three-map structure (connection -> transaction,
// table -> lock state, transaction -> associated tables), the same
// panic-on-overlapping-read/write-set rule, and the same "release the lock
// map's mutex before yielding" detail that lets a blocked Begin be unblocked
// by a concurrent End.
package txn

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/relicio/rsqlcore/internal/dberrors"
)

// tableState tracks how many readers and writers currently hold a table's
// lock. At most one writer, or any number of readers, may hold it at once.
type tableState struct {
	writers uint64
	readers uint64
}

func (s *tableState) tryRead() bool {
	if s.writers > 0 {
		return false
	}
	s.readers++
	return true
}

func (s *tableState) tryWrite() bool {
	if s.writers > 0 || s.readers > 0 {
		return false
	}
	s.writers++
	return true
}

func (s *tableState) releaseRead() {
	if s.readers > 0 {
		s.readers--
	}
}

func (s *tableState) releaseWrite() {
	if s.writers > 0 {
		s.writers--
	}
}

type associatedTables struct {
	reads  []uint64
	writes []uint64
}

// Manager is the process-wide transaction manager. It does not own any
// storage itself; callers use the returned transaction id to tag every
// internal/storage/consistent.Storage call they make for the duration of
// the transaction.
type Manager struct {
	tnxCounter uint64 // atomic, next id to hand out

	tnxMapMu sync.Mutex
	tnxMap   map[uint64]uint64 // connection id -> transaction id

	tableLocksMu sync.Mutex
	tableLocks   map[uint64]*tableState // table id -> lock state

	assocMu sync.Mutex
	assoc   map[uint64]associatedTables // transaction id -> tables it locked
}

// NewManager creates a Manager whose first transaction id is startTnxID.
func NewManager(startTnxID uint64) *Manager {
	return &Manager{
		tnxCounter: startTnxID,
		tnxMap:     make(map[uint64]uint64),
		tableLocks: make(map[uint64]*tableState),
		assoc:      make(map[uint64]associatedTables),
	}
}

func (m *Manager) nextTnxID() uint64 {
	return atomic.AddUint64(&m.tnxCounter, 1) - 1
}

// Begin assigns a transaction id to connID and blocks (spin-yielding) until
// it has acquired every lock the transaction needs: read locks on
// readTables, write locks on writeTables, acquired in ascending table-id
// order to avoid deadlocking against other transactions doing the same.
//
// Begin panics if a table appears in both readTables and writeTables: that
// is a caller bug (request a write lock, which also permits reading),
// never a runtime condition to recover from.
func (m *Manager) Begin(connID uint64, readTables, writeTables []uint64) uint64 {
	all := make(map[uint64]bool, len(readTables)+len(writeTables))
	isRead := make(map[uint64]bool, len(readTables))
	for _, id := range readTables {
		all[id] = true
		isRead[id] = true
	}
	for _, id := range writeTables {
		all[id] = true
	}
	if len(all) < len(readTables)+len(writeTables) {
		panic("txn: transaction requests conflicting locks on the same table")
	}
	order := make([]uint64, 0, len(all))
	for id := range all {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	tnxID := m.nextTnxID()
	m.tnxMapMu.Lock()
	m.tnxMap[connID] = tnxID
	m.tnxMapMu.Unlock()

	cursor := 0
	for cursor < len(order) {
		tableID := order[cursor]
		m.tableLocksMu.Lock()
		state, ok := m.tableLocks[tableID]
		if !ok {
			state = &tableState{}
			m.tableLocks[tableID] = state
		}
		var can bool
		if isRead[tableID] {
			can = state.tryRead()
		} else {
			can = state.tryWrite()
		}
		m.tableLocksMu.Unlock() // release before a potential yield
		if can {
			cursor++
		} else {
			runtime.Gosched()
		}
	}

	m.assocMu.Lock()
	m.assoc[tnxID] = associatedTables{
		reads:  append([]uint64(nil), readTables...),
		writes: append([]uint64(nil), writeTables...),
	}
	m.assocMu.Unlock()

	return tnxID
}

// End releases every lock the connection's current transaction holds and
// forgets the connection -> transaction mapping.
func (m *Manager) End(connID uint64) error {
	m.tnxMapMu.Lock()
	tnxID, ok := m.tnxMap[connID]
	if ok {
		delete(m.tnxMap, connID)
	}
	m.tnxMapMu.Unlock()
	if !ok {
		return dberrors.New(dberrors.InvalidInput, "txn: no transaction for connection %d", connID)
	}

	m.assocMu.Lock()
	tables, ok := m.assoc[tnxID]
	if ok {
		delete(m.assoc, tnxID)
	}
	m.assocMu.Unlock()
	if !ok {
		return dberrors.New(dberrors.Internal, "txn: no associated tables for transaction %d", tnxID)
	}

	m.tableLocksMu.Lock()
	for _, id := range tables.reads {
		if state, ok := m.tableLocks[id]; ok {
			state.releaseRead()
		}
	}
	for _, id := range tables.writes {
		if state, ok := m.tableLocks[id]; ok {
			state.releaseWrite()
		}
	}
	m.tableLocksMu.Unlock()
	return nil
}

// Acquire extends an already-running transaction's lock set: tables in
// readTables/writeTables not yet associated with tnxID are locked (blocking
// as Begin does) and added to its association, so a later End releases them
// too. A table already associated with tnxID, at whatever level it was
// first acquired under, is left alone -- this manager does not support
// escalating a read lock to a write lock mid-transaction. Used by explicit
// multi-statement SQL transactions, which call Begin once (with empty sets,
// just to mint tnxID) at BEGIN and Acquire once per subsequent statement, so
// a table touched in statement 1 stays locked through statement 2 and
// beyond until COMMIT/ROLLBACK calls End.
func (m *Manager) Acquire(tnxID uint64, readTables, writeTables []uint64) {
	m.assocMu.Lock()
	cur := m.assoc[tnxID]
	held := make(map[uint64]bool, len(cur.reads)+len(cur.writes))
	for _, id := range cur.reads {
		held[id] = true
	}
	for _, id := range cur.writes {
		held[id] = true
	}
	m.assocMu.Unlock()

	isRead := make(map[uint64]bool)
	seen := make(map[uint64]bool)
	var newReads, newWrites []uint64
	for _, id := range readTables {
		if held[id] || seen[id] {
			continue
		}
		seen[id] = true
		isRead[id] = true
		newReads = append(newReads, id)
	}
	for _, id := range writeTables {
		if held[id] || seen[id] {
			continue
		}
		seen[id] = true
		newWrites = append(newWrites, id)
	}
	if len(newReads) == 0 && len(newWrites) == 0 {
		return
	}

	order := append(append([]uint64(nil), newReads...), newWrites...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	cursor := 0
	for cursor < len(order) {
		tableID := order[cursor]
		m.tableLocksMu.Lock()
		state, ok := m.tableLocks[tableID]
		if !ok {
			state = &tableState{}
			m.tableLocks[tableID] = state
		}
		var can bool
		if isRead[tableID] {
			can = state.tryRead()
		} else {
			can = state.tryWrite()
		}
		m.tableLocksMu.Unlock()
		if can {
			cursor++
		} else {
			runtime.Gosched()
		}
	}

	m.assocMu.Lock()
	cur = m.assoc[tnxID]
	cur.reads = append(cur.reads, newReads...)
	cur.writes = append(cur.writes, newWrites...)
	m.assoc[tnxID] = cur
	m.assocMu.Unlock()
}

// TransactionID returns the transaction id currently associated with connID,
// if any.
func (m *Manager) TransactionID(connID uint64) (uint64, bool) {
	m.tnxMapMu.Lock()
	defer m.tnxMapMu.Unlock()
	id, ok := m.tnxMap[connID]
	return id, ok
}
