// Executor runs a parsed PlanItem against the catalog and table storage,
// implementing auto-commit for single statements and BEGIN/COMMIT/ROLLBACK
// for explicit multi-statement transactions. Locking goes through
// internal/storage/txn.Manager; durability goes through the shared WAL plus
// each table's consistent.Storage undo log.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/catalog"
	"github.com/relicio/rsqlcore/internal/storage/table"
	"github.com/relicio/rsqlcore/internal/storage/txn"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

// ResultKind classifies a Result so a caller can render it appropriately.
type ResultKind int

const (
	ResultQuery ResultKind = iota
	ResultMutation
	ResultDDL
	ResultDCL
	ResultControl // BEGIN/COMMIT/ROLLBACK acknowledgement
)

// Column names one projected output column and its declared type.
type Column struct {
	Name string
	Type table.ColType
}

// Result is what running one PlanItem produces.
type Result struct {
	Kind     ResultKind
	Columns  []Column
	Rows     [][]dataitem.DataItem
	Affected uint64
	Message  string
}

// connState tracks one connection's explicit-transaction state. A
// connection with no open BEGIN runs every statement auto-committed.
type connState struct {
	explicit bool
	tnxID    uint64
	touched  map[uint64]bool // user table ids written since BEGIN
}

// Executor is the engine's single entry point once a statement has been
// parsed into a PlanItem. One Executor serves every connection to a
// database; per-connection state lives in conns.
type Executor struct {
	cat            *catalog.Catalog
	txnMgr         *txn.Manager
	walLog         *wal.Log
	dbDir          string
	pageSize       int
	cacheCapacity  int
	maxVarCharSize uint64

	tablesMu sync.Mutex
	tables   map[uint64]*table.Table

	connsMu sync.Mutex
	conns   map[uint64]*connState
}

// NewExecutor wires an Executor over an already-open catalog, transaction
// manager and WAL.
func NewExecutor(cat *catalog.Catalog, txnMgr *txn.Manager, walLog *wal.Log, dbDir string, pageSize, cacheCapacity int, maxVarCharSize uint64) *Executor {
	return &Executor{
		cat:            cat,
		txnMgr:         txnMgr,
		walLog:         walLog,
		dbDir:          dbDir,
		pageSize:       pageSize,
		cacheCapacity:  cacheCapacity,
		maxVarCharSize: maxVarCharSize,
		tables:         make(map[uint64]*table.Table),
		conns:          make(map[uint64]*connState),
	}
}

func (e *Executor) connState(connID uint64) *connState {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	cs, ok := e.conns[connID]
	if !ok {
		cs = &connState{touched: map[uint64]bool{}}
		e.conns[connID] = cs
	}
	return cs
}

// Disconnect implicitly rolls back any transaction connID left open, then
// drops its state. Matches the cancellation rule: a closed connection aborts
// its open transaction.
func (e *Executor) Disconnect(connID uint64) {
	e.connsMu.Lock()
	conn, ok := e.conns[connID]
	delete(e.conns, connID)
	e.connsMu.Unlock()
	if ok && conn.explicit {
		e.abortExplicit(connID, conn)
	}
}

// AdoptTables registers already-open table handles (opened by the caller
// during startup crash recovery, before an Executor exists) so openTable
// reuses them instead of calling table.Open a second time, which would
// panic against table.go's process-wide open guard.
func (e *Executor) AdoptTables(tables map[uint64]*table.Table) {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	for id, tbl := range tables {
		e.tables[id] = tbl
	}
}

func (e *Executor) openTable(id uint64) (*table.Table, error) {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	if tbl, ok := e.tables[id]; ok {
		return tbl, nil
	}
	schema, found, err := e.cat.GetTableSchema(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dberrors.New(dberrors.NotFound, "engine: table id %d not registered", id)
	}
	tbl, err := table.Open(id, schema, e.dbDir, e.pageSize, e.cacheCapacity, e.walLog)
	if err != nil {
		return nil, err
	}
	e.tables[id] = tbl
	return tbl, nil
}

// Checkpoint fsyncs every open table and the catalog, then appends a
// Checkpoint WAL record. The log is only truncated when no explicit
// transaction is mid-flight: recovery.go's wholesale-truncate assumption
// requires every earlier record to be either fully committed or fully
// rolled back, which an in-progress explicit transaction is neither.
func (e *Executor) Checkpoint() error {
	e.tablesMu.Lock()
	for _, tbl := range e.tables {
		if err := tbl.Sync(); err != nil {
			e.tablesMu.Unlock()
			return err
		}
	}
	e.tablesMu.Unlock()
	if err := e.cat.Sync(); err != nil {
		return err
	}

	e.connsMu.Lock()
	var active []uint64
	for _, c := range e.conns {
		if c.explicit {
			active = append(active, c.tnxID)
		}
	}
	e.connsMu.Unlock()

	if err := e.walLog.AppendSync(wal.Record{Op: wal.OpCheckpoint, ActiveTnxIDs: active}); err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}
	return e.walLog.Truncate()
}

// Run executes one parsed statement for connID, applying auto-commit or
// explicit-transaction semantics as appropriate.
func (e *Executor) Run(connID uint64, item PlanItem) (Result, error) {
	switch p := item.(type) {
	case BeginPlan:
		return e.doBegin(connID)
	case CommitPlan:
		return e.doCommit(connID)
	case RollbackPlan:
		return e.doRollback(connID)
	case CreateTablePlan:
		return e.withStatementTxn(connID, nil, nil, true, func(tnxID uint64) (Result, error) {
			return e.doCreateTable(tnxID, p)
		})
	case DropTablePlan:
		return e.withStatementTxn(connID, nil, nil, true, func(tnxID uint64) (Result, error) {
			return e.doDropTable(tnxID, p)
		})
	case CreateIndexPlan:
		return Result{}, dberrors.New(dberrors.Unsupported, "engine: CREATE INDEX on an existing table is not supported; declare INDEX(col) inside CREATE TABLE instead")
	case CreateUserPlan:
		return e.withStatementTxn(connID, nil, nil, true, func(tnxID uint64) (Result, error) {
			return e.doCreateUser(tnxID, p)
		})
	case DropUserPlan:
		return e.withStatementTxn(connID, nil, nil, true, func(tnxID uint64) (Result, error) {
			return e.doDropUser(tnxID, p)
		})
	case InsertPlan:
		id, found, err := e.cat.GetTableID(p.Table)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
		}
		return e.withStatementTxn(connID, nil, []uint64{id}, true, func(tnxID uint64) (Result, error) {
			return e.doInsert(tnxID, p)
		})
	case UpdatePlan:
		id, found, err := e.cat.GetTableID(p.Table)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
		}
		return e.withStatementTxn(connID, nil, []uint64{id}, true, func(tnxID uint64) (Result, error) {
			return e.doUpdate(tnxID, p)
		})
	case DeletePlan:
		id, found, err := e.cat.GetTableID(p.Table)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
		}
		return e.withStatementTxn(connID, nil, []uint64{id}, true, func(tnxID uint64) (Result, error) {
			return e.doDelete(tnxID, p)
		})
	case SelectPlan:
		ids, err := e.selectTableIDs(p)
		if err != nil {
			return Result{}, err
		}
		return e.withStatementTxn(connID, ids, nil, false, func(uint64) (Result, error) {
			return e.doSelect(p)
		})
	default:
		return Result{}, dberrors.New(dberrors.Internal, "engine: unhandled plan item %T", item)
	}
}

// withStatementTxn acquires locks for one statement (either a fresh
// single-statement transaction, or an extension of connID's already-open
// explicit transaction), runs fn, and applies commit/rollback bookkeeping.
//
// An explicit transaction's tables stay locked across statements (Acquire
// only adds locks for tables not already held, see txn.Manager.Acquire) and
// its writes share one tnxID for the whole transaction, so COMMIT/ROLLBACK
// need only a single pass over the tables touched since BEGIN. A statement
// that errors inside an explicit transaction aborts the whole transaction,
// matching how most SQL engines treat a failed statement inside BEGIN...COMMIT.
func (e *Executor) withStatementTxn(connID uint64, reads, writes []uint64, mutating bool, fn func(tnxID uint64) (Result, error)) (Result, error) {
	conn := e.connState(connID)
	if conn.explicit {
		e.txnMgr.Acquire(conn.tnxID, reads, writes)
		for _, id := range writes {
			conn.touched[id] = true
		}
		for _, id := range reads {
			conn.touched[id] = true
		}
		res, err := fn(conn.tnxID)
		if err != nil {
			if abortErr := e.abortExplicit(connID, conn); abortErr != nil {
				return Result{}, abortErr
			}
		}
		return res, err
	}

	tnxID := e.txnMgr.Begin(connID, reads, writes)
	if mutating {
		if err := e.walLog.AppendSync(wal.Record{Op: wal.OpOpenTnx, TnxID: tnxID}); err != nil {
			e.txnMgr.End(connID)
			return Result{}, err
		}
	}
	res, err := fn(tnxID)
	if mutating {
		if err != nil {
			for _, id := range writes {
				if tbl, tErr := e.openTable(id); tErr == nil {
					tbl.RollbackTnx(tnxID)
				}
			}
			e.cat.RollbackTnx(tnxID)
			e.walLog.AppendSync(wal.Record{Op: wal.OpRollback, TnxID: tnxID})
		} else {
			e.walLog.AppendSync(wal.Record{Op: wal.OpCommitTnx, TnxID: tnxID})
			for _, id := range writes {
				if tbl, tErr := e.openTable(id); tErr == nil {
					tbl.CommitTnx(tnxID)
				}
			}
			e.cat.CommitTnx(tnxID)
		}
	}
	if endErr := e.txnMgr.End(connID); endErr != nil && err == nil {
		err = endErr
	}
	return res, err
}

func (e *Executor) doBegin(connID uint64) (Result, error) {
	conn := e.connState(connID)
	if conn.explicit {
		if err := e.abortExplicit(connID, conn); err != nil {
			return Result{}, err
		}
	}
	tnxID := e.txnMgr.Begin(connID, nil, nil)
	if err := e.walLog.AppendSync(wal.Record{Op: wal.OpOpenTnx, TnxID: tnxID}); err != nil {
		e.txnMgr.End(connID)
		return Result{}, err
	}
	conn.explicit = true
	conn.tnxID = tnxID
	conn.touched = map[uint64]bool{}
	return Result{Kind: ResultControl, Message: "BEGIN"}, nil
}

func (e *Executor) doCommit(connID uint64) (Result, error) {
	conn := e.connState(connID)
	if !conn.explicit {
		return Result{}, dberrors.New(dberrors.InvalidInput, "engine: COMMIT with no open transaction")
	}
	if err := e.walLog.AppendSync(wal.Record{Op: wal.OpCommitTnx, TnxID: conn.tnxID}); err != nil {
		return Result{}, err
	}
	e.cat.CommitTnx(conn.tnxID)
	for id := range conn.touched {
		if tbl, err := e.openTable(id); err == nil {
			tbl.CommitTnx(conn.tnxID)
		}
	}
	if err := e.txnMgr.End(connID); err != nil {
		return Result{}, err
	}
	conn.explicit = false
	conn.touched = map[uint64]bool{}
	return Result{Kind: ResultControl, Message: "COMMIT"}, nil
}

func (e *Executor) doRollback(connID uint64) (Result, error) {
	conn := e.connState(connID)
	if !conn.explicit {
		return Result{}, dberrors.New(dberrors.InvalidInput, "engine: ROLLBACK with no open transaction")
	}
	if err := e.abortExplicit(connID, conn); err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultControl, Message: "ROLLBACK"}, nil
}

// abortExplicit undoes every write an explicit transaction made and
// releases its locks. Used by ROLLBACK, by a statement error inside a
// transaction, and by a re-BEGIN that abandons one still open.
func (e *Executor) abortExplicit(connID uint64, conn *connState) error {
	if err := e.cat.RollbackTnx(conn.tnxID); err != nil {
		return err
	}
	for id := range conn.touched {
		tbl, err := e.openTable(id)
		if err != nil {
			return err
		}
		if err := tbl.RollbackTnx(conn.tnxID); err != nil {
			return err
		}
	}
	if err := e.walLog.AppendSync(wal.Record{Op: wal.OpRollback, TnxID: conn.tnxID}); err != nil {
		return err
	}
	if err := e.txnMgr.End(connID); err != nil {
		return err
	}
	conn.explicit = false
	conn.touched = map[uint64]bool{}
	return nil
}

func (e *Executor) doCreateTable(tnxID uint64, p CreateTablePlan) (Result, error) {
	if _, found, err := e.cat.GetTableID(p.TableName); err != nil {
		return Result{}, err
	} else if found {
		if p.IfNotExists {
			return Result{Kind: ResultDDL, Message: fmt.Sprintf("table %q already exists", p.TableName)}, nil
		}
		return Result{}, dberrors.New(dberrors.InvalidInput, "engine: table %q already exists", p.TableName)
	}

	cols := make([]table.Column, len(p.Columns))
	for i, cd := range p.Columns {
		cols[i] = table.Column{Name: cd.Name, Type: cd.Type, PK: cd.PK, Nullable: cd.Nullable, Index: cd.Index, Unique: cd.Unique}
	}
	schema, err := table.NewSchema(cols, e.maxVarCharSize)
	if err != nil {
		return Result{}, err
	}

	tableID, err := e.cat.RegisterTable(tnxID, p.TableName, schema, time.Now().Unix())
	if err != nil {
		return Result{}, err
	}
	tbl, err := table.Create(tnxID, tableID, schema, e.dbDir, e.pageSize, e.cacheCapacity, e.walLog)
	if err != nil {
		return Result{}, err
	}
	e.tablesMu.Lock()
	e.tables[tableID] = tbl
	e.tablesMu.Unlock()
	return Result{Kind: ResultDDL, Message: fmt.Sprintf("table %q created", p.TableName)}, nil
}

func (e *Executor) doDropTable(tnxID uint64, p DropTablePlan) (Result, error) {
	id, found, err := e.cat.GetTableID(p.TableName)
	if err != nil {
		return Result{}, err
	}
	if !found {
		if p.IfExists {
			return Result{Kind: ResultDDL, Message: fmt.Sprintf("table %q does not exist", p.TableName)}, nil
		}
		return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.TableName)
	}
	if _, err := e.cat.DropTable(tnxID, p.TableName); err != nil {
		return Result{}, err
	}
	tbl, err := e.openTable(id)
	if err != nil {
		return Result{}, err
	}
	if err := tbl.Drop(tnxID); err != nil {
		return Result{}, err
	}
	e.tablesMu.Lock()
	delete(e.tables, id)
	e.tablesMu.Unlock()
	return Result{Kind: ResultDDL, Message: fmt.Sprintf("table %q dropped", p.TableName)}, nil
}

func (e *Executor) doCreateUser(tnxID uint64, p CreateUserPlan) (Result, error) {
	if err := e.cat.CreateUser(tnxID, p.Username, p.Password, p.IsAdmin); err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultDCL, Message: fmt.Sprintf("user %q created", p.Username)}, nil
}

func (e *Executor) doDropUser(tnxID uint64, p DropUserPlan) (Result, error) {
	if err := e.cat.DropUser(tnxID, p.Username); err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultDCL, Message: fmt.Sprintf("user %q dropped", p.Username)}, nil
}

func (e *Executor) doInsert(tnxID uint64, p InsertPlan) (Result, error) {
	id, found, err := e.cat.GetTableID(p.Table)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
	}
	schema, _, err := e.cat.GetTableSchema(id)
	if err != nil {
		return Result{}, err
	}
	tbl, err := e.openTable(id)
	if err != nil {
		return Result{}, err
	}

	order := p.Columns
	if len(order) == 0 {
		order = make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			order[i] = c.Name
		}
	}

	var affected uint64
	for _, vals := range p.Rows {
		if len(vals) != len(order) {
			return Result{}, dberrors.New(dberrors.InvalidInput, "engine: INSERT has %d values, expected %d", len(vals), len(order))
		}
		row := make([]dataitem.DataItem, len(schema.Columns))
		set := make([]bool, len(schema.Columns))
		for i, colName := range order {
			idx := schema.ColumnIndex(colName)
			if idx < 0 {
				return Result{}, dberrors.New(dberrors.InvalidInput, "engine: unknown column %q", colName)
			}
			val, err := retagLiteral(vals[i], schema.Columns[idx].Type)
			if err != nil {
				return Result{}, err
			}
			row[idx] = val
			set[idx] = true
		}
		for i, ok := range set {
			if !ok {
				row[i] = schema.NullItem(i)
			}
		}
		if err := tbl.InsertRow(tnxID, row); err != nil {
			return Result{}, err
		}
		affected++
	}
	return Result{Kind: ResultMutation, Affected: affected, Message: "INSERT"}, nil
}

func (e *Executor) doUpdate(tnxID uint64, p UpdatePlan) (Result, error) {
	id, found, err := e.cat.GetTableID(p.Table)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
	}
	schema, _, err := e.cat.GetTableSchema(id)
	if err != nil {
		return Result{}, err
	}
	tbl, err := e.openTable(id)
	if err != nil {
		return Result{}, err
	}
	pkCol, ok := schema.PKColumn()
	if !ok {
		return Result{}, dberrors.New(dberrors.InvalidInput, "engine: table %q has no primary key", p.Table)
	}
	pkIdx := schema.ColumnIndex(pkCol.Name)

	cols := namedColsFor(schema, p.Table)
	candidates, err := e.fetchCandidateRows(tbl, schema, p.Table, p.Where)
	if err != nil {
		return Result{}, err
	}

	var affected uint64
	for _, row := range candidates {
		match, err := matchPredicates(cols, row, p.Where)
		if err != nil {
			return Result{}, err
		}
		if !match {
			continue
		}
		newRow := append([]dataitem.DataItem(nil), row...)
		for _, asn := range p.Assignments {
			idx := schema.ColumnIndex(asn.Column)
			if idx < 0 {
				return Result{}, dberrors.New(dberrors.InvalidInput, "engine: unknown column %q", asn.Column)
			}
			val, err := retagLiteral(asn.Value, schema.Columns[idx].Type)
			if err != nil {
				return Result{}, err
			}
			newRow[idx] = val
		}
		if err := tbl.UpdateRow(tnxID, row[pkIdx], newRow); err != nil {
			return Result{}, err
		}
		affected++
	}
	return Result{Kind: ResultMutation, Affected: affected, Message: "UPDATE"}, nil
}

func (e *Executor) doDelete(tnxID uint64, p DeletePlan) (Result, error) {
	id, found, err := e.cat.GetTableID(p.Table)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
	}
	schema, _, err := e.cat.GetTableSchema(id)
	if err != nil {
		return Result{}, err
	}
	tbl, err := e.openTable(id)
	if err != nil {
		return Result{}, err
	}
	pkCol, ok := schema.PKColumn()
	if !ok {
		return Result{}, dberrors.New(dberrors.InvalidInput, "engine: table %q has no primary key", p.Table)
	}
	pkIdx := schema.ColumnIndex(pkCol.Name)

	cols := namedColsFor(schema, p.Table)
	candidates, err := e.fetchCandidateRows(tbl, schema, p.Table, p.Where)
	if err != nil {
		return Result{}, err
	}

	var affected uint64
	for _, row := range candidates {
		match, err := matchPredicates(cols, row, p.Where)
		if err != nil {
			return Result{}, err
		}
		if !match {
			continue
		}
		if err := tbl.DeleteRow(tnxID, row[pkIdx]); err != nil {
			return Result{}, err
		}
		affected++
	}
	return Result{Kind: ResultMutation, Affected: affected, Message: "DELETE"}, nil
}

func (e *Executor) selectTableIDs(p SelectPlan) ([]uint64, error) {
	id, found, err := e.cat.GetTableID(p.Table)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
	}
	ids := []uint64{id}
	if p.Join != nil {
		rid, found, err := e.cat.GetTableID(p.Join.RightTable)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Join.RightTable)
		}
		ids = append(ids, rid)
	}
	return ids, nil
}

func (e *Executor) doSelect(p SelectPlan) (Result, error) {
	id, found, err := e.cat.GetTableID(p.Table)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Table)
	}
	schema, _, err := e.cat.GetTableSchema(id)
	if err != nil {
		return Result{}, err
	}
	tbl, err := e.openTable(id)
	if err != nil {
		return Result{}, err
	}

	var cols []namedCol
	var rows [][]dataitem.DataItem

	if p.Join != nil {
		rid, found, err := e.cat.GetTableID(p.Join.RightTable)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{}, dberrors.New(dberrors.NotFound, "engine: table %q does not exist", p.Join.RightTable)
		}
		rschema, _, err := e.cat.GetTableSchema(rid)
		if err != nil {
			return Result{}, err
		}
		rtbl, err := e.openTable(rid)
		if err != nil {
			return Result{}, err
		}
		cols, rows, err = e.runJoin(tbl, schema, p.Alias, p.Join, rtbl, rschema, p.Where)
		if err != nil {
			return Result{}, err
		}
	} else {
		candidates, err := e.fetchCandidateRows(tbl, schema, p.Alias, p.Where)
		if err != nil {
			return Result{}, err
		}
		cols = namedColsFor(schema, p.Alias)
		for _, row := range candidates {
			match, err := matchPredicates(cols, row, p.Where)
			if err != nil {
				return Result{}, err
			}
			if match {
				rows = append(rows, row)
			}
		}
	}

	cols, rows, err = applyAggregate(cols, rows, p.GroupBy, p.Agg, p.AggColumn)
	if err != nil {
		return Result{}, err
	}
	cols, rows, err = projectColumns(cols, rows, p.Columns)
	if err != nil {
		return Result{}, err
	}
	if p.Distinct {
		rows = distinctRows(rows)
	}
	if err := orderRows(cols, rows, p.OrderBy, p.OrderDesc); err != nil {
		return Result{}, err
	}
	rows = limitOffset(rows, p.HasOffset, p.Offset, p.HasLimit, p.Limit)

	resultCols := make([]Column, len(cols))
	for i, c := range cols {
		resultCols[i] = Column{Name: c.name, Type: c.typ}
	}
	return Result{Kind: ResultQuery, Columns: resultCols, Rows: rows}, nil
}

// runJoin evaluates an equality (or cross) join with a nested loop: the left
// side is narrowed by any index-eligible WHERE predicate, the right side is
// always a full scan. preds filters the combined row afterward regardless,
// so a narrowing hint can never change the result, only its cost.
func (e *Executor) runJoin(leftTbl *table.Table, leftSchema *table.Schema, leftAlias string, join *JoinSpec, rightTbl *table.Table, rightSchema *table.Schema, preds []Predicate) ([]namedCol, [][]dataitem.DataItem, error) {
	leftRows, err := e.fetchCandidateRows(leftTbl, leftSchema, leftAlias, preds)
	if err != nil {
		return nil, nil, err
	}
	rightRows, err := rightTbl.GetAllRows()
	if err != nil {
		return nil, nil, err
	}

	leftCols := namedColsFor(leftSchema, leftAlias)
	rightCols := namedColsFor(rightSchema, join.RightAlias)
	cols := append(append([]namedCol(nil), leftCols...), rightCols...)

	var leftColIdx, rightColIdx int
	if join.Kind != JoinCross {
		var ok bool
		leftColIdx, ok = resolveRef(leftCols, join.LeftCol)
		if !ok {
			return nil, nil, dberrors.New(dberrors.InvalidInput, "engine: unknown join column %q", join.LeftCol)
		}
		rightColIdx, ok = resolveRef(rightCols, join.RightCol)
		if !ok {
			return nil, nil, dberrors.New(dberrors.InvalidInput, "engine: unknown join column %q", join.RightCol)
		}
	}

	nullRight := make([]dataitem.DataItem, len(rightCols))
	for i, c := range rightCols {
		nullRight[i] = nullFor(c.typ)
	}
	nullLeft := make([]dataitem.DataItem, len(leftCols))
	for i, c := range leftCols {
		nullLeft[i] = nullFor(c.typ)
	}

	var out [][]dataitem.DataItem
	matchedRight := make([]bool, len(rightRows))
	for _, lrow := range leftRows {
		matchedLeft := false
		for ri, rrow := range rightRows {
			matches := join.Kind == JoinCross ||
				(!lrow[leftColIdx].IsNull() && !rrow[rightColIdx].IsNull() && dataitem.Compare(lrow[leftColIdx], rrow[rightColIdx]) == 0)
			if !matches {
				continue
			}
			combined := append(append([]dataitem.DataItem(nil), lrow...), rrow...)
			ok, err := matchPredicates(cols, combined, preds)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				out = append(out, combined)
				matchedLeft = true
				matchedRight[ri] = true
			}
		}
		if !matchedLeft && (join.Kind == JoinLeft || join.Kind == JoinFull) {
			combined := append(append([]dataitem.DataItem(nil), lrow...), nullRight...)
			if ok, err := matchPredicates(cols, combined, preds); err == nil && ok {
				out = append(out, combined)
			}
		}
	}
	if join.Kind == JoinRight || join.Kind == JoinFull {
		for ri, rrow := range rightRows {
			if matchedRight[ri] {
				continue
			}
			combined := append(append([]dataitem.DataItem(nil), nullLeft...), rrow...)
			if ok, err := matchPredicates(cols, combined, preds); err == nil && ok {
				out = append(out, combined)
			}
		}
	}
	return cols, out, nil
}

// fetchCandidateRows narrows a table scan using the first WHERE predicate
// (applicable to alias) that names an indexed column with a supported
// operator, falling back to a full scan. The caller always re-applies the
// complete predicate list afterward, so an inclusive-bound index lookup
// never over-returns incorrectly -- it only changes how many rows are
// re-checked in memory.
func (e *Executor) fetchCandidateRows(tbl *table.Table, schema *table.Schema, alias string, preds []Predicate) ([][]dataitem.DataItem, error) {
	for _, pred := range preds {
		q, col, qualified := splitQualified(pred.Column)
		if qualified && q != alias {
			continue
		}
		idx := schema.ColumnIndex(col)
		if idx < 0 || !isIndexed(schema, col) {
			continue
		}
		colType := schema.Columns[idx].Type
		val, err := retagLiteral(pred.Value, colType)
		if err != nil {
			continue
		}
		switch pred.Op {
		case OpEq:
			row, found, err := tbl.GetRowByIndexedCol(col, val)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, nil
			}
			return [][]dataitem.DataItem{row}, nil
		case OpLt, OpLe:
			return tbl.GetRowsByRangeIndexedCol(col, nil, &val)
		case OpGt, OpGe:
			return tbl.GetRowsByRangeIndexedCol(col, &val, nil)
		}
	}
	return tbl.GetAllRows()
}

func isIndexed(schema *table.Schema, col string) bool {
	for _, c := range schema.Columns {
		if c.Name == col {
			return c.Index || c.PK
		}
	}
	return false
}

// namedCol is one column of an in-flight (possibly joined) row set: its
// owning alias, its bare name, and its declared type.
type namedCol struct {
	alias string
	name  string
	typ   table.ColType
}

func namedColsFor(schema *table.Schema, alias string) []namedCol {
	cols := make([]namedCol, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = namedCol{alias: alias, name: c.Name, typ: c.Type}
	}
	return cols
}

func nullFor(t table.ColType) dataitem.DataItem {
	switch t.Kind {
	case table.ColInteger:
		return dataitem.NullInt()
	case table.ColFloat:
		return dataitem.NullFloat()
	case table.ColChars:
		return dataitem.NullChars(t.Size)
	case table.ColVarChar:
		return dataitem.NullVarChar()
	case table.ColBool:
		return dataitem.NullBool()
	default:
		return dataitem.NullInt()
	}
}

// splitQualified splits "alias.col" into ("alias", "col", true), or returns
// ("", ref, false) for an unqualified reference.
func splitQualified(ref string) (alias, name string, qualified bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", ref, false
}

func resolveRef(cols []namedCol, ref string) (int, bool) {
	alias, name, qualified := splitQualified(ref)
	for i, c := range cols {
		if qualified {
			if c.alias == alias && c.name == name {
				return i, true
			}
		} else if c.name == name {
			return i, true
		}
	}
	return -1, false
}

// retagLiteral converts a parser-produced untyped literal (Integer, Float,
// VarChar-for-every-string, Bool, or a Null placeholder) to the DataItem
// variant colType actually declares, so Schema.Satisfy and index comparisons
// see a value of the right tag.
func retagLiteral(item dataitem.DataItem, colType table.ColType) (dataitem.DataItem, error) {
	if item.IsNull() {
		return nullFor(colType), nil
	}
	switch colType.Kind {
	case table.ColInteger:
		if item.Tag != dataitem.TagInteger {
			return dataitem.DataItem{}, dberrors.New(dberrors.InvalidInput, "engine: expected an integer literal")
		}
		return item, nil
	case table.ColFloat:
		switch item.Tag {
		case dataitem.TagFloat:
			return item, nil
		case dataitem.TagInteger:
			return dataitem.Float(float64(item.Int)), nil
		default:
			return dataitem.DataItem{}, dberrors.New(dberrors.InvalidInput, "engine: expected a numeric literal")
		}
	case table.ColChars:
		if item.Tag != dataitem.TagVarChar {
			return dataitem.DataItem{}, dberrors.New(dberrors.InvalidInput, "engine: expected a string literal")
		}
		if uint64(len(item.VarCharVal)) > colType.Size {
			return dataitem.DataItem{}, dberrors.New(dberrors.InvalidInput, "engine: value longer than column size %d", colType.Size)
		}
		return dataitem.Chars(colType.Size, item.VarCharVal), nil
	case table.ColVarChar:
		if item.Tag != dataitem.TagVarChar {
			return dataitem.DataItem{}, dberrors.New(dberrors.InvalidInput, "engine: expected a string literal")
		}
		return dataitem.VarChar(colType.Size, item.VarCharVal), nil
	case table.ColBool:
		if item.Tag != dataitem.TagBool {
			return dataitem.DataItem{}, dberrors.New(dberrors.InvalidInput, "engine: expected a boolean literal")
		}
		return item, nil
	default:
		return dataitem.DataItem{}, dberrors.New(dberrors.Internal, "engine: unknown column type")
	}
}

func evalCompare(cmp int, op CompareOp) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// matchPredicates reports whether row satisfies every predicate (an AND
// list). A predicate comparing against a NULL value (on either side) is
// never true, matching three-valued WHERE semantics.
func matchPredicates(cols []namedCol, vals []dataitem.DataItem, preds []Predicate) (bool, error) {
	for _, p := range preds {
		idx, ok := resolveRef(cols, p.Column)
		if !ok {
			return false, dberrors.New(dberrors.InvalidInput, "engine: unknown column %q", p.Column)
		}
		val, err := retagLiteral(p.Value, cols[idx].typ)
		if err != nil {
			return false, err
		}
		if vals[idx].IsNull() || val.IsNull() {
			return false, nil
		}
		if !evalCompare(dataitem.Compare(vals[idx], val), p.Op) {
			return false, nil
		}
	}
	return true, nil
}

func rowItemKey(item dataitem.DataItem) string {
	switch item.Tag {
	case dataitem.TagInteger, dataitem.TagNullInt:
		return fmt.Sprintf("i:%d:%v", item.Int, item.IsNull())
	case dataitem.TagFloat, dataitem.TagNullFloat:
		return fmt.Sprintf("f:%v:%v", item.Flt, item.IsNull())
	case dataitem.TagChars, dataitem.TagNullChars:
		return fmt.Sprintf("c:%s:%v", item.Chars, item.IsNull())
	case dataitem.TagVarChar, dataitem.TagNullVarChar:
		return fmt.Sprintf("v:%s:%v", item.VarCharVal, item.IsNull())
	case dataitem.TagBool, dataitem.TagNullBool:
		return fmt.Sprintf("b:%v:%v", item.B, item.IsNull())
	default:
		return ""
	}
}

func aggResultName(agg AggFunc, col string) string {
	switch agg {
	case AggCount:
		return "COUNT(" + col + ")"
	case AggSum:
		return "SUM(" + col + ")"
	case AggAvg:
		return "AVG(" + col + ")"
	case AggMin:
		return "MIN(" + col + ")"
	case AggMax:
		return "MAX(" + col + ")"
	default:
		return col
	}
}

// applyAggregate groups rows by groupBy (if any) and reduces each group with
// agg (if any), returning the projected [groupCol?, aggResult?] column set.
// A GroupBy with no Agg just deduplicates down to one row per distinct key.
func applyAggregate(cols []namedCol, rows [][]dataitem.DataItem, groupBy string, agg AggFunc, aggCol string) ([]namedCol, [][]dataitem.DataItem, error) {
	if agg == AggNone && groupBy == "" {
		return cols, rows, nil
	}
	groupIdx := -1
	if groupBy != "" {
		idx, ok := resolveRef(cols, groupBy)
		if !ok {
			return nil, nil, dberrors.New(dberrors.InvalidInput, "engine: unknown GROUP BY column %q", groupBy)
		}
		groupIdx = idx
	}
	aggIdx := -1
	if agg != AggNone && aggCol != "*" {
		idx, ok := resolveRef(cols, aggCol)
		if !ok {
			return nil, nil, dberrors.New(dberrors.InvalidInput, "engine: unknown aggregate column %q", aggCol)
		}
		aggIdx = idx
	}

	type groupState struct {
		key        dataitem.DataItem
		count      int64
		sum        float64
		sumInt     int64
		isFloat    bool
		min, max   dataitem.DataItem
		haveMinMax bool
	}
	groups := make(map[string]*groupState)
	var order []string
	for _, row := range rows {
		k := ""
		var kv dataitem.DataItem
		if groupIdx >= 0 {
			kv = row[groupIdx]
			k = rowItemKey(kv)
		}
		g, ok := groups[k]
		if !ok {
			g = &groupState{key: kv}
			groups[k] = g
			order = append(order, k)
		}
		g.count++
		if aggIdx >= 0 && !row[aggIdx].IsNull() {
			v := row[aggIdx]
			switch v.Tag {
			case dataitem.TagInteger:
				g.sumInt += v.Int
				g.sum += float64(v.Int)
			case dataitem.TagFloat:
				g.isFloat = true
				g.sum += v.Flt
			}
			if !g.haveMinMax {
				g.min, g.max = v, v
				g.haveMinMax = true
			} else {
				if dataitem.Compare(v, g.min) < 0 {
					g.min = v
				}
				if dataitem.Compare(v, g.max) > 0 {
					g.max = v
				}
			}
		}
	}

	var outCols []namedCol
	if groupIdx >= 0 {
		outCols = append(outCols, cols[groupIdx])
	}
	if agg != AggNone {
		aggType := table.ColType{Kind: table.ColInteger}
		if agg == AggAvg || (aggIdx >= 0 && cols[aggIdx].typ.Kind == table.ColFloat) {
			aggType = table.ColType{Kind: table.ColFloat}
		}
		outCols = append(outCols, namedCol{name: aggResultName(agg, aggCol), typ: aggType})
	}

	outRows := make([][]dataitem.DataItem, 0, len(order))
	for _, k := range order {
		g := groups[k]
		var row []dataitem.DataItem
		if groupIdx >= 0 {
			row = append(row, g.key)
		}
		switch agg {
		case AggCount:
			row = append(row, dataitem.Integer(g.count))
		case AggSum:
			if g.isFloat {
				row = append(row, dataitem.Float(g.sum))
			} else {
				row = append(row, dataitem.Integer(g.sumInt))
			}
		case AggAvg:
			avg := 0.0
			if g.count > 0 {
				avg = g.sum / float64(g.count)
			}
			row = append(row, dataitem.Float(avg))
		case AggMin:
			if g.haveMinMax {
				row = append(row, g.min)
			} else {
				row = append(row, dataitem.NullInt())
			}
		case AggMax:
			if g.haveMinMax {
				row = append(row, g.max)
			} else {
				row = append(row, dataitem.NullInt())
			}
		}
		outRows = append(outRows, row)
	}
	return outCols, outRows, nil
}

func projectColumns(cols []namedCol, rows [][]dataitem.DataItem, want []string) ([]namedCol, [][]dataitem.DataItem, error) {
	if len(want) == 0 || (len(want) == 1 && want[0] == "*") {
		return cols, rows, nil
	}
	idxs := make([]int, len(want))
	outCols := make([]namedCol, len(want))
	for i, w := range want {
		idx, ok := resolveRef(cols, w)
		if !ok {
			return nil, nil, dberrors.New(dberrors.InvalidInput, "engine: unknown column %q", w)
		}
		idxs[i] = idx
		outCols[i] = cols[idx]
	}
	outRows := make([][]dataitem.DataItem, len(rows))
	for r, row := range rows {
		nr := make([]dataitem.DataItem, len(idxs))
		for i, idx := range idxs {
			nr[i] = row[idx]
		}
		outRows[r] = nr
	}
	return outCols, outRows, nil
}

func distinctRows(rows [][]dataitem.DataItem) [][]dataitem.DataItem {
	seen := make(map[string]bool, len(rows))
	out := make([][]dataitem.DataItem, 0, len(rows))
	for _, row := range rows {
		var sb strings.Builder
		for _, v := range row {
			sb.WriteString(rowItemKey(v))
			sb.WriteByte('|')
		}
		k := sb.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, row)
	}
	return out
}

func orderRows(cols []namedCol, rows [][]dataitem.DataItem, orderBy string, desc bool) error {
	if orderBy == "" {
		return nil
	}
	idx, ok := resolveRef(cols, orderBy)
	if !ok {
		return dberrors.New(dberrors.InvalidInput, "engine: unknown ORDER BY column %q", orderBy)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := dataitem.Compare(rows[i][idx], rows[j][idx])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return nil
}

func limitOffset(rows [][]dataitem.DataItem, hasOffset bool, offset int, hasLimit bool, limit int) [][]dataitem.DataItem {
	if hasOffset {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if hasLimit && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
