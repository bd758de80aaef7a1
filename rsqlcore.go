// Package rsqlcore is the embeddable SQL storage and transaction core: open
// a Database over a data directory, run SQL through Execute, and let the
// background scheduler checkpoint it periodically. This is the wire surface
// a request-handling layer (gRPC, a REPL, a test harness) sits on top of.
package rsqlcore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/relicio/rsqlcore/internal/config"
	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/engine"
	"github.com/relicio/rsqlcore/internal/scheduler"
	"github.com/relicio/rsqlcore/internal/storage/catalog"
	"github.com/relicio/rsqlcore/internal/storage/consistent"
	"github.com/relicio/rsqlcore/internal/storage/table"
	"github.com/relicio/rsqlcore/internal/storage/txn"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

// Column names one result column, re-exported from internal/engine.
type Column = engine.Column

// ExecutionResult is one statement's outcome. Kind says which of
// Columns/Rows, Affected, or Message is meaningful: a Query result carries
// Columns and Rows; a Mutation (INSERT/UPDATE/DELETE) carries Affected; a
// Ddl or Dcl result carries a human-readable Message.
type ExecutionResult struct {
	Kind     engine.ResultKind
	Columns  []Column
	Rows     [][]dataitem.DataItem
	Affected uint64
	Message  string
}

// bootstrapTnxID tags the one-time work of opening (and possibly creating)
// the system catalog's bootstrap tables, before any real transaction exists.
const bootstrapTnxID = 0

// Database is one open instance of the engine: catalog, transaction
// manager, WAL, and executor wired together over a single data directory.
type Database struct {
	cfg    config.Config
	walLog *wal.Log
	cat    *catalog.Catalog
	txnMgr *txn.Manager
	exec   *engine.Executor
	sched  *scheduler.Scheduler
}

// Open loads cfg's data directory, replaying the WAL to recover from any
// unclean shutdown, then starts the background checkpoint scheduler.
func Open(cfg config.Config) (*Database, error) {
	if err := os.MkdirAll(cfg.DBDir, 0o755); err != nil {
		return nil, dberrors.Wrap(dberrors.Storage, err, "rsqlcore: creating db directory %s", cfg.DBDir)
	}
	walLog, err := wal.Open(filepath.Join(cfg.DBDir, "wal.log"))
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(bootstrapTnxID, cfg.DBDir, cfg.PageSize, cfg.CacheCapacity, walLog,
		uint64(cfg.MaxTableNameSize), uint64(cfg.MaxColNameSize), uint64(cfg.MaxUsernameSize), uint64(cfg.MaxVarCharSize))
	if err != nil {
		walLog.Close()
		return nil, err
	}

	userTables, err := openUserTables(cat, cfg, walLog)
	if err != nil {
		walLog.Close()
		return nil, err
	}

	maxTnxID, err := maxTnxIDInLog(walLog)
	if err != nil {
		walLog.Close()
		return nil, err
	}

	if err := recover_(walLog, cat, userTables); err != nil {
		walLog.Close()
		return nil, err
	}

	txnMgr := txn.NewManager(maxTnxID + 1)
	exec := engine.NewExecutor(cat, txnMgr, walLog, cfg.DBDir, cfg.PageSize, cfg.CacheCapacity, uint64(cfg.MaxVarCharSize))
	exec.AdoptTables(userTables)

	db := &Database{cfg: cfg, walLog: walLog, cat: cat, txnMgr: txnMgr, exec: exec}
	sched, err := scheduler.Start(cfg.CheckpointCron, db.Checkpoint)
	if err != nil {
		walLog.Close()
		return nil, err
	}
	db.sched = sched
	return db, nil
}

func openUserTables(cat *catalog.Catalog, cfg config.Config, walLog *wal.Log) (map[uint64]*table.Table, error) {
	ids, err := cat.ListTableIDs()
	if err != nil {
		return nil, err
	}
	tables := make(map[uint64]*table.Table, len(ids))
	for _, id := range ids {
		schema, found, err := cat.GetTableSchema(id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		tbl, err := table.Open(id, schema, cfg.DBDir, cfg.PageSize, cfg.CacheCapacity, walLog)
		if err != nil {
			return nil, err
		}
		tables[id] = tbl
	}
	return tables, nil
}

// recover_ replays any WAL records left by an unclean shutdown against the
// already-opened system and user tables, then fsyncs and truncates the log.
// Named with a trailing underscore only to avoid shadowing the wal package's
// own Recover function in this file's scope.
func recover_(walLog *wal.Log, cat *catalog.Catalog, userTables map[uint64]*table.Table) error {
	records, err := walLog.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	sinkTables := make(map[uint64]*consistent.Storage, len(userTables)+4)
	for _, t := range cat.SystemTables() {
		sinkTables[t.ID] = t.Storage()
	}
	for id, t := range userTables {
		sinkTables[id] = t.Storage()
	}
	if err := wal.Recover(records, consistent.PagerFileSink{Tables: sinkTables}); err != nil {
		return err
	}
	slog.Info("wal recovery replayed records", "count", len(records))

	if err := cat.Sync(); err != nil {
		return err
	}
	for _, t := range userTables {
		if err := t.Sync(); err != nil {
			return err
		}
	}
	return walLog.Truncate()
}

// maxTnxIDInLog reports the highest transaction id seen in the WAL so the
// in-process transaction manager starts numbering strictly above it, even
// though the log itself is truncated once recovery has applied everything
// it needs from those records.
func maxTnxIDInLog(walLog *wal.Log) (uint64, error) {
	records, err := walLog.ReadAll()
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, r := range records {
		if r.TnxID > max {
			max = r.TnxID
		}
	}
	return max, nil
}

// Execute runs sql (one or more ';'-separated statements) against
// connectionID's session, returning one ExecutionResult per statement. A
// statement error stops the batch and is returned alongside whatever
// results the earlier statements in the batch already produced.
func (db *Database) Execute(sql string, connectionID uint64) ([]ExecutionResult, error) {
	var results []ExecutionResult
	for _, stmtText := range splitStatements(sql) {
		trimmed := strings.TrimSpace(stmtText)
		if trimmed == "" {
			continue
		}
		item, err := engine.Parse(trimmed)
		if err != nil {
			return results, err
		}
		res, err := db.exec.Run(connectionID, item)
		if err != nil {
			return results, err
		}
		results = append(results, ExecutionResult{
			Kind:     res.Kind,
			Columns:  res.Columns,
			Rows:     res.Rows,
			Affected: res.Affected,
			Message:  res.Message,
		})
	}
	return results, nil
}

// splitStatements breaks sql on top-level ';' characters, ignoring any
// semicolon inside a single-quoted string literal.
func splitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == ';' && !inQuote {
			stmts = append(stmts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}

// ValidateUser checks username/password against sys_user's bcrypt digest.
func (db *Database) ValidateUser(username, password string) (bool, error) {
	return db.cat.ValidateUser(username, password)
}

// DisconnectCallback implicitly rolls back connectionID's open transaction,
// if any, and drops its session state.
func (db *Database) DisconnectCallback(connectionID uint64) {
	db.exec.Disconnect(connectionID)
}

// Checkpoint fsyncs every open table and the catalog and truncates the WAL.
func (db *Database) Checkpoint() error {
	return db.exec.Checkpoint()
}

// BackupDatabase checkpoints the database, then copies its data directory
// to a timestamped, uuid-tagged subdirectory of destPath. An advisory flock
// on the data directory for the duration of the operation makes a
// concurrent backup attempt fail fast rather than race the copy.
func (db *Database) BackupDatabase(destPath string) error {
	lockPath := filepath.Join(db.cfg.DBDir, ".backup.lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return dberrors.Wrap(dberrors.Storage, err, "rsqlcore: opening backup lock file")
	}
	defer lf.Close()
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return dberrors.Wrap(dberrors.Storage, err, "rsqlcore: another backup is already in progress")
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)

	if err := db.Checkpoint(); err != nil {
		return err
	}

	runID := uuid.New().String()
	dest := filepath.Join(destPath, fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), runID))
	if err := copyDir(db.cfg.DBDir, dest); err != nil {
		return dberrors.Wrap(dberrors.Storage, err, "rsqlcore: copying db directory to backup destination")
	}
	slog.Info("backup completed", "run_id", runID, "dest", dest)
	return nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Close stops the background scheduler and closes the WAL and catalog
// tables. Open tables belonging to the executor are not individually
// tracked here; closing the WAL file is sufficient since every table's
// underlying file descriptor is independent of it.
func (db *Database) Close() error {
	if db.sched != nil {
		db.sched.Stop()
	}
	if err := db.cat.Close(); err != nil {
		return err
	}
	return db.walLog.Close()
}
