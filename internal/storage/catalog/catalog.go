// Package catalog bootstraps and queries the system catalog: four built-in
// tables (sys_table, sys_column, sys_sequence, sys_user) that describe every
// other table's schema and hold user credentials. Every other package looks
// up table schemas and user passwords through this package rather than
// parsing table files directly.
//
// Ported from the reference implementation's system_catalog.rs: the four
// bootstrap schemas and the table-id constants are kept exactly as written
// there. register_table and next_table_id are authored fresh since the
// original left register_table unfinished (it stops mid-function).
package catalog

import (
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/table"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

const (
	SysTableID    uint64 = 0
	SysColumnID   uint64 = 1
	SysSequenceID uint64 = 2 // reserved for autoincrement sequences
	SysUserID     uint64 = 3

	// FirstUserTableID is the smallest table id register_table will hand out;
	// 0-3 are reserved for the bootstrap tables above.
	FirstUserTableID uint64 = 4
)

func sysTableSchema(maxTableNameSize uint64) *table.Schema {
	s, err := table.NewSchema([]table.Column{
		{Name: "table_id", Type: table.ColType{Kind: table.ColInteger}, PK: true, Unique: true, Index: true},
		{Name: "table_name", Type: table.ColType{Kind: table.ColVarChar, Size: maxTableNameSize}, Unique: true, Index: true},
		{Name: "created_at", Type: table.ColType{Kind: table.ColInteger}},
	}, maxTableNameSize)
	if err != nil {
		panic(err) // the bootstrap schema is fixed and always valid
	}
	return s
}

func sysColumnSchema(maxColNameSize, maxVarCharSize uint64) *table.Schema {
	s, err := table.NewSchema([]table.Column{
		{Name: "table_id", Type: table.ColType{Kind: table.ColInteger}, Index: true},
		{Name: "column_name", Type: table.ColType{Kind: table.ColChars, Size: maxColNameSize}, PK: true, Unique: true},
		{Name: "data_type", Type: table.ColType{Kind: table.ColInteger}},
		{Name: "extra", Type: table.ColType{Kind: table.ColInteger}, Nullable: true},
		{Name: "is_primary", Type: table.ColType{Kind: table.ColBool}},
		{Name: "is_nullable", Type: table.ColType{Kind: table.ColBool}},
		{Name: "is_indexed", Type: table.ColType{Kind: table.ColBool}},
		{Name: "is_unique", Type: table.ColType{Kind: table.ColBool}},
	}, maxVarCharSize)
	if err != nil {
		panic(err)
	}
	return s
}

func sysSequenceSchema(maxColNameSize, maxVarCharSize uint64) *table.Schema {
	s, err := table.NewSchema([]table.Column{
		{Name: "sequence_name", Type: table.ColType{Kind: table.ColChars, Size: maxColNameSize}, PK: true, Unique: true},
		{Name: "next_val", Type: table.ColType{Kind: table.ColInteger}},
	}, maxVarCharSize)
	if err != nil {
		panic(err)
	}
	return s
}

func sysUserSchema(maxUsernameSize, maxVarCharSize uint64) *table.Schema {
	s, err := table.NewSchema([]table.Column{
		{Name: "username", Type: table.ColType{Kind: table.ColChars, Size: maxUsernameSize}, PK: true, Unique: true},
		{Name: "password_hash", Type: table.ColType{Kind: table.ColChars, Size: 128}},
		{Name: "is_admin", Type: table.ColType{Kind: table.ColBool}},
	}, maxVarCharSize)
	if err != nil {
		panic(err)
	}
	return s
}

// column type codes stored in sys_column.data_type, matching table.ColKind.
const (
	colTypeInteger = 0
	colTypeFloat   = 1
	colTypeChars   = 2
	colTypeVarChar = 3
	colTypeBool    = 4
)

// Catalog is the opened system catalog: four tables plus an in-process
// mutex serializing registration of new user tables and sequence bumps.
type Catalog struct {
	mu sync.Mutex

	table    *table.Table
	column   *table.Table
	sequence *table.Table
	user     *table.Table

	maxTableNameSize uint64
	maxColNameSize   uint64
	maxUsernameSize  uint64
	maxVarCharSize   uint64
}

// Open bootstraps (creating on first run) the four system tables under
// dbDir and returns a ready Catalog.
func Open(tnxID uint64, dbDir string, pageSize, cacheCapacity int, log *wal.Log, maxTableNameSize, maxColNameSize, maxUsernameSize, maxVarCharSize uint64) (*Catalog, error) {
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, dberrors.Wrap(dberrors.Storage, err, "creating db directory %s", dbDir)
	}

	tableTbl, err := openOrCreate(tnxID, SysTableID, sysTableSchema(maxTableNameSize), dbDir, pageSize, cacheCapacity, log)
	if err != nil {
		return nil, err
	}
	columnTbl, err := openOrCreate(tnxID, SysColumnID, sysColumnSchema(maxColNameSize, maxVarCharSize), dbDir, pageSize, cacheCapacity, log)
	if err != nil {
		return nil, err
	}
	sequenceTbl, err := openOrCreate(tnxID, SysSequenceID, sysSequenceSchema(maxColNameSize, maxVarCharSize), dbDir, pageSize, cacheCapacity, log)
	if err != nil {
		return nil, err
	}
	userTbl, err := openOrCreate(tnxID, SysUserID, sysUserSchema(maxUsernameSize, maxVarCharSize), dbDir, pageSize, cacheCapacity, log)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		table:            tableTbl,
		column:           columnTbl,
		sequence:         sequenceTbl,
		user:             userTbl,
		maxTableNameSize: maxTableNameSize,
		maxColNameSize:   maxColNameSize,
		maxUsernameSize:  maxUsernameSize,
		maxVarCharSize:   maxVarCharSize,
	}, nil
}

func openOrCreate(tnxID, id uint64, schema *table.Schema, dbDir string, pageSize, cacheCapacity int, log *wal.Log) (*table.Table, error) {
	if table.Exists(dbDir, id) {
		return table.Open(id, schema, dbDir, pageSize, cacheCapacity, log)
	}
	return table.Create(tnxID, id, schema, dbDir, pageSize, cacheCapacity, log)
}

// Sync fsyncs all four system table files, used by checkpointing.
func (c *Catalog) Sync() error {
	for _, t := range []*table.Table{c.table, c.column, c.sequence, c.user} {
		if err := t.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// CommitTnx discards tnxID's undo history on all four system tables. Safe to
// call even when tnxID never touched a given system table.
func (c *Catalog) CommitTnx(tnxID uint64) {
	for _, t := range []*table.Table{c.table, c.column, c.sequence, c.user} {
		t.CommitTnx(tnxID)
	}
}

// RollbackTnx undoes tnxID's writes on all four system tables.
func (c *Catalog) RollbackTnx(tnxID uint64) error {
	for _, t := range []*table.Table{c.table, c.column, c.sequence, c.user} {
		if err := t.RollbackTnx(tnxID); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the four system tables' file handles.
func (c *Catalog) Close() error {
	var firstErr error
	for _, t := range []*table.Table{c.table, c.column, c.sequence, c.user} {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetTableSchema reassembles a registered table's Schema from sys_column.
func (c *Catalog) GetTableSchema(tableID uint64) (*table.Schema, bool, error) {
	pk := dataitem.Integer(int64(tableID))
	rows, err := c.column.GetRowsByRangeIndexedCol("table_id", &pk, &pk)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	cols := make([]table.Column, 0, len(rows))
	for _, row := range rows {
		name := row[1].Chars
		dataType := row[2].Int
		var extra uint64
		if !row[3].IsNull() {
			extra = uint64(row[3].Int)
		}
		var kind table.ColKind
		switch dataType {
		case colTypeInteger:
			kind = table.ColInteger
		case colTypeFloat:
			kind = table.ColFloat
		case colTypeChars:
			kind = table.ColChars
		case colTypeVarChar:
			kind = table.ColVarChar
		case colTypeBool:
			kind = table.ColBool
		default:
			return nil, false, dberrors.New(dberrors.Storage, "catalog: invalid column type code %d in sys_column", dataType)
		}
		cols = append(cols, table.Column{
			Name:     name,
			Type:     table.ColType{Kind: kind, Size: extra},
			PK:       row[4].B,
			Nullable: row[5].B,
			Index:    row[6].B,
			Unique:   row[7].B,
		})
	}
	schema, err := table.NewSchema(cols, c.maxVarCharSize)
	if err != nil {
		return nil, false, err
	}
	return schema, true, nil
}

// ListTableIDs returns every user table id currently registered, used by
// startup crash recovery to discover which table files the WAL might
// reference before any of them have been opened.
func (c *Catalog) ListTableIDs() ([]uint64, error) {
	rows, err := c.table.GetAllRows()
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = uint64(row[0].Int)
	}
	return ids, nil
}

// SystemTables returns the four bootstrap tables (sys_table, sys_column,
// sys_sequence, sys_user), used to fold them into a recovery page sink
// alongside every user table.
func (c *Catalog) SystemTables() []*table.Table {
	return []*table.Table{c.table, c.column, c.sequence, c.user}
}

// GetTableName looks up a registered table's name by id.
func (c *Catalog) GetTableName(tableID uint64) (string, bool, error) {
	row, ok, err := c.table.GetRowByPK(dataitem.Integer(int64(tableID)))
	if err != nil || !ok {
		return "", ok, err
	}
	return row[1].VarCharVal, true, nil
}

// GetTableID looks up a registered table's id by name.
func (c *Catalog) GetTableID(tableName string) (uint64, bool, error) {
	key := dataitem.VarChar(c.maxTableNameSize, tableName)
	row, ok, err := c.getTableByName(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	return uint64(row[0].Int), true, nil
}

func (c *Catalog) getTableByName(key dataitem.DataItem) ([]dataitem.DataItem, bool, error) {
	return c.table.GetRowByIndexedCol("table_name", key)
}

// NextTableID allocates the next free user table id, starting at
// FirstUserTableID, by scanning sys_table for the current maximum.
func (c *Catalog) NextTableID() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.table.GetAllRows()
	if err != nil {
		return 0, err
	}
	next := FirstUserTableID
	for _, row := range rows {
		id := uint64(row[0].Int)
		if id >= next {
			next = id + 1
		}
	}
	return next, nil
}

// RegisterTable allocates a table id and records name and schema into
// sys_table/sys_column, so GetTableSchema/GetTableID/GetTableName can find
// it later. It does not create the table's own data file; callers create
// that (via table.Create) using the id this returns.
func (c *Catalog) RegisterTable(tnxID uint64, tableName string, schema *table.Schema, createdAt int64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tableName) > int(c.maxTableNameSize) {
		return 0, dberrors.New(dberrors.InvalidInput, "catalog: table name %q exceeds max length %d", tableName, c.maxTableNameSize)
	}
	if _, found, err := c.getTableByName(dataitem.VarChar(c.maxTableNameSize, tableName)); err != nil {
		return 0, err
	} else if found {
		return 0, dberrors.New(dberrors.InvalidInput, "catalog: table %q already exists", tableName)
	}

	rows, err := c.table.GetAllRows()
	if err != nil {
		return 0, err
	}
	tableID := FirstUserTableID
	for _, row := range rows {
		if id := uint64(row[0].Int); id >= tableID {
			tableID = id + 1
		}
	}

	if err := c.table.InsertRow(tnxID, []dataitem.DataItem{
		dataitem.Integer(int64(tableID)),
		dataitem.VarChar(c.maxTableNameSize, tableName),
		dataitem.Integer(createdAt),
	}); err != nil {
		return 0, err
	}

	for _, col := range schema.Columns {
		var dataType int64
		var extra dataitem.DataItem
		switch col.Type.Kind {
		case table.ColInteger:
			dataType = colTypeInteger
			extra = dataitem.NullInt()
		case table.ColFloat:
			dataType = colTypeFloat
			extra = dataitem.NullInt()
		case table.ColChars:
			dataType = colTypeChars
			extra = dataitem.Integer(int64(col.Type.Size))
		case table.ColVarChar:
			dataType = colTypeVarChar
			extra = dataitem.Integer(int64(col.Type.Size))
		case table.ColBool:
			dataType = colTypeBool
			extra = dataitem.NullInt()
		}
		if err := c.column.InsertRow(tnxID, []dataitem.DataItem{
			dataitem.Integer(int64(tableID)),
			dataitem.Chars(c.maxColNameSize, col.Name),
			dataitem.Integer(dataType),
			extra,
			dataitem.Boolean(col.PK),
			dataitem.Boolean(col.Nullable),
			dataitem.Boolean(col.Index),
			dataitem.Boolean(col.Unique),
		}); err != nil {
			return 0, err
		}
	}

	return tableID, nil
}

// DropTable removes tableName's rows from sys_table and sys_column, returning
// its id so the caller can drop the underlying table file. The table file
// itself is not this package's concern; see internal/storage/table.Drop.
func (c *Catalog) DropTable(tnxID uint64, tableName string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, ok, err := c.getTableByName(dataitem.VarChar(c.maxTableNameSize, tableName))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, dberrors.New(dberrors.NotFound, "catalog: table %q does not exist", tableName)
	}
	tableID := uint64(row[0].Int)

	pk := dataitem.Integer(int64(tableID))
	cols, err := c.column.GetRowsByRangeIndexedCol("table_id", &pk, &pk)
	if err != nil {
		return 0, err
	}
	for _, col := range cols {
		if err := c.column.DeleteRow(tnxID, dataitem.Chars(c.maxColNameSize, col[1].Chars)); err != nil {
			return 0, err
		}
	}
	if err := c.table.DeleteRow(tnxID, dataitem.Integer(int64(tableID))); err != nil {
		return 0, err
	}
	return tableID, nil
}

// DropUser removes username's sys_user row.
func (c *Catalog) DropUser(tnxID uint64, username string) error {
	return c.user.DeleteRow(tnxID, dataitem.Chars(c.maxUsernameSize, username))
}

// CreateUser inserts a new sys_user row with a bcrypt hash of password.
func (c *Catalog) CreateUser(tnxID uint64, username, password string, isAdmin bool) error {
	if len(username) > int(c.maxUsernameSize) {
		return dberrors.New(dberrors.InvalidInput, "catalog: username %q exceeds max length %d", username, c.maxUsernameSize)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return dberrors.Wrap(dberrors.Internal, err, "hashing password")
	}
	return c.user.InsertRow(tnxID, []dataitem.DataItem{
		dataitem.Chars(c.maxUsernameSize, username),
		dataitem.Chars(128, string(hash)),
		dataitem.Boolean(isAdmin),
	})
}

// ValidateUser reports whether username/password is a valid credential pair.
func (c *Catalog) ValidateUser(username, password string) (bool, error) {
	row, ok, err := c.user.GetRowByPK(dataitem.Chars(c.maxUsernameSize, username))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(row[1].Chars), []byte(password))
	return err == nil, nil
}

// IsAdmin reports whether username is an administrator. Returns false if the
// user does not exist.
func (c *Catalog) IsAdmin(username string) (bool, error) {
	row, ok, err := c.user.GetRowByPK(dataitem.Chars(c.maxUsernameSize, username))
	if err != nil || !ok {
		return false, err
	}
	return row[2].B, nil
}

// NextSequenceValue returns and increments the named sequence's counter,
// creating it at 1 on first use. The INSERT path does not call it: columns
// an INSERT omits are filled with nulls.
func (c *Catalog) NextSequenceValue(tnxID uint64, sequenceName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dataitem.Chars(c.maxColNameSize, sequenceName)
	row, ok, err := c.sequence.GetRowByPK(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := c.sequence.InsertRow(tnxID, []dataitem.DataItem{key, dataitem.Integer(1)}); err != nil {
			return 0, err
		}
		return 1, nil
	}
	current := row[1].Int
	next := current + 1
	if err := c.sequence.UpdateRow(tnxID, key, []dataitem.DataItem{key, dataitem.Integer(next)}); err != nil {
		return 0, err
	}
	return next, nil
}
