// PlanItem and its variants are the parser's output: one flat struct per
// statement kind, carrying everything the executor needs to run it. This
// mirrors the reference implementation's LogicalPlan enum (TableScan,
// Filter, Projection, Aggregate, Join, CreateTable, DropTable, Insert,
// Delete, Update) flattened into single-level structs rather than a nested
// expression tree, since this front end's grammar has no subqueries or
// compound expressions to nest.
package engine

import (
	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/storage/table"
)

// PlanItem is implemented by every statement the parser can produce.
type PlanItem interface {
	isPlanItem()
}

type BeginPlan struct{}
type CommitPlan struct{}
type RollbackPlan struct{}

func (BeginPlan) isPlanItem()    {}
func (CommitPlan) isPlanItem()   {}
func (RollbackPlan) isPlanItem() {}

// ColumnDef is one column in a CREATE TABLE statement.
type ColumnDef struct {
	Name     string
	Type     table.ColType
	PK       bool
	Nullable bool
	Index    bool
	Unique   bool
}

type CreateTablePlan struct {
	TableName   string
	Columns     []ColumnDef
	IfNotExists bool
}

type DropTablePlan struct {
	TableName string
	IfExists  bool
}

// CreateIndexPlan names an index request the executor rejects: this schema
// only supports indexes declared at CREATE TABLE time, see exec.go.
type CreateIndexPlan struct {
	TableName  string
	ColumnName string
}

func (CreateTablePlan) isPlanItem() {}
func (DropTablePlan) isPlanItem()   {}
func (CreateIndexPlan) isPlanItem() {}

type CreateUserPlan struct {
	Username string
	Password string
	IsAdmin  bool
}

type DropUserPlan struct {
	Username string
}

func (CreateUserPlan) isPlanItem() {}
func (DropUserPlan) isPlanItem()   {}

// JoinKind is the kind of join a SelectPlan may carry.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinCross
)

// JoinSpec describes an equality join against a second table. RightAlias
// defaults to RightTable when the statement gives no alias.
type JoinSpec struct {
	Kind       JoinKind
	RightTable string
	RightAlias string
	LeftCol    string
	RightCol   string
}

// AggFunc is an aggregate function a SelectPlan may apply.
type AggFunc int

const (
	AggNone AggFunc = iota
	AggCount
	AggSum
	AggAvg
	AggMin
	AggMax
)

// CompareOp is a WHERE predicate's comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe
)

// Predicate is a single "column op literal" comparison. The grammar this
// front end accepts has no boolean connectives beyond a flat AND list, so a
// SelectPlan/UpdatePlan/DeletePlan carries a slice of these, all implicitly
// ANDed together.
type Predicate struct {
	Column string
	Op     CompareOp
	Value  dataitem.DataItem
}

// SelectPlan is a full SELECT statement: scan Table (optionally joined to
// JoinSpec.RightTable), apply Where, optionally group and aggregate, project
// Columns, order, then limit/offset.
type SelectPlan struct {
	Table     string
	Alias     string // defaults to Table when the statement gives no alias
	Join      *JoinSpec
	Where     []Predicate
	Distinct  bool
	Columns   []string // nil or ["*"] means every column
	GroupBy   string
	Agg       AggFunc
	AggColumn string
	OrderBy   string
	OrderDesc bool
	HasLimit  bool
	Limit     int
	HasOffset bool
	Offset    int
}

func (SelectPlan) isPlanItem() {}

// InsertPlan supports multi-row VALUES lists. Columns is nil when the
// statement omits a column list, meaning values are given in schema order.
type InsertPlan struct {
	Table   string
	Columns []string
	Rows    [][]dataitem.DataItem
}

func (InsertPlan) isPlanItem() {}

type Assignment struct {
	Column string
	Value  dataitem.DataItem
}

type UpdatePlan struct {
	Table       string
	Assignments []Assignment
	Where       []Predicate
}

func (UpdatePlan) isPlanItem() {}

type DeletePlan struct {
	Table string
	Where []Predicate
}

func (DeletePlan) isPlanItem() {}
