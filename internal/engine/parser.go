// parser is a recursive-descent parser over the lexer's token stream,
// producing one PlanItem per statement. It understands exactly the literal
// grammar engine's keyword list names; anything else is a syntax error.
package engine

import (
	"strconv"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/table"
)

type parser struct {
	toks []token
	pos  int
}

// Parse lexes and parses a single SQL statement into a PlanItem.
func Parse(sql string) (PlanItem, error) {
	lx := newLexer(sql)
	var toks []token
	for {
		tok := lx.nextToken()
		toks = append(toks, tok)
		if tok.Typ == tEOF {
			break
		}
	}
	p := &parser{toks: toks}
	item, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.matchSymbol(";")
	if p.cur().Typ != tEOF {
		return nil, p.errorf("unexpected trailing input %q", p.cur().Val)
	}
	return item, nil
}

func (p *parser) cur() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return dberrors.New(dberrors.InvalidInput, "engine: parse error at token %d: "+format, append([]any{p.pos}, args...)...)
}

func (p *parser) isKeyword(kw string) bool {
	return p.cur().Typ == tKeyword && p.cur().Val == kw
}

func (p *parser) isSymbol(sym string) bool {
	return p.cur().Typ == tSymbol && p.cur().Val == sym
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errorf("expected %s, got %q", kw, p.cur().Val)
	}
	p.advance()
	return nil
}

func (p *parser) matchKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectSymbol(sym string) error {
	if !p.isSymbol(sym) {
		return p.errorf("expected %q, got %q", sym, p.cur().Val)
	}
	p.advance()
	return nil
}

func (p *parser) matchSymbol(sym string) bool {
	if p.isSymbol(sym) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectIdent() (string, error) {
	if p.cur().Typ != tIdent {
		return "", p.errorf("expected identifier, got %q", p.cur().Val)
	}
	return p.advance().Val, nil
}

func (p *parser) parseStatement() (PlanItem, error) {
	switch {
	case p.isKeyword("BEGIN"):
		p.advance()
		p.matchKeyword("TRANSACTION")
		return BeginPlan{}, nil
	case p.isKeyword("COMMIT"):
		p.advance()
		return CommitPlan{}, nil
	case p.isKeyword("ROLLBACK"):
		p.advance()
		return RollbackPlan{}, nil
	case p.isKeyword("CREATE"):
		return p.parseCreate()
	case p.isKeyword("DROP"):
		return p.parseDrop()
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("DELETE"):
		return p.parseDelete()
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	default:
		return nil, p.errorf("unexpected token %q", p.cur().Val)
	}
}

func (p *parser) parseCreate() (PlanItem, error) {
	if err := p.expectKeyword("CREATE"); err != nil {
		return nil, err
	}
	switch {
	case p.isKeyword("TABLE"):
		return p.parseCreateTable()
	case p.isKeyword("INDEX"):
		return p.parseCreateIndex()
	case p.isKeyword("USER"):
		return p.parseCreateUser()
	default:
		return nil, p.errorf("expected TABLE, INDEX or USER after CREATE, got %q", p.cur().Val)
	}
}

func (p *parser) parseCreateTable() (PlanItem, error) {
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	ifNotExists := false
	if p.matchKeyword("IF") {
		if err := p.expectKeyword("NOT"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		ifNotExists = true
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	plan := &CreateTablePlan{TableName: name, IfNotExists: ifNotExists}
	for {
		if p.isKeyword("INDEX") {
			p.advance()
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			markIndexed(plan.Columns, col)
		} else {
			cd, err := p.parseColumnDef()
			if err != nil {
				return nil, err
			}
			plan.Columns = append(plan.Columns, cd)
		}
		if p.matchSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return *plan, nil
}

func markIndexed(cols []ColumnDef, name string) {
	for i := range cols {
		if cols[i].Name == name {
			cols[i].Index = true
			return
		}
	}
}

func (p *parser) parseColumnDef() (ColumnDef, error) {
	name, err := p.expectIdent()
	if err != nil {
		return ColumnDef{}, err
	}
	typ, err := p.parseColType()
	if err != nil {
		return ColumnDef{}, err
	}
	cd := ColumnDef{Name: name, Type: typ}
	for {
		switch {
		case p.matchKeyword("PRIMARY"):
			if err := p.expectKeyword("KEY"); err != nil {
				return ColumnDef{}, err
			}
			cd.PK = true
		case p.matchKeyword("NOT"):
			if err := p.expectKeyword("NULL"); err != nil {
				return ColumnDef{}, err
			}
		case p.matchKeyword("NULL"):
			cd.Nullable = true
		case p.matchKeyword("UNIQUE"):
			cd.Unique = true
		case p.matchKeyword("INDEX"):
			cd.Index = true
		default:
			return cd, nil
		}
	}
}

func (p *parser) parseColType() (table.ColType, error) {
	switch {
	case p.matchKeyword("INTEGER"):
		return table.ColType{Kind: table.ColInteger}, nil
	case p.matchKeyword("FLOAT"):
		return table.ColType{Kind: table.ColFloat}, nil
	case p.matchKeyword("BOOL"), p.matchKeyword("BOOLEAN"):
		return table.ColType{Kind: table.ColBool}, nil
	case p.isKeyword("VARCHAR"):
		p.advance()
		size, err := p.parseSizeInParens()
		if err != nil {
			return table.ColType{}, err
		}
		return table.ColType{Kind: table.ColVarChar, Size: size}, nil
	case p.isKeyword("CHARS"):
		p.advance()
		size, err := p.parseSizeInParens()
		if err != nil {
			return table.ColType{}, err
		}
		return table.ColType{Kind: table.ColChars, Size: size}, nil
	default:
		return table.ColType{}, p.errorf("expected a column type, got %q", p.cur().Val)
	}
}

func (p *parser) parseSizeInParens() (uint64, error) {
	if err := p.expectSymbol("("); err != nil {
		return 0, err
	}
	if p.cur().Typ != tNumber {
		return 0, p.errorf("expected a size, got %q", p.cur().Val)
	}
	n, err := strconv.ParseUint(p.advance().Val, 10, 64)
	if err != nil {
		return 0, p.errorf("invalid size: %v", err)
	}
	if err := p.expectSymbol(")"); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *parser) parseDrop() (PlanItem, error) {
	if err := p.expectKeyword("DROP"); err != nil {
		return nil, err
	}
	switch {
	case p.isKeyword("TABLE"):
		p.advance()
		ifExists := false
		if p.matchKeyword("IF") {
			if err := p.expectKeyword("EXISTS"); err != nil {
				return nil, err
			}
			ifExists = true
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return DropTablePlan{TableName: name, IfExists: ifExists}, nil
	case p.isKeyword("USER"):
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return DropUserPlan{Username: name}, nil
	default:
		return nil, p.errorf("expected TABLE or USER after DROP, got %q", p.cur().Val)
	}
}

func (p *parser) parseCreateIndex() (PlanItem, error) {
	if err := p.expectKeyword("INDEX"); err != nil {
		return nil, err
	}
	// the index's own name is accepted but unused: table+column identify it
	if _, err := p.expectIdent(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	tableName, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return CreateIndexPlan{TableName: tableName, ColumnName: col}, nil
}

func (p *parser) parseCreateUser() (PlanItem, error) {
	if err := p.expectKeyword("USER"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("PASSWORD"); err != nil {
		return nil, err
	}
	if p.cur().Typ != tString {
		return nil, p.errorf("expected a password string literal, got %q", p.cur().Val)
	}
	pw := p.advance().Val
	isAdmin := p.matchKeyword("ADMIN")
	return CreateUserPlan{Username: name, Password: pw, IsAdmin: isAdmin}, nil
}

func (p *parser) parseInsert() (PlanItem, error) {
	if err := p.expectKeyword("INSERT"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	plan := InsertPlan{Table: name}
	if p.matchSymbol("(") {
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			plan.Columns = append(plan.Columns, col)
			if p.matchSymbol(",") {
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		row, err := p.parseValuesTuple()
		if err != nil {
			return nil, err
		}
		plan.Rows = append(plan.Rows, row)
		if p.matchSymbol(",") {
			continue
		}
		break
	}
	return plan, nil
}

func (p *parser) parseValuesTuple() ([]dataitem.DataItem, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var vals []dataitem.DataItem
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.matchSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return vals, nil
}

// parseLiteral returns an untyped DataItem: Integer for bare numbers, Float
// when the literal has a decimal point, VarChar for string literals (exec.go
// retags these to the destination column's declared type), Bool for
// TRUE/FALSE, or a null placeholder for NULL.
func (p *parser) parseLiteral() (dataitem.DataItem, error) {
	switch {
	case p.cur().Typ == tNumber:
		s := p.advance().Val
		if containsDot(s) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return dataitem.DataItem{}, p.errorf("invalid float literal %q", s)
			}
			return dataitem.Float(f), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return dataitem.DataItem{}, p.errorf("invalid integer literal %q", s)
		}
		return dataitem.Integer(n), nil
	case p.cur().Typ == tString:
		return dataitem.VarChar(uint64(len(p.cur().Val)), p.advance().Val), nil
	case p.matchKeyword("TRUE"):
		return dataitem.Boolean(true), nil
	case p.matchKeyword("FALSE"):
		return dataitem.Boolean(false), nil
	case p.matchKeyword("NULL"):
		return dataitem.NullInt(), nil
	default:
		return dataitem.DataItem{}, p.errorf("expected a literal value, got %q", p.cur().Val)
	}
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}

func (p *parser) parseUpdate() (PlanItem, error) {
	if err := p.expectKeyword("UPDATE"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	plan := UpdatePlan{Table: name}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		plan.Assignments = append(plan.Assignments, Assignment{Column: col, Value: val})
		if p.matchSymbol(",") {
			continue
		}
		break
	}
	if p.matchKeyword("WHERE") {
		preds, err := p.parsePredicateList()
		if err != nil {
			return nil, err
		}
		plan.Where = preds
	}
	return plan, nil
}

func (p *parser) parseDelete() (PlanItem, error) {
	if err := p.expectKeyword("DELETE"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	plan := DeletePlan{Table: name}
	if p.matchKeyword("WHERE") {
		preds, err := p.parsePredicateList()
		if err != nil {
			return nil, err
		}
		plan.Where = preds
	}
	return plan, nil
}

func (p *parser) parsePredicateList() ([]Predicate, error) {
	var preds []Predicate
	for {
		pred, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
		if p.matchKeyword("AND") {
			continue
		}
		break
	}
	return preds, nil
}

func (p *parser) parsePredicate() (Predicate, error) {
	col, err := p.expectIdent()
	if err != nil {
		return Predicate{}, err
	}
	op, err := p.parseCompareOp()
	if err != nil {
		return Predicate{}, err
	}
	val, err := p.parseLiteral()
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{Column: col, Op: op, Value: val}, nil
}

func (p *parser) parseCompareOp() (CompareOp, error) {
	if p.cur().Typ != tSymbol {
		return 0, p.errorf("expected a comparison operator, got %q", p.cur().Val)
	}
	switch p.advance().Val {
	case "=":
		return OpEq, nil
	case "!=", "<>":
		return OpNeq, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	default:
		return 0, p.errorf("unsupported comparison operator")
	}
}

func (p *parser) parseSelect() (PlanItem, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	plan := SelectPlan{}
	plan.Distinct = p.matchKeyword("DISTINCT")

	if p.matchSymbol("*") {
		plan.Columns = nil
	} else {
		for {
			if agg, col, ok, err := p.tryParseAggregate(); err != nil {
				return nil, err
			} else if ok {
				plan.Agg = agg
				plan.AggColumn = col
			} else {
				ident, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				plan.Columns = append(plan.Columns, ident)
			}
			if p.matchSymbol(",") {
				continue
			}
			break
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	name, alias, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	plan.Table = name
	plan.Alias = alias
	if plan.Alias == "" {
		plan.Alias = name
	}

	if join, ok, err := p.tryParseJoin(); err != nil {
		return nil, err
	} else if ok {
		plan.Join = join
	}

	if p.matchKeyword("WHERE") {
		preds, err := p.parsePredicateList()
		if err != nil {
			return nil, err
		}
		plan.Where = preds
	}
	if p.matchKeyword("GROUP") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		plan.GroupBy = col
	}
	if p.matchKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		plan.OrderBy = col
		if p.matchKeyword("DESC") {
			plan.OrderDesc = true
		} else {
			p.matchKeyword("ASC")
		}
	}
	if p.matchKeyword("LIMIT") {
		n, err := p.expectNumber()
		if err != nil {
			return nil, err
		}
		plan.HasLimit = true
		plan.Limit = n
	}
	if p.matchKeyword("OFFSET") {
		n, err := p.expectNumber()
		if err != nil {
			return nil, err
		}
		plan.HasOffset = true
		plan.Offset = n
	}
	return plan, nil
}

func (p *parser) expectNumber() (int, error) {
	if p.cur().Typ != tNumber {
		return 0, p.errorf("expected a number, got %q", p.cur().Val)
	}
	n, err := strconv.Atoi(p.advance().Val)
	if err != nil {
		return 0, p.errorf("invalid number: %v", err)
	}
	return n, nil
}

func (p *parser) tryParseAggregate() (AggFunc, string, bool, error) {
	var fn AggFunc
	switch {
	case p.isKeyword("COUNT"):
		fn = AggCount
	case p.isKeyword("SUM"):
		fn = AggSum
	case p.isKeyword("AVG"):
		fn = AggAvg
	case p.isKeyword("MIN"):
		fn = AggMin
	case p.isKeyword("MAX"):
		fn = AggMax
	default:
		return 0, "", false, nil
	}
	p.advance()
	if err := p.expectSymbol("("); err != nil {
		return 0, "", false, err
	}
	col := "*"
	if !p.matchSymbol("*") {
		c, err := p.expectIdent()
		if err != nil {
			return 0, "", false, err
		}
		col = c
	}
	if err := p.expectSymbol(")"); err != nil {
		return 0, "", false, err
	}
	return fn, col, true, nil
}

// parseTableRef parses "name" or "name alias" or "name AS alias".
func (p *parser) parseTableRef() (name, alias string, err error) {
	name, err = p.expectIdent()
	if err != nil {
		return "", "", err
	}
	if p.matchKeyword("AS") {
		alias, err = p.expectIdent()
		return name, alias, err
	}
	if p.cur().Typ == tIdent {
		alias = p.advance().Val
	}
	return name, alias, nil
}

func (p *parser) tryParseJoin() (*JoinSpec, bool, error) {
	kind := JoinInner
	switch {
	case p.matchKeyword("INNER"):
		kind = JoinInner
	case p.matchKeyword("LEFT"):
		kind = JoinLeft
		p.matchKeyword("OUTER")
	case p.matchKeyword("RIGHT"):
		kind = JoinRight
		p.matchKeyword("OUTER")
	case p.matchKeyword("FULL"):
		kind = JoinFull
		p.matchKeyword("OUTER")
	case p.matchKeyword("CROSS"):
		kind = JoinCross
	case p.isKeyword("JOIN"):
		// bare JOIN defaults to INNER
	default:
		return nil, false, nil
	}
	if err := p.expectKeyword("JOIN"); err != nil {
		return nil, false, err
	}
	rightTable, rightAlias, err := p.parseTableRef()
	if err != nil {
		return nil, false, err
	}
	if rightAlias == "" {
		rightAlias = rightTable
	}
	spec := &JoinSpec{Kind: kind, RightTable: rightTable, RightAlias: rightAlias}
	if kind != JoinCross {
		if err := p.expectKeyword("ON"); err != nil {
			return nil, false, err
		}
		left, err := p.expectIdent()
		if err != nil {
			return nil, false, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, false, err
		}
		right, err := p.expectIdent()
		if err != nil {
			return nil, false, err
		}
		spec.LeftCol = left
		spec.RightCol = right
	}
	return spec, true, nil
}
