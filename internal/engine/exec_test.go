package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relicio/rsqlcore/internal/storage/catalog"
	"github.com/relicio/rsqlcore/internal/storage/txn"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	walLog, err := wal.Open(filepath.Join(dir, "test.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { walLog.Close() })
	cat, err := catalog.Open(1, dir, 4096, 32, walLog, 64, 64, 64, 4096)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return NewExecutor(cat, txn.NewManager(2), walLog, dir, 4096, 32, 4096)
}

func mustRun(t *testing.T, e *Executor, connID uint64, sql string) Result {
	t.Helper()
	item, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	res, err := e.Run(connID, item)
	if err != nil {
		t.Fatalf("Run(%q): %v", sql, err)
	}
	return res
}

func runErr(t *testing.T, e *Executor, connID uint64, sql string) error {
	t.Helper()
	item, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	_, err = e.Run(connID, item)
	return err
}

func TestCreateInsertSelect(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE users (id INTEGER PRIMARY KEY, name VARCHAR(32), age INTEGER)")
	res := mustRun(t, e, 1, "INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)")
	if res.Affected != 2 {
		t.Fatalf("expected 2 rows affected, got %d", res.Affected)
	}

	sel := mustRun(t, e, 1, "SELECT * FROM users WHERE age >= 30")
	if len(sel.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(sel.Rows))
	}
	if sel.Rows[0][1].VarCharVal != "alice" {
		t.Fatalf("expected alice, got %q", sel.Rows[0][1].VarCharVal)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE users (id INTEGER PRIMARY KEY, name VARCHAR(32), age INTEGER)")
	mustRun(t, e, 1, "INSERT INTO users (id, name, age) VALUES (1, 'alice', 30), (2, 'bob', 25)")

	upd := mustRun(t, e, 1, "UPDATE users SET age = 31 WHERE id = 1")
	if upd.Affected != 1 {
		t.Fatalf("expected 1 row updated, got %d", upd.Affected)
	}
	sel := mustRun(t, e, 1, "SELECT age FROM users WHERE id = 1")
	if sel.Rows[0][0].Int != 31 {
		t.Fatalf("expected age 31, got %d", sel.Rows[0][0].Int)
	}

	del := mustRun(t, e, 1, "DELETE FROM users WHERE id = 2")
	if del.Affected != 1 {
		t.Fatalf("expected 1 row deleted, got %d", del.Affected)
	}
	sel = mustRun(t, e, 1, "SELECT * FROM users")
	if len(sel.Rows) != 1 {
		t.Fatalf("expected 1 row remaining, got %d", len(sel.Rows))
	}
}

func TestExplicitTransactionCommit(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER)")
	mustRun(t, e, 1, "INSERT INTO accounts (id, balance) VALUES (1, 100)")

	mustRun(t, e, 1, "BEGIN")
	mustRun(t, e, 1, "UPDATE accounts SET balance = 50 WHERE id = 1")
	mustRun(t, e, 1, "COMMIT")

	sel := mustRun(t, e, 2, "SELECT balance FROM accounts WHERE id = 1")
	if sel.Rows[0][0].Int != 50 {
		t.Fatalf("expected balance 50 after commit, got %d", sel.Rows[0][0].Int)
	}
}

func TestExplicitTransactionRollback(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER)")
	mustRun(t, e, 1, "INSERT INTO accounts (id, balance) VALUES (1, 100)")

	mustRun(t, e, 1, "BEGIN")
	mustRun(t, e, 1, "UPDATE accounts SET balance = 50 WHERE id = 1")
	mustRun(t, e, 1, "ROLLBACK")

	sel := mustRun(t, e, 2, "SELECT balance FROM accounts WHERE id = 1")
	if sel.Rows[0][0].Int != 100 {
		t.Fatalf("expected balance unchanged at 100 after rollback, got %d", sel.Rows[0][0].Int)
	}
}

// TestConcurrentWriterBlocksUntilCommit exercises the scenario an explicit
// transaction must satisfy: a second connection's write to the same table
// blocks until the first connection's transaction commits, not just until
// its last statement finishes.
func TestConcurrentWriterBlocksUntilCommit(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER)")
	mustRun(t, e, 1, "INSERT INTO accounts (id, balance) VALUES (1, 100)")

	mustRun(t, e, 1, "BEGIN")
	mustRun(t, e, 1, "UPDATE accounts SET balance = 50 WHERE id = 1")

	done := make(chan struct{})
	go func() {
		mustRun(t, e, 2, "UPDATE accounts SET balance = 999 WHERE id = 1")
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected conn 2's write to block while conn 1's transaction is still open")
	case <-time.After(100 * time.Millisecond):
	}

	mustRun(t, e, 1, "COMMIT")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("conn 2 never proceeded after conn 1 committed")
	}
}

func TestStatementErrorAbortsExplicitTransaction(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER)")
	mustRun(t, e, 1, "INSERT INTO accounts (id, balance) VALUES (1, 100)")

	mustRun(t, e, 1, "BEGIN")
	mustRun(t, e, 1, "UPDATE accounts SET balance = 50 WHERE id = 1")
	if err := runErr(t, e, 1, "INSERT INTO accounts (id, balance) VALUES (1, 1)"); err == nil {
		t.Fatalf("expected duplicate primary key insert to error")
	}
	// The whole transaction aborted, so a fresh BEGIN must succeed and see
	// the pre-transaction balance.
	mustRun(t, e, 1, "BEGIN")
	sel := mustRun(t, e, 1, "SELECT balance FROM accounts WHERE id = 1")
	if sel.Rows[0][0].Int != 100 {
		t.Fatalf("expected balance unchanged at 100 after aborted transaction, got %d", sel.Rows[0][0].Int)
	}
	mustRun(t, e, 1, "COMMIT")
}

func TestJoinGroupByAggregate(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE customers (customer_id INTEGER PRIMARY KEY, customer_name VARCHAR(32))")
	mustRun(t, e, 1, "CREATE TABLE orders (order_id INTEGER PRIMARY KEY, customer_id INTEGER, amount INTEGER)")
	mustRun(t, e, 1, "INSERT INTO customers (customer_id, customer_name) VALUES (1, 'alice'), (2, 'bob')")
	mustRun(t, e, 1, "INSERT INTO orders (order_id, customer_id, amount) VALUES (10, 1, 5), (11, 1, 7), (12, 2, 3)")

	res := mustRun(t, e, 1, "SELECT SUM(amount) FROM orders GROUP BY customer_id ORDER BY customer_id")
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(res.Rows))
	}
	if res.Rows[0][0].Int != 1 || res.Rows[0][1].Int != 12 {
		t.Fatalf("expected customer 1 sum 12, got %+v", res.Rows[0])
	}
	if res.Rows[1][0].Int != 2 || res.Rows[1][1].Int != 3 {
		t.Fatalf("expected customer 2 sum 3, got %+v", res.Rows[1])
	}

	join := mustRun(t, e, 1,
		"SELECT customer_name, amount FROM orders o INNER JOIN customers c ON o.customer_id = c.customer_id WHERE amount > 4 ORDER BY amount")
	if len(join.Rows) != 2 {
		t.Fatalf("expected 2 joined rows, got %d", len(join.Rows))
	}
	if join.Rows[0][0].VarCharVal != "alice" || join.Rows[0][1].Int != 5 {
		t.Fatalf("unexpected first joined row: %+v", join.Rows[0])
	}
}

func TestDistinctOrderByLimitOffset(t *testing.T) {
	e := newTestExecutor(t)
	mustRun(t, e, 1, "CREATE TABLE events (event_id INTEGER PRIMARY KEY, kind VARCHAR(16))")
	mustRun(t, e, 1, "INSERT INTO events (event_id, kind) VALUES (1, 'a'), (2, 'b'), (3, 'a'), (4, 'c')")

	distinct := mustRun(t, e, 1, "SELECT DISTINCT kind FROM events ORDER BY kind")
	if len(distinct.Rows) != 3 {
		t.Fatalf("expected 3 distinct kinds, got %d", len(distinct.Rows))
	}

	page := mustRun(t, e, 1, "SELECT event_id FROM events ORDER BY event_id LIMIT 2 OFFSET 1")
	if len(page.Rows) != 2 || page.Rows[0][0].Int != 2 || page.Rows[1][0].Int != 3 {
		t.Fatalf("unexpected limit/offset page: %+v", page.Rows)
	}
}
