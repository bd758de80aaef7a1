package txn

import (
	"testing"
	"time"
)

func TestBasicBeginEnd(t *testing.T) {
	m := NewManager(1)
	tid := m.Begin(1, []uint64{10}, []uint64{11})
	got, ok := m.TransactionID(1)
	if !ok || got != tid {
		t.Fatalf("TransactionID: got=%d ok=%v want=%d", got, ok, tid)
	}
	if err := m.End(1); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, ok := m.TransactionID(1); ok {
		t.Fatalf("expected transaction mapping gone after End")
	}
}

func TestReadSharing(t *testing.T) {
	m := NewManager(1)
	m.Begin(2, []uint64{10}, nil)
	tid2 := m.Begin(3, []uint64{10}, nil)
	if tid2 == 0 {
		t.Fatalf("expected a nonzero transaction id")
	}
	m.End(2)
	m.End(3)
}

func TestWriteExclusiveBlocksUntilRelease(t *testing.T) {
	m := NewManager(1)
	m.Begin(4, nil, []uint64{10}) // conn 4 holds the write lock

	done := make(chan uint64, 1)
	go func() {
		tid := m.Begin(5, []uint64{10}, nil) // should block until conn 4 ends
		done <- tid
	}()

	select {
	case <-done:
		t.Fatalf("expected conn 5 to block while conn 4 holds the write lock")
	case <-time.After(100 * time.Millisecond):
	}

	m.End(4)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("conn 5 never acquired the lock after conn 4 released it")
	}
	m.End(5)
}

func TestOverlappingReadWriteSetPanics(t *testing.T) {
	m := NewManager(1)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Begin to panic on overlapping read/write table sets")
		}
	}()
	m.Begin(1, []uint64{10}, []uint64{10})
}

func TestEndUnknownConnectionErrors(t *testing.T) {
	m := NewManager(1)
	if err := m.End(99); err == nil {
		t.Fatalf("expected End on an unknown connection to error")
	}
}

func TestAcquireExtendsLockSetWithoutReleasing(t *testing.T) {
	m := NewManager(1)
	tid := m.Begin(1, nil, nil) // BEGIN with no statement yet -- empty lock sets
	m.Acquire(tid, nil, []uint64{10})

	done := make(chan struct{})
	go func() {
		m.Begin(2, nil, []uint64{10}) // should block: conn 1's transaction still holds table 10
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected conn 2 to block while tid's Acquire'd write lock is held")
	case <-time.After(100 * time.Millisecond):
	}

	m.Acquire(tid, nil, []uint64{20}) // a second statement touching another table
	if err := m.End(1); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("conn 2 never acquired table 10 after tid ended")
	}
}

func TestAcquireSkipsTablesAlreadyHeld(t *testing.T) {
	m := NewManager(1)
	tid := m.Begin(1, []uint64{10}, nil)
	// Re-requesting a read lock on a table already held must not re-lock it
	// (and must not deadlock against the lock this same transaction holds).
	m.Acquire(tid, []uint64{10}, nil)
	if err := m.End(1); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestMultiTableLockOrderingAvoidsDeadlock(t *testing.T) {
	m := NewManager(1)
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	go func() {
		tid := m.Begin(1, nil, []uint64{5, 9})
		time.Sleep(20 * time.Millisecond)
		m.End(1)
		_ = tid
		close(done1)
	}()
	go func() {
		time.Sleep(5 * time.Millisecond)
		tid := m.Begin(2, nil, []uint64{9, 5})
		m.End(2)
		_ = tid
		close(done2)
	}()
	select {
	case <-done1:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction 1 never completed")
	}
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction 2 never completed")
	}
}
