package wal

import "testing"

type fakeSink struct {
	pages map[uint64]map[uint64][]byte // tableID -> pageID -> data
}

func newFakeSink() *fakeSink {
	return &fakeSink{pages: make(map[uint64]map[uint64][]byte)}
}

func (s *fakeSink) Write(tableID, pageID uint64, data []byte) error {
	if s.pages[tableID] == nil {
		s.pages[tableID] = make(map[uint64][]byte)
	}
	cp := append([]byte(nil), data...)
	s.pages[tableID][pageID] = cp
	return nil
}

func (s *fakeSink) Delete(tableID, pageID uint64) error {
	delete(s.pages[tableID], pageID)
	return nil
}

func TestRecoverRedoesCommitted(t *testing.T) {
	sink := newFakeSink()
	records := []Record{
		{Op: OpOpenTnx, TnxID: 1},
		{Op: OpNewPage, TnxID: 1, TableID: 9, PageID: 0, Data: []byte("v1")},
		{Op: OpUpdatePage, TnxID: 1, TableID: 9, PageID: 0, OldData: []byte("v1"), NewData: []byte("v2")},
		{Op: OpCommitTnx, TnxID: 1},
	}
	if err := Recover(records, sink); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(sink.pages[9][0]) != "v2" {
		t.Fatalf("expected committed transaction's final write to be redone, got %q", sink.pages[9][0])
	}
}

func TestRecoverUndoesCrashed(t *testing.T) {
	sink := newFakeSink()
	sink.Write(9, 0, []byte("v1"))
	records := []Record{
		{Op: OpOpenTnx, TnxID: 1},
		{Op: OpUpdatePage, TnxID: 1, TableID: 9, PageID: 0, OldData: []byte("v1"), NewData: []byte("v2")},
		// no CommitTnx or Rollback: transaction was in flight at crash time
	}
	if err := Recover(records, sink); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(sink.pages[9][0]) != "v1" {
		t.Fatalf("expected crashed transaction's write to be undone, got %q", sink.pages[9][0])
	}
}

func TestRecoverSkipsExplicitlyRolledBack(t *testing.T) {
	sink := newFakeSink()
	sink.Write(9, 0, []byte("v1"))
	records := []Record{
		{Op: OpOpenTnx, TnxID: 1},
		{Op: OpUpdatePage, TnxID: 1, TableID: 9, PageID: 0, OldData: []byte("v1"), NewData: []byte("v2")},
		{Op: OpRollback, TnxID: 1},
	}
	// The storage layer already undid this write before appending Rollback,
	// so Recover must not double-undo it -- verify by priming the sink with
	// the post-rollback value and confirming Recover leaves it untouched.
	if err := Recover(records, sink); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(sink.pages[9][0]) != "v1" {
		t.Fatalf("expected rolled-back transaction to be left alone, got %q", sink.pages[9][0])
	}
}

func TestRecoverCheckpointIsNoop(t *testing.T) {
	sink := newFakeSink()
	records := []Record{
		{Op: OpOpenTnx, TnxID: 1},
		{Op: OpNewPage, TnxID: 1, TableID: 9, PageID: 0, Data: []byte("v1")},
		{Op: OpCommitTnx, TnxID: 1},
		{Op: OpCheckpoint},
	}
	if err := Recover(records, sink); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(sink.pages[9][0]) != "v1" {
		t.Fatalf("checkpoint must not alter already-applied state, got %q", sink.pages[9][0])
	}
}
