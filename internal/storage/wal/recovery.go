package wal

// PageSink is how Recover applies redo/undo decisions to the actual data
// files. tableID/pageID identify the target page; Write installs a full page
// image, Delete truncates a page away (only ever called on a file's current
// tail page, since pages are only ever freed from the tail).
type PageSink interface {
	Write(tableID, pageID uint64, data []byte) error
	Delete(tableID, pageID uint64) error
}

// Recover replays records against sink one transaction at a time, in the
// order of their OpenTnx records: a committed transaction's records are
// redone in log order, and a transaction that opened but never reached Commit
// or Rollback has its records undone in reverse log order. Checkpoint records
// are informational only: Recover always replays the whole log from its
// start (a checkpoint taken while no explicit transaction is open truncates
// the log wholesale; otherwise it leaves the log as it is).
func Recover(records []Record, sink PageSink) error {
	type txState struct {
		ops       []Record
		committed bool
		rolledBack bool
	}
	txs := make(map[uint64]*txState)
	order := make([]uint64, 0)

	for _, r := range records {
		switch r.Op {
		case OpOpenTnx:
			if _, ok := txs[r.TnxID]; !ok {
				order = append(order, r.TnxID)
			}
			txs[r.TnxID] = &txState{}
		case OpCommitTnx:
			if st, ok := txs[r.TnxID]; ok {
				st.committed = true
			}
		case OpRollback:
			if st, ok := txs[r.TnxID]; ok {
				st.rolledBack = true
			}
		case OpCheckpoint:
			// no-op: see doc comment.
		default:
			if st, ok := txs[r.TnxID]; ok {
				st.ops = append(st.ops, r)
			}
		}
	}

	for _, id := range order {
		st := txs[id]
		if st.committed {
			for _, r := range st.ops {
				if err := redo(sink, r); err != nil {
					return err
				}
			}
			continue
		}
		if st.rolledBack {
			// Already undone by whatever process wrote the Rollback record
			// before crashing/closing; nothing further to do.
			continue
		}
		// Crashed mid-transaction: undo in reverse order.
		for i := len(st.ops) - 1; i >= 0; i-- {
			if err := undo(sink, st.ops[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func redo(sink PageSink, r Record) error {
	switch r.Op {
	case OpUpdatePage:
		return sink.Write(r.TableID, r.PageID, r.NewData)
	case OpNewPage:
		return sink.Write(r.TableID, r.PageID, r.Data)
	case OpDeletePage:
		return sink.Delete(r.TableID, r.PageID)
	}
	return nil
}

func undo(sink PageSink, r Record) error {
	switch r.Op {
	case OpUpdatePage:
		return sink.Write(r.TableID, r.PageID, r.OldData)
	case OpNewPage:
		return sink.Delete(r.TableID, r.PageID)
	case OpDeletePage:
		return sink.Write(r.TableID, r.PageID, r.OldData)
	}
	return nil
}
