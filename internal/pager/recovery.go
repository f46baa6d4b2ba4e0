package pager

import (
	"sort"

	"github.com/google/btree"

	"github.com/kestrel-db/kestrel/internal/obslog"
)

// dirtyEntry associates a page with the earliest WAL LSN that dirtied it
// since the last checkpoint — the recovery LSN below which the page's
// on-disk image cannot be trusted and must be redone.
type dirtyEntry struct {
	page PageID
	lsn  LSN
}

func (a dirtyEntry) Less(than btree.Item) bool { return a.page < than.(dirtyEntry).page }

// Recover runs the three ARIES passes (Analysis, Redo, Undo) over whatever
// WAL records remain since the last checkpoint. A clean shutdown already
// checkpoints and truncates the log, so a non-empty WAL at open time means
// the previous session ended mid-flight.
//
// Recovery is idempotent: a second run against the resulting on-disk state
// sees every record's after-image already reflected (so Redo is a no-op)
// and every loser transaction already fully walked to its Begin via the
// CLRs appended by the first run.
func (p *Pager) Recover() error {
	log := obslog.For("pager")
	records, err := ReadAll(p.path + ".wal")
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	dirty := btree.New(32)
	txLastLSN := make(map[TxID]LSN)
	ended := make(map[TxID]bool)
	byLSN := make(map[LSN]*Record, len(records))

	// --- Analysis: build the dirty-page table and find loser transactions ---
	var maxLSN LSN
	for _, r := range records {
		byLSN[r.LSN] = r
		txLastLSN[r.TxID] = r.LSN
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
		if r.Type == RecCommit || r.Type == RecAbort {
			ended[r.TxID] = true
		}
		if r.Type == RecUpdate && len(r.Before) == p.pageSize {
			if dirty.Get(dirtyEntry{page: r.Page}) == nil {
				dirty.ReplaceOrInsert(dirtyEntry{page: r.Page, lsn: r.LSN})
			}
		}
	}

	// Undo below appends CLRs through p.wal, whose nextLSN still starts at
	// its fresh-open default of 1. Bump it past every LSN read off disk
	// before that happens, or the first CLR would collide with an existing
	// record's LSN.
	p.wal.SetNextLSN(maxLSN + 1)

	// --- Redo: repeat history for every page-physical update not already
	// reflected on disk, regardless of whether its transaction committed ---
	redone := 0
	for _, r := range records {
		if r.Type != RecUpdate || len(r.After) != p.pageSize {
			continue
		}
		recoveryLSN := r.LSN
		if item := dirty.Get(dirtyEntry{page: r.Page}); item != nil {
			recoveryLSN = item.(dirtyEntry).lsn
		}
		if r.LSN < recoveryLSN {
			continue
		}
		cur, err := p.readPageRaw(r.Page)
		if err != nil {
			cur = make([]byte, p.pageSize)
		}
		if readHeader(cur).PageLSN >= r.LSN {
			continue // already durable
		}
		if err := p.ApplyPageImage(r.Page, r.After); err != nil {
			return err
		}
		redone++
	}
	log.Info().Int("records", len(records)).Int("redone", redone).Msg("redo pass complete")

	// --- Undo: roll back every transaction with no Commit/Abort record ---
	var loserTx []TxID
	for tid := range txLastLSN {
		if !ended[tid] {
			loserTx = append(loserTx, tid)
		}
	}
	sort.Slice(loserTx, func(i, j int) bool { return loserTx[i] < loserTx[j] })

	for _, tid := range loserTx {
		var prevUndo LSN
		lsn := txLastLSN[tid]
		for lsn != 0 {
			rec, ok := byLSN[lsn]
			if !ok {
				break
			}
			next := rec.PrevLSN
			if rec.Type == RecUpdate && len(rec.Before) == p.pageSize {
				if err := p.ApplyPageImage(rec.Page, rec.Before); err != nil {
					return err
				}
				clr := &Record{Type: RecCLR, TxID: tid, PrevLSN: prevUndo, UndoneLSN: rec.LSN, NextUndoLSN: next}
				clrLSN, err := p.wal.Append(clr)
				if err != nil {
					return err
				}
				prevUndo = clrLSN
			}
			lsn = next
		}
		log.Warn().Uint64("tx", uint64(tid)).Msg("rolled back incomplete transaction")
	}

	// The in-memory NextTxID bump in BeginTx only reaches disk at the next
	// checkpoint; a crash before that checkpoint would otherwise let a fresh
	// transaction manager reissue a TxID the WAL already used. Recomputing
	// the watermark from the replayed log closes that gap regardless of
	// whether the last checkpoint captured it.
	var maxSeen TxID
	for tid := range txLastLSN {
		if tid > maxSeen {
			maxSeen = tid
		}
	}
	if maxSeen >= p.sb.NextTxID {
		p.sb.NextTxID = maxSeen + 1
	}

	return nil
}
