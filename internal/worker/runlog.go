package worker

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantarax/p2pshuffle/internal/shuffle"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// RunLog is an optional sqlite-backed append-only ledger of run lifecycle
// transitions, for operator introspection and restart recovery: a worker
// that crashes mid-run can consult the ledger to learn which run_id it last
// saw for a shuffle before the scheduler is reachable again. Grounded on
// daemon/manager/persistence.go's PersistentStore: a single schema
// migration plus parameterized INSERT/SELECT statements over database/sql.
type RunLog struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenRunLog opens (creating if absent) the run ledger at path.
func OpenRunLog(path string) (*RunLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runlog: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no concurrent-writer story; serialize

	schema := `
		CREATE TABLE IF NOT EXISTS run_events (
			shuffle_id TEXT NOT NULL,
			run_id     INTEGER NOT NULL,
			state      TEXT NOT NULL,
			message    TEXT,
			at         TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_shuffle ON run_events(shuffle_id, run_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: init schema: %w", err)
	}
	return &RunLog{db: db}, nil
}

// Record appends one lifecycle transition. Best-effort: a write failure is
// returned to the caller, but the ledger is a diagnostic aid, never a
// correctness dependency -- a worker plugin should log and continue, not
// fail a run over a ledger write.
func (l *RunLog) Record(id shuffletypes.ShuffleId, runID shuffletypes.RunId, state, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO run_events (shuffle_id, run_id, state, message, at) VALUES (?, ?, ?, ?, ?)`,
		string(id), int64(runID), state, message, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("runlog: record: %w", err)
	}
	return nil
}

// LastState returns the most recently recorded state for a shuffle, used on
// worker restart to report what was last known before the scheduler
// confirms the current run_id. Returns ("", 0, false) if nothing is on
// record.
func (l *RunLog) LastState(id shuffletypes.ShuffleId) (state string, runID shuffletypes.RunId, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rid int64
	err := l.db.QueryRow(
		`SELECT run_id, state FROM run_events WHERE shuffle_id = ? ORDER BY at DESC LIMIT 1`,
		string(id),
	).Scan(&rid, &state)
	if err != nil {
		return "", 0, false
	}
	return state, shuffletypes.RunId(rid), true
}

// Close closes the underlying database handle.
func (l *RunLog) Close() error {
	return l.db.Close()
}

// recordTransition is a convenience used by Plugin to log a run.RunStats
// snapshot under its current state, swallowing errors (best-effort per
// Record's doc comment).
func (l *RunLog) recordTransition(id shuffletypes.ShuffleId, stats shuffle.RunStats) {
	if l == nil {
		return
	}
	_ = l.Record(id, stats.RunID, stats.State, "")
}
