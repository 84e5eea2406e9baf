package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridstream.dev/internal/stream"
)

// SQLiteIndex is an optional read-model of pipeline decisions for offline
// analysis. Writes are buffered through a single writer goroutine and dropped
// when the indexer falls behind; the zstd JSONL decision log remains the
// source of truth. The index never affects pipeline behavior.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan stream.AuditEntry
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTotal atomic.Uint64
}

// Stats reports indexer health for the metrics endpoint.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Sized for decision bursts (a tick admitting a full batch plus
		// outcome and defer traffic) without stalling producers.
		ch: make(chan stream.AuditEntry, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only decision stream; NORMAL durability is fine
	// for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			event TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			priority TEXT,
			outcome TEXT,
			wait_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_entity_ts ON decisions(entity_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_event_ts ON decisions(event, ts);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteAudit implements stream.AuditLogger. Never blocks.
func (s *SQLiteIndex) WriteAudit(entry stream.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- entry:
	default:
		s.dropTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) StatsSnapshot() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropTotal.Load(),
	}
}

// CountByEvent returns how many decisions of the given event are indexed.
func (s *SQLiteIndex) CountByEvent(ctx context.Context, event string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE event = ?`, event).Scan(&n)
	return n, err
}

// EntityHistory returns the indexed decisions for one entity, oldest first.
func (s *SQLiteIndex) EntityHistory(ctx context.Context, id uint64) ([]stream.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts,event,entity_id,COALESCE(priority,''),COALESCE(outcome,''),COALESCE(wait_ms,0) FROM decisions WHERE entity_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []stream.AuditEntry
	for rows.Next() {
		var e stream.AuditEntry
		if err := rows.Scan(&e.TS, &e.Event, &e.EntityID, &e.Priority, &e.Outcome, &e.WaitMS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insert, err := s.db.Prepare(`INSERT INTO decisions(ts,event,entity_id,priority,outcome,wait_ms) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		// Schema init succeeded, so this should not happen; drain and drop.
		for range s.ch {
			s.dropTotal.Add(1)
		}
		return
	}
	defer insert.Close()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flush := time.NewTicker(commitMaxWait)
	defer flush.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			if tx == nil {
				txx, err := s.db.BeginTx(ctx, nil)
				if err != nil {
					s.dropTotal.Add(1)
					continue
				}
				tx = txx
				opCount = 0
				lastCommit = time.Now()
			}
			if _, err := tx.Stmt(insert).Exec(e.TS, e.Event, int64(e.EntityID), e.Priority, e.Outcome, e.WaitMS); err != nil {
				_ = tx.Rollback()
				tx = nil
				opCount = 0
				continue
			}
			opCount++
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		case <-flush.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}
