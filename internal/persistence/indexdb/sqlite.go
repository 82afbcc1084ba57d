// Package indexdb keeps a SQLite catalog of saved replays, timeline backups and
// slot assignments. Writes go through a single background goroutine so the
// tick loop never waits on disk.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("indexdb: not found")

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	drops  atomic.Uint64
}

type reqKind int

const (
	reqReplay reqKind = iota + 1
	reqSnapshot
	reqSlot
	reqFlush
)

type req struct {
	kind reqKind

	replay   ReplayRow
	snapshot SnapshotRow
	slot     slotRow
	done     chan struct{}
}

// ReplayRow describes one replay file written by a session.
type ReplayRow struct {
	ID         string
	Session    string
	Name       string
	Label      string
	StartTick  int64
	Ticks      int
	Runs       int
	RecordedAt time.Time
}

// SnapshotRow describes one captured state: a timeline backup or a savestate slot.
type SnapshotRow struct {
	Session    string
	Tick       uint64
	Kind       string
	Slot       string
	Size       int
	RawSize    int
	Refs       int
	RecordedAt time.Time
}

type slotRow struct {
	Session string
	Slot    string
	Replay  string
	At      time.Time
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTotal     uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return open(path, 65536)
}

func open(path string, queue int) (*SQLiteIndex, error) {
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
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
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
		`CREATE TABLE IF NOT EXISTS replays (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			name TEXT NOT NULL,
			label TEXT NOT NULL,
			start_tick INTEGER NOT NULL,
			ticks INTEGER NOT NULL,
			runs INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_replays_label ON replays(label, recorded_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_replays_name ON replays(name);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session TEXT NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			slot TEXT NOT NULL,
			size INTEGER NOT NULL,
			raw_size INTEGER NOT NULL,
			refs INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session, tick, kind, slot)
		);`,
		`CREATE TABLE IF NOT EXISTS slots (
			session TEXT NOT NULL,
			slot TEXT NOT NULL,
			replay_name TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session, slot)
		);`,
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

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.drops.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Replay files on disk remain the source of truth.
		s.drops.Add(1)
	}
}

// RecordReplay indexes a saved replay and returns its catalog id.
func (s *SQLiteIndex) RecordReplay(r ReplayRow) string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	s.enqueue(req{kind: reqReplay, replay: r})
	return r.ID
}

func (s *SQLiteIndex) RecordSnapshot(r SnapshotRow) {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r})
}

// AssignSlot remembers which replay file a session stored under slot.
func (s *SQLiteIndex) AssignSlot(session, slot, replay string) {
	s.enqueue(req{kind: reqSlot, slot: slotRow{Session: session, Slot: slot, Replay: replay, At: time.Now()}})
}

// Flush blocks until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlotReplay returns the replay file name assigned to slot.
func (s *SQLiteIndex) SlotReplay(ctx context.Context, session, slot string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT replay_name FROM slots WHERE session=? AND slot=?`, session, slot).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

// Replays lists indexed replays, newest first. An empty label matches all.
func (s *SQLiteIndex) Replays(ctx context.Context, label string, limit int) ([]ReplayRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id,session,name,label,start_tick,ticks,runs,recorded_at FROM replays`
	args := []any{}
	if label != "" {
		q += ` WHERE label=?`
		args = append(args, label)
	}
	q += ` ORDER BY recorded_at DESC, name DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReplayRow
	for rows.Next() {
		var r ReplayRow
		var at string
		if err := rows.Scan(&r.ID, &r.Session, &r.Name, &r.Label, &r.StartTick, &r.Ticks, &r.Runs, &at); err != nil {
			return nil, err
		}
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Snapshots lists indexed captures for session in tick order.
func (s *SQLiteIndex) Snapshots(ctx context.Context, session string) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session,tick,kind,slot,size,raw_size,refs,recorded_at FROM snapshots WHERE session=? ORDER BY tick, kind, slot`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var tick int64
		var at string
		if err := rows.Scan(&r.Session, &tick, &r.Kind, &r.Slot, &r.Size, &r.RawSize, &r.Refs, &at); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertReplay, _ := s.db.Prepare(`INSERT OR REPLACE INTO replays(id,session,name,label,start_tick,ticks,runs,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(session,tick,kind,slot,size,raw_size,refs,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	upsertSlot, _ := s.db.Prepare(`INSERT OR REPLACE INTO slots(session,slot,replay_name,updated_at) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertReplay, insertSnapshot, upsertSlot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqReplay:
			rp := r.replay
			exec(insertReplay, rp.ID, rp.Session, rp.Name, rp.Label, rp.StartTick, rp.Ticks, rp.Runs,
				rp.RecordedAt.UTC().Format(time.RFC3339Nano))
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Session, int64(sn.Tick), sn.Kind, sn.Slot, sn.Size, sn.RawSize, sn.Refs,
				sn.RecordedAt.UTC().Format(time.RFC3339Nano))
		case reqSlot:
			sl := r.slot
			exec(upsertSlot, sl.Session, sl.Slot, sl.Replay, sl.At.UTC().Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
