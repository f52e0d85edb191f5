// Package journal persists finished debugger commands to SQLite.
//
// Journal implements debugger.Recorder. Record only enqueues; a single writer
// goroutine inserts rows so the session's delivery path never waits on disk.
package journal

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

	"debugbridge/internal/debugger"
	"debugbridge/internal/logging"
	"debugbridge/internal/protocol"

	_ "modernc.org/sqlite"
)

// DefaultQueueSize is the number of records buffered before Record drops.
const DefaultQueueSize = 1024

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	request_id INTEGER NOT NULL,
	method TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	latency_ms REAL NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);
CREATE INDEX IF NOT EXISTS idx_commands_finished ON commands(finished_at);
`

// Journal is a SQLite-backed command log.
type Journal struct {
	db    *sql.DB
	path  string
	queue chan debugger.CommandRecord
	flush chan chan struct{}
	done  chan struct{}

	dropped atomic.Uint64

	// mu guards closed; Record holds it shared while enqueueing so Close
	// never closes the queue under a sender.
	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the journal database at path and starts the writer.
func Open(path string) (*Journal, error) {
	return OpenWithQueue(path, DefaultQueueSize)
}

// OpenWithQueue is Open with an explicit queue size.
func OpenWithQueue(path string, queueSize int) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One connection keeps ":memory:" databases shared between the writer
	// and readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	j := &Journal{
		db:    db,
		path:  path,
		queue: make(chan debugger.CommandRecord, queueSize),
		flush: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
	go j.writeLoop()
	logging.Get(logging.CategoryJournal).Info("journal opened at %s", path)
	return j, nil
}

// Path returns the database path.
func (j *Journal) Path() string {
	return j.path
}

// Record implements debugger.Recorder. It never blocks: when the queue is
// full the record is counted as dropped.
func (j *Journal) Record(rec debugger.CommandRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- rec:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Flush blocks until every record queued before the call is written.
func (j *Journal) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case j.flush <- ack:
	case <-j.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns up to limit records, newest first. A non-empty sessionID
// restricts the result to one session.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]debugger.CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT session_id, request_id, method, outcome, error, latency_ms, finished_at
		FROM commands`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []debugger.CommandRecord
	for rows.Next() {
		var (
			rec       debugger.CommandRecord
			requestID int64
			outcome   string
			latencyMS float64
			finished  string
		)
		if err := rows.Scan(&rec.SessionID, &requestID, &rec.Method, &outcome, &rec.Error, &latencyMS, &finished); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		rec.RequestID = protocol.RequestID(requestID)
		rec.Outcome = debugger.Outcome(outcome)
		rec.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		if t, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			rec.FinishedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close stops accepting records, writes what is queued and closes the
// database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	log := logging.Get(logging.CategoryJournal)
	for {
		select {
		case rec, ok := <-j.queue:
			if !ok {
				return
			}
			if err := j.insert(rec); err != nil {
				log.Warn("journal write for %s (id %d) failed: %v", rec.Method, rec.RequestID, err)
			}
		case ack := <-j.flush:
			j.drain(log)
			close(ack)
		}
	}
}

// drain writes everything currently queued without waiting for more.
func (j *Journal) drain(log *logging.Logger) {
	for {
		select {
		case rec, ok := <-j.queue:
			if !ok {
				return
			}
			if err := j.insert(rec); err != nil {
				log.Warn("journal write for %s (id %d) failed: %v", rec.Method, rec.RequestID, err)
			}
		default:
			return
		}
	}
}

func (j *Journal) insert(rec debugger.CommandRecord) error {
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO commands (session_id, request_id, method, outcome, error, latency_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, int64(rec.RequestID), rec.Method, string(rec.Outcome), rec.Error,
		float64(rec.Latency)/float64(time.Millisecond), finished.UTC().Format(time.RFC3339Nano),
	)
	return err
}

var _ debugger.Recorder = (*Journal)(nil)
