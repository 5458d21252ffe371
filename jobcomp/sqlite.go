package jobcomp

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"slurm-rpc/message"
)

// MemoryLocation opens a private in-memory database, for tests.
const MemoryLocation = ":memory:"

var memoryDBs atomic.Uint64

// SQLite keeps job completions in a sqlite database.
type SQLite struct {
	names NameResolver
	log   *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLite returns a sqlite logger; SetLocation opens its database.
func NewSQLite(names NameResolver, log *zap.Logger) *SQLite {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLite{names: names, log: log}
}

// SetLocation opens the database file at location and creates the table.
func (l *SQLite) SetLocation(location string) error {
	if location == "" {
		return ErrNoLocation
	}
	db, err := openDB(location)
	if err != nil {
		return err
	}
	if err := setupDB(db); err != nil {
		db.Close()
		return err
	}

	l.mu.Lock()
	old := l.db
	l.db = db
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func openDB(location string) (*sql.DB, error) {
	params := url.Values{}
	params.Add("_timeout", "5000") // 5s
	dsn := "file:" + location
	memory := location == MemoryLocation
	if memory {
		dsn = fmt.Sprintf("file:jobcomp-%d", memoryDBs.Add(1))
		params.Add("mode", "memory")
		params.Add("cache", "shared")
	} else {
		params.Add("_journal", "wal")
		params.Add("_sync", "normal")
	}

	db, err := sql.Open("sqlite3", dsn+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("jobcomp: open %s: %w", location, err)
	}
	if memory {
		// the database lives as long as its last connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	}
	return db, nil
}

func setupDB(db *sql.DB) error {
	if _, err := db.Exec(
		`
		create table if not exists job_completion (
			job_id      int not null,
			user_id     int not null,
			user_name   text not null,
			group_id    int not null,
			group_name  text not null,
			name        text not null,
			job_state   int not null,
			partition   text not null,
			time_limit  int not null,
			start_time  int not null,
			end_time    int not null,
			nodes       text not null,
			node_cnt    int not null,
			proc_cnt    int not null,
			select_info text not null
		) strict
		`,
	); err != nil {
		return fmt.Errorf("jobcomp: create table: %w", err)
	}
	if _, err := db.Exec(
		`create index if not exists idx_job_completion_end on job_completion (end_time, partition)`,
	); err != nil {
		return fmt.Errorf("jobcomp: create index: %w", err)
	}
	return nil
}

func (l *SQLite) handle() (*sql.DB, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}
	return l.db, nil
}

// LogRecord inserts one row for jc.
func (l *SQLite) LogRecord(ctx context.Context, jc *message.JobCompletion) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	db, err := l.handle()
	if err != nil {
		return err
	}
	r := newRecord(jc, l.names)
	_, err = db.ExecContext(ctx,
		`
		insert into job_completion (
			job_id, user_id, user_name, group_id, group_name, name, job_state, partition,
			time_limit, start_time, end_time, nodes, node_cnt, proc_cnt, select_info
		) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		r.JobID, r.UserID, r.UserName, r.GroupID, r.GroupName, r.Name, uint16(r.JobState), r.Partition,
		r.TimeLimit, toTimestamp(r.StartTime), toTimestamp(r.EndTime), r.Nodes, r.NodeCount, r.ProcCount,
		r.SelectInfo,
	)
	if err != nil {
		return fmt.Errorf("jobcomp: insert job %d: %w", r.JobID, err)
	}
	return nil
}

// GetJobs returns the rows f selects, in insertion order.
func (l *SQLite) GetJobs(ctx context.Context, f Filter) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	db, err := l.handle()
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if len(f.JobIDs) > 0 {
		where = append(where, "job_id in ("+placeholders(len(f.JobIDs))+")")
		for _, id := range f.JobIDs {
			args = append(args, id)
		}
	}
	if len(f.Partitions) > 0 {
		where = append(where, "partition in ("+placeholders(len(f.Partitions))+")")
		for _, p := range f.Partitions {
			args = append(args, p)
		}
	}
	query := `
		select job_id, user_id, user_name, group_id, group_name, name, job_state, partition,
		       time_limit, start_time, end_time, nodes, node_cnt, proc_cnt, select_info
		from job_completion`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by rowid"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobcomp: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var state uint16
		var start, end int64
		if err := rows.Scan(
			&r.JobID, &r.UserID, &r.UserName, &r.GroupID, &r.GroupName, &r.Name, &state, &r.Partition,
			&r.TimeLimit, &start, &end, &r.Nodes, &r.NodeCount, &r.ProcCount, &r.SelectInfo,
		); err != nil {
			return nil, fmt.Errorf("jobcomp: scan: %w", err)
		}
		r.JobState = message.JobState(state)
		r.StartTime = fromTimestamp(start)
		r.EndTime = fromTimestamp(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Archive deletes the rows f selects and reports how many went.
func (l *SQLite) Archive(ctx context.Context, f ArchiveFilter) (int, error) {
	if f.Before.IsZero() {
		return 0, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	db, err := l.handle()
	if err != nil {
		return 0, err
	}

	// unset end times are stored as 0 and never archived
	query := `delete from job_completion where end_time > 0 and end_time < ?`
	args := []any{toTimestamp(f.Before)}
	if len(f.Partitions) > 0 {
		query += " and partition in (" + placeholders(len(f.Partitions)) + ")"
		for _, p := range f.Partitions {
			args = append(args, p)
		}
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("jobcomp: archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("jobcomp: archive: %w", err)
	}
	l.log.Info("archived job completion records", zap.Int64("removed", n))
	return int(n), nil
}

// Close closes the database. Closing twice is a no-op.
func (l *SQLite) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Times are stored as unix seconds, 0 for unset, matching the wire.
func toTimestamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromTimestamp(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
