// Package jobcomp records finished jobs. The daemon hands every
// MessageJobCompletion to a Logger; sacct-style tools read the records back
// with GetJobs and expire old ones with Archive.
package jobcomp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"slurm-rpc/config"
	"slurm-rpc/message"
)

var (
	// ErrNotOpen is returned when a record arrives before SetLocation succeeded.
	ErrNotOpen = errors.New("jobcomp: log location not open")
	// ErrNoLocation is returned by SetLocation for an empty location.
	ErrNoLocation = errors.New("jobcomp: no location given")
)

// Logger is a job-completion log backend. Implementations are safe for
// concurrent use.
type Logger interface {
	// SetLocation opens (or reopens) the log at location.
	SetLocation(location string) error
	LogRecord(ctx context.Context, jc *message.JobCompletion) error
	GetJobs(ctx context.Context, f Filter) ([]Record, error)
	// Archive removes the records matched by f and reports how many went.
	Archive(ctx context.Context, f ArchiveFilter) (int, error)
	Close() error
}

// Record is one logged completion with the resolved user and group names.
type Record struct {
	JobID      uint32
	UserID     uint32
	UserName   string
	GroupID    uint32
	GroupName  string
	Name       string
	JobState   message.JobState
	Partition  string
	TimeLimit  uint32 // minutes, message.InfiniteTime for none
	StartTime  time.Time
	EndTime    time.Time
	Nodes      string
	NodeCount  uint32
	ProcCount  uint32
	SelectInfo string
}

// Filter selects records for GetJobs. Empty fields match everything.
type Filter struct {
	JobIDs     []uint32
	Partitions []string
}

func (f Filter) match(r *Record) bool {
	if len(f.JobIDs) > 0 && !slices.Contains(f.JobIDs, r.JobID) {
		return false
	}
	if len(f.Partitions) > 0 && !slices.Contains(f.Partitions, r.Partition) {
		return false
	}
	return true
}

// ArchiveFilter selects records ending before Before, optionally limited to
// some partitions. A zero Before matches nothing, and neither does a record
// without an end time.
type ArchiveFilter struct {
	Before     time.Time
	Partitions []string
}

func (f ArchiveFilter) match(r *Record) bool {
	if f.Before.IsZero() || r.EndTime.IsZero() || !r.EndTime.Before(f.Before) {
		return false
	}
	return len(f.Partitions) == 0 || slices.Contains(f.Partitions, r.Partition)
}

// newRecord resolves names and strips the completing flag: a job is usually
// still COMPLETING when it is logged, and the log keeps its final state.
func newRecord(jc *message.JobCompletion, names NameResolver) Record {
	return Record{
		JobID:      jc.JobID,
		UserID:     jc.UserID,
		UserName:   names.UserName(jc.UserID),
		GroupID:    jc.GroupID,
		GroupName:  names.GroupName(jc.GroupID),
		Name:       jc.Name,
		JobState:   jc.JobState.Base(),
		Partition:  jc.Partition,
		TimeLimit:  jc.TimeLimit,
		StartTime:  jc.StartTime,
		EndTime:    jc.EndTime,
		Nodes:      jc.Nodes,
		NodeCount:  jc.NodeCount,
		ProcCount:  jc.ProcCount,
		SelectInfo: jc.SelectInfo,
	}
}

// New builds the logger selected by cfg and opens its location. It returns
// a nil Logger for type "none".
func New(cfg config.JobComp, log *zap.Logger) (Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var l Logger
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "filetxt":
		names, err := NewCachedResolver(cfg.NameCacheSize)
		if err != nil {
			return nil, err
		}
		l = NewFileTxt(names, log)
	case "sqlite":
		names, err := NewCachedResolver(cfg.NameCacheSize)
		if err != nil {
			return nil, err
		}
		l = NewSQLite(names, log)
	default:
		return nil, fmt.Errorf("jobcomp: unknown logger %q", cfg.Type)
	}
	if err := l.SetLocation(cfg.Location); err != nil {
		return nil, err
	}
	return l, nil
}
