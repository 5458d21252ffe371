package jobcomp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"slurm-rpc/message"
)

// TimeLayout is the layout of StartTime and EndTime in the text log.
const TimeLayout = "2006-01-02T15:04:05"

const (
	unlimited   = "UNLIMITED"
	unknownTime = "Unknown"
)

// FileTxt appends one line per completed job to a text file:
//
//	JobId=42 UserId=alice(1000) GroupId=users(100) Name=myjob JobState=COMPLETED Partition=batch TimeLimit=60 StartTime=2024-03-01T12:00:00 EndTime=2024-03-01T13:30:00 NodeList=node[1-4] NodeCnt=4 ProcCnt=16 
//
// Times are local. The free-form selection details close the line.
type FileTxt struct {
	names NameResolver
	log   *zap.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileTxt returns a text logger; SetLocation opens its file.
func NewFileTxt(names NameResolver, log *zap.Logger) *FileTxt {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileTxt{names: names, log: log}
}

// SetLocation opens path for appending, creating it 0644, and closes any
// file opened before.
func (l *FileTxt) SetLocation(path string) error {
	if path == "" {
		return ErrNoLocation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	f, err := openLog(path)
	if err != nil {
		return err
	}
	l.path, l.f = path, f
	return nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jobcomp: open %s: %w", path, err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return nil, fmt.Errorf("jobcomp: chmod %s: %w", path, err)
	}
	return f, nil
}

// LogRecord appends one line for jc.
func (l *FileTxt) LogRecord(ctx context.Context, jc *message.JobCompletion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrNotOpen
	}
	r := newRecord(jc, l.names)
	if _, err := l.f.WriteString(formatRecord(&r)); err != nil {
		return fmt.Errorf("jobcomp: write %s: %w", l.path, err)
	}
	return nil
}

func formatRecord(r *Record) string {
	limit := unlimited
	if r.TimeLimit != message.InfiniteTime {
		limit = strconv.FormatUint(uint64(r.TimeLimit), 10)
	}
	return fmt.Sprintf("JobId=%d UserId=%s(%d) GroupId=%s(%d) Name=%s JobState=%s Partition=%s "+
		"TimeLimit=%s StartTime=%s EndTime=%s NodeList=%s NodeCnt=%d ProcCnt=%d %s\n",
		r.JobID, r.UserName, r.UserID, r.GroupName, r.GroupID, r.Name, r.JobState, r.Partition,
		limit, formatTime(r.StartTime), formatTime(r.EndTime), r.Nodes, r.NodeCount, r.ProcCount,
		r.SelectInfo)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return unknownTime
	}
	return t.Local().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == unknownTime {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeLayout, s, time.Local)
}

// lineKeys are the fields of a log line in order. Values may contain spaces,
// so each value runs up to " " + the next key.
var lineKeys = []string{
	"JobId", "UserId", "GroupId", "Name", "JobState", "Partition",
	"TimeLimit", "StartTime", "EndTime", "NodeList", "NodeCnt", "ProcCnt",
}

var errBadLine = errors.New("jobcomp: malformed log line")

func parseRecord(line string) (Record, error) {
	vals := make(map[string]string, len(lineKeys))
	rest := line
	for i, key := range lineKeys {
		var ok bool
		if rest, ok = strings.CutPrefix(rest, key+"="); !ok {
			return Record{}, fmt.Errorf("%w: missing %s", errBadLine, key)
		}
		var val string
		if i+1 < len(lineKeys) {
			val, rest, ok = strings.Cut(rest, " "+lineKeys[i+1]+"=")
			if !ok {
				return Record{}, fmt.Errorf("%w: missing %s", errBadLine, lineKeys[i+1])
			}
			rest = lineKeys[i+1] + "=" + rest
		} else {
			val, rest, _ = strings.Cut(rest, " ")
		}
		vals[key] = val
	}

	var r Record
	var err error
	r.SelectInfo = rest
	r.Name = vals["Name"]
	r.Partition = vals["Partition"]
	r.Nodes = vals["NodeList"]
	r.JobID, err = parseUint32(vals["JobId"], err)
	r.NodeCount, err = parseUint32(vals["NodeCnt"], err)
	r.ProcCount, err = parseUint32(vals["ProcCnt"], err)
	r.UserName, r.UserID, err = parseNameID(vals["UserId"], err)
	r.GroupName, r.GroupID, err = parseNameID(vals["GroupId"], err)
	if vals["TimeLimit"] == unlimited {
		r.TimeLimit = message.InfiniteTime
	} else {
		r.TimeLimit, err = parseUint32(vals["TimeLimit"], err)
	}
	if err != nil {
		return Record{}, err
	}
	if r.JobState, err = message.ParseJobState(vals["JobState"]); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errBadLine, err)
	}
	if r.StartTime, err = parseTime(vals["StartTime"]); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errBadLine, err)
	}
	if r.EndTime, err = parseTime(vals["EndTime"]); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errBadLine, err)
	}
	return r, nil
}

// parseUint32 keeps the first error, so a run of fields can be parsed and
// checked once.
func parseUint32(s string, prev error) (uint32, error) {
	if prev != nil {
		return 0, prev
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadLine, err)
	}
	return uint32(v), nil
}

// parseNameID splits "alice(1000)".
func parseNameID(s string, prev error) (string, uint32, error) {
	if prev != nil {
		return "", 0, prev
	}
	open := strings.LastIndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", 0, fmt.Errorf("%w: bad id %q", errBadLine, s)
	}
	id, err := parseUint32(s[open+1:len(s)-1], nil)
	return s[:open], id, err
}

// GetJobs parses the log and returns the records f selects, in log order.
// Lines that do not parse are logged and skipped.
func (l *FileTxt) GetJobs(ctx context.Context, f Filter) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil, ErrNotOpen
	}
	var out []Record
	err := l.scan(ctx, func(line string, r *Record) {
		if r != nil && f.match(r) {
			out = append(out, *r)
		}
	})
	return out, err
}

// Archive rewrites the log without the records f selects. Unparseable
// lines are kept.
func (l *FileTxt) Archive(ctx context.Context, f ArchiveFilter) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, ErrNotOpen
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".archive-*")
	if err != nil {
		return 0, fmt.Errorf("jobcomp: archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	var werr error
	err = l.scan(ctx, func(line string, r *Record) {
		if r != nil && f.match(r) {
			n++
			return
		}
		if werr == nil {
			_, werr = w.WriteString(line + "\n")
		}
	})
	if err = multierr.Combine(err, werr, w.Flush(), tmp.Chmod(0o644)); err != nil {
		return 0, fmt.Errorf("jobcomp: archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("jobcomp: archive: %w", err)
	}
	if err = os.Rename(tmp.Name(), l.path); err != nil {
		return 0, fmt.Errorf("jobcomp: archive: %w", err)
	}

	// the open descriptor still points at the replaced file
	l.f.Close()
	if l.f, err = openLog(l.path); err != nil {
		return n, err
	}
	l.log.Info("archived job completion records", zap.String("path", l.path), zap.Int("removed", n))
	return n, nil
}

// scan calls fn for every line of the log; r is nil for lines that do not
// parse. Callers hold l.mu.
func (l *FileTxt) scan(ctx context.Context, fn func(line string, r *Record)) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("jobcomp: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		r, err := parseRecord(line)
		if err != nil {
			l.log.Warn("skipping job completion line", zap.String("path", l.path), zap.Int("line", lineNo), zap.Error(err))
			fn(line, nil)
			continue
		}
		fn(line, &r)
	}
	return sc.Err()
}

// Close closes the log file. Closing twice is a no-op.
func (l *FileTxt) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
