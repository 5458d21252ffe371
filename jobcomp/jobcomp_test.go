package jobcomp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slurm-rpc/config"
	"slurm-rpc/message"
)

type fakeNames map[uint32]string

func (f fakeNames) UserName(uid uint32) string  { return f.name(uid) }
func (f fakeNames) GroupName(gid uint32) string { return f.name(gid) }

func (f fakeNames) name(id uint32) string {
	if n, ok := f[id]; ok {
		return n
	}
	return UnknownName
}

var names = fakeNames{1000: "alice", 100: "users"}

var (
	start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	end   = start.Add(90 * time.Minute)
)

func completion(jobID uint32, partition string, end time.Time) *message.JobCompletion {
	return &message.JobCompletion{
		JobID:      jobID,
		UserID:     1000,
		GroupID:    100,
		Name:       "myjob",
		JobState:   message.JobComplete | message.JobCompleting,
		Partition:  partition,
		TimeLimit:  60,
		StartTime:  start,
		EndTime:    end,
		Nodes:      "node[1-4]",
		NodeCount:  4,
		ProcCount:  16,
		SelectInfo: "",
	}
}

// backends opens every Logger implementation on a fresh location.
func backends(t *testing.T) map[string]Logger {
	t.Helper()
	ft := NewFileTxt(names, nil)
	if err := ft.SetLocation(filepath.Join(t.TempDir(), "jobcomp.log")); err != nil {
		t.Fatal(err)
	}
	sq := NewSQLite(names, nil)
	if err := sq.SetLocation(MemoryLocation); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ft.Close()
		sq.Close()
	})
	return map[string]Logger{"filetxt": ft, "sqlite": sq}
}

func TestFileTxtLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobcomp.log")
	l := NewFileTxt(names, nil)
	if err := l.SetLocation(path); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	jc := completion(42, "batch", end)
	jc.SelectInfo = "Connection=TORUS"
	if err := l.LogRecord(context.Background(), jc); err != nil {
		t.Fatal(err)
	}
	jc = completion(43, "debug", time.Time{})
	jc.UserID, jc.TimeLimit, jc.JobState = 7, message.InfiniteTime, message.JobTimeout
	if err := l.LogRecord(context.Background(), jc); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "JobId=42 UserId=alice(1000) GroupId=users(100) Name=myjob JobState=COMPLETED Partition=batch " +
		"TimeLimit=60 StartTime=2024-03-01T12:00:00 EndTime=2024-03-01T13:30:00 NodeList=node[1-4] " +
		"NodeCnt=4 ProcCnt=16 Connection=TORUS\n" +
		"JobId=43 UserId=Unknown(7) GroupId=users(100) Name=myjob JobState=TIMEOUT Partition=debug " +
		"TimeLimit=UNLIMITED StartTime=2024-03-01T12:00:00 EndTime=Unknown NodeList=node[1-4] " +
		"NodeCnt=4 ProcCnt=16 \n"
	if string(data) != want {
		t.Fatalf("log contents:\n%q\nwant:\n%q", data, want)
	}

	if fi, err := os.Stat(path); err != nil || fi.Mode().Perm() != 0o644 {
		t.Fatalf("log mode %v, %v", fi.Mode(), err)
	}
}

func TestParseRecordNameWithSpaces(t *testing.T) {
	r := newRecord(completion(9, "batch", end), names)
	r.Name = "my job = big"
	got, err := parseRecord(strings.TrimSuffix(formatRecord(&r), "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != r.Name || got.JobID != 9 || got.UserName != "alice" || got.ProcCount != 16 {
		t.Fatalf("parsed %+v", got)
	}
}

func TestParseRecordRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"hello world",
		"JobId=x UserId=a(1) GroupId=b(2) Name= JobState=COMPLETED Partition= TimeLimit=1 StartTime=Unknown EndTime=Unknown NodeList= NodeCnt=0 ProcCnt=0 ",
		"JobId=1 UserId=a GroupId=b(2) Name= JobState=COMPLETED Partition= TimeLimit=1 StartTime=Unknown EndTime=Unknown NodeList= NodeCnt=0 ProcCnt=0 ",
		"JobId=1 UserId=a(1) GroupId=b(2) Name= JobState=DONE Partition= TimeLimit=1 StartTime=Unknown EndTime=Unknown NodeList= NodeCnt=0 ProcCnt=0 ",
	} {
		if _, err := parseRecord(line); !errors.Is(err, errBadLine) {
			t.Errorf("parseRecord(%q) = %v, want errBadLine", line, err)
		}
	}
}

func TestLogAndGetJobs(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, jc := range []*message.JobCompletion{
				completion(1, "batch", end),
				completion(2, "debug", end),
				completion(3, "batch", end.Add(time.Hour)),
			} {
				if err := l.LogRecord(ctx, jc); err != nil {
					t.Fatal(err)
				}
			}

			all, err := l.GetJobs(ctx, Filter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Fatalf("expect 3 records, got %d", len(all))
			}
			r := all[0]
			if r.JobID != 1 || r.UserName != "alice" || r.GroupName != "users" ||
				r.JobState != message.JobComplete || r.TimeLimit != 60 ||
				!r.StartTime.Equal(start) || !r.EndTime.Equal(end) || r.Nodes != "node[1-4]" {
				t.Fatalf("unexpected record %+v", r)
			}

			batch, _ := l.GetJobs(ctx, Filter{Partitions: []string{"batch"}})
			if len(batch) != 2 || batch[0].JobID != 1 || batch[1].JobID != 3 {
				t.Fatalf("partition filter: %+v", batch)
			}
			one, _ := l.GetJobs(ctx, Filter{JobIDs: []uint32{2}, Partitions: []string{"debug"}})
			if len(one) != 1 || one[0].JobID != 2 {
				t.Fatalf("job filter: %+v", one)
			}
		})
	}
}

func TestArchive(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l.LogRecord(ctx, completion(1, "batch", end))
			l.LogRecord(ctx, completion(2, "debug", end))
			l.LogRecord(ctx, completion(3, "batch", end.Add(2*time.Hour)))
			l.LogRecord(ctx, completion(4, "batch", time.Time{}))

			if n, err := l.Archive(ctx, ArchiveFilter{}); err != nil || n != 0 {
				t.Fatalf("zero filter archived %d, %v", n, err)
			}

			n, err := l.Archive(ctx, ArchiveFilter{Before: end.Add(time.Hour), Partitions: []string{"batch"}})
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("expect 1 archived, got %d", n)
			}
			left, _ := l.GetJobs(ctx, Filter{})
			var ids []uint32
			for _, r := range left {
				ids = append(ids, r.JobID)
			}
			if len(ids) != 3 || ids[0] != 2 || ids[1] != 3 || ids[2] != 4 {
				t.Fatalf("remaining jobs %v", ids)
			}

			// logging continues after the rewrite
			if err := l.LogRecord(ctx, completion(5, "batch", end)); err != nil {
				t.Fatal(err)
			}
			if left, _ := l.GetJobs(ctx, Filter{JobIDs: []uint32{5}}); len(left) != 1 {
				t.Fatal("record lost after archive")
			}
		})
	}
}

func TestNotOpen(t *testing.T) {
	for name, l := range map[string]Logger{"filetxt": NewFileTxt(names, nil), "sqlite": NewSQLite(names, nil)} {
		if err := l.LogRecord(context.Background(), completion(1, "batch", end)); !errors.Is(err, ErrNotOpen) {
			t.Errorf("%s: expect ErrNotOpen, got %v", name, err)
		}
		if err := l.SetLocation(""); !errors.Is(err, ErrNoLocation) {
			t.Errorf("%s: expect ErrNoLocation, got %v", name, err)
		}
	}
}

func TestNew(t *testing.T) {
	l, err := New(config.JobComp{Type: "none"}, nil)
	if err != nil || l != nil {
		t.Fatalf("none: %v, %v", l, err)
	}

	path := filepath.Join(t.TempDir(), "jobcomp.log")
	l, err = New(config.JobComp{Type: "filetxt", Location: path, NameCacheSize: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if _, ok := l.(*FileTxt); !ok {
		t.Fatalf("unexpected logger %T", l)
	}

	if _, err := New(config.JobComp{Type: "mysql", Location: "x"}, nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestCachedResolver(t *testing.T) {
	r, err := NewCachedResolver(2)
	if err != nil {
		t.Fatal(err)
	}
	lookups := 0
	r.lookupUser = func(uid string) (string, error) {
		lookups++
		if uid == "1000" {
			return "alice", nil
		}
		return "", errors.New("no such user")
	}

	for i := 0; i < 3; i++ {
		if got := r.UserName(1000); got != "alice" {
			t.Fatalf("UserName(1000) = %q", got)
		}
	}
	if lookups != 1 {
		t.Fatalf("expect 1 lookup, got %d", lookups)
	}
	if got := r.UserName(5); got != UnknownName {
		t.Fatalf("UserName(5) = %q", got)
	}
	r.UserName(5)
	if lookups != 2 {
		t.Fatalf("failed lookup not cached: %d lookups", lookups)
	}

	// capacity 2: a third id evicts the oldest
	r.UserName(6)
	r.UserName(1000)
	if lookups != 4 {
		t.Fatalf("expect eviction, got %d lookups", lookups)
	}
}
