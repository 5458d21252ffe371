package controller

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"slurm-rpc/jobcomp"
	"slurm-rpc/message"
	"slurm-rpc/middleware"
	"slurm-rpc/server"
	"slurm-rpc/transport"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newController(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return t0 }
	c.SubmitJob(message.JobInfo{
		JobID: 42, UserID: 1000, GroupID: 100, JobState: message.JobRunning,
		TimeLimit: 60, Partition: "batch", Nodes: "node[1-4]", Name: "myjob", NumNodes: 4,
	})
	c.SubmitJob(message.JobInfo{JobID: 43, JobState: message.JobPending, TimeLimit: message.InfiniteTime})
	return c
}

func rc(t *testing.T, reply *message.Msg) message.ReturnCode {
	t.Helper()
	if reply == nil {
		return message.Success
	}
	body, ok := reply.Body.(*message.ReturnCodeMsg)
	if !ok {
		t.Fatalf("expect return code, got %s", reply.Type)
	}
	return body.ReturnCode
}

func createStep(t *testing.T, c *Controller, jobID uint32) *message.JobStepCreateResponse {
	t.Helper()
	reply := c.stepCreate(context.Background(), &message.JobStepCreateRequest{JobID: jobID, UserID: 1000, NumTasks: 4, Name: "srun"})
	resp, ok := reply.Body.(*message.JobStepCreateResponse)
	if !ok {
		t.Fatalf("step create for job %d: rc %v", jobID, rc(t, reply))
	}
	return resp
}

func TestStepCreate(t *testing.T) {
	c := newController(t, Options{})

	first := createStep(t, c, 42)
	second := createStep(t, c, 42)
	if first.StepID != 0 || second.StepID != 1 {
		t.Fatalf("step ids %d, %d", first.StepID, second.StepID)
	}
	if first.NodeList != "node[1-4]" {
		t.Fatalf("step should default to the job's nodes, got %q", first.NodeList)
	}
	cred := second.Credential
	if cred.JobID != 42 || cred.StepID != 1 || !cred.Expiration.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if err := c.opts.Signer.Verify(&cred, t0); err != nil {
		t.Fatalf("credential does not verify: %v", err)
	}

	// pending and unknown jobs have no allocation to run steps in
	for _, id := range []uint32{43, 99} {
		reply := c.stepCreate(context.Background(), &message.JobStepCreateRequest{JobID: id})
		if got := rc(t, reply); got != message.ErrorInvalidJobID {
			t.Fatalf("job %d: expect ErrorInvalidJobID, got %v", id, got)
		}
	}
}

func TestStepInfo(t *testing.T) {
	c := newController(t, Options{})
	createStep(t, c, 42)
	createStep(t, c, 42)

	cases := []struct {
		name   string
		req    message.JobStepInfoRequest
		steps  int
		wantRC message.ReturnCode
	}{
		{"all", message.JobStepInfoRequest{StepID: message.AllSteps}, 2, message.Success},
		{"one job", message.JobStepInfoRequest{JobID: 42, StepID: message.AllSteps}, 2, message.Success},
		{"one step", message.JobStepInfoRequest{JobID: 42, StepID: 1}, 1, message.Success},
		{"job without steps", message.JobStepInfoRequest{JobID: 43, StepID: message.AllSteps}, 0, message.Success},
		{"unknown job", message.JobStepInfoRequest{JobID: 99, StepID: message.AllSteps}, 0, message.ErrorInvalidJobID},
		{"unknown step", message.JobStepInfoRequest{JobID: 42, StepID: 7}, 0, message.ErrorInvalidStepID},
		{"unchanged", message.JobStepInfoRequest{LastUpdate: t0, StepID: message.AllSteps}, 0, message.ErrorNoChangeInData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply := c.stepInfo(context.Background(), &tc.req)
			if tc.wantRC != message.Success {
				if got := rc(t, reply); got != tc.wantRC {
					t.Fatalf("expect %v, got %v", tc.wantRC, got)
				}
				return
			}
			resp := reply.Body.(*message.JobStepInfoResponse)
			if len(resp.Steps) != tc.steps {
				t.Fatalf("expect %d steps, got %d", tc.steps, len(resp.Steps))
			}
		})
	}
}

func TestJobInfo(t *testing.T) {
	c := newController(t, Options{})

	reply := c.jobInfo(context.Background(), &message.JobInfoRequest{})
	resp := reply.Body.(*message.JobInfoResponse)
	if len(resp.Jobs) != 2 || resp.Jobs[0].JobID != 42 || resp.Jobs[1].JobID != 43 {
		t.Fatalf("unexpected jobs %+v", resp.Jobs)
	}
	if !resp.LastUpdate.Equal(t0) {
		t.Fatalf("last update %v", resp.LastUpdate)
	}

	reply = c.jobInfo(context.Background(), &message.JobInfoRequest{LastUpdate: resp.LastUpdate})
	if got := rc(t, reply); got != message.ErrorNoChangeInData {
		t.Fatalf("expect ErrorNoChangeInData, got %v", got)
	}
}

func TestJobCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobcomp.log")
	l := jobcomp.NewFileTxt(names{}, nil)
	if err := l.SetLocation(path); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c := newController(t, Options{JobComp: l})
	createStep(t, c, 42)

	jc := &message.JobCompletion{
		JobID: 42, UserID: 1000, GroupID: 100, Name: "myjob",
		JobState: message.JobComplete | message.JobCompleting, Partition: "batch",
		StartTime: t0, EndTime: t0.Add(time.Hour), Nodes: "node[1-4]", NodeCount: 4, ProcCount: 16,
	}
	if got := rc(t, c.jobCompletion(context.Background(), jc)); got != message.Success {
		t.Fatalf("rc %v", got)
	}

	job, _ := c.Job(42)
	if job.JobState != message.JobComplete || !job.EndTime.Equal(jc.EndTime) {
		t.Fatalf("job not completed: %+v", job)
	}
	reply := c.stepInfo(context.Background(), &message.JobStepInfoRequest{JobID: 42, StepID: message.AllSteps})
	if steps := reply.Body.(*message.JobStepInfoResponse).Steps; len(steps) != 0 {
		t.Fatalf("steps left after completion: %+v", steps)
	}

	recs, err := l.GetJobs(context.Background(), jobcomp.Filter{JobIDs: []uint32{42}})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].JobState != message.JobComplete {
		t.Fatalf("logged %+v", recs)
	}
}

func TestJobCompletionLogFailure(t *testing.T) {
	l := jobcomp.NewFileTxt(names{}, nil) // never opened
	c := newController(t, Options{JobComp: l})
	reply := c.jobCompletion(context.Background(), &message.JobCompletion{JobID: 42})
	if got := rc(t, reply); got != message.ErrorJobCompLogFailed {
		t.Fatalf("expect ErrorJobCompLogFailed, got %v", got)
	}
}

func TestNodeRegistration(t *testing.T) {
	c := newController(t, Options{NodeName: "ctl"})
	c.AddNode(message.NodeInfo{Name: "node1", NodeState: message.NodeDown, Weight: 5})

	c.nodeRegistration(context.Background(), &message.NodeRegistrationStatus{NodeName: "node1", CPUs: 16, JobIDs: []uint32{42}, StepIDs: []uint16{0}})
	c.nodeRegistration(context.Background(), &message.NodeRegistrationStatus{NodeName: "node2", CPUs: 8})

	resp := c.nodeInfo(context.Background(), &message.NodeInfoRequest{}).Body.(*message.NodeInfoResponse)
	if len(resp.Nodes) != 2 {
		t.Fatalf("expect 2 nodes, got %+v", resp.Nodes)
	}
	if n := resp.Nodes[0]; n.Name != "node1" || n.CPUs != 16 || n.NodeState != message.NodeAllocated || n.Weight != 5 {
		t.Fatalf("node1 %+v", n)
	}
	if n := resp.Nodes[1]; n.Name != "node2" || n.NodeState != message.NodeIdle {
		t.Fatalf("node2 %+v", n)
	}

	createStep(t, c, 42)
	st := c.registrationStatus(context.Background(), nil).Body.(*message.NodeRegistrationStatus)
	if st.NodeName != "ctl" || len(st.JobIDs) != 1 || st.JobIDs[0] != 42 || st.StepIDs[0] != 0 {
		t.Fatalf("registration status %+v", st)
	}
}

func TestReconfigureAndShutdown(t *testing.T) {
	var reloads atomic.Int32
	shut := make(chan bool, 1)
	c := newController(t, Options{
		Reconfigure: func() error {
			if reloads.Add(1) > 1 {
				return errors.New("bad config")
			}
			return nil
		},
		Shutdown: func(core bool) { shut <- core },
	})

	if got := rc(t, c.reconfigure(context.Background(), nil)); got != message.Success {
		t.Fatalf("first reconfigure rc %v", got)
	}
	if got := rc(t, c.reconfigure(context.Background(), nil)); got != message.Error {
		t.Fatalf("second reconfigure rc %v", got)
	}

	c.shutdown(context.Background(), &message.ShutdownRequest{Core: 1})
	select {
	case core := <-shut:
		if !core {
			t.Fatal("core flag lost")
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not called")
	}
}

func TestSignerRejectsTampering(t *testing.T) {
	key := make([]byte, KeySize)
	s, err := NewSigner(key)
	if err != nil {
		t.Fatal(err)
	}
	cred := message.JobCredential{JobID: 42, StepID: 0, UserID: 1000, NodeList: "node1", Expiration: t0.Add(time.Hour)}
	s.Sign(&cred)
	if err := s.Verify(&cred, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(&cred, t0.Add(2*time.Hour)); err == nil {
		t.Fatal("expired credential accepted")
	}

	forged := cred
	forged.NodeList = "node[1-100]"
	if err := s.Verify(&forged, t0); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expect ErrBadSignature, got %v", err)
	}

	other, _ := NewSigner(nil)
	if err := other.Verify(&cred, t0); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("foreign key accepted: %v", err)
	}
	if _, err := NewSigner([]byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	err := os.WriteFile(path, []byte(`
nodes:
  - name: node1
    cpus: 16
jobs:
  - job_id: 7
    user_id: 1000
    partition: batch
    nodes: node1
  - job_id: 8
    state: PENDING
    time_limit: 30
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	st, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := New(Options{})
	if err := c.Seed(st); err != nil {
		t.Fatal(err)
	}
	j7, ok := c.Job(7)
	if !ok || j7.JobState != message.JobRunning || j7.TimeLimit != message.InfiniteTime {
		t.Fatalf("job 7 %+v", j7)
	}
	j8, _ := c.Job(8)
	if j8.JobState != message.JobPending || j8.TimeLimit != 30 {
		t.Fatalf("job 8 %+v", j8)
	}

	if err := c.Seed(&State{Jobs: []JobSeed{{JobID: 9, State: "DONE"}}}); err == nil {
		t.Fatal("unknown state accepted")
	}
}

// End to end: step create and step info over a real connection.
func TestOverTheWire(t *testing.T) {
	c := newController(t, Options{})
	s := server.NewServer(server.Options{})
	c.Register(s)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l, "", nil)
	defer s.Shutdown(context.Background())

	ct, err := transport.Dial(context.Background(), s.Addr().String(), transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()

	reply, err := ct.SendRecv(context.Background(), message.New(message.RequestJobStepCreate,
		&message.JobStepCreateRequest{JobID: 42, UserID: 1000, NumTasks: 4}))
	if err != nil {
		t.Fatal(err)
	}
	created := reply.Body.(*message.JobStepCreateResponse)
	if err := c.opts.Signer.Verify(&created.Credential, t0); err != nil {
		t.Fatalf("credential after the wire: %v", err)
	}

	reply, err = ct.SendRecv(context.Background(), message.New(message.RequestJobStepInfo,
		&message.JobStepInfoRequest{JobID: 42, StepID: message.AllSteps}))
	if err != nil {
		t.Fatal(err)
	}
	steps := reply.Body.(*message.JobStepInfoResponse).Steps
	if len(steps) != 1 || steps[0].Nodes != "node[1-4]" || steps[0].NumTasks != 4 {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestCancelledRequestsLeaveNoTrace(t *testing.T) {
	c := newController(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code := rc(t, c.stepCreate(ctx, &message.JobStepCreateRequest{JobID: 42})); code != message.ErrorProtocolTimeout {
		t.Fatalf("step create: expect ErrorProtocolTimeout, got %v", code)
	}
	if code := rc(t, c.jobCompletion(ctx, &message.JobCompletion{JobID: 42, JobState: message.JobComplete, EndTime: t0})); code != message.ErrorProtocolTimeout {
		t.Fatalf("job completion: expect ErrorProtocolTimeout, got %v", code)
	}
	if code := rc(t, c.nodeRegistration(ctx, &message.NodeRegistrationStatus{NodeName: "node9"})); code != message.ErrorProtocolTimeout {
		t.Fatalf("node registration: expect ErrorProtocolTimeout, got %v", code)
	}

	if job, _ := c.Job(42); job.JobState != message.JobRunning {
		t.Errorf("cancelled completion changed job state to %v", job.JobState)
	}
	if len(c.steps) != 0 || c.nextStep[42] != 0 {
		t.Errorf("cancelled step create allocated a step")
	}
	if _, ok := c.nodes["node9"]; ok {
		t.Errorf("cancelled registration added a node")
	}
	if created := createStep(t, c, 42); created.StepID != 0 {
		t.Errorf("first live step got id %d", created.StepID)
	}
}

func TestTimedOutStepCreateNotDuplicated(t *testing.T) {
	c := newController(t, Options{})
	s := server.NewServer(server.Options{})
	s.Use(middleware.RetryMiddleware(2, time.Millisecond, zap.NewNop()))
	s.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))
	c.Register(s)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l, "", nil)
	defer s.Shutdown(context.Background())

	ct, err := transport.Dial(context.Background(), s.Addr().String(), transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()

	req := message.New(message.RequestJobStepCreate, &message.JobStepCreateRequest{JobID: 42, UserID: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// hold the tables so the handler outlives the timeout
	c.mu.Lock()
	reply, err := ct.SendRecv(ctx, req)
	c.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if code := rc(t, reply); code != message.ErrorProtocolTimeout {
		t.Fatalf("expect ErrorProtocolTimeout, got %v", code)
	}
	if code := rc(t, reply); code.Retryable(req.Type) {
		t.Fatalf("timed-out step create reported retryable")
	}

	reply, err = ct.SendRecv(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	created, ok := reply.Body.(*message.JobStepCreateResponse)
	if !ok {
		t.Fatalf("resend: rc %v", rc(t, reply))
	}
	if created.StepID != 0 {
		t.Errorf("resend got step id %d, the timed-out request allocated one", created.StepID)
	}

	// let the abandoned handler finish before counting
	time.Sleep(100 * time.Millisecond)
	c.mu.RLock()
	held := len(c.steps)
	c.mu.RUnlock()
	if held != 1 {
		t.Errorf("steps held: %d, want 1", held)
	}
}

type names struct{}

func (names) UserName(uint32) string  { return "alice" }
func (names) GroupName(uint32) string { return "users" }
