// Package controller is the state behind slurmrpcd: job, step and node
// tables kept in memory and the message handlers that serve them.
package controller

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"slurm-rpc/jobcomp"
	"slurm-rpc/message"
	"slurm-rpc/server"
)

// Options configures a Controller. JobComp, Reconfigure and Shutdown may be nil.
type Options struct {
	NodeName      string // reported in node registration replies
	Signer        *Signer
	CredentialTTL time.Duration // default 24h
	JobComp       jobcomp.Logger
	Reconfigure   func() error
	Shutdown      func(core bool)
	Logger        *zap.Logger
}

type stepKey struct {
	jobID  uint32
	stepID uint16
}

// Controller is safe for concurrent use.
type Controller struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu           sync.RWMutex
	jobs         map[uint32]*message.JobInfo
	jobOrder     []uint32
	steps        map[stepKey]*message.JobStepInfo
	nextStep     map[uint32]uint16
	nodes        map[string]*message.NodeInfo
	nodeOrder    []string
	jobsUpdated  time.Time
	stepsUpdated time.Time
	nodesUpdated time.Time
}

func New(opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = 24 * time.Hour
	}
	if opts.Signer == nil {
		s, err := NewSigner(nil)
		if err != nil {
			return nil, err
		}
		opts.Signer = s
	}
	return &Controller{
		opts:     opts,
		log:      opts.Logger,
		now:      time.Now,
		jobs:     make(map[uint32]*message.JobInfo),
		steps:    make(map[stepKey]*message.JobStepInfo),
		nextStep: make(map[uint32]uint16),
		nodes:    make(map[string]*message.NodeInfo),
	}, nil
}

// Register installs every handler on s.
func (c *Controller) Register(s *server.Server) {
	server.HandleTyped(s, message.MessageNodeRegistrationStatus, c.nodeRegistration)
	s.Handle(message.RequestNodeRegistrationStatus, c.registrationStatus)
	s.Handle(message.RequestReconfigure, c.reconfigure)
	server.HandleTyped(s, message.RequestShutdown, c.shutdown)
	server.HandleTyped(s, message.RequestJobInfo, c.jobInfo)
	server.HandleTyped(s, message.RequestJobStepInfo, c.stepInfo)
	server.HandleTyped(s, message.RequestNodeInfo, c.nodeInfo)
	server.HandleTyped(s, message.RequestJobStepCreate, c.stepCreate)
	server.HandleTyped(s, message.MessageJobCompletion, c.jobCompletion)
}

// SubmitJob adds or replaces a job.
func (c *Controller) SubmitJob(job message.JobInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[job.JobID]; !ok {
		c.jobOrder = append(c.jobOrder, job.JobID)
	}
	c.jobs[job.JobID] = &job
	c.jobsUpdated = c.now()
}

// AddNode adds or replaces a node.
func (c *Controller) AddNode(node message.NodeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node.Name]; !ok {
		c.nodeOrder = append(c.nodeOrder, node.Name)
	}
	c.nodes[node.Name] = &node
	c.nodesUpdated = c.now()
}

// Job returns a copy of the job with id.
func (c *Controller) Job(id uint32) (message.JobInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	if !ok {
		return message.JobInfo{}, false
	}
	return *j, true
}

// unchanged reports whether a request's LastUpdate already covers the
// table's last change. The wire carries whole seconds, so so does the check.
func unchanged(since, updated time.Time) bool {
	return !since.IsZero() && !updated.IsZero() && updated.Unix() <= since.Unix()
}

// abandoned returns a timeout reply once ctx is done. Mutating handlers
// check it after taking c.mu: the caller has already been answered
// ErrorProtocolTimeout, so the request must leave no trace.
func abandoned(ctx context.Context) *message.Msg {
	if ctx.Err() != nil {
		return message.RC(message.ErrorProtocolTimeout)
	}
	return nil
}

func (c *Controller) jobInfo(ctx context.Context, req *message.JobInfoRequest) *message.Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if unchanged(req.LastUpdate, c.jobsUpdated) {
		return message.RC(message.ErrorNoChangeInData)
	}
	resp := &message.JobInfoResponse{LastUpdate: c.jobsUpdated}
	for _, id := range c.jobOrder {
		j := *c.jobs[id]
		j.NodeIndex = slices.Clone(j.NodeIndex)
		resp.Jobs = append(resp.Jobs, j)
	}
	return message.New(message.ResponseJobInfo, resp)
}

// stepInfo answers with one step, every step of one job (StepID AllSteps),
// or every step (JobID 0).
func (c *Controller) stepInfo(ctx context.Context, req *message.JobStepInfoRequest) *message.Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if unchanged(req.LastUpdate, c.stepsUpdated) {
		return message.RC(message.ErrorNoChangeInData)
	}
	if req.JobID != 0 {
		if _, ok := c.jobs[req.JobID]; !ok {
			return message.RC(message.ErrorInvalidJobID)
		}
	}
	resp := &message.JobStepInfoResponse{LastUpdate: c.stepsUpdated}
	for _, jobID := range c.jobOrder {
		if req.JobID != 0 && jobID != req.JobID {
			continue
		}
		for stepID := uint16(0); stepID < c.nextStep[jobID]; stepID++ {
			if req.StepID != message.AllSteps && stepID != req.StepID {
				continue
			}
			if s, ok := c.steps[stepKey{jobID, stepID}]; ok {
				resp.Steps = append(resp.Steps, *s)
			}
		}
	}
	if req.JobID != 0 && req.StepID != message.AllSteps && len(resp.Steps) == 0 {
		return message.RC(message.ErrorInvalidStepID)
	}
	return message.New(message.ResponseJobStepInfo, resp)
}

func (c *Controller) nodeInfo(ctx context.Context, req *message.NodeInfoRequest) *message.Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if unchanged(req.LastUpdate, c.nodesUpdated) {
		return message.RC(message.ErrorNoChangeInData)
	}
	resp := &message.NodeInfoResponse{LastUpdate: c.nodesUpdated}
	for _, name := range c.nodeOrder {
		resp.Nodes = append(resp.Nodes, *c.nodes[name])
	}
	return message.New(message.ResponseNodeInfo, resp)
}

// stepCreate allocates the job's next step id and signs a credential for it.
func (c *Controller) stepCreate(ctx context.Context, req *message.JobStepCreateRequest) *message.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reply := abandoned(ctx); reply != nil {
		return reply
	}
	job, ok := c.jobs[req.JobID]
	if !ok || job.JobState.Base() != message.JobRunning {
		return message.RC(message.ErrorInvalidJobID)
	}
	stepID := c.nextStep[req.JobID]
	if stepID == message.AllSteps {
		return message.RC(message.ErrorInvalidStepID)
	}
	c.nextStep[req.JobID] = stepID + 1

	nodes := req.NodeList
	if nodes == "" {
		nodes = job.Nodes
	}
	now := c.now()
	c.steps[stepKey{req.JobID, stepID}] = &message.JobStepInfo{
		JobID:     req.JobID,
		StepID:    stepID,
		UserID:    req.UserID,
		NumTasks:  req.NumTasks,
		StartTime: now,
		Partition: job.Partition,
		Nodes:     nodes,
		Name:      req.Name,
		Network:   req.Network,
	}
	c.stepsUpdated = now

	cred := message.JobCredential{
		JobID:      req.JobID,
		StepID:     stepID,
		UserID:     req.UserID,
		NodeList:   nodes,
		Expiration: now.Add(c.opts.CredentialTTL),
	}
	c.opts.Signer.Sign(&cred)

	c.log.Info("created job step", zap.Uint32("job", req.JobID), zap.Uint16("step", stepID), zap.String("nodes", nodes))
	return message.New(message.ResponseJobStepCreate, &message.JobStepCreateResponse{
		StepID:     uint32(stepID),
		NodeList:   nodes,
		Credential: cred,
	})
}

// jobCompletion records the final state, drops the job's steps and hands
// the record to the job-completion logger.
func (c *Controller) jobCompletion(ctx context.Context, jc *message.JobCompletion) *message.Msg {
	c.mu.Lock()
	if reply := abandoned(ctx); reply != nil {
		c.mu.Unlock()
		return reply
	}
	now := c.now()
	if job, ok := c.jobs[jc.JobID]; ok {
		job.JobState = jc.JobState.Base()
		job.EndTime = jc.EndTime
		c.jobsUpdated = now
	}
	for key := range c.steps {
		if key.jobID == jc.JobID {
			delete(c.steps, key)
			c.stepsUpdated = now
		}
	}
	c.mu.Unlock()

	if c.opts.JobComp == nil {
		return nil
	}
	if err := c.opts.JobComp.LogRecord(ctx, jc); err != nil {
		c.log.Error("job completion logging failed", zap.Uint32("job", jc.JobID), zap.Error(err))
		return message.RC(message.ErrorJobCompLogFailed)
	}
	return nil
}

func (c *Controller) nodeRegistration(ctx context.Context, st *message.NodeRegistrationStatus) *message.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reply := abandoned(ctx); reply != nil {
		return reply
	}
	node, ok := c.nodes[st.NodeName]
	if !ok {
		node = &message.NodeInfo{Name: st.NodeName}
		c.nodes[st.NodeName] = node
		c.nodeOrder = append(c.nodeOrder, st.NodeName)
	}
	node.CPUs = st.CPUs
	node.RealMemory = st.RealMemory
	node.TmpDisk = st.TmpDisk
	node.NodeState = message.NodeIdle
	if len(st.JobIDs) > 0 {
		node.NodeState = message.NodeAllocated
	}
	c.nodesUpdated = c.now()
	c.log.Debug("node registered", zap.String("node", st.NodeName), zap.Int("jobs", len(st.JobIDs)))
	return nil
}

// registrationStatus reports this daemon as a node, listing the steps it
// tracks.
func (c *Controller) registrationStatus(ctx context.Context, _ *message.Msg) *message.Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := &message.NodeRegistrationStatus{
		Timestamp: c.now(),
		NodeName:  c.opts.NodeName,
		CPUs:      uint32(runtime.NumCPU()),
	}
	for _, jobID := range c.jobOrder {
		for stepID := uint16(0); stepID < c.nextStep[jobID]; stepID++ {
			if _, ok := c.steps[stepKey{jobID, stepID}]; ok {
				st.JobIDs = append(st.JobIDs, jobID)
				st.StepIDs = append(st.StepIDs, stepID)
			}
		}
	}
	return message.New(message.MessageNodeRegistrationStatus, st)
}

func (c *Controller) reconfigure(ctx context.Context, _ *message.Msg) *message.Msg {
	if c.opts.Reconfigure == nil {
		return nil
	}
	if reply := abandoned(ctx); reply != nil {
		return reply
	}
	if err := c.opts.Reconfigure(); err != nil {
		c.log.Error("reconfigure failed", zap.Error(err))
		return message.RC(message.Error)
	}
	return nil
}

// shutdown replies before the server stops: the callback runs on its own
// goroutine.
func (c *Controller) shutdown(ctx context.Context, req *message.ShutdownRequest) *message.Msg {
	if reply := abandoned(ctx); reply != nil {
		return reply
	}
	c.log.Info("shutdown requested", zap.Uint16("core", req.Core))
	if c.opts.Shutdown != nil {
		go c.opts.Shutdown(req.Core != 0)
	}
	return nil
}
