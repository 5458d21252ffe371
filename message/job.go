package message

import (
	"fmt"
	"time"
)

// JobState is the controller's view of a job's lifecycle. The Completing
// flag is or-ed onto a base state while epilogs are still running.
type JobState uint16

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobComplete
	JobCancelled
	JobFailed
	JobTimeout
	JobNodeFail

	JobCompleting JobState = 0x8000
)

var jobStateNames = [...]string{
	JobPending:   "PENDING",
	JobRunning:   "RUNNING",
	JobSuspended: "SUSPENDED",
	JobComplete:  "COMPLETED",
	JobCancelled: "CANCELLED",
	JobFailed:    "FAILED",
	JobTimeout:   "TIMEOUT",
	JobNodeFail:  "NODE_FAIL",
}

// Base strips the Completing flag.
func (s JobState) Base() JobState { return s &^ JobCompleting }

func (s JobState) String() string {
	base := s.Base()
	name := fmt.Sprintf("JOB_STATE_%d", uint16(base))
	if int(base) < len(jobStateNames) {
		name = jobStateNames[base]
	}
	if s&JobCompleting != 0 {
		return name + "+COMPLETING"
	}
	return name
}

// ParseJobState maps a name produced by String back to a state.
func ParseJobState(name string) (JobState, error) {
	for i, n := range jobStateNames {
		if n == name {
			return JobState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", name)
}

// InfiniteTime marks a job without a time limit.
const InfiniteTime uint32 = 0xffffffff

// JobStepInfo describes one running job step.
type JobStepInfo struct {
	JobID     uint32
	StepID    uint16
	UserID    uint32
	NumTasks  uint32
	StartTime time.Time
	Partition string
	Nodes     string // node list expression, e.g. "node[1-4]"
	Name      string
	Network   string // switch/network request, empty when unset
}

// JobStepInfoRequest asks for steps changed since LastUpdate. JobID 0 means
// all jobs; StepID AllSteps means every step of the job.
type JobStepInfoRequest struct {
	LastUpdate time.Time
	JobID      uint32
	StepID     uint16
	ShowFlags  uint16
}

// AllSteps selects every step of a job in JobStepInfoRequest.
const AllSteps uint16 = 0xffff

// JobStepInfoResponse is the body of ResponseJobStepInfo.
type JobStepInfoResponse struct {
	LastUpdate time.Time
	Steps      []JobStepInfo
}

// JobInfo is a job record as reported to client utilities.
type JobInfo struct {
	JobID      uint32
	UserID     uint32
	GroupID    uint32
	JobState   JobState
	TimeLimit  uint32 // minutes, InfiniteTime when unlimited
	Priority   uint32
	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	NumProcs   uint32
	NumNodes   uint32
	Partition  string
	Nodes      string
	Name       string
	NodeIndex  []uint32 // pairs of first/last indexes into the node table
}

// JobInfoRequest asks for jobs changed since LastUpdate.
type JobInfoRequest struct {
	LastUpdate time.Time
	ShowFlags  uint16
}

// JobInfoResponse is the body of ResponseJobInfo.
type JobInfoResponse struct {
	LastUpdate time.Time
	Jobs       []JobInfo
}

// JobStepCreateRequest asks the controller to allocate a new step inside an
// existing job allocation.
type JobStepCreateRequest struct {
	JobID     uint32
	UserID    uint32
	NodeCount uint32
	CPUCount  uint32
	NumTasks  uint32
	Relative  uint16
	TaskDist  uint16
	NodeList  string
	Network   string
	Name      string
}

// JobCredential authorizes a step's tasks on its nodes. This layer carries
// the signature as opaque bytes and never verifies it.
type JobCredential struct {
	JobID      uint32
	StepID     uint16
	UserID     uint32
	NodeList   string
	Expiration time.Time
	Signature  []byte
}

// JobStepCreateResponse is the body of ResponseJobStepCreate.
type JobStepCreateResponse struct {
	StepID     uint32
	NodeList   string
	Credential JobCredential
}

// JobCompletion is the record handed to job-completion loggers when a job
// finishes.
type JobCompletion struct {
	JobID      uint32
	UserID     uint32
	GroupID    uint32
	Name       string
	JobState   JobState
	Partition  string
	TimeLimit  uint32
	StartTime  time.Time
	EndTime    time.Time
	Nodes      string
	NodeCount  uint32
	ProcCount  uint32
	SelectInfo string // free-form node selection details
}
