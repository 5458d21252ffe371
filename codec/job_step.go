package codec

import (
	"time"

	"slurm-rpc/message"
	"slurm-rpc/pack"
)

// Job step info layout:
//
//	job id u32 | step id u16 | user id u32 | num tasks u32 | start time u64 |
//	partition str | nodes str | name str | network str

// PackJobStepInfo appends step to b.
func PackJobStepInfo(step *message.JobStepInfo, b *pack.Buffer) {
	packJobStepFields(b, step.JobID, step.StepID, step.UserID, step.NumTasks,
		step.StartTime, step.Partition, step.Nodes, step.Name, step.Network)
}

// PackJobStepInfoMembers appends a job step record assembled from loose
// fields, for callers reading live state that have no JobStepInfo at hand.
// Its output is byte-identical to PackJobStepInfo for equal values.
func PackJobStepInfoMembers(b *pack.Buffer, jobID uint32, stepID uint16, userID, numTasks uint32,
	startTime time.Time, partition, nodes, name, network string) {
	packJobStepFields(b, jobID, stepID, userID, numTasks, startTime, partition, nodes, name, network)
}

func packJobStepFields(b *pack.Buffer, jobID uint32, stepID uint16, userID, numTasks uint32,
	startTime time.Time, partition, nodes, name, network string) {
	b.PutU32(jobID)
	b.PutU16(stepID)
	b.PutU32(userID)
	b.PutU32(numTasks)
	b.PutTime(startTime)
	b.PutString(partition)
	b.PutString(nodes)
	b.PutString(name)
	b.PutString(network)
}

// UnpackJobStepInfo reads one job step record. Absent strings decode to "".
// On error nothing is consumed.
func UnpackJobStepInfo(b *pack.Buffer) (*message.JobStepInfo, error) {
	return pack.Unpack(b, func(b *pack.Buffer) (*message.JobStepInfo, error) {
		step := &message.JobStepInfo{}
		r := fieldReader{b: b}
		r.u32(&step.JobID)
		r.u16(&step.StepID)
		r.u32(&step.UserID)
		r.u32(&step.NumTasks)
		r.timestamp(&step.StartTime)
		r.str(&step.Partition)
		r.str(&step.Nodes)
		r.str(&step.Name)
		r.str(&step.Network)
		if r.err != nil {
			return nil, r.err
		}
		return step, nil
	})
}

func putJobStepElem(b *pack.Buffer, step message.JobStepInfo) { PackJobStepInfo(&step, b) }

func getJobStepElem(b *pack.Buffer) (message.JobStepInfo, error) {
	step, err := UnpackJobStepInfo(b)
	if err != nil {
		return message.JobStepInfo{}, err
	}
	return *step, nil
}

func packJobStepInfoRequest(req *message.JobStepInfoRequest, b *pack.Buffer) {
	b.PutTime(req.LastUpdate)
	b.PutU32(req.JobID)
	b.PutU16(req.StepID)
	b.PutU16(req.ShowFlags)
}

func unpackJobStepInfoRequest(b *pack.Buffer) (*message.JobStepInfoRequest, error) {
	req := &message.JobStepInfoRequest{}
	r := fieldReader{b: b}
	r.timestamp(&req.LastUpdate)
	r.u32(&req.JobID)
	r.u16(&req.StepID)
	r.u16(&req.ShowFlags)
	if r.err != nil {
		return nil, r.err
	}
	return req, nil
}

func packJobStepInfoResponse(resp *message.JobStepInfoResponse, b *pack.Buffer) {
	b.PutTime(resp.LastUpdate)
	pack.PutList(b, resp.Steps, putJobStepElem)
}

func unpackJobStepInfoResponse(b *pack.Buffer) (*message.JobStepInfoResponse, error) {
	resp := &message.JobStepInfoResponse{}
	r := fieldReader{b: b}
	r.timestamp(&resp.LastUpdate)
	list(&r, &resp.Steps, getJobStepElem)
	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}
