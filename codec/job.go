package codec

import (
	"slurm-rpc/message"
	"slurm-rpc/pack"
)

func packJobInfo(job *message.JobInfo, b *pack.Buffer) {
	b.PutU32(job.JobID)
	b.PutU32(job.UserID)
	b.PutU32(job.GroupID)
	b.PutU16(uint16(job.JobState))
	b.PutU32(job.TimeLimit)
	b.PutU32(job.Priority)
	b.PutTime(job.SubmitTime)
	b.PutTime(job.StartTime)
	b.PutTime(job.EndTime)
	b.PutU32(job.NumProcs)
	b.PutU32(job.NumNodes)
	b.PutString(job.Partition)
	b.PutString(job.Nodes)
	b.PutString(job.Name)
	pack.PutList(b, job.NodeIndex, pack.PutU32Elem)
}

func getJobInfoElem(b *pack.Buffer) (message.JobInfo, error) {
	var job message.JobInfo
	var state uint16
	r := fieldReader{b: b}
	r.u32(&job.JobID)
	r.u32(&job.UserID)
	r.u32(&job.GroupID)
	r.u16(&state)
	r.u32(&job.TimeLimit)
	r.u32(&job.Priority)
	r.timestamp(&job.SubmitTime)
	r.timestamp(&job.StartTime)
	r.timestamp(&job.EndTime)
	r.u32(&job.NumProcs)
	r.u32(&job.NumNodes)
	r.str(&job.Partition)
	r.str(&job.Nodes)
	r.str(&job.Name)
	list(&r, &job.NodeIndex, pack.U32)
	job.JobState = message.JobState(state)
	return job, r.err
}

func packJobInfoRequest(req *message.JobInfoRequest, b *pack.Buffer) {
	b.PutTime(req.LastUpdate)
	b.PutU16(req.ShowFlags)
}

func unpackJobInfoRequest(b *pack.Buffer) (*message.JobInfoRequest, error) {
	req := &message.JobInfoRequest{}
	r := fieldReader{b: b}
	r.timestamp(&req.LastUpdate)
	r.u16(&req.ShowFlags)
	if r.err != nil {
		return nil, r.err
	}
	return req, nil
}

func packJobInfoResponse(resp *message.JobInfoResponse, b *pack.Buffer) {
	b.PutTime(resp.LastUpdate)
	pack.PutList(b, resp.Jobs, func(b *pack.Buffer, job message.JobInfo) { packJobInfo(&job, b) })
}

func unpackJobInfoResponse(b *pack.Buffer) (*message.JobInfoResponse, error) {
	resp := &message.JobInfoResponse{}
	r := fieldReader{b: b}
	r.timestamp(&resp.LastUpdate)
	list(&r, &resp.Jobs, getJobInfoElem)
	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}

func packJobStepCreateRequest(req *message.JobStepCreateRequest, b *pack.Buffer) {
	b.PutU32(req.JobID)
	b.PutU32(req.UserID)
	b.PutU32(req.NodeCount)
	b.PutU32(req.CPUCount)
	b.PutU32(req.NumTasks)
	b.PutU16(req.Relative)
	b.PutU16(req.TaskDist)
	b.PutString(req.NodeList)
	b.PutString(req.Network)
	b.PutString(req.Name)
}

func unpackJobStepCreateRequest(b *pack.Buffer) (*message.JobStepCreateRequest, error) {
	req := &message.JobStepCreateRequest{}
	r := fieldReader{b: b}
	r.u32(&req.JobID)
	r.u32(&req.UserID)
	r.u32(&req.NodeCount)
	r.u32(&req.CPUCount)
	r.u32(&req.NumTasks)
	r.u16(&req.Relative)
	r.u16(&req.TaskDist)
	r.str(&req.NodeList)
	r.str(&req.Network)
	r.str(&req.Name)
	if r.err != nil {
		return nil, r.err
	}
	return req, nil
}

// The credential is packed as a sub-record; its signature is opaque here.
func packJobCredential(cred *message.JobCredential, b *pack.Buffer) {
	b.PutU32(cred.JobID)
	b.PutU16(cred.StepID)
	b.PutU32(cred.UserID)
	b.PutString(cred.NodeList)
	b.PutTime(cred.Expiration)
	b.PutBytes(cred.Signature)
}

func unpackJobCredential(r *fieldReader, cred *message.JobCredential) {
	r.u32(&cred.JobID)
	r.u16(&cred.StepID)
	r.u32(&cred.UserID)
	r.str(&cred.NodeList)
	r.timestamp(&cred.Expiration)
	r.raw(&cred.Signature)
}

func packJobStepCreateResponse(resp *message.JobStepCreateResponse, b *pack.Buffer) {
	b.PutU32(resp.StepID)
	b.PutString(resp.NodeList)
	packJobCredential(&resp.Credential, b)
}

func unpackJobStepCreateResponse(b *pack.Buffer) (*message.JobStepCreateResponse, error) {
	resp := &message.JobStepCreateResponse{}
	r := fieldReader{b: b}
	r.u32(&resp.StepID)
	r.str(&resp.NodeList)
	unpackJobCredential(&r, &resp.Credential)
	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}

func packJobCompletion(rec *message.JobCompletion, b *pack.Buffer) {
	b.PutU32(rec.JobID)
	b.PutU32(rec.UserID)
	b.PutU32(rec.GroupID)
	b.PutString(rec.Name)
	b.PutU16(uint16(rec.JobState))
	b.PutString(rec.Partition)
	b.PutU32(rec.TimeLimit)
	b.PutTime(rec.StartTime)
	b.PutTime(rec.EndTime)
	b.PutString(rec.Nodes)
	b.PutU32(rec.NodeCount)
	b.PutU32(rec.ProcCount)
	b.PutString(rec.SelectInfo)
}

func unpackJobCompletion(b *pack.Buffer) (*message.JobCompletion, error) {
	rec := &message.JobCompletion{}
	var state uint16
	r := fieldReader{b: b}
	r.u32(&rec.JobID)
	r.u32(&rec.UserID)
	r.u32(&rec.GroupID)
	r.str(&rec.Name)
	r.u16(&state)
	r.str(&rec.Partition)
	r.u32(&rec.TimeLimit)
	r.timestamp(&rec.StartTime)
	r.timestamp(&rec.EndTime)
	r.str(&rec.Nodes)
	r.u32(&rec.NodeCount)
	r.u32(&rec.ProcCount)
	r.str(&rec.SelectInfo)
	if r.err != nil {
		return nil, r.err
	}
	rec.JobState = message.JobState(state)
	return rec, nil
}
