package controller

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"slurm-rpc/message"
)

// State is a snapshot of jobs and nodes used to seed a controller.
//
//	nodes:
//	  - name: node1
//	    cpus: 16
//	    real_memory: 64000
//	jobs:
//	  - job_id: 42
//	    user_id: 1000
//	    partition: batch
//	    nodes: node[1-4]
//	    state: RUNNING
type State struct {
	Nodes []NodeSeed `yaml:"nodes"`
	Jobs  []JobSeed  `yaml:"jobs"`
}

type NodeSeed struct {
	Name       string `yaml:"name"`
	CPUs       uint32 `yaml:"cpus"`
	RealMemory uint32 `yaml:"real_memory"`
	TmpDisk    uint32 `yaml:"tmp_disk"`
	Weight     uint32 `yaml:"weight"`
	Features   string `yaml:"features"`
}

type JobSeed struct {
	JobID     uint32 `yaml:"job_id"`
	UserID    uint32 `yaml:"user_id"`
	GroupID   uint32 `yaml:"group_id"`
	Name      string `yaml:"name"`
	Partition string `yaml:"partition"`
	Nodes     string `yaml:"nodes"`
	NumNodes  uint32 `yaml:"num_nodes"`
	NumProcs  uint32 `yaml:"num_procs"`
	TimeLimit uint32 `yaml:"time_limit"` // minutes, 0 for unlimited
	State     string `yaml:"state"`      // defaults to RUNNING
}

// LoadState reads a YAML state file.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &st, nil
}

// Seed adds the state's nodes and jobs.
func (c *Controller) Seed(st *State) error {
	now := time.Now()
	for _, n := range st.Nodes {
		c.AddNode(message.NodeInfo{
			Name:       n.Name,
			NodeState:  message.NodeIdle,
			CPUs:       n.CPUs,
			RealMemory: n.RealMemory,
			TmpDisk:    n.TmpDisk,
			Weight:     n.Weight,
			Features:   n.Features,
		})
	}
	for _, j := range st.Jobs {
		state := message.JobRunning
		if j.State != "" {
			var err error
			if state, err = message.ParseJobState(j.State); err != nil {
				return fmt.Errorf("job %d: %w", j.JobID, err)
			}
		}
		limit := j.TimeLimit
		if limit == 0 {
			limit = message.InfiniteTime
		}
		c.SubmitJob(message.JobInfo{
			JobID:      j.JobID,
			UserID:     j.UserID,
			GroupID:    j.GroupID,
			JobState:   state,
			TimeLimit:  limit,
			SubmitTime: now,
			StartTime:  now,
			NumProcs:   j.NumProcs,
			NumNodes:   j.NumNodes,
			Partition:  j.Partition,
			Nodes:      j.Nodes,
			Name:       j.Name,
		})
	}
	return nil
}
