package domain

import (
	"encoding/json"
	"time"
)

// JobType names the operation a job performs against an environment.
type JobType string

const (
	JobProvision      JobType = "provision"
	JobDeprovision    JobType = "deprovision"
	JobBackup         JobType = "backup"
	JobRestore        JobType = "restore"
	JobResourceChange JobType = "resource-change"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{JobProvision, JobDeprovision, JobBackup, JobRestore, JobResourceChange}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the durable record of one asynchronous operation.
type Job struct {
	ID            string
	Type          JobType
	EnvironmentID string
	Status        JobStatus
	Params        json.RawMessage
	Result        json.RawMessage
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// JobTransition describes a guarded status change.
type JobTransition struct {
	JobID  string
	From   []JobStatus
	To     JobStatus
	Result json.RawMessage
	Error  string
	At     time.Time
}

// JobEvent is published whenever a job changes status.
type JobEvent struct {
	JobID         string    `json:"job_id"`
	EnvironmentID string    `json:"environment_id"`
	Type          JobType   `json:"job_type"`
	Status        JobStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}
