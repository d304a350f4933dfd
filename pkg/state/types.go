package state

import (
	"time"
)

// SagaKind names the multi-step write a journal record belongs to
type SagaKind string

const (
	SagaKindLink   SagaKind = "link"
	SagaKindUnlink SagaKind = "unlink"
	SagaKindCreate SagaKind = "create"
	SagaKindUpdate SagaKind = "update"
)

// SagaStatus represents the status of a saga run
type SagaStatus string

const (
	SagaStatusRunning   SagaStatus = "running"
	SagaStatusCompleted SagaStatus = "completed"
	SagaStatusFailed    SagaStatus = "failed"
)

// StepStatus represents the outcome of one step attempt
type StepStatus string

const (
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// SagaRecord is the persisted progress of one saga. LastCompleted is the
// index into Steps of the last step that finished, or -1.
type SagaRecord struct {
	Version       string            `json:"version" yaml:"version"`
	ID            string            `json:"id" yaml:"id"`
	Key           string            `json:"key" yaml:"key"`
	Kind          SagaKind          `json:"kind" yaml:"kind"`
	Steps         []string          `json:"steps" yaml:"steps"`
	LastCompleted int               `json:"last_completed" yaml:"last_completed"`
	Status        SagaStatus        `json:"status" yaml:"status"`
	Runs          int               `json:"runs" yaml:"runs"`
	Error         string            `json:"error,omitempty" yaml:"error,omitempty"`
	Data          map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
	History       []StepEvent       `json:"history" yaml:"history"`
	CreatedAt     time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" yaml:"updated_at"`
}

// StepEvent records one attempt at a step
type StepEvent struct {
	Step    string     `json:"step" yaml:"step"`
	Status  StepStatus `json:"status" yaml:"status"`
	Attempt int        `json:"attempt" yaml:"attempt"`
	Error   string     `json:"error,omitempty" yaml:"error,omitempty"`
	At      time.Time  `json:"at" yaml:"at"`
}

// NextStep returns the index of the first step still to run
func (r *SagaRecord) NextStep() int {
	return r.LastCompleted + 1
}

// Done reports whether every step has completed
func (r *SagaRecord) Done() bool {
	return r.LastCompleted >= len(r.Steps)-1
}

// SameSteps reports whether the record was journaled for the given step list
func (r *SagaRecord) SameSteps(steps []string) bool {
	if len(r.Steps) != len(steps) {
		return false
	}
	for i := range steps {
		if r.Steps[i] != steps[i] {
			return false
		}
	}
	return true
}
