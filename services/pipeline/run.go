package pipeline

import (
	"bytes"
	"encoding/json"
)

// Stage is one step of the fixed pipeline sequence.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageBuilding  Stage = "building"
	StageTesting   Stage = "testing"
	StageDeploying Stage = "deploying"
	StageLive      Stage = "live"
	// StageCompleted is the terminal state reached after StageLive.
	StageCompleted Stage = "completed"
)

// Stages is the fixed execution order. Runs never skip or reorder entries.
var Stages = []Stage{StageQueued, StageBuilding, StageTesting, StageDeploying, StageLive}

// Run is the canonical record of one end-to-end execution.
type Run struct {
	ID                string          `json:"id"`
	Config            json.RawMessage `json:"config"`
	CurrentStage      Stage           `json:"currentStage"`
	CompletedStages   []Stage         `json:"completedStages"`
	Progress          float64         `json:"progress"`
	StartTime         int64           `json:"startTime"`
	Duration          *int64          `json:"duration,omitempty"`
	ActiveNodes       []string        `json:"activeNodes"`
	ActiveConnections []string        `json:"activeConnections"`
}

// Clone returns a deep copy that shares no memory with r.
func (r *Run) Clone() Run {
	if r == nil {
		return Run{}
	}
	out := *r
	out.Config = bytes.Clone(r.Config)
	out.CompletedStages = append([]Stage{}, r.CompletedStages...)
	out.ActiveNodes = append([]string{}, r.ActiveNodes...)
	out.ActiveConnections = append([]string{}, r.ActiveConnections...)
	if r.Duration != nil {
		d := *r.Duration
		out.Duration = &d
	}
	return out
}

// Finished reports whether the run reached its terminal state.
func (r Run) Finished() bool {
	return r.CurrentStage == StageCompleted
}
