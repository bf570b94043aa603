package models

import (
	"fmt"
	"time"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhasePaused   Phase = "paused"
	PhaseFinished Phase = "finished"
)

// FinishAction selects the alert fired when a step completes.
type FinishAction string

const (
	FinishSound     FinishAction = "sound"
	FinishVibration FinishAction = "vibration"
	FinishBoth      FinishAction = "both"
	FinishNone      FinishAction = "none"
)

var FinishActions = []FinishAction{FinishSound, FinishVibration, FinishBoth, FinishNone}

func ParseFinishAction(s string) (FinishAction, error) {
	for _, a := range FinishActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown finish action %q (want sound, vibration, both or none)", s)
}

func (a FinishAction) Sound() bool     { return a == FinishSound || a == FinishBoth }
func (a FinishAction) Vibration() bool { return a == FinishVibration || a == FinishBoth }

// RunState is the scheduler's live progress for one run.
type RunState struct {
	CircuitID        int64     `json:"circuit_id"`
	StepIndex        int       `json:"step_index"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Phase            Phase     `json:"phase"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Version          uint64    `json:"version"`
}

// RunSession is the persisted mirror of a RunState.
type RunSession struct {
	ID               string    `json:"id"`
	CircuitID        int64     `json:"circuit_id"`
	StepIndex        int       `json:"step_index"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Phase            Phase     `json:"phase"`
	Version          uint64    `json:"version"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func SessionFromState(s RunState) RunSession {
	return RunSession{
		CircuitID:        s.CircuitID,
		StepIndex:        s.StepIndex,
		RemainingSeconds: s.RemainingSeconds,
		Phase:            s.Phase,
		Version:          s.Version,
		StartedAt:        s.StartedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

// Completion is the summary posted when a session finishes naturally.
type Completion struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	TotalSeconds int       `json:"total_seconds"`
}

// RunRecord is the archived history entry of a completed run.
type RunRecord struct {
	ID           int64     `json:"id"`
	CircuitID    int64     `json:"circuit_id"`
	CircuitName  string    `json:"circuit_name,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	TotalSeconds int       `json:"total_seconds"`
}
