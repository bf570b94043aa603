package models

import "time"

type Task struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Duration    int    `json:"duration" yaml:"duration"` // seconds
}

type Circuit struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tasks       []Task    `json:"tasks"`
	CreatedAt   time.Time `json:"created_at"`

	// ActiveRun is the stored session, set when a run can be resumed.
	ActiveRun *RunSession `json:"active_run"`
}

// TotalSeconds is the sum of all task durations.
func (c *Circuit) TotalSeconds() int {
	total := 0
	for _, t := range c.Tasks {
		total += t.Duration
	}
	return total
}

// Clone returns a copy whose task slice is not shared with c.
func (c *Circuit) Clone() Circuit {
	out := *c
	out.Tasks = append([]Task(nil), c.Tasks...)
	if c.ActiveRun != nil {
		rs := *c.ActiveRun
		out.ActiveRun = &rs
	}
	return out
}
