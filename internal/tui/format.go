package tui

import (
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/mpataki/circuits/internal/models"
)

// FormatClock renders seconds as mm:ss. Negative values clamp to zero.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// StepPercent is the elapsed fraction of the current step, in [0, 1].
func StepPercent(c models.Circuit, st models.RunState) float64 {
	if st.Phase == models.PhaseFinished {
		return 1
	}
	if st.StepIndex >= len(c.Tasks) {
		return 0
	}
	d := c.Tasks[st.StepIndex].Duration
	if d <= 0 {
		return 0
	}
	p := float64(d-st.RemainingSeconds) / float64(d)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// NextTask returns the task after the current one, or nil on the last step.
func NextTask(c models.Circuit, st models.RunState) *models.Task {
	i := st.StepIndex + 1
	if i >= len(c.Tasks) {
		return nil
	}
	return &c.Tasks[i]
}

// UpcomingLine is one row of the task list shown beside the timer.
type UpcomingLine struct {
	Index  int
	Task   models.Task
	Active bool
	Done   bool
}

func Upcoming(c models.Circuit, st models.RunState) []UpcomingLine {
	lines := make([]UpcomingLine, len(c.Tasks))
	for i, t := range c.Tasks {
		lines[i] = UpcomingLine{
			Index:  i,
			Task:   t,
			Active: i == st.StepIndex && st.Phase != models.PhaseFinished,
			Done:   i < st.StepIndex,
		}
	}
	return lines
}

// nextFinishAction cycles sound, vibration, both, none.
func nextFinishAction(a models.FinishAction) models.FinishAction {
	for i, v := range models.FinishActions {
		if v == a {
			return models.FinishActions[(i+1)%len(models.FinishActions)]
		}
	}
	return models.FinishActions[0]
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

// truncate cuts s to at most width terminal cells, never inside a rune.
func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}

// pad truncates s and fills it to exactly width cells.
func pad(s string, width int) string {
	return runewidth.FillRight(truncate(s, width), width)
}

// ResumeMarker describes the stored session of c, or "" when there is
// nothing to resume.
func ResumeMarker(c *models.Circuit) string {
	rs := c.ActiveRun
	if rs == nil || rs.Phase == models.PhaseFinished || rs.StepIndex >= len(c.Tasks) {
		return ""
	}
	return fmt.Sprintf("resume %d/%d %s", rs.StepIndex+1, len(c.Tasks), FormatClock(rs.RemainingSeconds))
}
