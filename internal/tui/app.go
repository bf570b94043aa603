package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/orchestrator"
	"github.com/mpataki/circuits/internal/storage"
	"github.com/mpataki/circuits/internal/timer"
)

// backendTimeout bounds opening and closing a run from the TUI.
const backendTimeout = 10 * time.Second

type View int

const (
	ViewCircuitList View = iota
	ViewRun
	ViewHistory
)

type App struct {
	orchestrator *orchestrator.Orchestrator
	settings     timer.AlertSettings

	view        View
	circuits    []*models.Circuit
	selectedIdx int
	runs        []*models.RunRecord

	// pendingDelete is the circuit awaiting a y/n answer.
	pendingDelete *models.Circuit

	run      *orchestrator.Run
	listener *listener
	state    models.RunState
	warning  string
	closing  bool

	keys     runKeyMap
	help     help.Model
	progress progress.Model

	width  int
	height int
	err    error

	initialCircuit int64
}

func NewApp(orch *orchestrator.Orchestrator, settings timer.AlertSettings) *App {
	return &App{
		orchestrator: orch,
		settings:     settings,
		view:         ViewCircuitList,
		keys:         defaultRunKeyMap(),
		help:         help.New(),
		progress:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// OpenAtStart makes the program open circuit id as soon as it starts.
func (a *App) OpenAtStart(id int64) {
	a.initialCircuit = id
}

func (a *App) Init() tea.Cmd {
	if a.initialCircuit != 0 {
		return tea.Batch(a.loadCircuits, a.openRun(a.initialCircuit))
	}
	return a.loadCircuits
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case circuitsLoadedMsg:
		a.circuits = msg.circuits
		a.err = msg.err
		if a.selectedIdx >= len(a.circuits) {
			a.selectedIdx = max(0, len(a.circuits)-1)
		}
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.err == nil {
			a.view = ViewHistory
		}
		return a, nil

	case runOpenedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.run = msg.run
		a.listener = newListener(msg.run)
		a.state = msg.run.Scheduler.State()
		a.warning = ""
		a.err = nil
		a.view = ViewRun
		return a, waitForActivity(a.listener)

	case stateMsg:
		// A listener from a closed run may still deliver.
		if msg.listener != a.listener {
			return a, nil
		}
		a.state = msg.state
		return a, waitForActivity(a.listener)

	case warningMsg:
		if msg.listener != a.listener {
			return a, nil
		}
		a.warning = msg.err.Error()
		return a, waitForActivity(a.listener)

	case runClosedMsg:
		a.run = nil
		a.listener = nil
		a.closing = false
		a.err = msg.err
		if msg.quit {
			return a, tea.Quit
		}
		a.view = ViewCircuitList
		return a, a.loadCircuits

	case circuitDeletedMsg:
		a.err = msg.err
		return a, a.loadCircuits
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewCircuitList:
		return a.handleCircuitListKey(msg)
	case ViewRun:
		return a.handleRunKey(msg)
	case ViewHistory:
		return a.handleHistoryKey(msg)
	}
	return a, nil
}

func (a *App) handleCircuitListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if c := a.pendingDelete; c != nil {
		a.pendingDelete = nil
		switch msg.String() {
		case "y":
			return a, a.deleteCircuit(c.ID)
		case "ctrl+c":
			return a, tea.Quit
		}
		return a, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.circuits)-1 {
			a.selectedIdx++
		}

	case "enter":
		if c := a.selectedCircuit(); c != nil {
			return a, a.openRun(c.ID)
		}

	case "h":
		return a, a.loadRuns

	case "r":
		return a, a.loadCircuits

	case "d":
		a.pendingDelete = a.selectedCircuit()
	}

	return a, nil
}

func (a *App) handleRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.closing {
		return a, nil
	}
	s := a.run.Scheduler

	switch {
	case key.Matches(msg, a.keys.Quit):
		a.closing = true
		return a, a.closeRun(true)

	case key.Matches(msg, a.keys.Back):
		a.closing = true
		return a, a.closeRun(false)

	case key.Matches(msg, a.keys.Start):
		if err := s.Start(); err != nil {
			a.err = err
		}

	case key.Matches(msg, a.keys.Pause):
		s.TogglePause()

	case key.Matches(msg, a.keys.Stop):
		s.Stop()

	case key.Matches(msg, a.keys.FinishAction):
		a.settings.FinishAction = nextFinishAction(a.settings.FinishAction)
		s.SetAlerts(a.settings)

	case key.Matches(msg, a.keys.Sound):
		a.settings.CountdownSound = !a.settings.CountdownSound
		s.SetAlerts(a.settings)

	case key.Matches(msg, a.keys.Vibration):
		a.settings.CountdownVibration = !a.settings.CountdownVibration
		s.SetAlerts(a.settings)

	case key.Matches(msg, a.keys.Help):
		a.help.ShowAll = !a.help.ShowAll
	}

	return a, nil
}

func (a *App) handleHistoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewCircuitList

	case "ctrl+c":
		return a, tea.Quit

	case "r":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) selectedCircuit() *models.Circuit {
	if len(a.circuits) == 0 || a.selectedIdx >= len(a.circuits) {
		return nil
	}
	return a.circuits[a.selectedIdx]
}

func (a *App) View() string {
	switch a.view {
	case ViewCircuitList:
		return a.viewCircuitList()
	case ViewRun:
		return a.viewRun()
	case ViewHistory:
		return a.viewHistory()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	clockStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63"))

	phaseRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	phasePaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	phaseFinished = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	phaseIdle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewCircuitList() string {
	s := titleStyle.Render("Circuits") + "\n\n"

	if a.err != nil {
		s += warningStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if len(a.circuits) == 0 {
		s += "No circuits yet. Add one with 'circuits import <file>'.\n"
	} else {
		for i, c := range a.circuits {
			line := fmt.Sprintf("#%-3d %s %2d tasks  %s",
				c.ID, pad(c.Name, 24), len(c.Tasks), FormatClock(c.TotalSeconds()))
			if m := ResumeMarker(c); m != "" {
				line += "  " + phasePaused.Render("↻ "+m)
			}
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if c := a.pendingDelete; c != nil {
		s += "\n" + warningStyle.Render(fmt.Sprintf("Delete #%d %s with its session and history? [y/N]", c.ID, c.Name)) + "\n"
		return s
	}
	s += "\n" + helpStyle.Render("[enter] run  [h] history  [d] delete  [r] refresh  [q] quit")
	return s
}

func (a *App) viewRun() string {
	if a.run == nil {
		return "No circuit open"
	}
	c := a.run.Circuit
	st := a.state

	s := titleStyle.Render(c.Name) + "  " + formatPhase(st.Phase) + "\n"
	if c.Description != "" {
		s += dimStyle.Render(c.Description) + "\n"
	}
	s += "\n"

	if st.Phase == models.PhaseFinished || st.StepIndex >= len(c.Tasks) {
		s += clockStyle.Render("Done") + "\n\n"
	} else {
		task := c.Tasks[st.StepIndex]
		s += labelStyle.Render(fmt.Sprintf("Step %d/%d", st.StepIndex+1, len(c.Tasks))) + "  " + task.Name + "\n"
		if task.Description != "" {
			s += dimStyle.Render(task.Description) + "\n"
		}
		s += clockStyle.Render(FormatClock(st.RemainingSeconds)) + "\n"
	}
	s += a.progress.ViewAs(StepPercent(c, st)) + "\n\n"

	if next := NextTask(c, st); next != nil {
		s += labelStyle.Render("Next: ") + next.Name + "\n\n"
	} else if st.Phase != models.PhaseFinished {
		s += labelStyle.Render("Next: ") + dimStyle.Render("Last step in progress") + "\n\n"
	}

	for _, line := range Upcoming(c, st) {
		row := pad(line.Task.Name, 24) + " " + FormatClock(line.Task.Duration)
		switch {
		case line.Active:
			s += selectedStyle.Render("▶ "+row) + "\n"
		case line.Done:
			s += dimStyle.Render("✓ "+row) + "\n"
		default:
			s += "  " + row + "\n"
		}
	}

	s += "\n" + labelStyle.Render("Alerts: ") + formatAlerts(a.settings) + "\n"
	if a.warning != "" {
		s += warningStyle.Render("Sync: "+a.warning) + "\n"
	}
	if a.err != nil {
		s += warningStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	s += "\n" + a.help.View(a.keys)
	return s
}

func (a *App) viewHistory() string {
	s := titleStyle.Render("History") + "\n\n"

	if len(a.runs) == 0 {
		s += "No completed runs yet.\n"
	} else {
		for _, r := range a.runs {
			took := formatDuration(r.FinishedAt.Sub(r.StartedAt))
			s += fmt.Sprintf("  %s %-8s %s\n",
				pad(r.CircuitName, 24), took, dimStyle.Render(storage.FormatTimeAgo(r.StartedAt)))
		}
	}

	s += "\n" + helpStyle.Render("[r] refresh  [esc] back")
	return s
}

func formatPhase(p models.Phase) string {
	switch p {
	case models.PhaseRunning:
		return phaseRunning.Render("● running")
	case models.PhasePaused:
		return phasePaused.Render("‖ paused")
	case models.PhaseFinished:
		return phaseFinished.Render("✓ finished")
	default:
		return phaseIdle.Render("○ ready")
	}
}

func formatAlerts(a timer.AlertSettings) string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return strings.Join([]string{
		"finish " + string(a.FinishAction),
		"beep " + onOff(a.CountdownSound),
		"vibration " + onOff(a.CountdownVibration),
	}, "  ")
}

// listener carries scheduler changes and sync warnings into the program.
// states holds only the latest value so a slow render never stalls a tick.
type listener struct {
	states   chan models.RunState
	warnings chan error
	done     chan struct{}
	detach   func()
	once     sync.Once
}

func newListener(run *orchestrator.Run) *listener {
	l := &listener{
		states:   make(chan models.RunState, 1),
		warnings: make(chan error, 8),
		done:     make(chan struct{}),
	}
	l.detach = run.Scheduler.Subscribe(func(c timer.Change) { l.push(c.State) })
	run.OnWarning(func(err error) {
		select {
		case l.warnings <- err:
		default:
		}
	})
	return l
}

func (l *listener) push(s models.RunState) {
	for {
		select {
		case l.states <- s:
			return
		default:
		}
		select {
		case <-l.states:
		default:
		}
	}
}

func (l *listener) stop() {
	l.once.Do(func() {
		l.detach()
		close(l.done)
	})
}

// Messages

type circuitsLoadedMsg struct {
	circuits []*models.Circuit
	err      error
}

type runsLoadedMsg struct {
	runs []*models.RunRecord
	err  error
}

type runOpenedMsg struct {
	run *orchestrator.Run
	err error
}

type stateMsg struct {
	listener *listener
	state    models.RunState
}

type warningMsg struct {
	listener *listener
	err      error
}

type runClosedMsg struct {
	err  error
	quit bool
}

type circuitDeletedMsg struct {
	id  int64
	err error
}

// Commands

func (a *App) loadCircuits() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	circuits, err := a.orchestrator.ListCircuits(ctx)
	return circuitsLoadedMsg{circuits: circuits, err: err}
}

func (a *App) loadRuns() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	runs, err := a.orchestrator.ListRuns(ctx, 20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) openRun(id int64) tea.Cmd {
	settings := a.settings
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		run, err := a.orchestrator.Open(ctx, id, settings, nil)
		return runOpenedMsg{run: run, err: err}
	}
}

func (a *App) closeRun(quit bool) tea.Cmd {
	run, l := a.run, a.listener
	return func() tea.Msg {
		l.stop()
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		return runClosedMsg{err: run.Close(ctx), quit: quit}
	}
}

func (a *App) deleteCircuit(id int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		return circuitDeletedMsg{id: id, err: a.orchestrator.DeleteCircuit(ctx, id)}
	}
}

// waitForActivity blocks until the listener has a state or warning, or is
// stopped.
func waitForActivity(l *listener) tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-l.states:
			return stateMsg{listener: l, state: s}
		case err := <-l.warnings:
			return warningMsg{listener: l, err: err}
		case <-l.done:
			return nil
		}
	}
}
