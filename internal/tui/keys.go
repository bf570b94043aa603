package tui

import "github.com/charmbracelet/bubbles/key"

// runKeyMap holds the bindings of the run view.
type runKeyMap struct {
	Start        key.Binding
	Pause        key.Binding
	Stop         key.Binding
	FinishAction key.Binding
	Sound        key.Binding
	Vibration    key.Binding
	Help         key.Binding
	Back         key.Binding
	Quit         key.Binding
}

func defaultRunKeyMap() runKeyMap {
	return runKeyMap{
		Start: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start"),
		),
		Pause: key.NewBinding(
			key.WithKeys(" ", "p"),
			key.WithHelp("space", "pause/resume"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop"),
		),
		FinishAction: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "finish alert"),
		),
		Sound: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "countdown beep"),
		),
		Vibration: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "countdown vibration"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k runKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Start, k.Pause, k.Stop, k.Back, k.Help}
}

func (k runKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Start, k.Pause, k.Stop},
		{k.FinishAction, k.Sound, k.Vibration},
		{k.Back, k.Quit, k.Help},
	}
}
