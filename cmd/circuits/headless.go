package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/orchestrator"
	"github.com/mpataki/circuits/internal/timer"
	"github.com/mpataki/circuits/internal/tui"
)

// headless drives run until it finishes or ctx is done, printing progress
// to out. The run is closed on every path, waiting up to closeTimeout for
// pending session writes.
func headless(ctx context.Context, run *orchestrator.Run, out io.Writer, closeTimeout time.Duration) (err error) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := run.Close(closeCtx); cerr != nil && err == nil {
			err = fmt.Errorf("failed to flush session: %w", cerr)
		}
	}()

	c := run.Circuit
	total := len(c.Tasks)
	finished := make(chan struct{})
	var once sync.Once
	unsubscribe := run.Scheduler.Subscribe(func(ch timer.Change) {
		switch ch.Kind {
		case timer.ChangeStarted, timer.ChangeAdvanced, timer.ChangeResumed:
			task := c.Tasks[ch.State.StepIndex]
			fmt.Fprintf(out, "[%d/%d] %s  %s\n", ch.State.StepIndex+1, total, task.Name, tui.FormatClock(ch.State.RemainingSeconds))
		case timer.ChangeFinished:
			fmt.Fprintf(out, "Finished %s in %s\n", c.Name, tui.FormatClock(c.TotalSeconds()))
			once.Do(func() { close(finished) })
		}
	})
	defer unsubscribe()

	if run.Resumed {
		fmt.Fprintf(out, "Resuming %s\n", c.Name)
		run.Scheduler.Resume()
	}
	if run.Scheduler.State().Phase != models.PhaseRunning {
		fmt.Fprintf(out, "Starting %s (%d tasks, %s)\n", c.Name, total, tui.FormatClock(c.TotalSeconds()))
		if err := run.Scheduler.Start(); err != nil {
			return err
		}
	}

	select {
	case <-finished:
	case <-ctx.Done():
		fmt.Fprintln(out, "\nInterrupted, session saved")
	}
	return nil
}
