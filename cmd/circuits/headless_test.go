package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/orchestrator"
	"github.com/mpataki/circuits/internal/storage"
	"github.com/mpataki/circuits/internal/timer"
)

func openRun(t *testing.T, tasks ...models.Task) (*storage.Storage, *orchestrator.Run) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "circuits.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	id, err := store.CreateCircuit(context.Background(), &models.Circuit{Name: "Plank", Tasks: tasks})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	run, err := orchestrator.New(store).Open(context.Background(), id, timer.DefaultAlertSettings(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return store, run
}

func TestHeadlessClosesRunWhenStartFails(t *testing.T) {
	// Stored without validation, so the scheduler has nothing to start.
	_, run := openRun(t)

	var out bytes.Buffer
	err := headless(context.Background(), run, &out, time.Second)
	if !errors.Is(err, timer.ErrNoTasks) {
		t.Fatalf("err = %v, want ErrNoTasks", err)
	}
	if err := run.Scheduler.Start(); !errors.Is(err, timer.ErrClosed) {
		t.Errorf("Start after headless = %v, want ErrClosed", err)
	}
}

func TestHeadlessInterruptKeepsSession(t *testing.T) {
	store, run := openRun(t, models.Task{Name: "Hold", Duration: 45})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	if err := headless(ctx, run, &out, time.Second); err != nil {
		t.Fatalf("headless failed: %v", err)
	}
	for _, want := range []string{"Starting Plank", "[1/1] Hold  00:45", "Interrupted"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	rs, err := store.GetSession(context.Background(), run.Circuit.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rs.Phase != models.PhaseRunning || rs.StepIndex != 0 {
		t.Errorf("session = %+v, want a running first step", rs)
	}
}
