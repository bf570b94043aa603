package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/spec"
	"github.com/mpataki/circuits/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "circuits.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ts := httptest.NewServer(NewServer("", store).Handler())
	t.Cleanup(ts.Close)
	return ts, NewClient(ts.URL, WithHTTPClient(ts.Client()))
}

func createTestCircuit(t *testing.T, c *Client) *models.Circuit {
	t.Helper()
	circuit := &models.Circuit{
		Name: "Intervals",
		Tasks: []models.Task{
			{Name: "Work", Duration: 20},
			{Name: "Rest", Duration: 15},
		},
	}
	if _, err := c.CreateCircuit(context.Background(), circuit); err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	return circuit
}

func TestCircuitEndpoints(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()
	created := createTestCircuit(t, c)
	if created.ID == 0 || created.CreatedAt.IsZero() {
		t.Fatalf("created = %+v, want server-assigned id and created_at", created)
	}

	got, err := c.GetCircuit(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCircuit failed: %v", err)
	}
	if got.Name != "Intervals" || len(got.Tasks) != 2 {
		t.Errorf("circuit = %+v", got)
	}

	list, err := c.ListCircuits(ctx)
	if err != nil {
		t.Fatalf("ListCircuits failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListCircuits = %d, want 1", len(list))
	}

	if err := c.DeleteCircuit(ctx, created.ID); err != nil {
		t.Fatalf("DeleteCircuit failed: %v", err)
	}
	if _, err := c.GetCircuit(ctx, created.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetCircuit after delete err = %v, want ErrNotFound", err)
	}
}

func TestCreateCircuitValidation(t *testing.T) {
	ts, c := newTestServer(t)

	_, err := c.CreateCircuit(context.Background(), &models.Circuit{Name: "Empty"})
	if !errors.Is(err, spec.ErrInvalid) {
		t.Fatalf("err = %v, want spec.ErrInvalid", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("err = %#v, want a 422 HTTPError", err)
	}

	resp, err := http.Post(ts.URL+"/api/circuits", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var body ErrorDTO
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Detail == "" {
		t.Error("error body should carry a detail message")
	}
}

func TestSessionEndpoints(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()
	circuit := createTestCircuit(t, c)

	if _, err := c.GetSession(ctx, circuit.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetSession before put err = %v, want ErrNotFound", err)
	}

	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	put, err := c.PutSession(ctx, circuit.ID, models.RunSession{
		StepIndex: 1, RemainingSeconds: 10, Phase: models.PhasePaused, Version: 5, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	if put.ID == "" || put.CircuitID != circuit.ID {
		t.Errorf("put = %+v", put)
	}

	got, err := c.GetSession(ctx, circuit.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.StepIndex != 1 || got.RemainingSeconds != 10 || !got.StartedAt.Equal(started) {
		t.Errorf("session = %+v", got)
	}

	_, err = c.PutSession(ctx, circuit.ID, models.RunSession{
		StepIndex: 0, RemainingSeconds: 20, Phase: models.PhaseRunning, Version: 2, StartedAt: started,
	})
	if !errors.Is(err, storage.ErrStaleWrite) {
		t.Errorf("stale PutSession err = %v, want ErrStaleWrite", err)
	}

	if err := c.DeleteSession(ctx, circuit.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := c.GetSession(ctx, circuit.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession after delete err = %v, want ErrNotFound", err)
	}
}

func TestPutSessionRejectsImpossiblePosition(t *testing.T) {
	ts, c := newTestServer(t)
	ctx := context.Background()
	circuit := &models.Circuit{Name: "Plank", Tasks: []models.Task{{Name: "Hold", Duration: 45}}}
	if _, err := c.CreateCircuit(ctx, circuit); err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}

	bodies := map[string]string{
		"everything wrong":   `{"step_index":99,"remaining_seconds":-7,"phase":"bogus"}`,
		"step past the end":  `{"step_index":2,"remaining_seconds":0,"phase":"finished"}`,
		"negative remaining": `{"step_index":0,"remaining_seconds":-1,"phase":"running"}`,
		"over task duration": `{"step_index":0,"remaining_seconds":46,"phase":"paused"}`,
		"left after last":    `{"step_index":1,"remaining_seconds":3,"phase":"finished"}`,
		"unknown phase":      `{"step_index":0,"remaining_seconds":45,"phase":"bogus"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPut, ts.URL+circuitPath(circuit.ID)+"/session", strings.NewReader(body))
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", resp.StatusCode)
			}
		})
	}

	if _, err := c.GetSession(ctx, circuit.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rejected writes must not be stored, err = %v", err)
	}

	// The boundaries themselves are accepted.
	if _, err := c.PutSession(ctx, circuit.ID, models.RunSession{StepIndex: 0, RemainingSeconds: 45, Phase: models.PhaseIdle, Version: 1}); err != nil {
		t.Errorf("full first step failed: %v", err)
	}
}

func TestUpdateCircuit(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()
	circuit := createTestCircuit(t, c)
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	if _, err := c.PutSession(ctx, circuit.ID, models.RunSession{StepIndex: 1, RemainingSeconds: 12, Phase: models.PhasePaused, Version: 3, StartedAt: started}); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	list, err := c.ListCircuits(ctx)
	if err != nil {
		t.Fatalf("ListCircuits failed: %v", err)
	}
	if len(list) != 1 || list[0].ActiveRun == nil || list[0].ActiveRun.StepIndex != 1 {
		t.Fatalf("list = %+v, want the paused run attached", list)
	}

	// Still fits: step 1 exists and 12s <= 30s.
	circuit.Name = "Long Intervals"
	circuit.Tasks = []models.Task{{Name: "Work", Duration: 40}, {Name: "Rest", Duration: 30}, {Name: "Cool", Duration: 60}}
	if err := c.UpdateCircuit(ctx, circuit); err != nil {
		t.Fatalf("UpdateCircuit failed: %v", err)
	}
	got, err := c.GetCircuit(ctx, circuit.ID)
	if err != nil {
		t.Fatalf("GetCircuit failed: %v", err)
	}
	if got.Name != "Long Intervals" || len(got.Tasks) != 3 || got.ActiveRun == nil {
		t.Errorf("circuit = %+v, want renamed with 3 tasks and the run kept", got)
	}

	// Shrinking below the paused step drops the session.
	circuit.Tasks = []models.Task{{Name: "Work", Duration: 40}}
	if err := c.UpdateCircuit(ctx, circuit); err != nil {
		t.Fatalf("UpdateCircuit failed: %v", err)
	}
	if _, err := c.GetSession(ctx, circuit.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session should be dropped, err = %v", err)
	}
	if circuit.ActiveRun != nil {
		t.Errorf("ActiveRun = %+v, want nil", circuit.ActiveRun)
	}

	err = c.UpdateCircuit(ctx, &models.Circuit{ID: circuit.ID, Name: "No tasks"})
	if !errors.Is(err, spec.ErrInvalid) {
		t.Errorf("err = %v, want spec.ErrInvalid", err)
	}
}

func TestFinishAndRuns(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()
	circuit := createTestCircuit(t, c)
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	if _, err := c.PutSession(ctx, circuit.ID, models.RunSession{StepIndex: 1, RemainingSeconds: 1, Phase: models.PhaseRunning, Version: 1, StartedAt: started}); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	rec, err := c.FinishSession(ctx, circuit.ID, models.Completion{
		StartedAt: started, FinishedAt: started.Add(35 * time.Second), TotalSeconds: 35,
	})
	if err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}
	if rec.ID == 0 || rec.TotalSeconds != 35 || rec.CircuitName != "Intervals" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := c.GetSession(ctx, circuit.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session should be gone after finish, err = %v", err)
	}

	manual := &models.RunRecord{CircuitID: circuit.ID, StartedAt: started.Add(time.Hour), FinishedAt: started.Add(time.Hour + 35*time.Second)}
	if _, err := c.CreateRun(ctx, manual); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	runs, err := c.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns = %d, want 2", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("runs not newest first")
	}
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown circuit", http.MethodGet, "/api/circuits/99", "", http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/circuits/abc", "", http.StatusBadRequest},
		{"session for unknown circuit", http.MethodPut, "/api/circuits/99/session", `{"step_index":0,"remaining_seconds":1,"phase":"running"}`, http.StatusNotFound},
		{"delete session for unknown circuit", http.MethodDelete, "/api/circuits/99/session", "", http.StatusNotFound},
		{"update unknown circuit", http.MethodPut, "/api/circuits/99", `{"name":"Plank","tasks":[{"name":"Hold","duration":45}]}`, http.StatusNotFound},
		{"update without tasks", http.MethodPut, "/api/circuits/99", `{"name":"Plank","tasks":[]}`, http.StatusUnprocessableEntity},
		{"bad limit", http.MethodGet, "/api/runs?limit=0", "", http.StatusBadRequest},
		{"finish unknown circuit", http.MethodPost, "/api/circuits/99/session/finish", `{}`, http.StatusNotFound},
		{"run ends before start", http.MethodPost, "/api/runs", `{"circuit_id":1,"started_at":"2024-05-01T09:00:00Z","finished_at":"2024-05-01T08:00:00Z"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{spec.ErrInvalid, http.StatusUnprocessableEntity},
		{storage.ErrStaleWrite, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := MapError(tt.err).StatusCode; got != tt.status {
			t.Errorf("MapError(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
	if MapError(nil) != nil {
		t.Error("MapError(nil) should be nil")
	}
}
