package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/platform/cache"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/internal/platform/websocket"
	"github.com/ehr/patientflow/internal/sim"
)

// -- Mock Repository --

type mockRunRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Run
}

func newMockRunRepo() *mockRunRepo {
	return &mockRunRepo{store: make(map[uuid.UUID]*Run)}
}

func (m *mockRunRepo) Create(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.store[run.ID] = &cp
	return nil
}

func (m *mockRunRepo) Update(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	m.store[run.ID] = &cp
	return nil
}

func (m *mockRunRepo) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *mockRunRepo) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Run
	for _, run := range m.store {
		cp := *run
		cp.Results = nil
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (m *mockRunRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r []*Run
	for _, run := range m.store {
		if run.BatchID != nil && *run.BatchID == batchID {
			cp := *run
			r = append(r, &cp)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Seed < r[j].Seed })
	return r, nil
}

func (m *mockRunRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

// -- Recording Publisher --

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e.Type)
		}
	}
	return out
}

func testDefaults() Defaults {
	return Defaults{HorizonHours: 48, Seed: 7, MaxBatch: 4, Workers: 2}
}

func newTestService() (*Service, *mockRunRepo, *cache.Memory, *recordingPublisher) {
	repo := newMockRunRepo()
	c := cache.NewMemory(time.Hour)
	pub := &recordingPublisher{}
	return NewService(repo, c, pub, zerolog.Nop(), testDefaults()), repo, c, pub
}

func float64Ptr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64       { return &v }

func TestCreateRun_Defaults(t *testing.T) {
	svc, repo, _, pub := newTestService()

	run, err := svc.CreateRun(context.Background(), RunRequest{}, "planner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", run.Status)
	}
	if run.Seed != 7 || run.HorizonHours != 48 {
		t.Errorf("expected seed 7 and horizon 48, got %d and %g", run.Seed, run.HorizonHours)
	}
	if run.Results == nil {
		t.Fatal("expected results")
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Error("expected started and completed timestamps")
	}
	if run.CreatedBy != "planner-1" {
		t.Errorf("expected created_by planner-1, got %s", run.CreatedBy)
	}
	if run.Parameters != sim.DefaultParameters() {
		t.Error("expected default parameters")
	}

	stored, err := repo.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("expected stored run: %v", err)
	}
	if stored.Status != StatusCompleted || stored.Results == nil {
		t.Errorf("expected stored run to be completed with results, got %s", stored.Status)
	}

	got := pub.types(websocket.RunTopic(run.ID.String()))
	if len(got) != 2 || got[0] != "run.started" || got[1] != "run.completed" {
		t.Errorf("expected started then completed on the run topic, got %v", got)
	}
	if got := pub.types(websocket.TopicRuns); len(got) != 2 {
		t.Errorf("expected 2 events on the runs topic, got %v", got)
	}
}

func TestCreateRun_MatchesDirectSimulation(t *testing.T) {
	svc, _, _, _ := newTestService()

	run, err := svc.CreateRun(context.Background(), RunRequest{Seed: int64Ptr(21), HorizonHours: float64Ptr(96)}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, err := sim.Simulate(context.Background(), 96, sim.DefaultParameters(), sim.WithSeed(21))
	if err != nil {
		t.Fatalf("Simulate() error: %v", err)
	}
	if run.Results.CompletedPatients != want.CompletedPatients {
		t.Errorf("expected %d completed patients, got %d", want.CompletedPatients, run.Results.CompletedPatients)
	}
	if run.Results.Departments != want.Departments {
		t.Error("expected department metrics to match a direct run")
	}
}

func TestCreateRun_CachedOnRepeat(t *testing.T) {
	svc, _, c, _ := newTestService()
	ctx := context.Background()

	first, err := svc.CreateRun(ctx, RunRequest{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached {
		t.Error("expected first run to be computed")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached result, got %d", c.Len())
	}

	second, err := svc.CreateRun(ctx, RunRequest{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Error("expected second run to be served from the cache")
	}
	if second.ID == first.ID {
		t.Error("expected a new run id for the repeat")
	}
	if second.Results.CompletedPatients != first.Results.CompletedPatients {
		t.Errorf("expected identical results, got %d vs %d",
			second.Results.CompletedPatients, first.Results.CompletedPatients)
	}
}

func TestCreateRun_TraceBypassesCache(t *testing.T) {
	svc, _, c, _ := newTestService()

	run, err := svc.CreateRun(context.Background(), RunRequest{Trace: true, HorizonHours: float64Ptr(12)}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(run.Results.Trace) == 0 {
		t.Error("expected trace rows")
	}
	if c.Len() != 0 {
		t.Errorf("expected traced run not to be cached, got %d entries", c.Len())
	}
}

func TestCreateRun_NoCache(t *testing.T) {
	svc := NewService(newMockRunRepo(), nil, nil, zerolog.Nop(), testDefaults())

	run, err := svc.CreateRun(context.Background(), RunRequest{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Cached || run.Status != StatusCompleted {
		t.Errorf("expected computed completed run, got cached=%v status=%s", run.Cached, run.Status)
	}
}

func TestCreateRun_ParameterOverlay(t *testing.T) {
	svc, _, _, _ := newTestService()

	req := RunRequest{Parameters: json.RawMessage(`{"icu_capacity": 12, "routing": {"complex_death": 0.1}}`)}
	run, err := svc.CreateRun(context.Background(), req, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := sim.DefaultParameters()
	if run.Parameters.ICUCapacity != 12 {
		t.Errorf("expected icu_capacity 12, got %d", run.Parameters.ICUCapacity)
	}
	if run.Parameters.Routing.ComplexDeath != 0.1 {
		t.Errorf("expected complex_death 0.1, got %g", run.Parameters.Routing.ComplexDeath)
	}
	if run.Parameters.Routing.ComplexICUShare != def.Routing.ComplexICUShare {
		t.Error("expected untouched routing keys to keep their defaults")
	}
	if run.Parameters.CCUCapacity != def.CCUCapacity {
		t.Error("expected untouched capacities to keep their defaults")
	}
}

func TestCreateRun_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  RunRequest
		want error
	}{
		{"negative horizon", RunRequest{HorizonHours: float64Ptr(-1)}, ErrInvalidRequest},
		{"unknown parameter", RunRequest{Parameters: json.RawMessage(`{"morgue_capacity": 3}`)}, ErrInvalidRequest},
		{"malformed parameters", RunRequest{Parameters: json.RawMessage(`{"icu_capacity": "many"}`)}, ErrInvalidRequest},
		{"zero laboratory", RunRequest{Parameters: json.RawMessage(`{"laboratory_capacity": 0}`)}, sim.ErrInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _, pub := newTestService()
			_, err := svc.CreateRun(context.Background(), tt.req, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(repo.store) != 0 {
				t.Errorf("expected nothing stored, got %d runs", len(repo.store))
			}
			if len(pub.events) != 0 {
				t.Errorf("expected no events, got %d", len(pub.events))
			}
		})
	}
}

func TestCreateRun_CancelledIsStoredAsFailed(t *testing.T) {
	svc, repo, _, pub := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := svc.CreateRun(ctx, RunRequest{HorizonHours: float64Ptr(100000)}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run == nil || run.Status != StatusFailed || run.Error == "" {
		t.Fatalf("expected failed run with an error message, got %+v", run)
	}

	stored, err := repo.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("expected failed run to be stored: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("expected stored status failed, got %s", stored.Status)
	}
	got := pub.types(websocket.RunTopic(run.ID.String()))
	if len(got) != 2 || got[1] != "run.failed" {
		t.Errorf("expected run.failed as the last event, got %v", got)
	}
}

func TestBatch_ConsecutiveSeeds(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	runs, err := svc.Batch(ctx, BatchRequest{Count: 3, Seed: int64Ptr(100), HorizonHours: float64Ptr(24)}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	batchID := runs[0].BatchID
	if batchID == nil {
		t.Fatal("expected a batch id")
	}
	for i, run := range runs {
		if run.Seed != int64(100+i) {
			t.Errorf("run %d: expected seed %d, got %d", i, 100+i, run.Seed)
		}
		if run.BatchID == nil || *run.BatchID != *batchID {
			t.Errorf("run %d: expected shared batch id", i)
		}
		if run.Status != StatusCompleted {
			t.Errorf("run %d: expected completed, got %s", i, run.Status)
		}
	}

	stored, err := svc.ListBatch(ctx, *batchID)
	if err != nil {
		t.Fatalf("ListBatch() error: %v", err)
	}
	if len(stored) != 3 {
		t.Errorf("expected 3 stored runs, got %d", len(stored))
	}
}

func TestBatch_CountBounds(t *testing.T) {
	svc, _, _, _ := newTestService()
	for _, n := range []int{0, -1, 5} {
		if _, err := svc.Batch(context.Background(), BatchRequest{Count: n}, ""); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("count %d: expected ErrInvalidRequest, got %v", n, err)
		}
	}
}

func TestBatch_Cancelled(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runs, err := svc.Batch(ctx, BatchRequest{Count: 2, HorizonHours: float64Ptr(100000)}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for i, run := range runs {
		if run.Status != StatusFailed {
			t.Errorf("run %d: expected failed, got %s", i, run.Status)
		}
	}
}

func TestDeleteRun(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, RunRequest{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun() error: %v", err)
	}
	if _, err := svc.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := svc.DeleteRun(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}

	running := &Run{ID: uuid.New(), Status: StatusRunning}
	repo.Create(ctx, running)
	if err := svc.DeleteRun(ctx, running.ID); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for a running run, got %v", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	svc, _, _, _ := newTestService()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run, err := svc.CreateRun(ctx, RunRequest{Seed: int64Ptr(int64(i))}, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, run.ID)
	}

	runs, total, err := svc.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if total != 3 || len(runs) != 2 {
		t.Fatalf("expected 2 of 3 runs, got %d of %d", len(runs), total)
	}
	if runs[0].ID != ids[2] {
		t.Error("expected newest run first")
	}
	if runs[0].Results != nil {
		t.Error("expected listed runs without results")
	}
}

func TestRunSummary(t *testing.T) {
	run := &Run{Status: StatusCompleted, Seed: 3, Results: &sim.Results{CompletedPatients: 9, AverageTimeInSystem: 4.5}}
	s := run.summary()
	if s.CompletedPatients != 9 || s.AverageTimeInSystem != 4.5 || s.Seed != 3 {
		t.Errorf("unexpected summary %+v", s)
	}
	if (&Run{Status: StatusFailed, Error: "boom"}).summary().Error != "boom" {
		t.Error("expected error carried into summary")
	}
}

func TestService_RecordsFinishedRuns(t *testing.T) {
	svc, _, _, _ := newTestService()
	m := telemetry.New()
	svc.SetRecorder(m)
	ctx := context.Background()

	if _, err := svc.CreateRun(ctx, RunRequest{}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.CreateRun(ctx, RunRequest{}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	svc.CreateRun(cancelled, RunRequest{HorizonHours: float64Ptr(100000)}, "")

	if got := m.Runs(string(StatusCompleted)); got != 2 {
		t.Errorf("expected 2 completed runs recorded, got %d", got)
	}
	if got := m.Runs(string(StatusFailed)); got != 1 {
		t.Errorf("expected 1 failed run recorded, got %d", got)
	}
	if !strings.Contains(m.Expose(), `patientflow_runs_total{status="completed",cached="true"} 1`) {
		t.Error("expected the repeated run to be recorded as cached")
	}
}
