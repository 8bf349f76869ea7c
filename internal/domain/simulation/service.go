package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/patientflow/internal/platform/cache"
	"github.com/ehr/patientflow/internal/platform/events"
	"github.com/ehr/patientflow/internal/sim"
)

// Defaults fill in what a request leaves out and bound batch requests.
type Defaults struct {
	HorizonHours float64
	Seed         int64
	MaxBatch     int
	Workers      int
}

// Recorder is told about every finished run.
type Recorder interface {
	RunFinished(status string, cached bool, elapsed time.Duration)
}

type Service struct {
	repo     Repository
	cache    cache.Cache
	pub      events.Publisher
	rec      Recorder
	log      zerolog.Logger
	defaults Defaults
	now      func() time.Time
}

// NewService wires the run service. A nil cache disables result caching and
// a nil publisher drops lifecycle events.
func NewService(repo Repository, c cache.Cache, pub events.Publisher, logger zerolog.Logger, d Defaults) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	if d.MaxBatch < 1 {
		d.MaxBatch = 1
	}
	if d.Workers < 1 {
		d.Workers = 1
	}
	return &Service{repo: repo, cache: c, pub: pub, log: logger, defaults: d, now: time.Now}
}

// SetRecorder reports finished runs to rec.
func (s *Service) SetRecorder(rec Recorder) {
	s.rec = rec
}

// resolve applies defaults and validates the inputs of one run.
func (s *Service) resolve(horizon *float64, seed *int64, raw json.RawMessage) (sim.Parameters, int64, float64, error) {
	h := s.defaults.HorizonHours
	if horizon != nil {
		h = *horizon
	}
	if math.IsNaN(h) || math.IsInf(h, 0) || h < 0 {
		return sim.Parameters{}, 0, 0, fmt.Errorf("%w: horizon_hours must be a non-negative number", ErrInvalidRequest)
	}

	sd := s.defaults.Seed
	if seed != nil {
		sd = *seed
	}

	p := sim.DefaultParameters()
	if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return sim.Parameters{}, 0, 0, fmt.Errorf("%w: parameters: %v", ErrInvalidRequest, err)
		}
	}
	if err := p.Validate(); err != nil {
		return sim.Parameters{}, 0, 0, err
	}
	return p, sd, h, nil
}

func (s *Service) newRun(p sim.Parameters, seed int64, horizon float64, user string) (*Run, error) {
	hash, err := cache.ParametersHash(p)
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:             uuid.New(),
		Status:         StatusPending,
		Seed:           seed,
		HorizonHours:   horizon,
		Parameters:     p,
		ParametersHash: hash,
		CreatedBy:      user,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// CreateRun executes one run synchronously and stores it. A run that fails
// inside the engine is still stored, with status failed, and returned
// together with the error.
func (s *Service) CreateRun(ctx context.Context, req RunRequest, user string) (*Run, error) {
	p, seed, horizon, err := s.resolve(req.HorizonHours, req.Seed, req.Parameters)
	if err != nil {
		return nil, err
	}
	run, err := s.newRun(p, seed, horizon, user)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return nil, err
	}
	if err := s.execute(ctx, run, req.Trace); err != nil {
		return run, err
	}
	return run, nil
}

// Batch executes Count independent runs with consecutive seeds on a bounded
// worker pool. Engine failures are recorded per run; only cancellation of
// ctx aborts the batch.
func (s *Service) Batch(ctx context.Context, req BatchRequest, user string) ([]*Run, error) {
	if req.Count < 1 || req.Count > s.defaults.MaxBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, s.defaults.MaxBatch)
	}
	p, seed, horizon, err := s.resolve(req.HorizonHours, req.Seed, req.Parameters)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New()
	runs := make([]*Run, req.Count)
	for i := range runs {
		run, err := s.newRun(p, seed+int64(i), horizon, user)
		if err != nil {
			return nil, err
		}
		run.BatchID = &batchID
		if err := s.repo.Create(ctx, run); err != nil {
			return nil, err
		}
		runs[i] = run
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.defaults.Workers)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			err := s.execute(gctx, run, false)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}

	s.log.Info().
		Str("batch_id", batchID.String()).
		Int("runs", len(runs)).
		Msg("batch finished")
	return runs, nil
}

// execute runs the engine for run, or answers from the cache, and records the
// outcome. Traced runs are never cached.
func (s *Service) execute(ctx context.Context, run *Run, trace bool) error {
	started := s.now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &started
	s.emit(ctx, events.RunStarted, run)

	key := ""
	if s.cache != nil && !trace {
		k, err := cache.Key(run.Parameters, run.Seed, run.HorizonHours)
		if err != nil {
			return s.fail(ctx, run, err)
		}
		key = k
		res, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("results cache lookup failed")
		}
		if ok {
			run.Results = res
			run.Cached = true
			return s.complete(ctx, run)
		}
	}

	opts := []sim.Option{sim.WithSeed(run.Seed), sim.WithLogger(s.log)}
	if trace {
		opts = append(opts, sim.WithTrace())
	}
	res, err := sim.Simulate(ctx, run.HorizonHours, run.Parameters, opts...)
	if err != nil {
		return s.fail(ctx, run, err)
	}
	run.Results = res

	if key != "" {
		if err := s.cache.Set(ctx, key, res); err != nil {
			s.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("results cache store failed")
		}
	}
	return s.complete(ctx, run)
}

func (s *Service) complete(ctx context.Context, run *Run) error {
	done := s.now().UTC()
	run.Status = StatusCompleted
	run.CompletedAt = &done
	s.record(run)
	if err := s.repo.Update(ctx, run); err != nil {
		return fmt.Errorf("store run %s: %w", run.ID, err)
	}
	s.emit(ctx, events.RunCompleted, run)
	return nil
}

// fail records a failed run. The update uses a context detached from ctx so
// the failure is stored even when ctx was cancelled.
func (s *Service) fail(ctx context.Context, run *Run, cause error) error {
	done := s.now().UTC()
	run.Status = StatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &done
	s.record(run)

	detached := context.WithoutCancel(ctx)
	if err := s.repo.Update(detached, run); err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("store failed run")
	}
	s.emit(detached, events.RunFailed, run)
	return cause
}

func (s *Service) record(run *Run) {
	if s.rec == nil || run.StartedAt == nil || run.CompletedAt == nil {
		return
	}
	s.rec.RunFinished(string(run.Status), run.Cached, run.CompletedAt.Sub(*run.StartedAt))
}

func (s *Service) emit(ctx context.Context, eventType string, run *Run) {
	event, err := events.New(eventType, run.ID.String(), run.summary())
	if err == nil {
		err = events.Emit(ctx, s.pub, event)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID.String()).Str("event", eventType).Msg("publish run event")
	}
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListBatch(ctx context.Context, batchID uuid.UUID) ([]*Run, error) {
	return s.repo.ListByBatch(ctx, batchID)
}

// DeleteRun removes a finished run. Runs still executing cannot be deleted.
func (s *Service) DeleteRun(ctx context.Context, id uuid.UUID) error {
	run, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !run.Finished() {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidRequest, id, run.Status)
	}
	return s.repo.Delete(ctx, id)
}
