// Package sim is a discrete-event simulation of patient flow through a
// hospital with seven coupled bed pools.
//
// A Simulation owns all of its state and processes events strictly in
// (time, scheduling order) sequence on the calling goroutine. Independent
// runs share nothing and may execute concurrently.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog"
)

// ErrTimelineExhausted means the timeline emptied before the horizon, which
// only a scheduling bug can cause.
var ErrTimelineExhausted = errors.New("event timeline exhausted before horizon")

// groupOffset separates members of a group arrival so downstream lines keep
// their order.
const groupOffset = 1e-10

// ctxCheckInterval is how many events are processed between context checks.
const ctxCheckInterval = 1024

// Option configures a Simulation.
type Option func(*Simulation)

// WithSeed seeds the run's random source.
func WithSeed(seed int64) Option {
	return func(s *Simulation) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// WithRand makes the run draw from r.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulation) {
		s.rng = r
	}
}

// WithLogger attaches a logger for modeled outcomes and the run summary.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Simulation) {
		s.log = l
	}
}

// WithTrace records one TraceStep per processed event.
func WithTrace() Option {
	return func(s *Simulation) {
		s.tracing = true
	}
}

// WithLeanTrace records trace rows without the pending event list. Per-frame
// series only need the state and counters of each row.
func WithLeanTrace() Option {
	return func(s *Simulation) {
		s.tracing = true
		s.lean = true
	}
}

// Simulation is a single run of the hospital model.
type Simulation struct {
	params  Parameters
	rng     *rand.Rand
	log     zerolog.Logger
	tracing bool
	lean    bool

	clock    float64
	horizon  float64
	timeline *Timeline
	patients *Registry
	units    [NumDepartments]*unit
	queues   [NumQueues]fifo
	stats    Statistics
	events   int
	trace    []TraceStep
	started  bool

	outageStart float64
}

// New validates p and prepares a run. Without WithSeed the run is seeded
// with 1.
func New(p Parameters, opts ...Option) (*Simulation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s := &Simulation{
		params:   p,
		log:      zerolog.Nop(),
		timeline: NewTimeline(),
		patients: NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(1))
	}

	s.units[Preoperative] = newUnit(Preoperative, p.PreoperativeCapacity, QueuePreoperative)
	s.units[Emergency] = newUnit(Emergency, p.EmergencyCapacity, QueueEmergency)
	s.units[Laboratory] = newUnit(Laboratory, p.LaboratoryCapacity, QueueLaboratoryUrgent, QueueLaboratoryNormal)
	s.units[OperatingRoom] = newUnit(OperatingRoom, p.OperationCapacity, QueueOperationUrgent, QueueOperationNormal)
	s.units[GeneralWard] = newUnit(GeneralWard, p.GeneralWardCapacity, QueueGeneralWard)
	s.units[ICU] = newUnit(ICU, p.ICUCapacity, QueueICU)
	s.units[CCU] = newUnit(CCU, p.CCUCapacity, QueueCCU)
	if p.Outage.Enabled {
		s.units[ICU].reduced = reducedCapacity(p.ICUCapacity, p.Outage.CapacityFactor)
		s.units[CCU].reduced = reducedCapacity(p.CCUCapacity, p.Outage.CapacityFactor)
	}

	return s, nil
}

// Simulate runs the model once for horizon hours.
func Simulate(ctx context.Context, horizon float64, p Parameters, opts ...Option) (*Results, error) {
	s, err := New(p, opts...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, horizon)
}

// Run drives the event loop until the first event at or beyond horizon and
// returns the finalized metrics. A Simulation can be run once.
func (s *Simulation) Run(ctx context.Context, horizon float64) (*Results, error) {
	if err := s.start(horizon); err != nil {
		return nil, err
	}

	for {
		done, err := s.step()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		if s.events%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("simulation interrupted at t=%.4f: %w", s.clock, err)
			}
		}
	}

	res := s.results()
	s.log.Info().
		Float64("horizon", s.horizon).
		Int("events", s.events).
		Int("completed", s.stats.CompletedPatients).
		Int("refused", s.stats.RefusedPatients).
		Msg("simulation finished")
	return res, nil
}

// start seeds the timeline with the first arrival, the first outage and the
// end-of-simulation sentinel.
func (s *Simulation) start(horizon float64) error {
	if s.started {
		return errors.New("simulation already run")
	}
	if math.IsNaN(horizon) || math.IsInf(horizon, 0) || horizon < 0 {
		return fmt.Errorf("%w: horizon must be a non-negative finite number, got %g", ErrInvalidParameters, horizon)
	}
	s.started = true
	s.horizon = horizon

	s.timeline.Schedule(Event{Type: EventArrival, Time: 0, Patient: 1, PatientType: Normal})
	if s.params.Outage.Enabled {
		s.timeline.Schedule(Event{Type: EventPowerOff, Time: uniform(s.rng, 0, s.params.Outage.Window)})
	}
	s.timeline.Schedule(Event{Type: EventEndOfSimulation, Time: horizon})
	return nil
}

// step processes one event. It reports true once the horizon is reached.
func (s *Simulation) step() (bool, error) {
	ev, ok := s.timeline.Next()
	if !ok {
		return true, fmt.Errorf("%w: clock %.4f, horizon %.4f", ErrTimelineExhausted, s.clock, s.horizon)
	}

	if ev.Time >= s.horizon {
		s.clock = s.horizon
		s.closeOut()
		if s.tracing {
			s.record(Event{Type: EventEndOfSimulation, Time: s.horizon})
		}
		return true, nil
	}

	s.clock = ev.Time
	s.dispatch(ev)
	s.events++
	if s.tracing {
		s.record(ev)
	}
	return false, nil
}

func (s *Simulation) dispatch(ev Event) {
	switch ev.Type {
	case EventArrival:
		s.handleArrival(ev)
		return
	case EventPowerOff:
		s.handlePowerOff()
		return
	case EventPowerOn:
		s.handlePowerOn()
		return
	case EventEndOfSimulation:
		return
	}

	p, ok := s.patients.Get(ev.Patient)
	if !ok {
		s.log.Warn().Stringer("event", ev.Type).Stringer("patient", ev.Patient).Msg("event for unknown patient skipped")
		return
	}

	switch ev.Type {
	case EventLaboratoryArrival:
		s.handleLaboratoryArrival(p)
	case EventLaboratoryDeparture:
		s.handleLaboratoryDeparture(p)
	case EventOperationArrival:
		s.handleOperationArrival(p)
	case EventOperationDeparture:
		s.handleOperationDeparture(p)
	case EventCareUnitDeparture:
		s.handleCareUnitDeparture(p)
	case EventConditionDeterioration:
		s.handleConditionDeterioration(p)
	case EventEndOfService:
		s.handleEndOfService(p)
	}
}

// closeOut integrates every open step function up to the horizon.
func (s *Simulation) closeOut() {
	for _, u := range s.units {
		s.stats.Busy[u.dept].advance(s.clock, u.fraction())
	}
	bound := s.params.EmergencyQueueCapacity
	if bound > 0 && s.queues[QueueEmergency].Len() == bound {
		s.stats.FullEmergencyQueueTime += s.clock - s.stats.Queues[QueueEmergency].Length.Last
	}
	for q := range s.queues {
		s.stats.Queues[q].Length.advance(s.clock, float64(s.queues[q].Len()))
	}
}

// Clock returns the current simulation time.
func (s *Simulation) Clock() float64 {
	return s.clock
}

// Statistics returns a snapshot of the accumulator.
func (s *Simulation) Statistics() Statistics {
	return s.stats
}
