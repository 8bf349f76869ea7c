package sim

// DepartmentState is a department as seen after one event.
type DepartmentState struct {
	Department Department `json:"department"`
	Capacity   int        `json:"capacity"`
	Occupied   int        `json:"occupied"`
	Outage     bool       `json:"outage,omitempty"`
}

// TraceStep is one row of the step log: the processed event, the state it
// left behind, the accumulator and the time-sorted pending events. The last
// row of a run is the End of Simulation close-out at the horizon.
type TraceStep struct {
	Step         int                             `json:"step"`
	Clock        float64                         `json:"clock"`
	Event        Event                           `json:"event"`
	Departments  [NumDepartments]DepartmentState `json:"departments"`
	QueueLengths [NumQueues]int                  `json:"queue_lengths"`
	Stats        Statistics                      `json:"stats"`
	Pending      []Event                         `json:"pending,omitempty"`
}

func (s *Simulation) record(ev Event) {
	step := TraceStep{
		Step:  len(s.trace) + 1,
		Clock: s.clock,
		Event: ev,
		Stats: s.stats,
	}
	if !s.lean {
		step.Pending = s.timeline.Pending()
	}
	for _, u := range s.units {
		step.Departments[u.dept] = DepartmentState{
			Department: u.dept,
			Capacity:   u.effectiveCapacity(),
			Occupied:   u.occupied,
			Outage:     u.outage,
		}
	}
	for q := range s.queues {
		step.QueueLengths[q] = s.queues[q].Len()
	}
	s.trace = append(s.trace, step)
}
