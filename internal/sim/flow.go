package sim

// Bed and queue transitions. Every transition advances the affected
// integral with the pre-change value before mutating state.

// enter sends p into d: straight to a bed when one is open, otherwise to the
// back of the matching line.
func (s *Simulation) enter(d Department, p *Patient) {
	p.arrive(d, s.clock)
	u := s.units[d]
	if u.hasRoom() {
		s.take(u, p, s.clock)
		return
	}
	s.enqueue(queueFor(d, p.Type), p)
}

// take occupies a free bed in u on behalf of p, with service starting at.
func (s *Simulation) take(u *unit, p *Patient, at float64) {
	s.stats.Busy[u.dept].advance(s.clock, u.fraction())
	u.occupied++
	u.members[p.ID] = struct{}{}
	s.begin(u.dept, p, at)
}

// vacate handles leaving's departure from d. The bed goes to the head of the
// highest-priority non-empty line if the pool is not over its current
// capacity, otherwise it is freed.
func (s *Simulation) vacate(d Department, leaving PatientID) {
	u := s.units[d]
	if u.occupied <= u.effectiveCapacity() {
		for _, q := range u.queues {
			if s.queues[q].Len() == 0 {
				continue
			}
			next := s.dequeue(q)
			delete(u.members, leaving)
			u.members[next.ID] = struct{}{}
			s.begin(d, next, s.clock)
			return
		}
	}

	s.stats.Busy[d].advance(s.clock, u.fraction())
	u.occupied--
	delete(u.members, leaving)
}

// fill admits queued patients while u has open beds.
func (s *Simulation) fill(u *unit) {
	for u.hasRoom() {
		q, ok := s.firstWaiting(u)
		if !ok {
			return
		}
		s.take(u, s.dequeue(q), s.clock)
	}
}

func (s *Simulation) firstWaiting(u *unit) (QueueID, bool) {
	for _, q := range u.queues {
		if s.queues[q].Len() > 0 {
			return q, true
		}
	}
	return 0, false
}

func (s *Simulation) enqueue(q QueueID, p *Patient) {
	f := &s.queues[q]
	qs := &s.stats.Queues[q]
	qs.Length.advance(s.clock, float64(f.Len()))
	f.push(queueEntry{patient: p.ID, enqueued: s.clock})
	if f.Len() > qs.MaxLength {
		qs.MaxLength = f.Len()
	}
}

// dequeue removes the head of q. The emergency line accumulates its
// full-queue time when it drops from its bound.
func (s *Simulation) dequeue(q QueueID) *Patient {
	f := &s.queues[q]
	qs := &s.stats.Queues[q]
	if q == QueueEmergency && f.Len() == s.params.EmergencyQueueCapacity {
		s.stats.FullEmergencyQueueTime += s.clock - qs.Length.Last
	}
	qs.Length.advance(s.clock, float64(f.Len()))
	e := f.pop()
	p, _ := s.patients.Get(e.patient)
	return p
}

// begin starts p's service in d at time at and schedules what follows.
func (s *Simulation) begin(d Department, p *Patient, at float64) {
	wait := at - p.stages[d].Arrived
	s.stats.startService(queueFor(d, p.Type), wait)
	p.begin(d, at)

	switch d {
	case Preoperative, Emergency:
		if d == Emergency && wait == 0 {
			s.stats.ImmediateAdmissions++
		}
		p.Upstream, p.hasUpstream = d, true
		delay := s.params.NormalLaboratoryDelay
		if p.Type == Urgent {
			delay = s.params.UrgentLaboratoryDelay
		}
		s.schedule(EventLaboratoryArrival, at+delay, p.ID)

	case Laboratory:
		service := uniform(s.rng, s.params.LaboratoryServiceMin, s.params.LaboratoryServiceMax)
		s.schedule(EventLaboratoryDeparture, at+service, p.ID)

	case OperatingRoom:
		s.schedule(EventOperationDeparture, at+s.params.OperationPrep+s.surgeryDuration(p.Surgery), p.ID)
		// The bed held before surgery is given up once the operating bed is taken.
		if p.hasUpstream {
			p.hasUpstream = false
			s.vacate(p.Upstream, p.ID)
		}

	case GeneralWard:
		s.schedule(EventEndOfService, at+exponential(s.rng, s.params.EndOfServiceRate), p.ID)

	case ICU, CCU:
		s.schedule(EventCareUnitDeparture, at+exponential(s.rng, s.params.CareUnitRate), p.ID)
	}
}

// surgeryDuration draws the operating time in hours. Negative normal draws
// are clamped to zero.
func (s *Simulation) surgeryDuration(t SurgeryType) float64 {
	d := s.params.Surgery.Simple
	switch t {
	case Medium:
		d = s.params.Surgery.Medium
	case Complex:
		d = s.params.Surgery.Complex
	}
	minutes := normal(s.rng, d.Mean, d.SD)
	if minutes < 0 {
		minutes = 0
	}
	return minutes / 60
}

func (s *Simulation) schedule(t EventType, at float64, id PatientID) {
	s.timeline.Schedule(Event{Type: t, Time: at, Patient: id})
}
