package sim

import "math"

func (s *Simulation) handleArrival(ev Event) {
	if ev.PatientType == Normal {
		s.stats.Arrivals++
		p := s.register(ev.Patient, Normal, s.clock)
		s.enter(Preoperative, p)
		s.scheduleArrival(ev.Patient + 1)
		return
	}

	r := s.params.Routing
	if !chance(s.rng, r.GroupProbability) {
		s.stats.Arrivals++
		er := s.units[Emergency]
		if !er.hasRoom() && s.queues[QueueEmergency].Len() >= s.params.EmergencyQueueCapacity {
			s.stats.RefusedPatients++
			s.log.Debug().Float64("clock", s.clock).Stringer("patient", ev.Patient).Msg("emergency queue full, patient refused")
		} else {
			p := s.register(ev.Patient, Urgent, s.clock)
			s.stats.EmergencyPatients++
			s.enter(Emergency, p)
		}
		s.scheduleArrival(ev.Patient + 1)
		return
	}

	size := between(s.rng, r.GroupMinSize, r.GroupMaxSize)
	s.stats.Arrivals += size
	s.stats.GroupArrivals++
	er := s.units[Emergency]
	if er.effectiveCapacity()-er.occupied >= size {
		for i := 0; i < size; i++ {
			at := s.clock + float64(i)*groupOffset
			p := s.register(ev.Patient+PatientID(i), Urgent, at)
			s.stats.EmergencyPatients++
			p.arrive(Emergency, at)
			s.take(er, p, at)
		}
	} else {
		s.stats.RefusedGroups++
		s.stats.RefusedPatients += size
		s.log.Debug().Float64("clock", s.clock).Int("size", size).Msg("not enough emergency beds, group refused")
	}
	s.scheduleArrival(ev.Patient + PatientID(size))
}

// register creates the patient record and draws its surgery class.
func (s *Simulation) register(id PatientID, t PatientType, at float64) *Patient {
	p := &Patient{ID: id, Type: t, ArrivalTime: at}

	r := s.params.Routing
	u := s.rng.Float64()
	switch {
	case u < r.SimpleShare:
		p.Surgery = Simple
	case u < r.SimpleShare+r.MediumShare:
		p.Surgery = Medium
	default:
		p.Surgery = Complex
		s.stats.ComplexSurgeryPatients++
	}

	s.patients.Add(p)
	return p
}

// scheduleArrival picks the next patient's type, then draws the gap from
// that type's arrival rate.
func (s *Simulation) scheduleArrival(id PatientID) {
	t, rate := Normal, s.params.NormalArrivalRate
	if !chance(s.rng, s.params.Routing.NormalShare) {
		t, rate = Urgent, s.params.UrgentArrivalRate
	}
	s.timeline.Schedule(Event{
		Type:        EventArrival,
		Time:        s.clock + exponential(s.rng, rate),
		Patient:     id,
		PatientType: t,
	})
}

func (s *Simulation) handleLaboratoryArrival(p *Patient) {
	s.enter(Laboratory, p)
}

func (s *Simulation) handleLaboratoryDeparture(p *Patient) {
	delay := s.params.NormalOperationDelay
	if p.Type == Urgent {
		delay = triangular(s.rng, s.params.UrgentOperationDelay)
	}
	s.schedule(EventOperationArrival, s.clock+delay, p.ID)
	s.vacate(Laboratory, p.ID)
}

func (s *Simulation) handleOperationArrival(p *Patient) {
	s.enter(OperatingRoom, p)
}

func (s *Simulation) handleOperationDeparture(p *Patient) {
	next, died := s.route(p)
	if died {
		s.stats.Deaths++
		s.patients.Remove(p.ID)
		s.log.Debug().Float64("clock", s.clock).Stringer("patient", p.ID).Msg("patient died during complex surgery")
	} else {
		if next == ICU || next == CCU {
			p.CareUnit = next
		}
		s.enter(next, p)
	}
	s.vacate(OperatingRoom, p.ID)
}

// route picks the post-surgery destination. died is true when a complex
// surgery ends in death.
func (s *Simulation) route(p *Patient) (next Department, died bool) {
	r := s.params.Routing
	switch p.Surgery {
	case Medium:
		u := s.rng.Float64()
		switch {
		case u < r.MediumWardShare:
			return GeneralWard, false
		case u < r.MediumWardShare+r.MediumICUShare:
			return ICU, false
		default:
			return CCU, false
		}
	case Complex:
		if chance(s.rng, r.ComplexDeath) {
			return 0, true
		}
		if chance(s.rng, r.ComplexICUShare) {
			return ICU, false
		}
		return CCU, false
	default:
		return GeneralWard, false
	}
}

func (s *Simulation) handleCareUnitDeparture(p *Patient) {
	unit := p.CareUnit
	if p.Surgery == Complex && chance(s.rng, s.params.Routing.DeteriorationChance) {
		s.stats.Reoperations++
		p.Reoperations++
		s.schedule(EventConditionDeterioration, s.clock, p.ID)
		s.log.Debug().Float64("clock", s.clock).Stringer("patient", p.ID).Msg("condition deteriorated, patient returns to surgery")
	} else {
		s.enter(GeneralWard, p)
	}
	s.vacate(unit, p.ID)
}

// handleConditionDeterioration sends p back to the operating room as an
// urgent patient. No upstream bed is held on this path.
func (s *Simulation) handleConditionDeterioration(p *Patient) {
	p.Type = Urgent
	if s.params.ReoperationResetsArrival {
		p.ArrivalTime = s.clock
	}
	s.enter(OperatingRoom, p)
}

func (s *Simulation) handleEndOfService(p *Patient) {
	s.stats.SystemTime += s.clock - p.ArrivalTime
	s.stats.CompletedPatients++
	s.patients.Remove(p.ID)
	s.vacate(GeneralWard, p.ID)
}

// handlePowerOff switches ICU and CCU to their reduced capacity and
// schedules the restore. Patients already in a bed stay.
func (s *Simulation) handlePowerOff() {
	s.outageStart = s.clock
	s.stats.Outages++
	s.units[ICU].outage = true
	s.units[CCU].outage = true
	s.timeline.Schedule(Event{Type: EventPowerOn, Time: s.clock + s.params.Outage.Duration})
	s.log.Debug().Float64("clock", s.clock).Msg("power off, care unit capacity reduced")
}

// handlePowerOn restores full capacity, admits whoever the reduced pools held
// back and, for recurring outages, draws the next one from the following
// window.
func (s *Simulation) handlePowerOn() {
	for _, d := range []Department{ICU, CCU} {
		u := s.units[d]
		u.outage = false
		s.fill(u)
	}
	s.log.Debug().Float64("clock", s.clock).Msg("power on, care unit capacity restored")

	o := s.params.Outage
	if !o.Recurring {
		return
	}
	start := (math.Floor(s.outageStart/o.Window) + 1) * o.Window
	lo := math.Max(start, s.clock)
	s.timeline.Schedule(Event{Type: EventPowerOff, Time: uniform(s.rng, lo, start+o.Window)})
}
