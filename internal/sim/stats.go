package sim

// Integral accumulates the area under a step function. advance must be
// called with the value that held since Last, before the value changes.
type Integral struct {
	Area float64 `json:"area"`
	Last float64 `json:"last"`
}

func (i *Integral) advance(now, value float64) {
	i.Area += (now - i.Last) * value
	i.Last = now
}

// QueueStats is the running account of one queue.
type QueueStats struct {
	Length    Integral `json:"length"`
	MaxLength int      `json:"max_length"`
	Wait      float64  `json:"wait"`
	MaxWait   float64  `json:"max_wait"`
	Starters  int      `json:"starters"`
}

// Statistics is the accumulator updated by the handlers. It holds only
// arrays and scalars so a value copy is a full snapshot.
type Statistics struct {
	Busy   [NumDepartments]Integral `json:"busy"`
	Queues [NumQueues]QueueStats    `json:"queues"`

	Arrivals               int     `json:"arrivals"`
	CompletedPatients      int     `json:"completed_patients"`
	SystemTime             float64 `json:"system_time"`
	EmergencyPatients      int     `json:"emergency_patients"`
	ImmediateAdmissions    int     `json:"immediate_admissions"`
	FullEmergencyQueueTime float64 `json:"full_emergency_queue_time"`
	ComplexSurgeryPatients int     `json:"complex_surgery_patients"`
	Reoperations           int     `json:"reoperations"`
	Deaths                 int     `json:"deaths"`
	RefusedPatients        int     `json:"refused_patients"`
	RefusedGroups          int     `json:"refused_groups"`
	GroupArrivals          int     `json:"group_arrivals"`
	Outages                int     `json:"outages"`
}

// startService records that a patient left queue q (or bypassed it) and
// began service after waiting wait hours.
func (s *Statistics) startService(q QueueID, wait float64) {
	qs := &s.Queues[q]
	qs.Starters++
	qs.Wait += wait
	if wait > qs.MaxWait {
		qs.MaxWait = wait
	}
}

// BusyTime returns the accumulated occupied-fraction integral of d.
func (s *Statistics) BusyTime(d Department) float64 {
	return s.Busy[d].Area
}

// QueueArea returns the accumulated queue-length integral of q.
func (s *Statistics) QueueArea(q QueueID) float64 {
	return s.Queues[q].Length.Area
}
