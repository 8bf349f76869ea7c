package sim

// DepartmentMetrics summarises one bed pool over the run.
type DepartmentMetrics struct {
	Department  Department `json:"department"`
	Capacity    int        `json:"capacity"`
	Utilization float64    `json:"utilization"`
}

// QueueMetrics summarises one line over the run. Waits are in hours.
type QueueMetrics struct {
	Queue         QueueID `json:"queue"`
	AverageLength float64 `json:"average_length"`
	MaxLength     int     `json:"max_length"`
	AverageWait   float64 `json:"average_wait"`
	MaxWait       float64 `json:"max_wait"`
	Starters      int     `json:"starters"`
}

// Results is the finalized metrics record of a run. Every ratio whose
// denominator is zero is reported as 0.
type Results struct {
	Horizon         float64 `json:"horizon"`
	EventsProcessed int     `json:"events_processed"`

	Departments [NumDepartments]DepartmentMetrics `json:"departments"`
	Queues      [NumQueues]QueueMetrics           `json:"queues"`

	CompletedPatients             int     `json:"completed_patients"`
	AverageTimeInSystem           float64 `json:"average_time_in_system"`
	FullEmergencyQueueDuration    float64 `json:"full_emergency_queue_duration"`
	FullEmergencyQueueProbability float64 `json:"full_emergency_queue_probability"`
	ImmediateAdmissionPercentage  float64 `json:"immediate_admission_percentage"`
	AverageReoperations           float64 `json:"average_reoperations"`

	Arrivals               int `json:"arrivals"`
	EmergencyPatients      int `json:"emergency_patients"`
	ImmediateAdmissions    int `json:"immediate_admissions"`
	ComplexSurgeryPatients int `json:"complex_surgery_patients"`
	Reoperations           int `json:"reoperations"`
	Deaths                 int `json:"deaths"`
	RefusedPatients        int `json:"refused_patients"`
	RefusedGroups          int `json:"refused_groups"`
	Outages                int `json:"outages"`
	PatientsInSystem       int `json:"patients_in_system"`

	Trace []TraceStep `json:"trace,omitempty"`
}

// Utilization returns ρ for d.
func (r *Results) Utilization(d Department) float64 {
	return r.Departments[d].Utilization
}

// Queue returns the metrics of q.
func (r *Results) Queue(q QueueID) QueueMetrics {
	return r.Queues[q]
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func (s *Simulation) results() *Results {
	st := &s.stats
	h := s.horizon
	res := &Results{
		Horizon:         h,
		EventsProcessed: s.events,

		CompletedPatients:             st.CompletedPatients,
		AverageTimeInSystem:           ratio(st.SystemTime, float64(st.CompletedPatients)),
		FullEmergencyQueueDuration:    st.FullEmergencyQueueTime,
		FullEmergencyQueueProbability: ratio(st.FullEmergencyQueueTime, h),
		ImmediateAdmissionPercentage:  ratio(float64(st.ImmediateAdmissions), float64(st.EmergencyPatients)) * 100,
		AverageReoperations:           ratio(float64(st.Reoperations), float64(st.ComplexSurgeryPatients)),

		Arrivals:               st.Arrivals,
		EmergencyPatients:      st.EmergencyPatients,
		ImmediateAdmissions:    st.ImmediateAdmissions,
		ComplexSurgeryPatients: st.ComplexSurgeryPatients,
		Reoperations:           st.Reoperations,
		Deaths:                 st.Deaths,
		RefusedPatients:        st.RefusedPatients,
		RefusedGroups:          st.RefusedGroups,
		Outages:                st.Outages,
		PatientsInSystem:       s.patients.Len(),

		Trace: s.trace,
	}

	for _, u := range s.units {
		res.Departments[u.dept] = DepartmentMetrics{
			Department:  u.dept,
			Capacity:    u.capacity,
			Utilization: ratio(st.Busy[u.dept].Area, h),
		}
	}
	for q := range st.Queues {
		qs := st.Queues[q]
		res.Queues[q] = QueueMetrics{
			Queue:         QueueID(q),
			AverageLength: ratio(qs.Length.Area, h),
			MaxLength:     qs.MaxLength,
			AverageWait:   ratio(qs.Wait, float64(qs.Starters)),
			MaxWait:       qs.MaxWait,
			Starters:      qs.Starters,
		}
	}
	return res
}
