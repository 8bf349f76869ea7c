package sim

import (
	"fmt"
	"strconv"
)

// PatientID is the sequential identity of a patient within one run.
type PatientID int

func (id PatientID) String() string {
	return "P" + strconv.Itoa(int(id))
}

// PatientType is the admission priority of a patient.
type PatientType int

const (
	Normal PatientType = iota
	Urgent
)

func (t PatientType) String() string {
	if t == Urgent {
		return "Urgent"
	}
	return "Normal"
}

// MarshalText renders the patient type by name in JSON output.
func (t PatientType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the name written by MarshalText.
func (t *PatientType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Normal":
		*t = Normal
	case "Urgent":
		*t = Urgent
	default:
		return fmt.Errorf("unknown patient type %q", text)
	}
	return nil
}

// SurgeryType is the surgery classification assigned on arrival.
type SurgeryType int

const (
	Simple SurgeryType = iota
	Medium
	Complex
)

func (s SurgeryType) String() string {
	switch s {
	case Simple:
		return "Simple"
	case Medium:
		return "Medium"
	case Complex:
		return "Complex"
	}
	return "Unknown"
}

// Stage records when a patient joined a department's queue and when service
// there began.
type Stage struct {
	Arrived float64
	Began   float64
}

// Patient is the mutable record carried through every handler.
type Patient struct {
	ID          PatientID
	Type        PatientType
	Surgery     SurgeryType
	ArrivalTime float64

	// Upstream is the Preoperative or Emergency bed the patient holds until
	// an operating bed is taken. hasUpstream is false once it is released.
	Upstream    Department
	hasUpstream bool

	// CareUnit is the ICU or CCU the patient was routed to after surgery.
	CareUnit Department

	Reoperations int

	stages  [departmentCount]Stage
	reached [departmentCount]bool
}

// Stage returns the patient's timestamps for d. The second result is false
// when the patient has not reached d yet.
func (p *Patient) Stage(d Department) (Stage, bool) {
	if !p.reached[d] {
		return Stage{}, false
	}
	return p.stages[d], true
}

func (p *Patient) arrive(d Department, now float64) {
	p.reached[d] = true
	p.stages[d] = Stage{Arrived: now}
}

func (p *Patient) begin(d Department, now float64) {
	p.stages[d].Began = now
}

// Registry maps patient identity to the live patient record.
type Registry struct {
	patients map[PatientID]*Patient
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{patients: make(map[PatientID]*Patient)}
}

// Add registers p, replacing any existing record with the same ID.
func (r *Registry) Add(p *Patient) {
	r.patients[p.ID] = p
}

// Get looks up a live patient.
func (r *Registry) Get(id PatientID) (*Patient, bool) {
	p, ok := r.patients[id]
	return p, ok
}

// Remove drops a patient who left the system.
func (r *Registry) Remove(id PatientID) {
	delete(r.patients, id)
}

// Len returns the number of patients currently in the system.
func (r *Registry) Len() int {
	return len(r.patients)
}
