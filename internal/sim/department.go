package sim

import (
	"fmt"
	"math"
)

// Department is one bed pool of the hospital.
type Department int

const (
	Preoperative Department = iota
	Emergency
	Laboratory
	OperatingRoom
	GeneralWard
	ICU
	CCU

	// NumDepartments is the number of modeled departments.
	NumDepartments = int(CCU) + 1
)

const departmentCount = NumDepartments

var departmentNames = [departmentCount]string{
	Preoperative:  "Preoperative",
	Emergency:     "Emergency",
	Laboratory:    "Laboratory",
	OperatingRoom: "Operating Room",
	GeneralWard:   "General Ward",
	ICU:           "ICU",
	CCU:           "CCU",
}

func (d Department) String() string {
	if d < 0 || int(d) >= departmentCount {
		return "Unknown"
	}
	return departmentNames[d]
}

// MarshalText renders the department by name in JSON output.
func (d Department) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts the name written by MarshalText.
func (d *Department) UnmarshalText(text []byte) error {
	v, ok := ParseDepartment(string(text))
	if !ok {
		return fmt.Errorf("unknown department %q", text)
	}
	*d = v
	return nil
}

// ParseDepartment resolves a department from its display name.
func ParseDepartment(name string) (Department, bool) {
	for i, n := range departmentNames {
		if n == name {
			return Department(i), true
		}
	}
	return 0, false
}

// QueueID names one of the waiting lines. Laboratory and the operating room
// keep separate normal and urgent lines in front of a shared bed pool.
type QueueID int

const (
	QueuePreoperative QueueID = iota
	QueueEmergency
	QueueLaboratoryNormal
	QueueLaboratoryUrgent
	QueueOperationNormal
	QueueOperationUrgent
	QueueGeneralWard
	QueueICU
	QueueCCU

	// NumQueues is the number of reported queues.
	NumQueues = int(QueueCCU) + 1
)

const queueCount = NumQueues

var queueNames = [queueCount]string{
	QueuePreoperative:     "Preoperative",
	QueueEmergency:        "Emergency",
	QueueLaboratoryNormal: "Laboratory Normal",
	QueueLaboratoryUrgent: "Laboratory Urgent",
	QueueOperationNormal:  "Operation Normal",
	QueueOperationUrgent:  "Operation Urgent",
	QueueGeneralWard:      "General Ward",
	QueueICU:              "ICU",
	QueueCCU:              "CCU",
}

var queueDepartments = [queueCount]Department{
	QueuePreoperative:     Preoperative,
	QueueEmergency:        Emergency,
	QueueLaboratoryNormal: Laboratory,
	QueueLaboratoryUrgent: Laboratory,
	QueueOperationNormal:  OperatingRoom,
	QueueOperationUrgent:  OperatingRoom,
	QueueGeneralWard:      GeneralWard,
	QueueICU:              ICU,
	QueueCCU:              CCU,
}

func (q QueueID) String() string {
	if q < 0 || int(q) >= queueCount {
		return "Unknown"
	}
	return queueNames[q]
}

// MarshalText renders the queue by name in JSON output.
func (q QueueID) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText accepts the name written by MarshalText.
func (q *QueueID) UnmarshalText(text []byte) error {
	for i, n := range queueNames {
		if n == string(text) {
			*q = QueueID(i)
			return nil
		}
	}
	return fmt.Errorf("unknown queue %q", text)
}

// Department returns the bed pool the queue feeds.
func (q QueueID) Department() Department {
	return queueDepartments[q]
}

// queueFor returns the line a patient of type t joins in front of d.
func queueFor(d Department, t PatientType) QueueID {
	switch d {
	case Preoperative:
		return QueuePreoperative
	case Emergency:
		return QueueEmergency
	case Laboratory:
		if t == Urgent {
			return QueueLaboratoryUrgent
		}
		return QueueLaboratoryNormal
	case OperatingRoom:
		if t == Urgent {
			return QueueOperationUrgent
		}
		return QueueOperationNormal
	case GeneralWard:
		return QueueGeneralWard
	case ICU:
		return QueueICU
	default:
		return QueueCCU
	}
}

type queueEntry struct {
	patient  PatientID
	enqueued float64
}

// fifo is a slice-backed first-in first-out line.
type fifo struct {
	entries []queueEntry
	head    int
}

func (f *fifo) Len() int {
	return len(f.entries) - f.head
}

func (f *fifo) push(e queueEntry) {
	f.entries = append(f.entries, e)
}

func (f *fifo) pop() queueEntry {
	e := f.entries[f.head]
	f.head++
	if f.head > 64 && f.head*2 > len(f.entries) {
		n := copy(f.entries, f.entries[f.head:])
		f.entries = f.entries[:n]
		f.head = 0
	}
	return e
}

func (f *fifo) peek() queueEntry {
	return f.entries[f.head]
}

// unit is the bed pool of one department. ICU and CCU switch between their
// configured and reduced capacity while the power is out.
type unit struct {
	dept     Department
	capacity int
	reduced  int
	outage   bool
	occupied int
	members  map[PatientID]struct{}

	// queues lists the lines in front of the pool, highest priority first.
	queues []QueueID
}

func newUnit(d Department, capacity int, queues ...QueueID) *unit {
	return &unit{
		dept:     d,
		capacity: capacity,
		reduced:  capacity,
		members:  make(map[PatientID]struct{}, capacity),
		queues:   queues,
	}
}

// reducedCapacity rounds up so the reduced pool admits exactly while
// occupied < capacity*factor.
func reducedCapacity(capacity int, factor float64) int {
	return int(math.Ceil(float64(capacity)*factor - 1e-9))
}

// effectiveCapacity is the number of beds currently open for admission.
func (u *unit) effectiveCapacity() int {
	if u.outage {
		return u.reduced
	}
	return u.capacity
}

func (u *unit) hasRoom() bool {
	return u.occupied < u.effectiveCapacity()
}

func (u *unit) fraction() float64 {
	return float64(u.occupied) / float64(u.capacity)
}
