package sim

import (
	"container/heap"
	"fmt"
	"sort"
)

// EventType identifies the handler an event is dispatched to.
type EventType int

const (
	EventArrival EventType = iota
	EventLaboratoryArrival
	EventLaboratoryDeparture
	EventOperationArrival
	EventOperationDeparture
	EventCareUnitDeparture
	EventConditionDeterioration
	EventEndOfService
	EventPowerOff
	EventPowerOn
	EventEndOfSimulation
)

var eventNames = [...]string{
	EventArrival:                "Arrival",
	EventLaboratoryArrival:      "Laboratory Arrival",
	EventLaboratoryDeparture:    "Laboratory Departure",
	EventOperationArrival:       "Operation Arrival",
	EventOperationDeparture:     "Operation Departure",
	EventCareUnitDeparture:      "Care Unit Departure",
	EventConditionDeterioration: "Condition Deterioration",
	EventEndOfService:           "End of Service",
	EventPowerOff:               "Power Off",
	EventPowerOn:                "Power On",
	EventEndOfSimulation:        "End of Simulation",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventNames) {
		return "Unknown"
	}
	return eventNames[t]
}

// MarshalText renders the event type by name in JSON output.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the name written by MarshalText.
func (t *EventType) UnmarshalText(text []byte) error {
	for i, n := range eventNames {
		if n == string(text) {
			*t = EventType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", text)
}

// Event is an immutable scheduled occurrence. Patient is zero for events
// that are not tied to a patient. PatientType is only meaningful for
// arrivals, where it carries the type chosen when the arrival was scheduled.
type Event struct {
	Type        EventType   `json:"type"`
	Time        float64     `json:"time"`
	Patient     PatientID   `json:"patient,omitempty"`
	PatientType PatientType `json:"patient_type"`
	Seq         uint64      `json:"seq"`
}

// eventHeap is a min-heap ordered by (Time, Seq).
type eventHeap []Event

func (h eventHeap) Len() int      { return len(h) }
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	return h[i].Seq < h[j].Seq
}

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Timeline holds pending events. Events with equal timestamps are released
// in the order they were scheduled.
type Timeline struct {
	events eventHeap
	seq    uint64
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	t := &Timeline{}
	heap.Init(&t.events)
	return t
}

// Schedule stamps the event with the next sequence number and inserts it.
func (t *Timeline) Schedule(e Event) {
	t.seq++
	e.Seq = t.seq
	heap.Push(&t.events, e)
}

// Next removes and returns the earliest pending event.
func (t *Timeline) Next() (Event, bool) {
	if t.events.Len() == 0 {
		return Event{}, false
	}
	return heap.Pop(&t.events).(Event), true
}

// Len returns the number of pending events.
func (t *Timeline) Len() int {
	return t.events.Len()
}

// Pending returns a sorted copy of the pending events.
func (t *Timeline) Pending() []Event {
	out := make([]Event, len(t.events))
	copy(out, t.events)
	sort.Slice(out, func(i, j int) bool {
		return eventHeap(out).Less(i, j)
	})
	return out
}
