package sim

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRatio_ZeroDenominator(t *testing.T) {
	if got := ratio(5, 0); got != 0 {
		t.Errorf("expected 0, got %g", got)
	}
	if got := ratio(3, 4); got != 0.75 {
		t.Errorf("expected 0.75, got %g", got)
	}
}

func TestResults_JSONUsesNames(t *testing.T) {
	res, err := Simulate(context.Background(), 48, DefaultParameters(), WithSeed(1))
	if err != nil {
		t.Fatalf("Simulate() error: %v", err)
	}
	body, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	for _, want := range []string{`"department":"Operating Room"`, `"queue":"Laboratory Urgent"`, `"average_time_in_system"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected JSON to contain %s", want)
		}
	}
	if strings.Contains(string(body), `"trace"`) {
		t.Error("expected trace to be omitted when not requested")
	}
}

func TestResults_Derived(t *testing.T) {
	res, err := Simulate(context.Background(), 3000, DefaultParameters(), WithSeed(17))
	if err != nil {
		t.Fatalf("Simulate() error: %v", err)
	}
	if res.CompletedPatients == 0 || res.AverageTimeInSystem <= 0 {
		t.Errorf("expected completed patients with positive time in system, got %d / %g",
			res.CompletedPatients, res.AverageTimeInSystem)
	}
	for d := 0; d < NumDepartments; d++ {
		if u := res.Utilization(Department(d)); u < 0 || u > 1 {
			t.Errorf("%s: utilization %g outside [0, 1]", Department(d), u)
		}
	}
	if res.FullEmergencyQueueProbability < 0 || res.FullEmergencyQueueProbability > 1 {
		t.Errorf("full queue probability %g outside [0, 1]", res.FullEmergencyQueueProbability)
	}
	if res.ImmediateAdmissionPercentage < 0 || res.ImmediateAdmissionPercentage > 100 {
		t.Errorf("immediate admission percentage %g outside [0, 100]", res.ImmediateAdmissionPercentage)
	}
}

func TestResults_JSONRoundTrip(t *testing.T) {
	res, err := Simulate(context.Background(), 24, DefaultParameters(), WithSeed(5), WithTrace())
	if err != nil {
		t.Fatalf("Simulate() error: %v", err)
	}
	body, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}

	var back Results
	if err := json.Unmarshal(body, &back); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if back.Departments != res.Departments {
		t.Errorf("expected department metrics to survive the round trip")
	}
	if back.Queues != res.Queues {
		t.Errorf("expected queue metrics to survive the round trip")
	}
	if len(back.Trace) != len(res.Trace) {
		t.Fatalf("expected %d trace rows, got %d", len(res.Trace), len(back.Trace))
	}
	last := back.Trace[len(back.Trace)-1]
	if last.Event.Type != EventEndOfSimulation {
		t.Errorf("expected final row to be End of Simulation, got %s", last.Event.Type)
	}
}

func TestUnmarshalText_RejectsUnknownNames(t *testing.T) {
	var d Department
	if err := d.UnmarshalText([]byte("Morgue")); err == nil {
		t.Error("expected error for unknown department")
	}
	var q QueueID
	if err := q.UnmarshalText([]byte("ICU")); err != nil || q != QueueICU {
		t.Errorf("expected QueueICU, got %v (%v)", q, err)
	}
	var pt PatientType
	if err := pt.UnmarshalText([]byte("Elective")); err == nil {
		t.Error("expected error for unknown patient type")
	}
}
