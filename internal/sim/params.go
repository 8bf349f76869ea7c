package sim

import (
	"errors"
	"fmt"
)

// ErrInvalidParameters is returned by Validate and New when a parameter set
// cannot drive a run.
var ErrInvalidParameters = errors.New("invalid simulation parameters")

// NormalDist is a normal distribution expressed in minutes.
type NormalDist struct {
	Mean float64 `json:"mean" mapstructure:"mean"`
	SD   float64 `json:"sd" mapstructure:"sd"`
}

// TriangularDist is a triangular distribution expressed in hours.
type TriangularDist struct {
	Low  float64 `json:"low" mapstructure:"low"`
	Mode float64 `json:"mode" mapstructure:"mode"`
	High float64 `json:"high" mapstructure:"high"`
}

// SurgeryDurations holds the operating time distribution per surgery class.
type SurgeryDurations struct {
	Simple  NormalDist `json:"simple" mapstructure:"simple"`
	Medium  NormalDist `json:"medium" mapstructure:"medium"`
	Complex NormalDist `json:"complex" mapstructure:"complex"`
}

// Routing holds every branch probability used by the handlers.
type Routing struct {
	SimpleShare         float64 `json:"simple_share" mapstructure:"simple_share"`
	MediumShare         float64 `json:"medium_share" mapstructure:"medium_share"`
	NormalShare         float64 `json:"normal_share" mapstructure:"normal_share"`
	GroupProbability    float64 `json:"group_probability" mapstructure:"group_probability"`
	GroupMinSize        int     `json:"group_min_size" mapstructure:"group_min_size"`
	GroupMaxSize        int     `json:"group_max_size" mapstructure:"group_max_size"`
	MediumWardShare     float64 `json:"medium_ward_share" mapstructure:"medium_ward_share"`
	MediumICUShare      float64 `json:"medium_icu_share" mapstructure:"medium_icu_share"`
	ComplexDeath        float64 `json:"complex_death" mapstructure:"complex_death"`
	ComplexICUShare     float64 `json:"complex_icu_share" mapstructure:"complex_icu_share"`
	DeteriorationChance float64 `json:"deterioration_chance" mapstructure:"deterioration_chance"`
}

// Outage configures the power outage process that shrinks ICU and CCU capacity.
type Outage struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	Recurring      bool    `json:"recurring" mapstructure:"recurring"`
	Window         float64 `json:"window" mapstructure:"window"`
	Duration       float64 `json:"duration" mapstructure:"duration"`
	CapacityFactor float64 `json:"capacity_factor" mapstructure:"capacity_factor"`
}

// Parameters is the full configuration of one run. Times are in hours
// unless noted otherwise.
type Parameters struct {
	PreoperativeCapacity   int `json:"preoperative_capacity" mapstructure:"preoperative_capacity"`
	EmergencyCapacity      int `json:"emergency_capacity" mapstructure:"emergency_capacity"`
	EmergencyQueueCapacity int `json:"emergency_queue_capacity" mapstructure:"emergency_queue_capacity"`
	LaboratoryCapacity     int `json:"laboratory_capacity" mapstructure:"laboratory_capacity"`
	OperationCapacity      int `json:"operation_capacity" mapstructure:"operation_capacity"`
	GeneralWardCapacity    int `json:"general_ward_capacity" mapstructure:"general_ward_capacity"`
	ICUCapacity            int `json:"icu_capacity" mapstructure:"icu_capacity"`
	CCUCapacity            int `json:"ccu_capacity" mapstructure:"ccu_capacity"`

	NormalArrivalRate     float64 `json:"normal_arrival_rate" mapstructure:"normal_arrival_rate"`
	UrgentArrivalRate     float64 `json:"urgent_arrival_rate" mapstructure:"urgent_arrival_rate"`
	NormalLaboratoryDelay float64 `json:"normal_laboratory_delay" mapstructure:"normal_laboratory_delay"`
	UrgentLaboratoryDelay float64 `json:"urgent_laboratory_delay" mapstructure:"urgent_laboratory_delay"`
	LaboratoryServiceMin  float64 `json:"laboratory_service_min" mapstructure:"laboratory_service_min"`
	LaboratoryServiceMax  float64 `json:"laboratory_service_max" mapstructure:"laboratory_service_max"`
	NormalOperationDelay  float64 `json:"normal_operation_delay" mapstructure:"normal_operation_delay"`

	UrgentOperationDelay TriangularDist   `json:"urgent_operation_delay" mapstructure:"urgent_operation_delay"`
	OperationPrep        float64          `json:"operation_prep" mapstructure:"operation_prep"`
	Surgery              SurgeryDurations `json:"surgery" mapstructure:"surgery"`
	CareUnitRate         float64          `json:"care_unit_rate" mapstructure:"care_unit_rate"`
	EndOfServiceRate     float64          `json:"end_of_service_rate" mapstructure:"end_of_service_rate"`

	Routing Routing `json:"routing" mapstructure:"routing"`
	Outage  Outage  `json:"outage" mapstructure:"outage"`

	// ReoperationResetsArrival restarts the system-time clock of a patient
	// whose condition deteriorated. When false the original arrival time is kept.
	ReoperationResetsArrival bool `json:"reoperation_resets_arrival" mapstructure:"reoperation_resets_arrival"`
}

// DefaultParameters returns the reference hospital configuration.
func DefaultParameters() Parameters {
	return Parameters{
		PreoperativeCapacity:   30,
		EmergencyCapacity:      10,
		EmergencyQueueCapacity: 10,
		LaboratoryCapacity:     3,
		OperationCapacity:      50,
		GeneralWardCapacity:    40,
		ICUCapacity:            10,
		CCUCapacity:            5,

		NormalArrivalRate:     1,
		UrgentArrivalRate:     4,
		NormalLaboratoryDelay: 1,
		UrgentLaboratoryDelay: 10.0 / 60,
		LaboratoryServiceMin:  28.0 / 60,
		LaboratoryServiceMax:  32.0 / 60,
		NormalOperationDelay:  24,
		UrgentOperationDelay:  TriangularDist{Low: 5.0 / 60, Mode: 75.0 / 60, High: 100.0 / 60},
		OperationPrep:         10.0 / 60,
		Surgery: SurgeryDurations{
			Simple:  NormalDist{Mean: 30.22, SD: 4.96},
			Medium:  NormalDist{Mean: 74.54, SD: 9.53},
			Complex: NormalDist{Mean: 242.03, SD: 63.27},
		},
		CareUnitRate:     1.0 / 25,
		EndOfServiceRate: 1.0 / 50,

		Routing: Routing{
			SimpleShare:         0.5,
			MediumShare:         0.45,
			NormalShare:         0.75,
			GroupProbability:    0.005,
			GroupMinSize:        2,
			GroupMaxSize:        5,
			MediumWardShare:     0.7,
			MediumICUShare:      0.1,
			ComplexDeath:        0.1,
			ComplexICUShare:     0.75,
			DeteriorationChance: 0.01,
		},
		Outage: Outage{
			Enabled:        true,
			Recurring:      true,
			Window:         720,
			Duration:       24,
			CapacityFactor: 0.8,
		},
	}
}

// Validate reports every problem with the parameter set at once. The returned
// error wraps ErrInvalidParameters.
func (p Parameters) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	capacities := []struct {
		name  string
		value int
	}{
		{"preoperative_capacity", p.PreoperativeCapacity},
		{"emergency_capacity", p.EmergencyCapacity},
		{"laboratory_capacity", p.LaboratoryCapacity},
		{"operation_capacity", p.OperationCapacity},
		{"general_ward_capacity", p.GeneralWardCapacity},
		{"icu_capacity", p.ICUCapacity},
		{"ccu_capacity", p.CCUCapacity},
	}
	for _, c := range capacities {
		check(c.value >= 1, "%s must be at least 1, got %d", c.name, c.value)
	}
	check(p.EmergencyQueueCapacity >= 0, "emergency_queue_capacity must be non-negative, got %d", p.EmergencyQueueCapacity)

	rates := []struct {
		name  string
		value float64
	}{
		{"normal_arrival_rate", p.NormalArrivalRate},
		{"urgent_arrival_rate", p.UrgentArrivalRate},
		{"care_unit_rate", p.CareUnitRate},
		{"end_of_service_rate", p.EndOfServiceRate},
	}
	for _, r := range rates {
		check(r.value > 0, "%s must be positive, got %g", r.name, r.value)
	}

	check(p.NormalLaboratoryDelay >= 0, "normal_laboratory_delay must be non-negative")
	check(p.UrgentLaboratoryDelay >= 0, "urgent_laboratory_delay must be non-negative")
	check(p.NormalOperationDelay >= 0, "normal_operation_delay must be non-negative")
	check(p.OperationPrep >= 0, "operation_prep must be non-negative")
	check(p.LaboratoryServiceMin > 0 && p.LaboratoryServiceMin <= p.LaboratoryServiceMax,
		"laboratory service bounds must satisfy 0 < min <= max, got [%g, %g]", p.LaboratoryServiceMin, p.LaboratoryServiceMax)

	t := p.UrgentOperationDelay
	check(t.Low >= 0 && t.Low <= t.Mode && t.Mode <= t.High && t.Low < t.High,
		"urgent_operation_delay must satisfy 0 <= low <= mode <= high with low < high")

	surgeries := []struct {
		name string
		dist NormalDist
	}{
		{"simple", p.Surgery.Simple},
		{"medium", p.Surgery.Medium},
		{"complex", p.Surgery.Complex},
	}
	for _, s := range surgeries {
		check(s.dist.Mean >= 0 && s.dist.SD >= 0, "surgery.%s mean and sd must be non-negative", s.name)
	}

	r := p.Routing
	probabilities := []struct {
		name  string
		value float64
	}{
		{"simple_share", r.SimpleShare},
		{"medium_share", r.MediumShare},
		{"normal_share", r.NormalShare},
		{"group_probability", r.GroupProbability},
		{"medium_ward_share", r.MediumWardShare},
		{"medium_icu_share", r.MediumICUShare},
		{"complex_death", r.ComplexDeath},
		{"complex_icu_share", r.ComplexICUShare},
		{"deterioration_chance", r.DeteriorationChance},
	}
	for _, pr := range probabilities {
		check(pr.value >= 0 && pr.value <= 1, "routing.%s must be within [0, 1], got %g", pr.name, pr.value)
	}
	check(r.SimpleShare+r.MediumShare <= 1, "routing simple_share + medium_share must not exceed 1")
	check(r.MediumWardShare+r.MediumICUShare <= 1, "routing medium_ward_share + medium_icu_share must not exceed 1")
	check(r.GroupMinSize >= 1 && r.GroupMinSize <= r.GroupMaxSize,
		"routing group size range must satisfy 1 <= min <= max, got [%d, %d]", r.GroupMinSize, r.GroupMaxSize)

	if p.Outage.Enabled {
		o := p.Outage
		check(o.CapacityFactor > 0 && o.CapacityFactor <= 1, "outage.capacity_factor must be within (0, 1], got %g", o.CapacityFactor)
		check(o.Duration > 0, "outage.duration must be positive")
		check(o.Window > o.Duration, "outage.window must exceed outage.duration")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidParameters, errors.Join(errs...))
}
