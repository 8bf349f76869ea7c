// Package analysis holds the warm-up helpers used to pick a truncation point
// before steady-state metrics are read off a run: per-frame series
// reconstructed from a trace and a centred moving average over them.
package analysis

import (
	"errors"
	"math"
	"sort"

	"github.com/ehr/patientflow/internal/sim"
)

// ErrInvalidFrame is returned for non-positive frame lengths.
var ErrInvalidFrame = errors.New("frame length must be positive")

// QueueLengthFrames returns the time-average length of q in each full frame
// of the traced run.
func QueueLengthFrames(trace []sim.TraceStep, q sim.QueueID, frame float64) ([]float64, error) {
	return stepFrames(trace, frame, func(row sim.TraceStep) float64 {
		return float64(row.QueueLengths[q])
	})
}

// OccupancyFrames returns the time-average number of occupied beds of d in
// each full frame of the traced run.
func OccupancyFrames(trace []sim.TraceStep, d sim.Department, frame float64) ([]float64, error) {
	return stepFrames(trace, frame, func(row sim.TraceStep) float64 {
		return float64(row.Departments[d].Occupied)
	})
}

// WaitFrames returns the average wait of patients who left q during each
// full frame, from the cumulative counters carried by the trace. Frames
// where nobody left the queue report 0.
func WaitFrames(trace []sim.TraceStep, q sim.QueueID, frame float64) ([]float64, error) {
	if frame <= 0 {
		return nil, ErrInvalidFrame
	}
	n := frameCount(trace, frame)
	out := make([]float64, n)

	prev := statsBefore(trace, 0).Queues[q]
	for k := 0; k < n; k++ {
		cur := statsBefore(trace, float64(k+1)*frame).Queues[q]
		if dn := cur.Starters - prev.Starters; dn > 0 {
			out[k] = (cur.Wait - prev.Wait) / float64(dn)
		}
		prev = cur
	}
	return out, nil
}

// CompletedFrames returns the number of patients discharged during each full
// frame.
func CompletedFrames(trace []sim.TraceStep, frame float64) ([]float64, error) {
	if frame <= 0 {
		return nil, ErrInvalidFrame
	}
	n := frameCount(trace, frame)
	out := make([]float64, n)

	prev := statsBefore(trace, 0).CompletedPatients
	for k := 0; k < n; k++ {
		cur := statsBefore(trace, float64(k+1)*frame).CompletedPatients
		out[k] = float64(cur - prev)
		prev = cur
	}
	return out, nil
}

// statsBefore returns the accumulator as it stood strictly before t.
func statsBefore(trace []sim.TraceStep, t float64) sim.Statistics {
	i := sort.Search(len(trace), func(i int) bool { return trace[i].Clock >= t })
	if i == 0 {
		return sim.Statistics{}
	}
	return trace[i-1].Stats
}

func frameCount(trace []sim.TraceStep, frame float64) int {
	if len(trace) == 0 {
		return 0
	}
	return int(math.Floor(trace[len(trace)-1].Clock / frame))
}

// stepFrames averages a step function that takes value(row) from each row's
// clock until the next row, and is zero before the first row.
func stepFrames(trace []sim.TraceStep, frame float64, value func(sim.TraceStep) float64) ([]float64, error) {
	if frame <= 0 {
		return nil, ErrInvalidFrame
	}
	n := frameCount(trace, frame)
	out := make([]float64, n)
	end := float64(n) * frame

	for i := 0; i+1 < len(trace); i++ {
		v := value(trace[i])
		lo, hi := trace[i].Clock, math.Min(trace[i+1].Clock, end)
		if v == 0 || hi <= lo {
			continue
		}
		for k := int(lo / frame); k < n && lo < hi; k++ {
			b := math.Min(float64(k+1)*frame, hi)
			if b > lo {
				out[k] += v * (b - lo)
				lo = b
			}
		}
	}

	for k := range out {
		out[k] /= frame
	}
	return out, nil
}

// MovingAverage smooths xs with a centred window of m points. Near both ends
// the window shrinks symmetrically so every point stays centred.
func MovingAverage(xs []float64, m int) []float64 {
	n := len(xs)
	out := make([]float64, n)
	half := m / 2
	for i := range xs {
		lo := max(i-half, 2*i-n+1, 0)
		hi := min(i+half, 2*i, n-1)
		var sum float64
		for _, x := range xs[lo : hi+1] {
			sum += x
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

// MeanAcross averages frame series point by point, truncated to the
// shortest series.
func MeanAcross(series [][]float64) []float64 {
	if len(series) == 0 {
		return nil
	}
	n := len(series[0])
	for _, s := range series[1:] {
		n = min(n, len(s))
	}
	out := make([]float64, n)
	for _, s := range series {
		for i := 0; i < n; i++ {
			out[i] += s[i]
		}
	}
	for i := range out {
		out[i] /= float64(len(series))
	}
	return out
}

// SettlingFrame returns the first frame from which the smoothed series stays
// within tolerance (relative) of the mean of its second half, or -1 if it
// never settles.
func SettlingFrame(smoothed []float64, tolerance float64) int {
	n := len(smoothed)
	if n == 0 {
		return -1
	}
	var ref float64
	for _, x := range smoothed[n/2:] {
		ref += x
	}
	ref /= float64(n - n/2)
	band := tolerance * math.Abs(ref)

	settled := -1
	for i := n - 1; i >= 0; i-- {
		if math.Abs(smoothed[i]-ref) > band {
			break
		}
		settled = i
	}
	return settled
}
