package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/patientflow/internal/analysis"
	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/sim"
)

// runFlags are shared by every command that executes the engine locally.
type runFlags struct {
	horizon float64
	seed    int64
	params  string
	verbose bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.horizon, "horizon", 0, "Simulated hours (default SIM_HORIZON_HOURS)")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "Random seed (default SIM_SEED)")
	cmd.Flags().StringVar(&f.params, "params", "", "YAML or JSON parameter file (default SIM_PARAMETERS_FILE)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log engine progress to stderr")
}

// resolve fills unset flags from the environment configuration.
func (f *runFlags) resolve(cmd *cobra.Command) (*config.Config, sim.Parameters, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, sim.Parameters{}, err
	}
	if !cmd.Flags().Changed("horizon") {
		f.horizon = cfg.HorizonHours
	}
	if !cmd.Flags().Changed("seed") {
		f.seed = cfg.Seed
	}
	if f.params == "" {
		f.params = cfg.ParametersFile
	}
	p, err := config.LoadParameters(f.params)
	if err != nil {
		return nil, sim.Parameters{}, err
	}
	return cfg, p, nil
}

func runCmd() *cobra.Command {
	var (
		flags runFlags
		trace bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one simulation run and print its results as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			logger := cliLogger(cmd, cfg, flags.verbose)

			opts := []sim.Option{sim.WithSeed(flags.seed), sim.WithLogger(logger)}
			if trace {
				opts = append(opts, sim.WithTrace())
			}
			res, err := sim.Simulate(cmd.Context(), flags.horizon, p, opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if trace {
				enc := json.NewEncoder(out)
				for _, step := range res.Trace {
					if err := enc.Encode(step); err != nil {
						return err
					}
				}
				res.Trace = nil
			}
			return writeJSON(out, res)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&trace, "trace", false, "Print the step log as JSON lines before the results")
	return cmd
}

func batchCmd() *cobra.Command {
	var (
		flags   runFlags
		seeds   int
		workers int
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Execute independent runs with consecutive seeds and print every result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			if seeds < 1 {
				return fmt.Errorf("--seeds must be at least 1")
			}
			if !cmd.Flags().Changed("workers") {
				workers = cfg.BatchWorkers
			}
			logger := cliLogger(cmd, cfg, flags.verbose)

			results := make([]*sim.Results, seeds)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(workers, 1))
			for i := range results {
				i := i
				seed := flags.seed + int64(i)
				g.Go(func() error {
					res, err := sim.Simulate(ctx, flags.horizon, p,
						sim.WithSeed(seed), sim.WithLogger(logger.With().Int64("seed", seed).Logger()))
					if err != nil {
						return fmt.Errorf("seed %d: %w", seed, err)
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&seeds, "seeds", 10, "Number of runs (seeds seed..seed+N-1)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent runs (default SIM_BATCH_WORKERS)")
	return cmd
}

// warmupReport is printed by the warmup command.
type warmupReport struct {
	Series        string    `json:"series"`
	Frame         float64   `json:"frame_hours"`
	Window        int       `json:"window"`
	Runs          int       `json:"runs"`
	Frames        []float64 `json:"frames"`
	Smoothed      []float64 `json:"smoothed"`
	SettlingFrame int       `json:"settling_frame"`
	SettlingHours float64   `json:"settling_hours"`
}

func warmupCmd() *cobra.Command {
	var (
		flags     runFlags
		target    warmupTarget
		frame     float64
		window    int
		runs      int
		tolerance float64
	)
	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Estimate the warm-up period from per-frame averages over traced runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if window < 1 {
				return fmt.Errorf("--window must be at least 1")
			}
			series, name, err := warmupSeries(target, frame)
			if err != nil {
				return err
			}
			logger := cliLogger(cmd, cfg, flags.verbose)

			replications := make([][]float64, runs)
			for i := range replications {
				res, err := sim.Simulate(cmd.Context(), flags.horizon, p,
					sim.WithSeed(flags.seed+int64(i)), sim.WithLogger(logger), sim.WithLeanTrace())
				if err != nil {
					return err
				}
				if replications[i], err = series(res.Trace); err != nil {
					return err
				}
			}

			mean := analysis.MeanAcross(replications)
			smoothed := analysis.MovingAverage(mean, window)
			settle := analysis.SettlingFrame(smoothed, tolerance)
			report := warmupReport{
				Series:        name,
				Frame:         frame,
				Window:        window,
				Runs:          runs,
				Frames:        mean,
				Smoothed:      smoothed,
				SettlingFrame: settle,
				SettlingHours: -1,
			}
			if settle >= 0 {
				report.SettlingHours = float64(settle) * frame
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	flags.register(cmd)
	cmd.Flags().Float64Var(&frame, "frame", 24, "Frame length in hours")
	cmd.Flags().IntVar(&window, "window", 5, "Moving average window in frames")
	cmd.Flags().IntVar(&runs, "runs", 1, "Replications averaged frame by frame")
	cmd.Flags().StringVar(&target.queue, "queue", sim.QueuePreoperative.String(), "Queue whose length (or wait) is analysed")
	cmd.Flags().StringVar(&target.department, "department", "", "Analyse occupied beds of this department instead of a queue")
	cmd.Flags().BoolVar(&target.waits, "waits", false, "Analyse queue waits instead of queue lengths")
	cmd.Flags().BoolVar(&target.completed, "completed", false, "Analyse patients discharged per frame")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0.05, "Relative band around the steady level")
	return cmd
}

// warmupTarget selects the series analysed by the warmup command. completed
// wins over department, which wins over the queue.
type warmupTarget struct {
	queue      string
	department string
	waits      bool
	completed  bool
}

// warmupSeries picks the per-frame series the warmup command analyses.
func warmupSeries(target warmupTarget, frame float64) (func([]sim.TraceStep) ([]float64, error), string, error) {
	if target.completed {
		return func(trace []sim.TraceStep) ([]float64, error) {
			return analysis.CompletedFrames(trace, frame)
		}, "Completed patients", nil
	}
	if target.department != "" {
		var d sim.Department
		if err := d.UnmarshalText([]byte(target.department)); err != nil {
			return nil, "", err
		}
		return func(trace []sim.TraceStep) ([]float64, error) {
			return analysis.OccupancyFrames(trace, d, frame)
		}, d.String() + " occupancy", nil
	}

	var q sim.QueueID
	if err := q.UnmarshalText([]byte(target.queue)); err != nil {
		return nil, "", err
	}
	if target.waits {
		return func(trace []sim.TraceStep) ([]float64, error) {
			return analysis.WaitFrames(trace, q, frame)
		}, q.String() + " wait", nil
	}
	return func(trace []sim.TraceStep) ([]float64, error) {
		return analysis.QueueLengthFrames(trace, q, frame)
	}, q.String() + " length", nil
}
