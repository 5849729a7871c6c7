package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChristopherRabotin/srvins"
	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(NewCmd().ExecuteContext(context.Background()))
}

func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "srvins-sim [command] [flags]",
		Short:         "srvins-sim runs the square root VIO update core on a synthetic scene",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "`<path>` to a JSON configuration, defaults are used for omitted fields")
	pf.String("log-level", "info", "`<level>` of the logs: debug, info, warn or error")
	pf.Int("frames", 300, "number of camera frames")
	pf.Float64("imu-rate", 200, "inertial sample rate (Hz)")
	pf.Int("camera-div", 20, "inertial samples per camera frame")
	pf.Int("landmarks", 300, "number of landmarks in the scene")
	pf.Int("track", 6, "maximum feature track length (frames)")
	pf.Uint64("seed", 1, "random seed")
	pf.Bool("noiseless", false, "disable the sensor noise and the initial error")
	pf.Bool("iterative", false, "iterate the updates")
	pf.Bool("gate", true, "run the chi-square consistency check")
	pf.Float64("gyro-std", 2e-3, "gyroscope noise per sample (rad/s)")
	pf.Float64("accel-std", 2e-2, "accelerometer noise per sample (m/s²)")
	pf.Float64("pixel-std", 1, "pixel noise (px)")
	pf.Float64("gyro-walk", 1e-5, "gyroscope bias random walk")
	pf.Float64("accel-walk", 1e-4, "accelerometer bias random walk")
	pf.StringP("out-dir", "o", "", "`<dir>` to write CSV files to, nothing is written if empty")

	runCmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Run one simulation",
		RunE:  doRun,
	}

	mcCmd := &cobra.Command{
		Use:   "montecarlo [flags]",
		Short: "Run Monte Carlo simulations and check the NEES consistency",
		RunE:  doMonteCarlo,
	}
	mcCmd.Flags().Int("runs", 20, "number of runs, seeded from --seed")
	mcCmd.Flags().Float64("probability", 0.95, "probability of the NEES acceptance interval")

	rootCmd.AddCommand(runCmd, mcCmd)
	return rootCmd
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func loadSimulation(cmd *cobra.Command) (simulation, error) {
	flags := cmd.Flags()
	cfg := srvins.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = srvins.LoadConfig(path); err != nil {
			return simulation{}, err
		}
	}
	sim := simulation{cfg: cfg}
	sim.frames, _ = flags.GetInt("frames")
	sim.imuRate, _ = flags.GetFloat64("imu-rate")
	sim.cameraDiv, _ = flags.GetInt("camera-div")
	sim.landmarks, _ = flags.GetInt("landmarks")
	sim.track, _ = flags.GetInt("track")
	sim.seed, _ = flags.GetUint64("seed")
	sim.noiseless, _ = flags.GetBool("noiseless")
	sim.iterative, _ = flags.GetBool("iterative")
	sim.gate, _ = flags.GetBool("gate")
	sim.gyroStd, _ = flags.GetFloat64("gyro-std")
	sim.accelStd, _ = flags.GetFloat64("accel-std")
	sim.pixelStd, _ = flags.GetFloat64("pixel-std")
	sim.gyroWalk, _ = flags.GetFloat64("gyro-walk")
	sim.accelWalk, _ = flags.GetFloat64("accel-walk")
	if sim.frames < 2 || sim.imuRate <= 0 || sim.cameraDiv < 1 || sim.track < 2 {
		return sim, fmt.Errorf("invalid simulation: frames=%d imu-rate=%f camera-div=%d track=%d", sim.frames, sim.imuRate, sim.cameraDiv, sim.track)
	}
	if !sim.noiseless && (sim.gyroStd <= 0 || sim.accelStd <= 0 || sim.pixelStd <= 0) {
		return sim, fmt.Errorf("noise standard deviations must be positive, use --noiseless instead")
	}
	return sim, nil
}

func doRun(cmd *cobra.Command, args []string) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	sim, err := loadSimulation(cmd)
	if err != nil {
		return err
	}
	var exp srvins.Exporter
	if dir, _ := cmd.Flags().GetString("out-dir"); dir != "" {
		csv, err := srvins.NewCSVExporter(dir, fmt.Sprintf("srvins-seed%d.csv", sim.seed))
		if err != nil {
			return err
		}
		defer csv.Close()
		exp = csv
	}
	run, err := sim.run(cmd.Context(), log, exp)
	if err != nil {
		return err
	}
	within := 0
	for _, est := range run.Estimates {
		if est.IsWithinNσ(3) {
			within++
		}
	}
	fmt.Printf("frames: %d\twithin 3σ: %d\tfinal: %s\n", len(run.Estimates), within, run.Estimates[len(run.Estimates)-1])
	return nil
}

func doMonteCarlo(cmd *cobra.Command, args []string) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	sim, err := loadSimulation(cmd)
	if err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("runs")
	p, _ := cmd.Flags().GetFloat64("probability")
	if n < 1 || p <= 0 || p >= 1 {
		return fmt.Errorf("invalid Monte Carlo setup: runs=%d probability=%f", n, p)
	}
	seed := sim.seed
	runs := make([]srvins.MonteCarloRun, 0, n)
	for r := 0; r < n; r++ {
		sim.seed = seed + uint64(r)
		run, err := sim.run(cmd.Context(), log, nil)
		if err != nil {
			return err
		}
		runs = append(runs, run)
	}
	mc, err := srvins.NewMonteCarloRuns(runs)
	if err != nil {
		return err
	}
	lo, hi := mc.NEESBounds(p)
	fmt.Printf("runs: %d\tsteps: %d\tNEES interval: [%.3f, %.3f]\tconsistent steps: %.1f%%\n", n, mc.Steps(), lo, hi, 100*mc.Consistent(p))
	if dir, _ := cmd.Flags().GetString("out-dir"); dir != "" {
		name := filepath.Join(dir, fmt.Sprintf("srvins-mc-seed%d.csv", seed))
		if err := os.WriteFile(name, []byte(strings.Join(mc.AsCSV(), "\n")+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
