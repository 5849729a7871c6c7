package srvins

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MonteCarloRun stores the errors of one run, one per frame.
type MonteCarloRun struct {
	Estimates []ErrorEstimate
}

// MonteCarloRuns stores MC runs of the same length.
type MonteCarloRuns struct {
	steps int
	Runs  []MonteCarloRun
}

// NewMonteCarloRuns groups runs which must all have the same number of steps.
func NewMonteCarloRuns(runs []MonteCarloRun) (MonteCarloRuns, error) {
	if len(runs) == 0 {
		return MonteCarloRuns{}, fmt.Errorf("no Monte Carlo run")
	}
	steps := len(runs[0].Estimates)
	for i, r := range runs {
		if len(r.Estimates) != steps {
			return MonteCarloRuns{}, fmt.Errorf("run %d has %d steps, expected %d", i, len(r.Estimates), steps)
		}
	}
	return MonteCarloRuns{steps, runs}, nil
}

// Steps returns the number of steps of every run.
func (mc MonteCarloRuns) Steps() int { return mc.steps }

// samples returns the value of the i-th error component at the step, across runs.
func (mc MonteCarloRuns) samples(step, i int) []float64 {
	x := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		x[r] = run.Estimates[step].Error.AtVec(i)
	}
	return x
}

// Mean returns the mean of each error component across runs at the given step.
func (mc MonteCarloRuns) Mean(step int) []float64 {
	means := make([]float64, ImuDim)
	for i := range means {
		means[i] = stat.Mean(mc.samples(step, i), nil)
	}
	return means
}

// StdDev returns the standard deviation of each error component across runs at the given step.
func (mc MonteCarloRuns) StdDev(step int) []float64 {
	devs := make([]float64, ImuDim)
	for i := range devs {
		devs[i] = stat.StdDev(mc.samples(step, i), nil)
	}
	return devs
}

// MeanNEES returns the NEES averaged across runs at the given step.
func (mc MonteCarloRuns) MeanNEES(step int) float64 {
	x := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		x[r] = run.Estimates[step].NEES
	}
	return stat.Mean(x, nil)
}

// NEESBounds returns the two-sided acceptance interval of the averaged NEES at probability p.
// For N consistent runs, N times the averaged NEES is chi-square with N·dof degrees of freedom.
func (mc MonteCarloRuns) NEESBounds(p float64) (lo, hi float64) {
	N := float64(len(mc.Runs))
	dist := distuv.ChiSquared{K: N * ImuDim}
	return dist.Quantile((1-p)/2) / N, dist.Quantile((1+p)/2) / N
}

// Consistent returns the fraction of steps whose averaged NEES lies within NEESBounds(p).
func (mc MonteCarloRuns) Consistent(p float64) float64 {
	if mc.steps == 0 {
		return 0
	}
	lo, hi := mc.NEESBounds(p)
	in := 0
	for k := 0; k < mc.steps; k++ {
		if nees := mc.MeanNEES(k); nees >= lo && nees <= hi {
			in++
		}
	}
	return float64(in) / float64(mc.steps)
}

// AsCSV is used as a CSV serializer: one line per step with the time, the mean and standard
// deviation of each component, then the averaged NEES. Includes the header.
func (mc MonteCarloRuns) AsCSV() []string {
	hdr := []string{"t"}
	for _, h := range ImuErrorHeaders {
		hdr = append(hdr, h+"-mean", h+"-stddev")
	}
	hdr = append(hdr, "nees-mean")
	lines := []string{strings.Join(hdr, ",")}
	for k := 0; k < mc.steps; k++ {
		mean, dev := mc.Mean(k), mc.StdDev(k)
		vals := []string{fmt.Sprintf("%f", mc.Runs[0].Estimates[k].Timestamp)}
		for i := range mean {
			vals = append(vals, fmt.Sprintf("%f", mean[i]), fmt.Sprintf("%f", dev[i]))
		}
		vals = append(vals, fmt.Sprintf("%f", mc.MeanNEES(k)))
		lines = append(lines, strings.Join(vals, ","))
	}
	return lines
}
