// elQuant: a high-performance tool for quantifying transcripts from SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elquant/blob/master/LICENSE.txt>.

/*
Package em implements the expectation-maximization estimator that turns
equivalence classes into transcript abundances.

Each iteration is a sequence of barrier-separated passes: the bias
model is refitted from the coverage accumulated in the previous
iteration, then the classes are partitioned over workers that compute
responsibilities and accumulate new abundances (and coverage) into
private accumulators, which are reduced before the single writer
stores them in the transcript table and checks for convergence.

For a fixed number of partitions, results are bit-for-bit
reproducible: classes are processed in the fixed order of their
collection, each partition sums in that order with compensated
summation, and partitions are reduced in a fixed tree shape.
*/
package em

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"

	"github.com/exascience/elquant/bias"
	"github.com/exascience/elquant/eqclass"
	"github.com/exascience/elquant/internal"
	"github.com/exascience/elquant/transcripts"

	"github.com/bits-and-blooms/bitset"
	"github.com/exascience/pargo/parallel"
	"gonum.org/v1/gonum/floats"
)

// State is the state of an Estimator.
type State int

const (
	Initializing State = iota
	Iterating
	Converged
	MaxIterationsReached
	Cancelled
)

var stateNames = [...]string{"initializing", "iterating", "converged", "max iterations reached", "cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Options control convergence and parallelism.
type Options struct {
	// Tolerance is the largest relative abundance change between two
	// iterations at which the estimate counts as converged.
	Tolerance float64
	// MaxIterations caps the number of iterations.
	MaxIterations int
	// MinIterations is the number of iterations run before
	// convergence is checked.
	MinIterations int
	// AbundanceFloor is the abundance below which a transcript is
	// ignored by the convergence check and truncated to zero at the end.
	AbundanceFloor float64
	// Partitions is the number of class partitions per iteration; 0
	// means runtime.GOMAXPROCS(0).
	Partitions int
	// Verbose enables per-iteration progress logging.
	Verbose bool
}

// DefaultOptions returns the default estimator options.
func DefaultOptions() Options {
	return Options{
		Tolerance:      1e-3,
		MaxIterations:  1000,
		MinIterations:  2,
		AbundanceFloor: 1e-8,
	}
}

// A NumericError reports non-finite abundances.
type NumericError struct {
	Iteration   int
	Transcripts []int32
}

func (err *NumericError) Error() string {
	const shown = 10
	if len(err.Transcripts) > shown {
		return fmt.Sprintf("non-finite abundance in iteration %v for %v transcripts, including %v", err.Iteration, len(err.Transcripts), err.Transcripts[:shown])
	}
	return fmt.Sprintf("non-finite abundance in iteration %v for transcripts %v", err.Iteration, err.Transcripts)
}

// Result is the outcome of an estimation.
type Result struct {
	// Abundance is the estimated number of reads per transcript.
	Abundance []float64
	// TPM is the length-normalized abundance in transcripts per million.
	TPM []float64

	State      State
	Converged  bool
	Iterations int
	// Deltas is the maximum relative change of each iteration.
	Deltas []float64
	// Degenerate counts class evaluations that fell back to a uniform split.
	Degenerate int64
	// Coverage is the final coverage bin snapshot, or nil.
	Coverage [][]float64
}

// Fractions returns the abundances normalized to sum to 1.
func (res *Result) Fractions() []float64 {
	fractions := append([]float64(nil), res.Abundance...)
	if total := floats.Sum(fractions); total > 0 {
		floats.Scale(1/total, fractions)
	}
	return fractions
}

// An Estimator runs the EM algorithm over a fixed set of classes.
type Estimator struct {
	opts    Options
	table   *transcripts.Table
	classes *eqclass.Collection
	model   *bias.Model
	state   State
	// scores holds the member score weights of each class.
	scores [][]float64
}

// New returns an estimator. model may be nil when bias modelling is off.
// When it is on, table must have coverage enabled with as many bins as
// the collection.
func New(table *transcripts.Table, classes *eqclass.Collection, model *bias.Model, opts Options) *Estimator {
	if opts.Partitions <= 0 {
		opts.Partitions = runtime.GOMAXPROCS(0)
	}
	if opts.MinIterations < 1 {
		opts.MinIterations = 1
	}
	scores := make([][]float64, len(classes.Classes))
	for i, c := range classes.Classes {
		w := make([]float64, len(c.Members))
		for j, m := range c.Members {
			w[j] = classes.Weight(m)
		}
		scores[i] = w
	}
	return &Estimator{opts: opts, table: table, classes: classes, model: model, state: Initializing, scores: scores}
}

// partial holds the accumulators of one partition of classes.
type partial struct {
	abundance  []internal.Sum
	coverage   [][]float64
	degenerate int64
}

// reduce adds q into p; q is assumed to cover classes after those of p.
func (p *partial) reduce(q *partial) *partial {
	for i, s := range q.abundance {
		p.abundance[i].Merge(s)
	}
	if p.coverage != nil {
		for i, qc := range q.coverage {
			if qc == nil {
				continue
			}
			if p.coverage[i] == nil {
				p.coverage[i] = qc
				continue
			}
			floats.Add(p.coverage[i], qc)
		}
	}
	p.degenerate += q.degenerate
	return p
}

// observed returns the set of transcripts that occur in at least one class.
func (e *Estimator) observed() *bitset.BitSet {
	set := bitset.New(uint(e.table.Len()))
	for _, c := range e.classes.Classes {
		for _, m := range c.Members {
			set.Set(uint(m.Target))
		}
	}
	return set
}

// initialize spreads the reads uniformly over the observed transcripts.
func (e *Estimator) initialize() {
	e.table.ResetAbundances()
	observed := e.observed()
	n := observed.Count()
	if n == 0 {
		return
	}
	avg := float64(e.classes.Reads) / float64(n)
	for i, ok := observed.NextSet(0); ok; i, ok = observed.NextSet(i + 1) {
		e.table.Transcripts[i].Abundance = avg
	}
}

// step runs the E- and M-step over all classes and returns the reduced
// accumulators. The transcript table is only read.
func (e *Estimator) step(modelCoverage bool) *partial {
	n := e.table.Len()
	txps := e.table.Transcripts
	classes := e.classes.Classes
	bins := e.classes.Bins
	// rates and bias tables are resolved once per iteration
	rates := make([]float64, n)
	for i := range txps {
		rates[i] = txps[i].Abundance / txps[i].EffectiveLength
	}
	var weights [][]float64
	if modelCoverage {
		weights = make([][]float64, n)
		for i := range weights {
			weights[i] = e.model.Weights(int32(i))
		}
	}
	result := parallel.RangeReduce(0, len(classes), e.opts.Partitions, func(low, high int) interface{} {
		acc := &partial{abundance: make([]internal.Sum, n)}
		if modelCoverage {
			acc.coverage = make([][]float64, n)
		}
		var resp []float64
		for ci := low; ci < high; ci++ {
			c := classes[ci]
			var sum float64
			resp, sum = e.responsibilities(ci, rates, weights, resp)
			count := float64(c.Count)
			if !(sum > 0) || math.IsInf(sum, 0) {
				acc.degenerate++
				sum = uniform(resp)
			}
			for i, m := range c.Members {
				mass := count * resp[i] / sum
				acc.abundance[m.Target].Add(mass)
				if modelCoverage {
					cov := acc.coverage[m.Target]
					if cov == nil {
						cov = make([]float64, bins)
						acc.coverage[m.Target] = cov
					}
					cov[m.Bin] += mass
				}
			}
		}
		return acc
	}, func(x, y interface{}) interface{} {
		return x.(*partial).reduce(y.(*partial))
	})
	if result == nil {
		acc := &partial{abundance: make([]internal.Sum, n)}
		if modelCoverage {
			acc.coverage = make([][]float64, n)
		}
		return acc
	}
	return result.(*partial)
}

// responsibilities computes the unnormalized responsibilities of the
// members of class ci into resp and returns them with their sum. weights
// is nil when coverage is not modelled.
func (e *Estimator) responsibilities(ci int, rates []float64, weights [][]float64, resp []float64) ([]float64, float64) {
	resp = resp[:0]
	var sum float64
	for j, m := range e.classes.Classes[ci].Members {
		r := rates[m.Target] * e.scores[ci][j]
		if weights != nil {
			r *= weights[m.Target][m.Bin]
		}
		resp = append(resp, r)
		sum += r
	}
	return resp, sum
}

func uniform(resp []float64) float64 {
	for i := range resp {
		resp[i] = 1
	}
	return float64(len(resp))
}

// Posteriors returns the assignment probabilities of the members of
// class ci under the abundances currently stored in the table. It is
// meant to be called after Run.
func (e *Estimator) Posteriors(ci int) []float64 {
	txps := e.table.Transcripts
	rates := make([]float64, len(txps))
	var weights [][]float64
	if e.modelsCoverage() {
		weights = make([][]float64, len(txps))
	}
	for _, m := range e.classes.Classes[ci].Members {
		rates[m.Target] = txps[m.Target].Abundance / txps[m.Target].EffectiveLength
		if weights != nil && weights[m.Target] == nil {
			weights[m.Target] = e.model.Weights(m.Target)
		}
	}
	resp, sum := e.responsibilities(ci, rates, weights, nil)
	if !(sum > 0) || math.IsInf(sum, 0) {
		sum = uniform(resp)
	}
	floats.Scale(1/sum, resp)
	return resp
}

func (e *Estimator) modelsCoverage() bool {
	return e.model.Enabled() && e.classes.Bins > 0 &&
		e.table.Bins() == e.classes.Bins && e.model.Bins() == e.classes.Bins
}

// store writes the reduced accumulators into the table and returns the
// maximum relative change.
func (e *Estimator) store(acc *partial, iteration int) (float64, error) {
	var bad []int32
	var maxDelta float64
	floor := e.opts.AbundanceFloor
	for i := range e.table.Transcripts {
		txp := &e.table.Transcripts[i]
		a := acc.abundance[i].Value()
		if math.IsNaN(a) || math.IsInf(a, 0) {
			bad = append(bad, int32(i))
			continue
		}
		if a < 0 {
			a = 0
		}
		if a > floor {
			if delta := math.Abs(a-txp.Abundance) / a; delta > maxDelta {
				maxDelta = delta
			}
		}
		txp.Abundance = a
		if acc.coverage != nil && txp.Coverage != nil {
			if cov := acc.coverage[i]; cov != nil {
				copy(txp.Coverage, cov)
			} else {
				for b := range txp.Coverage {
					txp.Coverage[b] = 0
				}
			}
		}
	}
	if len(bad) > 0 {
		return maxDelta, &NumericError{Iteration: iteration, Transcripts: bad}
	}
	return maxDelta, nil
}

// Run iterates until convergence, until MaxIterations is reached, or
// until ctx is done. Non-convergence is not an error; a cancelled
// context returns the partial result in state Cancelled together with
// the context error.
func (e *Estimator) Run(ctx context.Context) (*Result, error) {
	e.state = Initializing
	e.initialize()
	modelCoverage := e.modelsCoverage()
	res := &Result{}
	e.state = Iterating
	var ctxErr error
	for res.Iterations < e.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		if modelCoverage && res.Iterations > 0 {
			e.model.Fit(e.table)
		}
		acc := e.step(modelCoverage)
		res.Iterations++
		res.Degenerate += acc.degenerate
		if acc.degenerate > 0 {
			log.Printf("Warning: %v equivalence classes had no usable weight in EM iteration %v and were split uniformly.\n", acc.degenerate, res.Iterations)
		}
		delta, err := e.store(acc, res.Iterations)
		if err != nil {
			return nil, err
		}
		res.Deltas = append(res.Deltas, delta)
		if e.opts.Verbose && res.Iterations%10 == 0 {
			log.Printf("EM iteration %v, max relative change %.3g\n", res.Iterations, delta)
		}
		if res.Iterations >= e.opts.MinIterations && delta < e.opts.Tolerance {
			e.state = Converged
			break
		}
	}
	switch {
	case ctxErr != nil:
		e.state = Cancelled
	case e.state != Converged:
		e.state = MaxIterationsReached
	}
	res.State = e.state
	res.Converged = e.state == Converged
	e.finish(res)
	return res, ctxErr
}

// finish truncates negligible abundances and fills in the reported values.
func (e *Estimator) finish(res *Result) {
	n := e.table.Len()
	res.Abundance = make([]float64, n)
	res.TPM = make([]float64, n)
	for i := range e.table.Transcripts {
		txp := &e.table.Transcripts[i]
		if txp.Abundance < e.opts.AbundanceFloor {
			txp.Abundance = 0
		}
		res.Abundance[i] = txp.Abundance
		res.TPM[i] = txp.Abundance / txp.EffectiveLength
	}
	if total := floats.Sum(res.TPM); total > 0 {
		floats.Scale(1e6/total, res.TPM)
	}
	res.Coverage = e.table.CoverageSnapshot()
}
