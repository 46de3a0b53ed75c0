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
Package bias implements the positional bias models that reweight
alignments during the E-step.

A Model is a tagged variant: the Kind is selected once from the
configuration, and the per-transcript weight tables it hands out are
plain slices, so the hot loop of the estimator never dispatches on
the Kind. Models are refitted once per EM round from the coverage bins
accumulated in the previous round.
*/
package bias

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/exascience/elquant/transcripts"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Epsilon is the smallest weight a model returns.
const Epsilon = 1e-8

// Kind selects one of the bias models.
type Kind int

const (
	None Kind = iota
	Empirical
	Binomial
	Logistic
)

var kindNames = [...]string{"none", "empirical", "binomial", "logistic"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind parses a bias model name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "none", "off":
		return None, nil
	case "empirical", "kde":
		return Empirical, nil
	case "binomial", "continuous-binomial":
		return Binomial, nil
	case "logistic":
		return Logistic, nil
	default:
		return None, fmt.Errorf("unknown bias model %q", s)
	}
}

// Options parameterize a Model.
type Options struct {
	// Bins is the number of coverage bins per transcript.
	Bins int
	// Bandwidth is the standard deviation of the smoothing kernel of
	// the empirical model, as a fraction of the transcript length.
	Bandwidth float64
	// LengthBuckets is the number of transcript length quantiles the
	// empirical model fits separately. 1 pools all transcripts.
	LengthBuckets int
	// GrowthRate is the steepness of the logistic model. Positive
	// values favor the 3' end, negative values the 5' end.
	GrowthRate float64
}

// A Model returns weights in [Epsilon, 1] for positions on transcripts.
type Model struct {
	kind    Kind
	opts    Options
	centers []float64
	uniform []float64

	// empirical
	bucketOf []int
	density  [][]float64

	// binomial
	success []float64
	tables  [][]float64

	// logistic
	curve []float64
}

// New returns a model of the given kind. Call Prepare before use.
func New(kind Kind, opts Options) *Model {
	if opts.Bins < 1 {
		opts.Bins = 1
	}
	if opts.LengthBuckets < 1 {
		opts.LengthBuckets = 1
	}
	m := &Model{kind: kind, opts: opts}
	m.centers = make([]float64, opts.Bins)
	m.uniform = make([]float64, opts.Bins)
	for b := range m.centers {
		m.centers[b] = transcripts.BinCenter(b, opts.Bins)
		m.uniform[b] = 1
	}
	return m
}

// Kind returns the kind of the model.
func (m *Model) Kind() Kind {
	return m.kind
}

// Enabled is false for a nil model and for None.
func (m *Model) Enabled() bool {
	return m != nil && m.kind != None
}

// Bins returns the number of coverage bins the model works on.
func (m *Model) Bins() int {
	return m.opts.Bins
}

// Prepare sets up the per-transcript state of the model for the given
// table. All weights are 1 until the first Fit, except for the
// logistic model, which does not need fitting.
func (m *Model) Prepare(table *transcripts.Table) {
	switch m.kind {
	case Empirical:
		m.bucketOf = lengthBuckets(table, m.opts.LengthBuckets)
		m.density = make([][]float64, m.opts.LengthBuckets)
		for i := range m.density {
			m.density[i] = m.uniform
		}
	case Binomial:
		m.success = make([]float64, table.Len())
		m.tables = make([][]float64, table.Len())
		for i := range m.success {
			m.success[i] = math.NaN()
		}
	case Logistic:
		m.curve = make([]float64, m.opts.Bins)
		for b, x := range m.centers {
			m.curve[b] = logisticWeight(x, m.opts.GrowthRate)
		}
	}
}

// lengthBuckets assigns each transcript to one of n length quantiles.
func lengthBuckets(table *transcripts.Table, n int) []int {
	bucketOf := make([]int, table.Len())
	if n <= 1 || table.Len() == 0 {
		return bucketOf
	}
	sorted := make([]float64, table.Len())
	for i := range table.Transcripts {
		sorted[i] = float64(table.Transcripts[i].Length)
	}
	sort.Float64s(sorted)
	bounds := make([]float64, n-1)
	for i := range bounds {
		bounds[i] = stat.Quantile(float64(i+1)/float64(n), stat.Empirical, sorted, nil)
	}
	for i := range table.Transcripts {
		length := float64(table.Transcripts[i].Length)
		bucketOf[i] = sort.Search(len(bounds), func(j int) bool { return bounds[j] >= length })
	}
	return bucketOf
}

// Fit re-estimates the model parameters from the coverage bins in table.
func (m *Model) Fit(table *transcripts.Table) {
	switch m.kind {
	case Empirical:
		m.fitEmpirical(table)
	case Binomial:
		m.fitBinomial(table)
	}
}

func (m *Model) fitEmpirical(table *transcripts.Table) {
	pooled := make([][]float64, len(m.density))
	for i := range pooled {
		pooled[i] = make([]float64, m.opts.Bins)
	}
	for i := range table.Transcripts {
		if cov := table.Transcripts[i].Coverage; len(cov) == m.opts.Bins {
			floats.Add(pooled[m.bucketOf[i]], cov)
		}
	}
	for i, counts := range pooled {
		m.density[i] = m.smooth(counts)
	}
}

// smooth returns the Gaussian kernel density of counts over the bin
// centers, scaled so that its maximum is 1.
func (m *Model) smooth(counts []float64) []float64 {
	if !(floats.Sum(counts) > 0) || m.opts.Bandwidth <= 0 {
		return m.uniform
	}
	kernel := distuv.Normal{Mu: 0, Sigma: m.opts.Bandwidth}
	density := make([]float64, len(counts))
	for i, x := range m.centers {
		var d float64
		for j, c := range counts {
			if c > 0 {
				d += c * kernel.Prob(x-m.centers[j])
			}
		}
		density[i] = d
	}
	max := floats.Max(density)
	if !(max > 0) || math.IsInf(max, 0) {
		return m.uniform
	}
	for i, d := range density {
		density[i] = floor(d / max)
	}
	return density
}

func (m *Model) fitBinomial(table *transcripts.Table) {
	for i := range table.Transcripts {
		cov := table.Transcripts[i].Coverage
		if len(cov) != m.opts.Bins || !(floats.Sum(cov) > 0) {
			m.success[i] = math.NaN()
			m.tables[i] = nil
			continue
		}
		mean := stat.Mean(m.centers, cov)
		if math.IsNaN(mean) {
			m.success[i] = math.NaN()
			m.tables[i] = nil
			continue
		}
		p := successProbability(mean, m.opts.Bins)
		switch {
		case p < Epsilon:
			p = Epsilon
		case p > 1-Epsilon:
			p = 1 - Epsilon
		}
		m.success[i] = p
		t := m.tables[i]
		if t == nil {
			t = make([]float64, m.opts.Bins)
			m.tables[i] = t
		}
		for b, x := range m.centers {
			t[b] = binomialWeight(x, p, m.opts.Bins)
		}
	}
}

// Weights returns the per-bin weights for a transcript. The returned
// slice must not be modified, and is valid until the next Fit.
func (m *Model) Weights(target int32) []float64 {
	switch m.kind {
	case Empirical:
		return m.density[m.bucketOf[target]]
	case Binomial:
		if t := m.tables[target]; t != nil {
			return t
		}
	case Logistic:
		return m.curve
	}
	return m.uniform
}

// Weight returns the weight for a relative position in [0,1) on a transcript.
func (m *Model) Weight(target int32, position float64) float64 {
	switch m.kind {
	case Empirical:
		return m.density[m.bucketOf[target]][transcripts.Bin(position, m.opts.Bins)]
	case Binomial:
		if p := m.success[target]; !math.IsNaN(p) {
			return binomialWeight(position, p, m.opts.Bins)
		}
	case Logistic:
		return logisticWeight(position, m.opts.GrowthRate)
	}
	return 1
}

func floor(w float64) float64 {
	if !(w >= Epsilon) {
		return Epsilon
	}
	if w > 1 {
		return 1
	}
	return w
}

// logBinomialDensity is the continuous relaxation of the binomial
// log-probability of k successes in n trials.
func logBinomialDensity(k, n, p float64) float64 {
	lgn, _ := math.Lgamma(n + 1)
	lgk, _ := math.Lgamma(k + 1)
	lgnk, _ := math.Lgamma(n - k + 1)
	return lgn - lgk - lgnk + k*math.Log(p) + (n-k)*math.Log1p(-p)
}

// successProbability converts a mean relative position into the
// success probability of a binomial over bins-1 trials whose mean
// falls on the same point of the bin scale.
func successProbability(mean float64, bins int) float64 {
	n := float64(bins - 1)
	if n <= 0 {
		return 0.5
	}
	return (mean*float64(bins) - 0.5) / n
}

// binomialWeight maps the relative position x onto the bin scale,
// where the center of bin b is b successes out of bins-1 trials, and
// returns the density there relative to the density at the mean p*n.
func binomialWeight(x, p float64, bins int) float64 {
	n := float64(bins - 1)
	if n <= 0 {
		return 1
	}
	k := x*float64(bins) - 0.5
	switch {
	case k < 0:
		k = 0
	case k > n:
		k = n
	}
	return floor(math.Exp(logBinomialDensity(k, n, p) - logBinomialDensity(p*n, n, p)))
}

// logisticWeight is the logistic curve centered on the middle of the
// transcript.
func logisticWeight(x, rate float64) float64 {
	z := rate * (x - 0.5)
	var w float64
	if z >= 0 {
		w = 1 / (1 + math.Exp(-z))
	} else {
		e := math.Exp(z)
		w = e / (1 + e)
	}
	return floor(w)
}
