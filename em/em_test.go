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

package em

import (
	"context"
	"math"
	"testing"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/bias"
	"github.com/exascience/elquant/eqclass"
	"github.com/exascience/elquant/internal"
	"github.com/exascience/elquant/transcripts"
)

type read []alignment.Admissible

func unique(target int32) read {
	return read{{Target: target, Weight: 1, Position: 0.5}}
}

func collect(bins int, reads []read) *eqclass.Collection {
	b := eqclass.NewBuilder(eqclass.DefaultResolution, bins)
	for _, r := range reads {
		b.Add(r)
	}
	return b.Classes()
}

func makeTable(lengths ...int32) *transcripts.Table {
	table := transcripts.NewTable(len(lengths))
	for i, l := range lengths {
		table.Add(string(rune('A'+i)), l)
	}
	return table
}

// threeTranscriptReads has 4 reads unique to A, 2 unique to B, 1 unique
// to C, and 3 reads shared equally by A and B. With equal lengths the
// maximum likelihood abundances are A=6, B=3, C=1.
func threeTranscriptReads() []read {
	shared := read{{Target: 0, Weight: 1, Position: 0.5}, {Target: 1, Weight: 1, Position: 0.5}}
	return []read{
		unique(0), unique(0), unique(0), unique(0),
		unique(1), unique(1),
		unique(2),
		shared, shared, shared,
	}
}

func tightOptions() Options {
	opts := DefaultOptions()
	opts.Tolerance = 1e-10
	opts.MaxIterations = 10000
	return opts
}

func TestThreeTranscriptGroundTruth(t *testing.T) {
	table := makeTable(1000, 1000, 1000)
	res, err := New(table, collect(0, threeTranscriptReads()), nil, tightOptions()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged || res.State != Converged {
		t.Error("convergence failed")
	}
	for i, expected := range []float64{6, 3, 1} {
		if math.Abs(res.Abundance[i]-expected) > 1e-6 {
			t.Error("ground truth failed for", i, res.Abundance[i])
		}
	}
	const window = 3
	for i := window; i < len(res.Deltas); i++ {
		max := 0.0
		for _, d := range res.Deltas[i-window : i] {
			if d > max {
				max = d
			}
		}
		if res.Deltas[i] > max {
			t.Error("monotonic convergence failed at iteration", i+1)
		}
	}
}

func TestConservation(t *testing.T) {
	reads := threeTranscriptReads()
	reads = append(reads, read{{Target: 0, Weight: 0.3}, {Target: 2, Weight: 1}}, read{{Target: 1, Weight: 0.8}, {Target: 2, Weight: 0.9}})
	coll := collect(0, reads)
	var total int64
	for _, c := range coll.Classes {
		total += c.Count
	}
	if total != int64(len(reads)) || coll.Reads != total {
		t.Fatal("multiplicity conservation failed")
	}
	for _, iterations := range []int{1, 2, 7} {
		opts := DefaultOptions()
		opts.MaxIterations = iterations
		opts.MinIterations = iterations
		res, err := New(makeTable(1000, 700, 300), coll, nil, opts).Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Iterations != iterations {
			t.Error("iteration cap failed")
		}
		var sum internal.Sum
		for _, a := range res.Abundance {
			sum.Add(a)
		}
		if math.Abs(sum.Value()-float64(total)) > 1e-9 {
			t.Error("M-step conservation failed", sum.Value())
		}
	}
}

func TestEndToEndTwoTranscripts(t *testing.T) {
	refs := makeTable(1000, 500)
	f := alignment.DefaultFilters()
	full := func(name string, target, score int32) alignment.Record {
		return alignment.Record{Name: name, Target: target, Start: 0, End: 400, ReadLength: 400, QuerySpan: 400, Score: score}
	}
	var counts alignment.RejectionCounts
	b := eqclass.NewBuilder(eqclass.DefaultResolution, 0)
	b.Add(f.FilterRead([]alignment.Record{full("A", 0, 60)}, refs, &counts))
	b.Add(f.FilterRead([]alignment.Record{full("B", 1, 60)}, refs, &counts))
	b.Add(f.FilterRead([]alignment.Record{full("C", 0, 55), full("C", 1, 58)}, refs, &counts))
	if counts.Rejected() != 0 {
		t.Fatal("default filters rejected the scenario")
	}
	res, err := New(refs, b.Classes(), nil, DefaultOptions()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged || res.Iterations <= 1 {
		t.Error("end-to-end convergence failed")
	}
	a1, a2 := res.Abundance[0], res.Abundance[1]
	if math.Abs(a1+a2-3) > 1e-9 {
		t.Error("end-to-end total failed")
	}
	// fixed point of c = w*(1+c) / (w*(1+c) + 2*(2-c)) with w = exp(-0.3)
	if math.Abs(a1-1.197) > 0.01 || a2 < 1.5 || a2 > 2 {
		t.Error("end-to-end split failed", a1, a2)
	}
	if math.Abs(res.TPM[0]+res.TPM[1]-1e6) > 1e-3 {
		t.Error("TPM normalisation failed")
	}
	fractions := res.Fractions()
	if math.Abs(fractions[0]+fractions[1]-1) > 1e-12 {
		t.Error("Fractions failed")
	}
}

func TestUnobservedTranscript(t *testing.T) {
	table := makeTable(1000, 1000, 1000, 2000)
	res, err := New(table, collect(0, threeTranscriptReads()), nil, DefaultOptions()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Abundance[3] != 0 || res.TPM[3] != 0 {
		t.Error("unobserved transcript failed", res.Abundance[3])
	}
	for _, a := range res.Abundance {
		if a < 0 || math.IsNaN(a) {
			t.Error("non-negative abundance failed")
		}
	}
}

func TestPartitionInvariance(t *testing.T) {
	var reads []read
	for i := 0; i < 200; i++ {
		t1, t2 := int32(i%7), int32((i*3+1)%7)
		reads = append(reads, read{{Target: t1, Weight: 1}, {Target: t2, Weight: 0.5 + float64(i%5)/10}})
	}
	var results [][]float64
	for _, partitions := range []int{1, 3, 8} {
		opts := tightOptions()
		opts.Partitions = partitions
		res, err := New(makeTable(100, 200, 300, 400, 500, 600, 700), collect(0, reads), nil, opts).Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, res.Abundance)
	}
	for _, result := range results[1:] {
		for i, a := range result {
			if math.Abs(a-results[0][i]) > 1e-9*math.Max(1, a) {
				t.Error("partition invariance failed for", i)
			}
		}
	}
}

func TestBiasModelRun(t *testing.T) {
	const bins = 10
	var reads []read
	for i := 0; i < 50; i++ {
		pos := float64(i%10) / 10
		reads = append(reads, read{{Target: 0, Weight: 1, Position: pos}, {Target: 1, Weight: 0.9, Position: pos * pos}})
		reads = append(reads, read{{Target: 1, Weight: 1, Position: 0.95}})
	}
	for _, kind := range []bias.Kind{bias.Empirical, bias.Binomial, bias.Logistic} {
		table := makeTable(1000, 800)
		table.EnableCoverage(bins)
		model := bias.New(kind, bias.Options{Bins: bins, Bandwidth: 0.05, LengthBuckets: 1, GrowthRate: 2})
		model.Prepare(table)
		res, err := New(table, collect(bins, reads), model, DefaultOptions()).Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(res.Abundance[0]+res.Abundance[1]-100) > 1e-6 {
			t.Error(kind, "bias model conservation failed")
		}
		if res.Coverage == nil {
			t.Fatal(kind, "coverage snapshot failed")
		}
		var covered float64
		for _, cov := range res.Coverage {
			for _, c := range cov {
				covered += c
			}
		}
		if math.Abs(covered-100) > 1e-6 {
			t.Error(kind, "coverage mass failed", covered)
		}
	}
}

func TestDegenerateClass(t *testing.T) {
	table := makeTable(100, 100)
	e := New(table, collect(0, []read{{{Target: 0, Weight: 1}, {Target: 1, Weight: 1}}}), nil, DefaultOptions())
	acc := e.step(false)
	if acc.degenerate != 1 {
		t.Error("degenerate detection failed")
	}
	if acc.abundance[0].Value() != 0.5 || acc.abundance[1].Value() != 0.5 {
		t.Error("uniform split failed")
	}
}

func TestNumericError(t *testing.T) {
	table := makeTable(100, 100)
	e := New(table, collect(0, []read{unique(0)}), nil, DefaultOptions())
	acc := &partial{abundance: make([]internal.Sum, 2)}
	acc.abundance[1].Add(math.NaN())
	_, err := e.store(acc, 4)
	nerr, ok := err.(*NumericError)
	if !ok {
		t.Fatal("NumericError failed")
	}
	if nerr.Iteration != 4 || len(nerr.Transcripts) != 1 || nerr.Transcripts[0] != 1 {
		t.Error("NumericError context failed")
	}
}

func TestMaxIterations(t *testing.T) {
	opts := DefaultOptions()
	opts.Tolerance = 0
	opts.MaxIterations = 5
	res, err := New(makeTable(1000, 1000, 1000), collect(0, threeTranscriptReads()), nil, opts).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Converged || res.State != MaxIterationsReached || res.Iterations != 5 {
		t.Error("max iterations failed")
	}
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New(makeTable(1000, 1000, 1000), collect(0, threeTranscriptReads()), nil, DefaultOptions()).Run(ctx)
	if err != context.Canceled {
		t.Error("cancellation failed")
	}
	if res == nil || res.Converged || res.State != Cancelled {
		t.Error("cancelled result failed")
	}
	if res.State.String() != "cancelled" {
		t.Error("cancelled state name failed")
	}
}

func TestWeakAlignmentWeight(t *testing.T) {
	var reads []read
	for i := 0; i < 10; i++ {
		reads = append(reads, unique(0), unique(1))
	}
	weak := read{{Target: 0, Weight: 1, Position: 0.5}, {Target: 1, Weight: 1e-4, Position: 0.5}}
	for i := 0; i < 100; i++ {
		reads = append(reads, weak)
	}
	e := New(makeTable(1000, 1000), collect(0, reads), nil, DefaultOptions())
	e.initialize()
	acc := e.step(false)
	if b := acc.abundance[1].Value(); math.Abs(b-(10+100*1e-4/(1+1e-4))) > 1e-3 {
		t.Error("weak alignment weight failed", b)
	}
	if math.Abs(acc.abundance[0].Value()+acc.abundance[1].Value()-120) > 1e-9 {
		t.Error("weak alignment conservation failed")
	}
}

func TestPosteriors(t *testing.T) {
	classes := collect(0, threeTranscriptReads())
	e := New(makeTable(1000, 1000, 1000), classes, nil, tightOptions())
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	found := false
	for ci, c := range classes.Classes {
		probs := e.Posteriors(ci)
		if len(probs) != len(c.Members) {
			t.Fatal("posterior length failed")
		}
		if len(c.Members) == 1 {
			if math.Abs(probs[0]-1) > 1e-12 {
				t.Error("unique class posterior failed")
			}
			continue
		}
		found = true
		if math.Abs(probs[0]-2.0/3) > 1e-6 || math.Abs(probs[1]-1.0/3) > 1e-6 {
			t.Error("shared class posterior failed", probs)
		}
	}
	if !found {
		t.Error("shared class missing")
	}
}
