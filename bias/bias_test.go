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

package bias

import (
	"math"
	"testing"

	"github.com/exascience/elquant/transcripts"
)

func skewedTable(bins int) *transcripts.Table {
	table := transcripts.NewTable(3)
	table.EnableCoverage(bins)
	table.Add("short", 300)
	table.Add("medium", 1000)
	table.Add("long", 5000)
	for i := range table.Transcripts {
		cov := table.Transcripts[i].Coverage
		for b := range cov {
			cov[b] = float64(b + 1)
		}
	}
	return table
}

func checkRange(t *testing.T, name string, w float64) {
	if math.IsNaN(w) || w < Epsilon || w > 1 {
		t.Error(name, "weight out of range:", w)
	}
}

func TestWeightsAtExtremes(t *testing.T) {
	positions := []float64{0, 1e-12, 0.5, 0.999999, 1}
	for _, kind := range []Kind{None, Empirical, Binomial, Logistic} {
		for _, rate := range []float64{2, -2, 1e6} {
			m := New(kind, Options{Bins: 10, Bandwidth: 0.05, LengthBuckets: 2, GrowthRate: rate})
			table := skewedTable(10)
			m.Prepare(table)
			for round := 0; round < 2; round++ {
				for target := int32(0); target < 3; target++ {
					for _, pos := range positions {
						checkRange(t, kind.String(), m.Weight(target, pos))
					}
					for _, w := range m.Weights(target) {
						checkRange(t, kind.String(), w)
					}
				}
				m.Fit(table)
			}
		}
	}
}

func TestUnfittedWeightsAreUniform(t *testing.T) {
	for _, kind := range []Kind{Empirical, Binomial} {
		m := New(kind, Options{Bins: 5, Bandwidth: 0.1})
		table := transcripts.NewTable(1)
		table.EnableCoverage(5)
		table.Add("t", 100)
		m.Prepare(table)
		m.Fit(table)
		for _, w := range m.Weights(0) {
			if w != 1 {
				t.Error(kind, "unfitted weights failed")
			}
		}
	}
}

func TestEmpiricalFollowsCoverage(t *testing.T) {
	m := New(Empirical, Options{Bins: 10, Bandwidth: 0.05, LengthBuckets: 1})
	table := skewedTable(10)
	m.Prepare(table)
	m.Fit(table)
	w := m.Weights(0)
	argmax := 0
	for b := range w {
		if w[b] > w[argmax] {
			argmax = b
		}
	}
	if w[argmax] != 1 || argmax < 7 {
		t.Error("empirical maximum failed")
	}
	if !(w[0] < w[5] && w[5] < w[argmax]) {
		t.Error("empirical shape failed")
	}
}

func TestBinomialMode(t *testing.T) {
	m := New(Binomial, Options{Bins: 11})
	table := transcripts.NewTable(1)
	table.EnableCoverage(11)
	table.Add("t", 1000)
	table.Transcripts[0].Coverage[5] = 10
	m.Prepare(table)
	m.Fit(table)
	w := m.Weights(0)
	if math.Abs(w[5]-1) > 1e-9 {
		t.Error("binomial mode weight failed", w[5])
	}
	if !(w[0] < w[3] && w[3] < w[5]) || math.Abs(w[2]-w[8]) > 1e-9 {
		t.Error("binomial shape failed")
	}
}

func TestBinomialSkewedMode(t *testing.T) {
	m := New(Binomial, Options{Bins: 11})
	table := transcripts.NewTable(1)
	table.EnableCoverage(11)
	table.Add("t", 1000)
	table.Transcripts[0].Coverage[2] = 10
	m.Prepare(table)
	m.Fit(table)
	w := m.Weights(0)
	if math.Abs(w[2]-1) > 1e-9 {
		t.Error("binomial skewed mode weight failed", w[2])
	}
	if !(w[1] < 1 && w[3] < 1 && w[3] > w[6]) {
		t.Error("binomial skewed shape failed")
	}
	if math.Abs(successProbability(2.5/11, 11)-0.2) > 1e-12 {
		t.Error("successProbability failed")
	}
}

func TestLogisticDirection(t *testing.T) {
	if !(logisticWeight(0.9, 4) > logisticWeight(0.1, 4)) {
		t.Error("positive growth rate failed")
	}
	if !(logisticWeight(0.9, -4) < logisticWeight(0.1, -4)) {
		t.Error("negative growth rate failed")
	}
	if logisticWeight(0.5, 7) != 0.5 {
		t.Error("logistic midpoint failed")
	}
	if logisticWeight(0, 1e9) != Epsilon {
		t.Error("logistic underflow floor failed")
	}
}

func TestParseKind(t *testing.T) {
	for s, expected := range map[string]Kind{"none": None, "": None, "kde": Empirical, "binomial": Binomial, "Logistic": Logistic} {
		if k, err := ParseKind(s); err != nil || k != expected {
			t.Error("ParseKind failed for", s)
		}
	}
	if _, err := ParseKind("gaussian"); err == nil {
		t.Error("ParseKind error failed")
	}
}
