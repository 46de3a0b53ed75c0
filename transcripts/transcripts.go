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
Package transcripts holds the per-reference state that the EM
estimator reads and updates: lengths, effective lengths, coverage bins,
and the current abundance estimate.
*/
package transcripts

import (
	"fmt"
	"math"
)

// MinEffectiveLength is the floor for effective lengths.
const MinEffectiveLength = 1.0

// A Transcript is one reference sequence.
type Transcript struct {
	Name            string
	Length          int32
	EffectiveLength float64

	// Coverage is nil unless coverage modelling is enabled.
	Coverage []float64

	Abundance float64
}

// Table is the ordered reference table. Transcript indexes are
// positions in Transcripts.
type Table struct {
	Transcripts []Transcript
	bins        int
}

// NewTable returns an empty table with room for n transcripts.
func NewTable(n int) *Table {
	return &Table{Transcripts: make([]Transcript, 0, n)}
}

// Add appends a transcript whose effective length equals its length,
// and returns its index.
func (table *Table) Add(name string, length int32) int32 {
	return table.AddWithEffectiveLength(name, length, float64(length))
}

// AddWithEffectiveLength appends a transcript, flooring the effective
// length at MinEffectiveLength, and returns its index.
func (table *Table) AddWithEffectiveLength(name string, length int32, effectiveLength float64) int32 {
	if math.IsNaN(effectiveLength) || effectiveLength < MinEffectiveLength {
		effectiveLength = MinEffectiveLength
	}
	txp := Transcript{Name: name, Length: length, EffectiveLength: effectiveLength}
	if table.bins > 0 {
		txp.Coverage = make([]float64, table.bins)
	}
	table.Transcripts = append(table.Transcripts, txp)
	return int32(len(table.Transcripts) - 1)
}

// Len returns the number of transcripts.
func (table *Table) Len() int {
	return len(table.Transcripts)
}

// TargetLength returns the length of the given transcript.
func (table *Table) TargetLength(target int32) int32 {
	return table.Transcripts[target].Length
}

// Validate checks that the table is usable for quantification.
func (table *Table) Validate() error {
	if len(table.Transcripts) == 0 {
		return fmt.Errorf("reference table contains no transcripts")
	}
	for i := range table.Transcripts {
		if table.Transcripts[i].Length <= 0 {
			return fmt.Errorf("transcript %v (%v) has non-positive length %v", i, table.Transcripts[i].Name, table.Transcripts[i].Length)
		}
	}
	return nil
}

// EnableCoverage allocates bins coverage counters for every
// transcript, current and future, and clears existing ones.
func (table *Table) EnableCoverage(bins int) {
	table.bins = bins
	for i := range table.Transcripts {
		if bins > 0 {
			table.Transcripts[i].Coverage = make([]float64, bins)
		} else {
			table.Transcripts[i].Coverage = nil
		}
	}
}

// Bins returns the number of coverage bins per transcript, or 0.
func (table *Table) Bins() int {
	return table.bins
}

// Bin maps a relative position in [0,1) to a coverage bin.
func Bin(position float64, bins int) int {
	if bins <= 1 || !(position > 0) {
		return 0
	}
	b := int(position * float64(bins))
	if b >= bins {
		return bins - 1
	}
	return b
}

// BinCenter returns the relative position of the center of bin b.
func BinCenter(b, bins int) float64 {
	return (float64(b) + 0.5) / float64(bins)
}

// ResetAbundances sets all abundances to zero.
func (table *Table) ResetAbundances() {
	for i := range table.Transcripts {
		table.Transcripts[i].Abundance = 0
	}
}

// CoverageSnapshot returns a copy of all coverage bins, or nil when
// coverage is not modelled.
func (table *Table) CoverageSnapshot() [][]float64 {
	if table.bins == 0 {
		return nil
	}
	snapshot := make([][]float64, len(table.Transcripts))
	for i := range table.Transcripts {
		snapshot[i] = append([]float64(nil), table.Transcripts[i].Coverage...)
	}
	return snapshot
}
