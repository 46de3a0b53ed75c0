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

package alignment

import (
	"math"
	"strings"
)

// ScoreScale converts raw score differences into relative weights:
// an alignment scoring d below the best one of its read gets weight
// exp(-d/ScoreScale).
const ScoreScale = 10.0

// References gives the filter access to the target table.
type References interface {
	Len() int
	TargetLength(target int32) int32
}

// Reason tells why an alignment was rejected, or Admitted.
type Reason int

const (
	Admitted Reason = iota
	Malformed
	UnmappedRecord
	FivePrimeClip
	ThreePrimeClip
	AlignedFraction
	AlignedLength
	WrongStrand
	LowScore
	nofReasons
)

var reasonNames = [nofReasons]string{
	"admitted",
	"malformed",
	"unmapped",
	"5' clip",
	"3' clip",
	"aligned fraction",
	"aligned length",
	"strand",
	"score",
}

func (r Reason) String() string {
	if r < 0 || r >= nofReasons {
		return "unknown"
	}
	return reasonNames[r]
}

// Reasons lists all rejection reasons in check order.
func Reasons() []Reason {
	return []Reason{Malformed, UnmappedRecord, FivePrimeClip, ThreePrimeClip, AlignedFraction, AlignedLength, WrongStrand, LowScore}
}

// RejectionCounts records how many alignments were rejected for each
// Reason, and how many reads had no admissible alignment left.
type RejectionCounts struct {
	Alignments     [nofReasons]int64
	DiscardedReads int64
}

// Count returns the number of alignments rejected for the given reason.
func (counts *RejectionCounts) Count(r Reason) int64 {
	return counts.Alignments[r]
}

// Add adds the counts of other to counts.
func (counts *RejectionCounts) Add(other *RejectionCounts) {
	for i, n := range other.Alignments {
		counts.Alignments[i] += n
	}
	counts.DiscardedReads += other.DiscardedReads
}

// Rejected returns the total number of rejected alignments.
func (counts *RejectionCounts) Rejected() (total int64) {
	for _, r := range Reasons() {
		total += counts.Alignments[r]
	}
	return total
}

// Filters is the set of thresholds an alignment must pass.
type Filters struct {
	FivePrimeClipMax   int64
	ThreePrimeClipMax  int64
	ScoreThreshold     float64
	MinAlignedFraction float64
	MinAlignedLength   int32
	Strand             Strand
}

// DefaultFilters returns the filters used when nothing else is
// requested. The score threshold admits alignments within 10% of the
// best score of their read.
func DefaultFilters() Filters {
	return Filters{
		FivePrimeClipMax:   math.MaxInt64,
		ThreePrimeClipMax:  math.MaxInt64,
		ScoreThreshold:     0.9,
		MinAlignedFraction: 0.5,
		MinAlignedLength:   50,
		Strand:             Both,
	}
}

// NoFilters returns filters that admit every well-formed mapped alignment.
func NoFilters() Filters {
	return Filters{
		FivePrimeClipMax:   math.MaxInt64,
		ThreePrimeClipMax:  math.MaxInt64,
		ScoreThreshold:     0,
		MinAlignedFraction: 0,
		MinAlignedLength:   1,
		Strand:             Both,
	}
}

// NanocountFilters returns filters matching the NanoCount defaults.
func NanocountFilters() Filters {
	return Filters{
		FivePrimeClipMax:   math.MaxInt64,
		ThreePrimeClipMax:  50,
		ScoreThreshold:     0.95,
		MinAlignedFraction: 0.5,
		MinAlignedLength:   50,
		Strand:             Forward,
	}
}

// FilterGroup returns the named preset: "" or "default",
// "no-filters", or "nanocount-filters".
func FilterGroup(name string) (Filters, bool) {
	switch strings.ToLower(name) {
	case "", "default":
		return DefaultFilters(), true
	case "no-filters", "nofilters":
		return NoFilters(), true
	case "nanocount-filters", "nanocount":
		return NanocountFilters(), true
	default:
		return Filters{}, false
	}
}

func wellFormed(rec *Record, refs References) bool {
	if int(rec.Target) >= refs.Len() {
		return false
	}
	if rec.Start < 0 || rec.End <= rec.Start || rec.End > refs.TargetLength(rec.Target) {
		return false
	}
	if rec.LeftClip < 0 || rec.RightClip < 0 || rec.QuerySpan <= 0 {
		return false
	}
	return rec.LeftClip+rec.RightClip+rec.QuerySpan == rec.ReadLength
}

// Check applies all per-record checks to rec, in order, and returns
// the first one that fails, or Admitted. The score threshold needs
// the other alignments of the read and is applied by FilterRead.
func (f *Filters) Check(rec *Record, refs References) Reason {
	if rec.IsUnmapped() || rec.Target < 0 {
		return UnmappedRecord
	}
	if !wellFormed(rec, refs) {
		return Malformed
	}
	if int64(rec.FivePrimeClip()) > f.FivePrimeClipMax {
		return FivePrimeClip
	}
	if int64(rec.ThreePrimeClip()) > f.ThreePrimeClipMax {
		return ThreePrimeClip
	}
	if rec.AlignedFraction() < f.MinAlignedFraction {
		return AlignedFraction
	}
	if rec.QuerySpan < f.MinAlignedLength {
		return AlignedLength
	}
	if f.Strand != Both && rec.Strand() != f.Strand {
		return WrongStrand
	}
	return Admitted
}

// FilterRead filters all alignments of a single read. Alignments that
// pass Check are compared to the best score among them, and those
// more than a fraction 1-ScoreThreshold of its magnitude below it are
// dropped, which for a positive best score is ScoreThreshold times
// that score. Secondary and
// supplementary alignments are treated like any other candidate. The
// survivors are returned with their scores normalized relative to the
// best one. Rejections are added to counts; an empty result counts as
// a discarded read.
func (f *Filters) FilterRead(recs []Record, refs References, counts *RejectionCounts) (result []Admissible) {
	passed := make([]int, 0, len(recs))
	best := int32(math.MinInt32)
	for i := range recs {
		rec := &recs[i]
		if reason := f.Check(rec, refs); reason != Admitted {
			counts.Alignments[reason]++
			continue
		}
		passed = append(passed, i)
		if rec.Score > best {
			best = rec.Score
		}
	}
	if len(passed) == 0 {
		counts.DiscardedReads++
		return nil
	}
	// A threshold of 0 disables the check. The cutoff lies below the
	// best score whatever its sign.
	checkScore := f.ScoreThreshold > 0
	cutoff := float64(best) - (1-f.ScoreThreshold)*math.Abs(float64(best))
	result = make([]Admissible, 0, len(passed))
	for _, i := range passed {
		rec := &recs[i]
		if checkScore && float64(rec.Score) < cutoff {
			counts.Alignments[LowScore]++
			continue
		}
		result = append(result, Admissible{
			Target:   rec.Target,
			Weight:   math.Exp(float64(rec.Score-best) / ScoreScale),
			Strand:   rec.Strand(),
			Position: rec.RelativePosition(refs.TargetLength(rec.Target)),
		})
	}
	return result
}
