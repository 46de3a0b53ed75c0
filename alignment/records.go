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
	"fmt"
	"strings"
)

// FLAG bits, see http://samtools.github.io/hts-specs/SAMv1.pdf - Section 1.4.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// Strand is the orientation of an alignment relative to its target.
type Strand int8

const (
	// Both accepts alignments on either strand when used as a filter.
	Both Strand = 0
	// Forward is the strand of the target sequence.
	Forward Strand = 1
	// Reverse is the reverse complement of the target sequence.
	Reverse Strand = -1
)

func (s Strand) String() string {
	switch s {
	case Forward:
		return "+"
	case Reverse:
		return "-"
	default:
		return "both"
	}
}

// ParseStrand accepts "+", "fw", "forward", "-", "rc", "reverse", ".",
// and "both", case-insensitively.
func ParseStrand(s string) (Strand, error) {
	switch strings.ToLower(s) {
	case "+", "fw", "forward":
		return Forward, nil
	case "-", "rc", "reverse":
		return Reverse, nil
	case "", ".", "both":
		return Both, nil
	default:
		return Both, fmt.Errorf("unknown strand %q", s)
	}
}

// A Record is one raw alignment of a read against a target
// transcript, as delivered by an alignment file reader.
//
// Start and End are 0-based and half-open on the target. LeftClip and
// RightClip are the clipped query bases before and after the aligned
// part in target orientation, so for reverse-strand records the 5'
// clip of the read is RightClip. QuerySpan is the number of query
// bases covered by the aligned part.
type Record struct {
	Name       string
	Flag       uint16
	Target     int32
	Start, End int32
	ReadLength int32
	LeftClip   int32
	RightClip  int32
	QuerySpan  int32
	Score      int32
}

func (rec *Record) IsUnmapped() bool      { return (rec.Flag & Unmapped) != 0 }
func (rec *Record) IsReversed() bool      { return (rec.Flag & Reversed) != 0 }
func (rec *Record) IsSecondary() bool     { return (rec.Flag & Secondary) != 0 }
func (rec *Record) IsSupplementary() bool { return (rec.Flag & Supplementary) != 0 }

// Strand returns Reverse if the Reversed flag is set, and Forward otherwise.
func (rec *Record) Strand() Strand {
	if rec.IsReversed() {
		return Reverse
	}
	return Forward
}

// FivePrimeClip returns the number of clipped bases at the 5' end of the read.
func (rec *Record) FivePrimeClip() int32 {
	if rec.IsReversed() {
		return rec.RightClip
	}
	return rec.LeftClip
}

// ThreePrimeClip returns the number of clipped bases at the 3' end of the read.
func (rec *Record) ThreePrimeClip() int32 {
	if rec.IsReversed() {
		return rec.LeftClip
	}
	return rec.RightClip
}

// AlignedFraction returns QuerySpan / ReadLength.
func (rec *Record) AlignedFraction() float64 {
	if rec.ReadLength <= 0 {
		return 0
	}
	return float64(rec.QuerySpan) / float64(rec.ReadLength)
}

// RelativePosition returns the position of the read's 5' end on the
// target as a fraction of the target length, in [0,1).
func (rec *Record) RelativePosition(targetLength int32) float64 {
	if targetLength <= 0 {
		return 0
	}
	pos := rec.Start
	if rec.IsReversed() {
		pos = rec.End - 1
	}
	switch {
	case pos < 0:
		pos = 0
	case pos >= targetLength:
		pos = targetLength - 1
	}
	return float64(pos) / float64(targetLength)
}

// An Admissible alignment is the part of a Record that survives
// filtering. Weight is the normalized score in (0,1], where 1 is the
// best alignment of the read.
type Admissible struct {
	Target   int32
	Weight   float64
	Strand   Strand
	Position float64
}
