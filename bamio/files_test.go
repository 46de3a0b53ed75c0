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

package bamio

import (
	"io"
	"strings"
	"testing"

	"github.com/exascience/elquant/alignment"

	"github.com/biogo/hts/sam"
)

func TestConvert(t *testing.T) {
	score, err := sam.NewAux(sam.NewTag("AS"), 55)
	if err != nil {
		t.Fatal(err)
	}
	rec := &sam.Record{
		Name:  "r1",
		Pos:   10,
		Flags: sam.Reverse | sam.Secondary,
		Cigar: sam.Cigar{
			sam.NewCigarOp(sam.CigarHardClipped, 4),
			sam.NewCigarOp(sam.CigarSoftClipped, 6),
			sam.NewCigarOp(sam.CigarMatch, 50),
			sam.NewCigarOp(sam.CigarInsertion, 2),
			sam.NewCigarOp(sam.CigarDeletion, 3),
			sam.NewCigarOp(sam.CigarMatch, 20),
			sam.NewCigarOp(sam.CigarSoftClipped, 8),
		},
		AuxFields: sam.AuxFields{score},
	}
	aln, hasScore := Convert(rec, sam.NewTag("AS"))
	if !hasScore || aln.Score != 55 {
		t.Error("score conversion failed")
	}
	if aln.Target != -1 || aln.Name != "r1" {
		t.Error("target conversion failed")
	}
	if aln.Start != 10 || aln.End != 83 {
		t.Error("coordinate conversion failed", aln.Start, aln.End)
	}
	if aln.LeftClip != 10 || aln.RightClip != 8 || aln.QuerySpan != 72 || aln.ReadLength != 90 {
		t.Error("clip conversion failed", aln.LeftClip, aln.QuerySpan, aln.RightClip)
	}
	if !aln.IsReversed() || !aln.IsSecondary() || aln.FivePrimeClip() != 8 {
		t.Error("flag conversion failed")
	}
	if _, hasScore := Convert(&sam.Record{Name: "r2", Flags: sam.Unmapped}, sam.NewTag("AS")); hasScore {
		t.Error("missing score failed")
	}
}

func TestSAMReader(t *testing.T) {
	text := strings.Join([]string{
		"@SQ\tSN:t1\tLN:1000",
		"@SQ\tSN:t2\tLN:500",
		"r1\t0\tt1\t11\t60\t5S90M5H\t*\t0\t0\t" + strings.Repeat("A", 95) + "\t*\tAS:i:180",
		"r1\t272\tt2\t1\t0\t100M\t*\t0\t0\t" + strings.Repeat("C", 100) + "\t*\tAS:i:150",
		"r2\t4\t*\t0\t0\t*\t*\t0\t0\t*\t*",
		"",
	}, "\n")
	f, err := NewSAMReader(strings.NewReader(text))
	if err != nil {
		t.Fatal(err)
	}
	table := f.Table()
	if table.Len() != 2 || table.Transcripts[1].Name != "t2" || table.TargetLength(0) != 1000 {
		t.Error("reference table failed")
	}
	var records []alignment.Record
	for {
		rec, err := f.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
	}
	if len(records) != 3 {
		t.Fatal("record count failed")
	}
	first := records[0]
	if first.Target != 0 || first.Start != 10 || first.End != 100 || first.Score != 180 {
		t.Error("first record failed", first)
	}
	if first.LeftClip != 5 || first.RightClip != 5 || first.QuerySpan != 90 || first.ReadLength != 100 {
		t.Error("first record clips failed")
	}
	if records[1].Target != 1 || !records[1].IsReversed() || records[1].Score != 150 {
		t.Error("second record failed")
	}
	if !records[2].IsUnmapped() || records[2].Target != -1 {
		t.Error("unmapped record failed")
	}
	if f.MissingScores() != 0 {
		t.Error("missing score count failed")
	}
	if err := f.Close(); err != nil {
		t.Error(err)
	}
	filters := alignment.DefaultFilters()
	var counts alignment.RejectionCounts
	admissible := filters.FilterRead(records[:2], table, &counts)
	if len(admissible) != 1 || admissible[0].Target != 0 {
		t.Error("filtering converted records failed")
	}
}

func TestOpenCRAM(t *testing.T) {
	if _, err := Open("reads.cram"); err == nil {
		t.Error("CRAM rejection failed")
	}
}
