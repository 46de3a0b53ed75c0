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
Package bamio reads SAM and BAM alignment files with biogo/hts and
converts their records into alignment records.

Records of the same read must be next to each other in the file, as
produced by aligners writing name-grouped output, or by samtools
collate. The reference table is taken from the @SQ lines of the
header, in header order.
*/
package bamio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/transcripts"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
)

// SAM file extensions.
const (
	SamExt  = ".sam"
	BamExt  = ".bam"
	cramExt = ".cram"
)

// alignmentReader is the part of bam.Reader and sam.Reader used here.
type alignmentReader interface {
	Header() *sam.Header
	Read() (*sam.Record, error)
}

// InputFile represents a SAM or BAM file for input.
type InputFile struct {
	reader   alignmentReader
	closers  []io.Closer
	table    *transcripts.Table
	scoreTag sam.Tag
	missing  int64
}

// Open a SAM or BAM file for input.
//
// If the filename extension is not .bam, then .sam is always
// assumed.
//
// If the name is "/dev/stdin", then the input is read from os.Stdin
func Open(name string) (*InputFile, error) {
	switch filepath.Ext(name) {
	case BamExt:
		file, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		reader, err := bam.NewReader(bufio.NewReader(file), 0)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w, while opening BAM file %v", err, name)
		}
		f := newInputFile(reader)
		f.closers = append(f.closers, reader, file)
		return f, nil
	case cramExt:
		return nil, fmt.Errorf("CRAM format not supported when opening %v", name)
	default:
		if name == "/dev/stdin" {
			return NewSAMReader(os.Stdin)
		}
		file, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		f, err := NewSAMReader(file)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w, while opening SAM file %v", err, name)
		}
		f.closers = append(f.closers, file)
		return f, nil
	}
}

// NewSAMReader returns an InputFile that parses SAM text from r. The
// header is parsed immediately.
func NewSAMReader(r io.Reader) (*InputFile, error) {
	reader, err := sam.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	return newInputFile(reader), nil
}

func newInputFile(reader alignmentReader) *InputFile {
	refs := reader.Header().Refs()
	table := transcripts.NewTable(len(refs))
	for _, ref := range refs {
		table.Add(ref.Name(), int32(ref.Len()))
	}
	return &InputFile{
		reader:   reader,
		table:    table,
		scoreTag: sam.NewTag("AS"),
	}
}

// Table returns the reference table built from the header.
func (f *InputFile) Table() *transcripts.Table {
	return f.table
}

// MissingScores returns the number of mapped records read so far that
// had no AS tag. Their score is taken to be 0.
func (f *InputFile) MissingScores() int64 {
	return f.missing
}

// Next returns the next alignment record, or io.EOF at the end of the
// file.
func (f *InputFile) Next() (alignment.Record, error) {
	rec, err := f.reader.Read()
	if err != nil {
		return alignment.Record{}, err
	}
	aln, hasScore := Convert(rec, f.scoreTag)
	if !hasScore && !aln.IsUnmapped() {
		f.missing++
	}
	return aln, nil
}

// Close closes the SAM/BAM input file.
func (f *InputFile) Close() (err error) {
	for _, c := range f.closers {
		if nerr := c.Close(); err == nil {
			err = nerr
		}
	}
	return err
}

// Convert turns a biogo SAM record into an alignment record. The
// score is read from the given integer tag; hasScore reports whether
// the tag was present.
func Convert(rec *sam.Record, scoreTag sam.Tag) (aln alignment.Record, hasScore bool) {
	aln.Name = rec.Name
	aln.Flag = uint16(rec.Flags)
	aln.Target = -1
	if rec.Ref != nil {
		aln.Target = int32(rec.Ref.ID())
	}
	aln.Start = int32(rec.Pos)
	if len(rec.Cigar) > 0 {
		aln.End = int32(rec.End())
	} else {
		aln.End = aln.Start
	}
	aln.LeftClip, aln.QuerySpan, aln.RightClip = clips(rec.Cigar)
	aln.ReadLength = aln.LeftClip + aln.QuerySpan + aln.RightClip
	aln.Score, hasScore = intTag(rec.AuxFields, scoreTag)
	return aln, hasScore
}

func isClip(t sam.CigarOpType) bool {
	return t == sam.CigarSoftClipped || t == sam.CigarHardClipped
}

// clips returns the clipped query bases before the aligned part, the
// query bases consumed by the aligned part, and the clipped query
// bases after it. Hard clips count as clipped bases.
func clips(cigar sam.Cigar) (left, span, right int32) {
	first, last := 0, len(cigar)
	for first < last && isClip(cigar[first].Type()) {
		left += int32(cigar[first].Len())
		first++
	}
	for last > first && isClip(cigar[last-1].Type()) {
		right += int32(cigar[last-1].Len())
		last--
	}
	for _, co := range cigar[first:last] {
		if isClip(co.Type()) {
			continue
		}
		span += int32(co.Len() * co.Type().Consumes().Query)
	}
	return left, span, right
}

func intTag(fields sam.AuxFields, tag sam.Tag) (int32, bool) {
	aux := fields.Get(tag)
	if aux == nil {
		return 0, false
	}
	switch v := aux.Value().(type) {
	case int8:
		return int32(v), true
	case uint8:
		return int32(v), true
	case int16:
		return int32(v), true
	case uint16:
		return int32(v), true
	case int32:
		return v, true
	case uint32:
		return int32(v), true
	case float32:
		return int32(v), true
	default:
		return 0, false
	}
}
