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

package quant

import (
	"context"
	"io"

	"github.com/exascience/elquant/alignment"
)

// A RecordSource delivers alignment records once, with all records
// of a read next to each other. Next returns io.EOF after the last
// record.
type RecordSource interface {
	Next() (alignment.Record, error)
}

// SliceSource is a RecordSource over an in-memory slice.
type SliceSource struct {
	records []alignment.Record
	next    int
}

// NewSliceSource returns a RecordSource for records.
func NewSliceSource(records []alignment.Record) *SliceSource {
	return &SliceSource{records: records}
}

// Next implements the RecordSource interface.
func (s *SliceSource) Next() (alignment.Record, error) {
	if s.next >= len(s.records) {
		return alignment.Record{}, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

// readBatches turns a RecordSource into a pargo pipeline.Source whose
// batches are slices of reads, where each read is the run of
// consecutive records with the same name. A name that reappears later
// in the stream starts a new read.
type readBatches struct {
	source  RecordSource
	pending alignment.Record
	has     bool
	eof     bool
	err     error
	data    [][]alignment.Record
	records int64
}

func newReadBatches(source RecordSource) *readBatches {
	return &readBatches{source: source}
}

// Err implements the method of the pipeline.Source interface.
func (b *readBatches) Err() error {
	return b.err
}

// Prepare implements the method of the pipeline.Source interface.
func (b *readBatches) Prepare(_ context.Context) (size int) {
	return -1
}

func (b *readBatches) nextRecord() bool {
	if b.eof {
		return false
	}
	rec, err := b.source.Next()
	if err != nil {
		b.eof = true
		if err != io.EOF {
			b.err = err
		}
		return false
	}
	b.records++
	b.pending = rec
	b.has = true
	return true
}

// nextRead returns the records of the next read, or nil at the end.
func (b *readBatches) nextRead() []alignment.Record {
	if !b.has && !b.nextRecord() {
		return nil
	}
	read := []alignment.Record{b.pending}
	b.has = false
	for b.nextRecord() {
		if b.pending.Name != read[0].Name {
			break
		}
		read = append(read, b.pending)
		b.has = false
	}
	return read
}

// Fetch implements the method of the pipeline.Source interface.
func (b *readBatches) Fetch(size int) (fetched int) {
	data := make([][]alignment.Record, 0, size)
	for fetched = 0; fetched < size; fetched++ {
		read := b.nextRead()
		if read == nil {
			break
		}
		data = append(data, read)
	}
	b.data = data
	return fetched
}

// Data implements the method of the pipeline.Source interface.
func (b *readBatches) Data() interface{} {
	return b.data
}
