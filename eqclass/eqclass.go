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
Package eqclass groups the admissible alignments of reads into
equivalence classes.

Two reads fall into the same class if and only if they have the same
multiset of (transcript, score bucket, coverage bin) members. The
score bucket of an alignment is the negated natural logarithm of its
normalized score divided by the bucket resolution and rounded to the
nearest integer, so bucket 0 is the best alignment of the read and
weights keep a relative precision of the resolution however weak they
are. The coverage bin is only part of the key when coverage is
modelled.
*/
package eqclass

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/transcripts"

	psort "github.com/exascience/pargo/sort"
)

// DefaultResolution is the default score bucket resolution.
const DefaultResolution = 0.01

// A Member is one candidate transcript of a class.
type Member struct {
	Target int32
	Bucket uint32
	Bin    uint16
}

// A Class is a set of members shared by Count reads.
type Class struct {
	Members []Member
	Count   int64
	// Names of the reads of the class, only kept when the builder
	// keeps names.
	Names []string
	key   string
}

// Key returns the byte encoding of the members, used for grouping and ordering.
func (c *Class) Key() string {
	return c.key
}

// A Builder collects classes from reads.
type Builder struct {
	resolution float64
	bins       int
	index      map[string]int
	classes    []*Class
	reads      int64
	discarded  int64
	members    []Member
	buf        []byte
	keepNames  bool
}

// NewBuilder returns a builder with the given score bucket resolution.
// bins is the number of coverage bins if coverage is modelled, or 0.
func NewBuilder(resolution float64, bins int) *Builder {
	if !(resolution > 0) {
		resolution = DefaultResolution
	}
	return &Builder{
		resolution: resolution,
		bins:       bins,
		index:      make(map[string]int),
	}
}

// Bucket returns the score bucket of a normalized score in (0,1].
// Non-positive scores get the last bucket, whose weight is 0.
func Bucket(weight, resolution float64) uint32 {
	if !(weight > 0) {
		return math.MaxUint32
	}
	b := math.Round(-math.Log(weight) / resolution)
	switch {
	case b < 0:
		return 0
	case b >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(b)
}

// BucketWeight returns the normalized score represented by a bucket.
func BucketWeight(bucket uint32, resolution float64) float64 {
	if bucket == math.MaxUint32 {
		return 0
	}
	return math.Exp(-float64(bucket) * resolution)
}

const memberKeySize = 10

func appendKey(buf []byte, members []Member) []byte {
	var scratch [memberKeySize]byte
	for _, m := range members {
		binary.BigEndian.PutUint32(scratch[0:], uint32(m.Target))
		binary.BigEndian.PutUint32(scratch[4:], m.Bucket)
		binary.BigEndian.PutUint16(scratch[8:], m.Bin)
		buf = append(buf, scratch[:]...)
	}
	return buf
}

func memberLess(m1, m2 Member) bool {
	switch {
	case m1.Target != m2.Target:
		return m1.Target < m2.Target
	case m1.Bucket != m2.Bucket:
		return m1.Bucket < m2.Bucket
	default:
		return m1.Bin < m2.Bin
	}
}

// KeepNames makes the builder record the read names passed to AddRead.
func (b *Builder) KeepNames() {
	b.keepNames = true
}

// AddRead is Add for a named read. The name is recorded in its class
// when the builder keeps names.
func (b *Builder) AddRead(name string, alns []alignment.Admissible) {
	if c := b.add(alns); c != nil && b.keepNames {
		c.Names = append(c.Names, name)
	}
}

// Add adds the admissible alignments of one read. A read without
// alignments is only counted as discarded.
func (b *Builder) Add(alns []alignment.Admissible) {
	b.add(alns)
}

func (b *Builder) add(alns []alignment.Admissible) *Class {
	if len(alns) == 0 {
		b.discarded++
		return nil
	}
	b.reads++
	members := b.members[:0]
	for _, aln := range alns {
		m := Member{Target: aln.Target, Bucket: Bucket(aln.Weight, b.resolution)}
		if b.bins > 0 {
			m.Bin = uint16(transcripts.Bin(aln.Position, b.bins))
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return memberLess(members[i], members[j]) })
	b.members = members
	b.buf = appendKey(b.buf[:0], members)
	if i, found := b.index[string(b.buf)]; found {
		b.classes[i].Count++
		return b.classes[i]
	}
	key := string(b.buf)
	b.index[key] = len(b.classes)
	c := &Class{
		Members: append([]Member(nil), members...),
		Count:   1,
		key:     key,
	}
	b.classes = append(b.classes, c)
	return c
}

// addClass adds count reads of class c.
func (b *Builder) addClass(c *Class) {
	if i, found := b.index[c.key]; found {
		b.classes[i].Count += c.Count
		b.classes[i].Names = append(b.classes[i].Names, c.Names...)
		return
	}
	b.index[c.key] = len(b.classes)
	b.classes = append(b.classes, &Class{Members: c.Members, Count: c.Count, Names: append([]string(nil), c.Names...), key: c.key})
}

// Merge adds all reads seen by other to b. Names are appended in the
// order of other, so merging in input order keeps names in input order.
func (b *Builder) Merge(other *Builder) {
	for _, c := range other.classes {
		b.addClass(c)
	}
	b.reads += other.reads
	b.discarded += other.discarded
}

// Reads returns the number of reads with at least one admissible alignment.
func (b *Builder) Reads() int64 { return b.reads }

// Discarded returns the number of reads without admissible alignments.
func (b *Builder) Discarded() int64 { return b.discarded }

// A Collection is the immutable, deterministically ordered result of
// a Builder.
type Collection struct {
	Classes    []*Class
	Resolution float64
	Bins       int
	Reads      int64
	Discarded  int64
}

// Weight returns the normalized score of a member.
func (coll *Collection) Weight(m Member) float64 {
	return BucketWeight(m.Bucket, coll.Resolution)
}

// Len returns the number of classes.
func (coll *Collection) Len() int {
	return len(coll.Classes)
}

// ClassLess orders classes by increasing multiplicity, then by key,
// so that small contributions are summed first.
func ClassLess(c1, c2 *Class) bool {
	if c1.Count != c2.Count {
		return c1.Count < c2.Count
	}
	return c1.key < c2.key
}

type classSorter []*Class

func (s classSorter) SequentialSort(i, j int) {
	classes := s[i:j]
	sort.Slice(classes, func(i, j int) bool {
		return ClassLess(classes[i], classes[j])
	})
}

func (s classSorter) NewTemp() psort.StableSorter {
	return make(classSorter, len(s))
}

func (s classSorter) Len() int {
	return len(s)
}

func (s classSorter) Less(i, j int) bool {
	return ClassLess(s[i], s[j])
}

func (s classSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s, p.(classSorter)
	return func(i, j, len int) {
		for k := 0; k < len; k++ {
			dst[i+k] = src[j+k]
		}
	}
}

// Classes returns the collected classes in ClassLess order. The
// builder must not be used afterwards.
func (b *Builder) Classes() *Collection {
	classes := b.classes
	psort.StableSort(classSorter(classes))
	b.classes = nil
	b.index = nil
	return &Collection{
		Classes:    classes,
		Resolution: b.resolution,
		Bins:       b.bins,
		Reads:      b.reads,
		Discarded:  b.discarded,
	}
}
