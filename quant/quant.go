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
Package quant runs a complete quantification: it filters a stream of
alignment records, builds equivalence classes, and runs the EM
estimator over them.

The filtering pass is a pargo pipeline. Batches of reads are filtered
in parallel into partial class builders, which a sequential stage
merges into one builder. The estimator runs after the pipeline has
finished.
*/
package quant

import (
	"context"
	"log"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/bias"
	"github.com/exascience/elquant/em"
	"github.com/exascience/elquant/eqclass"
	"github.com/exascience/elquant/transcripts"

	"github.com/exascience/pargo/pipeline"
)

const (
	minBatchSize = 256
	maxBatchSize = 16384
)

// Result is the outcome of a quantification.
type Result struct {
	*em.Result

	// Rejections counts rejected alignments and discarded reads.
	Rejections alignment.RejectionCounts
	// Records is the number of records read from the source.
	Records int64
	// Reads is the number of reads with at least one admissible alignment.
	Reads int64
	// Classes is the number of equivalence classes.
	Classes int
	// BiasModel is the bias model that was used.
	BiasModel bias.Kind
	// Assignments holds the assignment probabilities of the reads of
	// each class, when requested.
	Assignments []Assignment
}

// An Assignment gives the probability that each read in Names came
// from each of Targets. Targets may repeat when a read aligns more
// than once to the same transcript.
type Assignment struct {
	Names   []string
	Targets []int32
	Probs   []float64
}

func assignments(classes *eqclass.Collection, e *em.Estimator) []Assignment {
	result := make([]Assignment, 0, classes.Len())
	for ci, c := range classes.Classes {
		if len(c.Names) == 0 {
			continue
		}
		targets := make([]int32, len(c.Members))
		for j, m := range c.Members {
			targets[j] = m.Target
		}
		result = append(result, Assignment{Names: c.Names, Targets: targets, Probs: e.Posteriors(ci)})
	}
	return result
}

type partialBuild struct {
	builder *eqclass.Builder
	counts  alignment.RejectionCounts
}

// BuildClasses runs the filtering pass over all reads of source. On
// error, no classes, counts, or record total are returned.
func BuildClasses(table *transcripts.Table, cfg *Config, source RecordSource) (*eqclass.Collection, alignment.RejectionCounts, int64, error) {
	filters, err := cfg.Filters()
	if err != nil {
		return nil, alignment.RejectionCounts{}, 0, err
	}
	kind, err := cfg.BiasKind()
	if err != nil {
		return nil, alignment.RejectionCounts{}, 0, err
	}
	bins := 0
	if kind != bias.None {
		bins = cfg.CoverageBinCount
	}
	newBuilder := func() *eqclass.Builder {
		b := eqclass.NewBuilder(cfg.ScoreBucketResolution, bins)
		if cfg.WriteAssignmentProbs {
			b.KeepNames()
		}
		return b
	}
	builder := newBuilder()
	var counts alignment.RejectionCounts
	batches := newReadBatches(source)
	var p pipeline.Pipeline
	p.Source(batches)
	p.SetVariableBatchSize(minBatchSize, maxBatchSize)
	p.Add(
		pipeline.LimitedPar(cfg.Threads, pipeline.Receive(func(_ int, data interface{}) interface{} {
			part := &partialBuild{builder: newBuilder()}
			for _, read := range data.([][]alignment.Record) {
				part.builder.AddRead(read[0].Name, filters.FilterRead(read, table, &part.counts))
			}
			return part
		})),
		pipeline.Seq(pipeline.Receive(func(_ int, data interface{}) interface{} {
			part := data.(*partialBuild)
			builder.Merge(part.builder)
			counts.Add(&part.counts)
			return data
		})),
	)
	p.Run()
	if err = p.Err(); err == nil {
		err = batches.Err()
	}
	if err != nil {
		return nil, alignment.RejectionCounts{}, 0, err
	}
	return builder.Classes(), counts, batches.records, nil
}

// Quantify estimates the abundances of the transcripts in table from
// the records of source. The abundances, and coverage bins if a bias
// model is used, are also left in table.
func Quantify(ctx context.Context, table *transcripts.Table, cfg Config, source RecordSource) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, &ConfigError{Option: "reference table", Msg: err.Error()}
	}
	kind, _ := cfg.BiasKind()
	var model *bias.Model
	if kind != bias.None {
		table.EnableCoverage(cfg.CoverageBinCount)
		model = bias.New(kind, bias.Options{
			Bins:          cfg.CoverageBinCount,
			Bandwidth:     cfg.KDEBandwidth,
			LengthBuckets: cfg.LengthBucketCount,
			GrowthRate:    cfg.LogisticGrowthRate,
		})
		model.Prepare(table)
	} else {
		table.EnableCoverage(0)
	}
	classes, counts, records, err := BuildClasses(table, &cfg, source)
	if err != nil {
		return nil, err
	}
	if !cfg.Quiet {
		log.Printf("Read %v alignment records, %v reads assigned to %v equivalence classes, %v reads discarded.\n",
			records, classes.Reads, classes.Len(), classes.Discarded)
	}
	if n := counts.Alignments[alignment.Malformed]; n > 0 {
		log.Printf("Warning: %v malformed alignment records were skipped.\n", n)
	}
	estimator := em.New(table, classes, model, cfg.EMOptions())
	res, err := estimator.Run(ctx)
	if res == nil {
		return nil, err
	}
	if res.State == em.MaxIterationsReached {
		log.Printf("Warning: EM did not converge after %v iterations.\n", res.Iterations)
	}
	result := &Result{
		Result:     res,
		Rejections: counts,
		Records:    records,
		Reads:      classes.Reads,
		Classes:    classes.Len(),
		BiasModel:  kind,
	}
	if cfg.WriteAssignmentProbs {
		result.Assignments = assignments(classes, estimator)
	}
	return result, err
}
