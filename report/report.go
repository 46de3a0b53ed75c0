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
Package report writes the outcome of a quantification: the
per-transcript table, a key/value metadata file describing the run,
and optionally the final coverage bins and the per-read assignment
probabilities.
*/
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/internal"
	"github.com/exascience/elquant/quant"
	"github.com/exascience/elquant/transcripts"
	"github.com/exascience/elquant/utils"

	"github.com/google/uuid"
)

// Output file extensions, appended to the output prefix.
const (
	QuantExt    = ".quant"
	MetaExt     = ".meta_info"
	CoverageExt = ".coverage"
	AssignExt   = ".assign_probs"
)

// Run describes the invocation that produced a result.
type Run struct {
	ID      uuid.UUID
	Input   string
	Started time.Time
	Config  quant.Config
	Command string
	Elapsed time.Duration
}

// NewRun returns a Run with a fresh random id.
func NewRun(input, command string, cfg quant.Config) *Run {
	return &Run{ID: uuid.New(), Input: input, Started: time.Now(), Config: cfg, Command: command}
}

func formatFloat(f float64) []byte {
	var s bytes.Buffer
	fmt.Fprintf(&s, "%.6f", f)
	b := s.Bytes()
	for i, c := range b {
		if c == '.' {
			for j := len(b) - 1; j > i; j-- {
				if b[j] != '0' {
					return b[:j+1]
				}
			}
			return b[:i]
		}
	}
	return b
}

// WriteQuant writes one tab-separated line per transcript in table
// order, after a header line: tname, len, efflen, num_reads, tpm.
func WriteQuant(w io.Writer, table *transcripts.Table, res *quant.Result) error {
	out := bufio.NewWriter(w)
	fmt.Fprintln(out, "tname\tlen\tefflen\tnum_reads\ttpm")
	for i := range table.Transcripts {
		txp := &table.Transcripts[i]
		fmt.Fprintf(out, "%v\t%v\t%s\t%s\t%s\n", txp.Name, txp.Length,
			formatFloat(txp.EffectiveLength), formatFloat(res.Abundance[i]), formatFloat(res.TPM[i]))
	}
	return out.Flush()
}

// WriteMeta writes the run metadata as tab-separated key/value lines.
func WriteMeta(w io.Writer, run *Run, res *quant.Result) error {
	out := bufio.NewWriter(w)
	kv := func(key string, value interface{}) {
		fmt.Fprintf(out, "%v\t%v\n", key, value)
	}
	kv("run_id", run.ID)
	kv("program", utils.ProgramName)
	kv("version", utils.ProgramVersion)
	kv("command", run.Command)
	kv("input", run.Input)
	kv("start_time", run.Started.Format(time.RFC3339))
	if run.Elapsed > 0 {
		kv("elapsed", run.Elapsed)
	}
	kv("filter_group", run.Config.FilterGroup)
	kv("bias_model", res.BiasModel)
	kv("score_threshold_fraction", run.Config.ScoreThresholdFraction)
	kv("convergence_tolerance", run.Config.ConvergenceTolerance)
	kv("converged", res.Converged)
	kv("state", res.State)
	kv("iterations", res.Iterations)
	kv("num_records", res.Records)
	kv("num_reads", res.Reads)
	kv("num_eq_classes", res.Classes)
	kv("discarded_reads", res.Rejections.DiscardedReads)
	kv("degenerate_class_evaluations", res.Degenerate)
	for _, reason := range alignment.Reasons() {
		kv("rejected_"+reason.String(), res.Rejections.Count(reason))
	}
	return out.Flush()
}

// WriteCoverage writes the final coverage bins of every transcript,
// one tab-separated line each. It writes nothing when the result has
// no coverage.
func WriteCoverage(w io.Writer, table *transcripts.Table, res *quant.Result) error {
	if res.Coverage == nil {
		return nil
	}
	out := bufio.NewWriter(w)
	for i := range table.Transcripts {
		out.WriteString(table.Transcripts[i].Name)
		for _, c := range res.Coverage[i] {
			out.WriteByte('\t')
			out.Write(formatFloat(c))
		}
		out.WriteByte('\n')
	}
	return out.Flush()
}

// WriteAssignments writes one tab-separated line per assigned read:
// the read name, the number of candidate alignments, and a transcript
// name and assignment probability for each candidate. Reads are
// grouped by equivalence class.
func WriteAssignments(w io.Writer, table *transcripts.Table, res *quant.Result) error {
	out := bufio.NewWriter(w)
	for _, a := range res.Assignments {
		for _, name := range a.Names {
			out.WriteString(name)
			out.WriteByte('\t')
			out.WriteString(strconv.Itoa(len(a.Targets)))
			for j, target := range a.Targets {
				out.WriteByte('\t')
				out.WriteString(table.Transcripts[target].Name)
				out.WriteByte('\t')
				out.Write(formatFloat(a.Probs[j]))
			}
			out.WriteByte('\n')
		}
	}
	return out.Flush()
}

func writeFile(name string, write func(io.Writer) error) (err error) {
	file, err := internal.FileCreate(name)
	if err != nil {
		return err
	}
	defer internal.Close(file, &err)
	return write(file)
}

// WriteFiles writes prefix.quant and prefix.meta_info, and
// prefix.coverage when withCoverage is set and the result has
// coverage bins. prefix.assign_probs is written when the result has
// assignments.
func WriteFiles(prefix string, table *transcripts.Table, run *Run, res *quant.Result, withCoverage bool) error {
	if err := writeFile(prefix+QuantExt, func(w io.Writer) error {
		return WriteQuant(w, table, res)
	}); err != nil {
		return fmt.Errorf("%w, while writing quantification to %v", err, prefix+QuantExt)
	}
	if err := writeFile(prefix+MetaExt, func(w io.Writer) error {
		return WriteMeta(w, run, res)
	}); err != nil {
		return fmt.Errorf("%w, while writing metadata to %v", err, prefix+MetaExt)
	}
	if withCoverage && res.Coverage != nil {
		if err := writeFile(prefix+CoverageExt, func(w io.Writer) error {
			return WriteCoverage(w, table, res)
		}); err != nil {
			return fmt.Errorf("%w, while writing coverage to %v", err, prefix+CoverageExt)
		}
	}
	if res.Assignments != nil {
		if err := writeFile(prefix+AssignExt, func(w io.Writer) error {
			return WriteAssignments(w, table, res)
		}); err != nil {
			return fmt.Errorf("%w, while writing assignment probabilities to %v", err, prefix+AssignExt)
		}
	}
	return nil
}

// Exists reports whether any of the output files for prefix exists.
func Exists(prefix string) bool {
	for _, ext := range []string{QuantExt, MetaExt} {
		if _, err := os.Stat(prefix + ext); err == nil {
			return true
		}
	}
	return false
}
