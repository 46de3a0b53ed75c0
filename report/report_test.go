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

package report

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/bias"
	"github.com/exascience/elquant/em"
	"github.com/exascience/elquant/quant"
	"github.com/exascience/elquant/transcripts"
)

func fixture() (*transcripts.Table, *quant.Result) {
	table := transcripts.NewTable(2)
	table.Add("ENST1", 1000)
	table.AddWithEffectiveLength("ENST2", 500, 312.5)
	res := &quant.Result{
		Result: &em.Result{
			Abundance:  []float64{1.2, 1.8},
			TPM:        []float64{250000, 750000},
			State:      em.Converged,
			Converged:  true,
			Iterations: 5,
			Coverage:   [][]float64{{0.5, 0.7}, {1, 0.8}},
		},
		Reads:     3,
		Classes:   3,
		BiasModel: bias.Logistic,
	}
	res.Rejections.Alignments[alignment.FivePrimeClip] = 4
	res.Rejections.DiscardedReads = 2
	return table, res
}

func TestWriteQuant(t *testing.T) {
	table, res := fixture()
	var out bytes.Buffer
	if err := WriteQuant(&out, table, res); err != nil {
		t.Fatal(err)
	}
	expected := "tname\tlen\tefflen\tnum_reads\ttpm\n" +
		"ENST1\t1000\t1000\t1.2\t250000\n" +
		"ENST2\t500\t312.5\t1.8\t750000\n"
	if out.String() != expected {
		t.Error("WriteQuant failed:\n" + out.String())
	}
}

func TestFormatFloat(t *testing.T) {
	for f, expected := range map[float64]string{0: "0", 1.5: "1.5", 2.0000004: "2", 0.1234567: "0.123457", 100: "100"} {
		if s := string(formatFloat(f)); s != expected {
			t.Error("formatFloat failed for", f, s)
		}
	}
}

func TestWriteMeta(t *testing.T) {
	_, res := fixture()
	run := NewRun("reads.bam", "elquant quant reads.bam out", quant.DefaultConfig())
	var out bytes.Buffer
	if err := WriteMeta(&out, run, res); err != nil {
		t.Fatal(err)
	}
	meta := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			t.Fatal("key/value line failed:", line)
		}
		meta[fields[0]] = fields[1]
	}
	if meta["run_id"] != run.ID.String() || meta["converged"] != "true" || meta["iterations"] != "5" || meta["state"] != "converged" {
		t.Error("run metadata failed")
	}
	if meta["bias_model"] != bias.Logistic.String() || meta["discarded_reads"] != "2" {
		t.Error("result metadata failed")
	}
	if meta["rejected_"+alignment.FivePrimeClip.String()] != "4" || meta["rejected_"+alignment.LowScore.String()] != "0" {
		t.Error("rejection metadata failed")
	}
	if NewRun("", "", quant.DefaultConfig()).ID == run.ID {
		t.Error("run id failed")
	}
	res.State = em.Cancelled
	res.Converged = false
	out.Reset()
	if err := WriteMeta(&out, run, res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "\nstate\tcancelled\n") {
		t.Error("cancelled state metadata failed")
	}
}

func TestWriteAssignments(t *testing.T) {
	table, res := fixture()
	res.Assignments = []quant.Assignment{
		{Names: []string{"r1"}, Targets: []int32{1}, Probs: []float64{1}},
		{Names: []string{"r2", "r3"}, Targets: []int32{0, 1}, Probs: []float64{0.25, 0.75}},
	}
	var out bytes.Buffer
	if err := WriteAssignments(&out, table, res); err != nil {
		t.Fatal(err)
	}
	expected := "r1\t1\tENST2\t1\n" +
		"r2\t2\tENST1\t0.25\tENST2\t0.75\n" +
		"r3\t2\tENST1\t0.25\tENST2\t0.75\n"
	if out.String() != expected {
		t.Error("WriteAssignments failed:\n" + out.String())
	}
}

func TestWriteFiles(t *testing.T) {
	dir, err := ioutil.TempDir("", "elquant")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	prefix := filepath.Join(dir, "out", "sample")
	table, res := fixture()
	if Exists(prefix) {
		t.Error("Exists failed before writing")
	}
	if err := WriteFiles(prefix, table, NewRun("in.sam", "", quant.DefaultConfig()), res, true); err != nil {
		t.Fatal(err)
	}
	if !Exists(prefix) {
		t.Error("Exists failed after writing")
	}
	if _, err := os.Stat(prefix + AssignExt); !os.IsNotExist(err) {
		t.Error("assignment file written without assignments")
	}
	coverage, err := ioutil.ReadFile(prefix + CoverageExt)
	if err != nil {
		t.Fatal(err)
	}
	if string(coverage) != "ENST1\t0.5\t0.7\nENST2\t1\t0.8\n" {
		t.Error("coverage output failed")
	}
}
