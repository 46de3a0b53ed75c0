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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/exascience/elquant/bamio"
	"github.com/exascience/elquant/internal"
	"github.com/exascience/elquant/quant"
	"github.com/exascience/elquant/report"
)

// QuantHelp is the help string for this command.
const QuantHelp = "\nquant parameters:\n" +
	"elquant quant (sam-file | bam-file | /dev/stdin) output-prefix\n" +
	"[--config yaml-file]\n" +
	"[--filter-group [default | no-filters | nanocount-filters]]\n" +
	"[--five-prime-clip-max nr]\n" +
	"[--three-prime-clip-max nr]\n" +
	"[--score-threshold fraction]\n" +
	"[--min-aligned-fraction fraction]\n" +
	"[--min-aligned-len nr]\n" +
	"[--strand [both | + | -]]\n" +
	"[--bias-model [none | empirical | binomial | logistic]]\n" +
	"[--growth-rate k]\n" +
	"[--bins nr]\n" +
	"[--kde-bandwidth width]\n" +
	"[--length-buckets nr]\n" +
	"[--score-resolution width]\n" +
	"[--tolerance tol]\n" +
	"[--max-iterations nr]\n" +
	"[--min-iterations nr]\n" +
	"[--time-limit duration]\n" +
	"[--write-coverage]\n" +
	"[--write-assignment-probs]\n" +
	"[--nr-of-threads nr]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n" +
	"[--verbose]\n" +
	"[--quiet]\n"

// quantOptions maps each command line flag onto the configuration
// option it sets. Only flags given on the command line are applied, on
// top of the options file and the filter group.
var quantOptions = map[string]func(cfg, flags *quant.Config){
	"five-prime-clip-max":  func(cfg, flags *quant.Config) { cfg.FivePrimeClipMax = flags.FivePrimeClipMax },
	"three-prime-clip-max": func(cfg, flags *quant.Config) { cfg.ThreePrimeClipMax = flags.ThreePrimeClipMax },
	"score-threshold":      func(cfg, flags *quant.Config) { cfg.ScoreThresholdFraction = flags.ScoreThresholdFraction },
	"min-aligned-fraction": func(cfg, flags *quant.Config) { cfg.MinAlignedFraction = flags.MinAlignedFraction },
	"min-aligned-len":      func(cfg, flags *quant.Config) { cfg.MinAlignedLen = flags.MinAlignedLen },
	"strand":               func(cfg, flags *quant.Config) { cfg.RequiredStrand = flags.RequiredStrand },
	"bias-model":           func(cfg, flags *quant.Config) { cfg.BiasModel = flags.BiasModel },
	"growth-rate":          func(cfg, flags *quant.Config) { cfg.LogisticGrowthRate = flags.LogisticGrowthRate },
	"bins":                 func(cfg, flags *quant.Config) { cfg.CoverageBinCount = flags.CoverageBinCount },
	"kde-bandwidth":        func(cfg, flags *quant.Config) { cfg.KDEBandwidth = flags.KDEBandwidth },
	"length-buckets":       func(cfg, flags *quant.Config) { cfg.LengthBucketCount = flags.LengthBucketCount },
	"score-resolution":     func(cfg, flags *quant.Config) { cfg.ScoreBucketResolution = flags.ScoreBucketResolution },
	"tolerance":            func(cfg, flags *quant.Config) { cfg.ConvergenceTolerance = flags.ConvergenceTolerance },
	"max-iterations":       func(cfg, flags *quant.Config) { cfg.MaxIterations = flags.MaxIterations },
	"min-iterations":       func(cfg, flags *quant.Config) { cfg.MinIterations = flags.MinIterations },
	"nr-of-threads":        func(cfg, flags *quant.Config) { cfg.Threads = flags.Threads },
	"verbose":              func(cfg, flags *quant.Config) { cfg.Verbose = flags.Verbose },
	"quiet":                func(cfg, flags *quant.Config) { cfg.Quiet = flags.Quiet },

	"write-assignment-probs": func(cfg, flags *quant.Config) { cfg.WriteAssignmentProbs = flags.WriteAssignmentProbs },
}

func quantFlags(flags *flag.FlagSet, fl *quant.Config) {
	flags.Int64Var(&fl.FivePrimeClipMax, "five-prime-clip-max", fl.FivePrimeClipMax, "maximum soft/hard clip at the 5' end of the read")
	flags.Int64Var(&fl.ThreePrimeClipMax, "three-prime-clip-max", fl.ThreePrimeClipMax, "maximum soft/hard clip at the 3' end of the read")
	flags.Float64Var(&fl.ScoreThresholdFraction, "score-threshold", fl.ScoreThresholdFraction, "fraction of the best score an alignment must reach")
	flags.Float64Var(&fl.MinAlignedFraction, "min-aligned-fraction", fl.MinAlignedFraction, "minimum fraction of the read that must be aligned")
	flags.Var((*int32Value)(&fl.MinAlignedLen), "min-aligned-len", "minimum number of aligned read bases")
	flags.StringVar(&fl.RequiredStrand, "strand", fl.RequiredStrand, "required alignment strand")
	flags.StringVar(&fl.BiasModel, "bias-model", fl.BiasModel, "coverage bias model")
	flags.Float64Var(&fl.LogisticGrowthRate, "growth-rate", fl.LogisticGrowthRate, "growth rate of the logistic bias model")
	flags.IntVar(&fl.CoverageBinCount, "bins", fl.CoverageBinCount, "number of coverage bins per transcript")
	flags.Float64Var(&fl.KDEBandwidth, "kde-bandwidth", fl.KDEBandwidth, "kernel bandwidth of the empirical bias model")
	flags.IntVar(&fl.LengthBucketCount, "length-buckets", fl.LengthBucketCount, "number of transcript length buckets of the empirical bias model")
	flags.Float64Var(&fl.ScoreBucketResolution, "score-resolution", fl.ScoreBucketResolution, "bucket width of normalized alignment scores in equivalence classes")
	flags.Float64Var(&fl.ConvergenceTolerance, "tolerance", fl.ConvergenceTolerance, "maximum relative change at convergence")
	flags.IntVar(&fl.MaxIterations, "max-iterations", fl.MaxIterations, "maximum number of EM iterations")
	flags.IntVar(&fl.MinIterations, "min-iterations", fl.MinIterations, "minimum number of EM iterations")
	flags.IntVar(&fl.Threads, "nr-of-threads", fl.Threads, "number of worker threads")
	flags.BoolVar(&fl.Verbose, "verbose", false, "log progress of the EM iterations")
	flags.BoolVar(&fl.Quiet, "quiet", false, "only log warnings and errors")
	flags.BoolVar(&fl.WriteAssignmentProbs, "write-assignment-probs", false, "write the assignment probabilities of each read")
}

type int32Value int32

func (v *int32Value) String() string {
	return strconv.FormatInt(int64(*v), 10)
}

func (v *int32Value) Set(s string) error {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return err
	}
	*v = int32Value(n)
	return nil
}

// Quant implements the elquant quant command.
func Quant() error {
	var (
		configFile, filterGroup, profile, logPath string
		timeLimit                                 time.Duration
		timed, writeCoverage                      bool
	)

	fl := quant.DefaultConfig()

	flags := flag.NewFlagSet("quant", flag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "YAML file with quantification options")
	flags.StringVar(&filterGroup, "filter-group", "", "named preset of alignment filters")
	flags.DurationVar(&timeLimit, "time-limit", 0, "wall-clock budget for the EM iterations")
	flags.BoolVar(&writeCoverage, "write-coverage", false, "write the final coverage bins")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a CPU profile")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	quantFlags(flags, &fl)

	parseFlags(flags, 4, QuantHelp)

	input := getFilename(os.Args[2], QuantHelp)
	output := getFilename(os.Args[3], QuantHelp)

	quiet = fl.Quiet
	if err := setLogOutput(logPath); err != nil {
		return err
	}

	// assembling options: defaults, options file, filter group, flags

	cfg := quant.DefaultConfig()
	if configFile != "" {
		if !checkExist("--config", configFile) {
			fmt.Fprint(os.Stderr, QuantHelp)
			os.Exit(1)
		}
		var err error
		if cfg, err = quant.LoadConfig(configFile); err != nil {
			return err
		}
	}
	if filterGroup != "" {
		if err := cfg.ApplyFilterGroup(filterGroup); err != nil {
			return err
		}
	}
	flags.Visit(func(f *flag.Flag) {
		if apply, ok := quantOptions[f.Name]; ok {
			apply(&cfg, &fl)
		}
	})
	quiet = cfg.Quiet

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("", output+report.QuantExt) {
		sanityChecksFailed = true
	}
	if timeLimit < 0 {
		log.Println("Error: Invalid time-limit: ", timeLimit)
		sanityChecksFailed = true
	}
	if err := cfg.Validate(); err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, QuantHelp)
		os.Exit(1)
	}

	if report.Exists(output) {
		log.Println("Warning: overwriting existing output files with prefix", output)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " quant ", input, " ", output)
	if configFile != "" {
		fmt.Fprint(&command, " --config ", configFile)
	}
	fmt.Fprint(&command, " --five-prime-clip-max ", cfg.FivePrimeClipMax)
	fmt.Fprint(&command, " --three-prime-clip-max ", cfg.ThreePrimeClipMax)
	fmt.Fprint(&command, " --score-threshold ", cfg.ScoreThresholdFraction)
	fmt.Fprint(&command, " --min-aligned-fraction ", cfg.MinAlignedFraction)
	fmt.Fprint(&command, " --min-aligned-len ", cfg.MinAlignedLen)
	fmt.Fprint(&command, " --strand ", cfg.RequiredStrand)
	fmt.Fprint(&command, " --bias-model ", cfg.BiasModel)
	if cfg.BiasModel != "none" {
		fmt.Fprint(&command, " --bins ", cfg.CoverageBinCount)
		fmt.Fprint(&command, " --growth-rate ", cfg.LogisticGrowthRate)
		fmt.Fprint(&command, " --kde-bandwidth ", cfg.KDEBandwidth)
		fmt.Fprint(&command, " --length-buckets ", cfg.LengthBucketCount)
	}
	fmt.Fprint(&command, " --score-resolution ", cfg.ScoreBucketResolution)
	fmt.Fprint(&command, " --tolerance ", cfg.ConvergenceTolerance)
	fmt.Fprint(&command, " --max-iterations ", cfg.MaxIterations)
	fmt.Fprint(&command, " --min-iterations ", cfg.MinIterations)
	if timeLimit > 0 {
		fmt.Fprint(&command, " --time-limit ", timeLimit)
	}
	if writeCoverage {
		fmt.Fprint(&command, " --write-coverage")
	}
	if cfg.WriteAssignmentProbs {
		fmt.Fprint(&command, " --write-assignment-probs")
	}
	runtime.GOMAXPROCS(cfg.Threads)
	fmt.Fprint(&command, " --nr-of-threads ", cfg.Threads)
	if timed {
		fmt.Fprint(&command, " --timed")
	}
	if profile != "" {
		fmt.Fprint(&command, " --profile ", profile)
	}
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
	}
	if cfg.Verbose {
		fmt.Fprint(&command, " --verbose")
	}
	if cfg.Quiet {
		fmt.Fprint(&command, " --quiet")
	}

	// executing command

	logInfo("Executing command:\n", command.String())

	fullInput, err := internal.FullPathname(input)
	if err != nil {
		return err
	}
	run := report.NewRun(fullInput, command.String(), cfg)
	return runQuant(input, output, run, timeLimit, timed, profile, writeCoverage)
}

func runQuant(input, output string, run *report.Run, timeLimit time.Duration, timed bool, profile string, writeCoverage bool) error {
	file, err := bamio.Open(input)
	if err != nil {
		return err
	}
	defer func() {
		if nerr := file.Close(); nerr != nil {
			log.Println("Warning:", nerr)
		}
	}()
	table := file.Table()

	ctx := context.Background()
	if timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}

	var res *quant.Result
	phase := int64(1)
	err = timedRun(timed, profile, "Filtering alignments and estimating abundances.", phase, func() (err error) {
		res, err = quant.Quantify(ctx, table, run.Config, file)
		if err == context.DeadlineExceeded && res != nil {
			log.Println("Warning: time limit reached, writing the current estimates.")
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if n := file.MissingScores(); n > 0 {
		log.Printf("Warning: %v mapped records had no AS tag and were given score 0.\n", n)
	}
	run.Elapsed = time.Since(run.Started)

	phase++
	return timedRun(timed, profile, "Writing output files.", phase, func() error {
		return report.WriteFiles(output, table, run, res, writeCoverage)
	})
}
