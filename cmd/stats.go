package cmd

import (
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"

	"sampsort/internal/inference"
	"sampsort/internal/recordio"
)

var flagStatsIndex string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Replay an index and print aggregate statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&flagStatsIndex, "index", "", "Path to index.jsonl or index.jsonl.gz")
	_ = statsCmd.MarkFlagRequired("index")
	rootCmd.AddCommand(statsCmd)
}

func runStats(_ *cobra.Command, _ []string) error {
	// First pass: the replayed run counters.
	reader, err := recordio.NewReader(flagStatsIndex)
	if err != nil {
		return err
	}
	summary, err := inference.Replay(reader)
	_ = reader.Close()
	if err != nil {
		return err
	}

	// Second pass: confidence and duration samples. The stream is
	// restartable, so two passes keep memory flat.
	reader, err = recordio.NewReader(flagStatsIndex)
	if err != nil {
		return err
	}
	defer reader.Close()

	var confidences, durations []float64
	err = reader.Each(func(rec *recordio.Record) error {
		if rec.IsError() || rec.IsDuplicate() {
			return nil
		}
		confidences = append(confidences, rec.ConfTop1)
		if rec.DurationSec != nil {
			durations = append(durations, *rec.DurationSec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	printSection("Index Statistics")
	fmt.Printf("Total records: %d\n", summary.TotalExamined)
	fmt.Printf("Errors:        %d\n", summary.Errors)
	fmt.Printf("Duplicates:    %d\n", summary.Duplicates)
	unique := summary.TotalExamined - summary.Errors - summary.Duplicates
	fmt.Printf("Unique files:  %d\n", unique)

	if len(confidences) > 0 {
		mean, _ := stats.Mean(confidences)
		median, _ := stats.Median(confidences)
		lo, _ := stats.Min(confidences)
		hi, _ := stats.Max(confidences)
		fmt.Printf("\nConfidence: mean %.3f, median %.3f, min %.3f, max %.3f\n", mean, median, lo, hi)
	}
	if len(durations) > 0 {
		mean, _ := stats.Mean(durations)
		median, _ := stats.Median(durations)
		total, _ := stats.Sum(durations)
		fmt.Printf("Duration:   mean %.3fs, median %.3fs, total %.2fh\n", mean, median, total/3600)
	}

	type kv struct {
		label string
		n     int
	}
	dist := make([]kv, 0, len(summary.ClassDistribution))
	for label, n := range summary.ClassDistribution {
		dist = append(dist, kv{label, n})
	}
	sort.Slice(dist, func(i, j int) bool {
		if dist[i].n != dist[j].n {
			return dist[i].n > dist[j].n
		}
		return dist[i].label < dist[j].label
	})
	fmt.Println("\nLabel distribution:")
	for _, row := range dist {
		pct := 0.0
		if unique > 0 {
			pct = 100 * float64(row.n) / float64(unique)
		}
		fmt.Printf("  %-20s %6d (%5.1f%%)\n", row.label, row.n, pct)
	}
	return nil
}
