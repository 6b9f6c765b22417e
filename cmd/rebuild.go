package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"sampsort/internal/rebuild"
	"sampsort/internal/recordio"
)

var (
	flagRebuildIndex     string
	flagRebuildOut       string
	flagRebuildCopyMode  string
	flagRebuildOverrides string
	flagRebuildLabels    string
	flagRebuildAllowAll  bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Materialize a labeled directory tree from an index",
	RunE:  runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&flagRebuildIndex, "index", "", "Path to index.jsonl or index.jsonl.gz")
	rebuildCmd.Flags().StringVar(&flagRebuildOut, "out", "", "Output directory")
	rebuildCmd.Flags().StringVar(&flagRebuildCopyMode, "copy-mode", rebuild.ModeCopy, "copy, symlink or hardlink")
	rebuildCmd.Flags().StringVar(&flagRebuildOverrides, "overrides", "", "Overrides JSONL (hash → correct_label)")
	rebuildCmd.Flags().StringVar(&flagRebuildLabels, "labels", "", "Comma-separated allowed labels")
	rebuildCmd.Flags().BoolVar(&flagRebuildAllowAll, "allow-all", false, "Emit all labels, ignoring the allow-list")
	_ = rebuildCmd.MarkFlagRequired("index")
	_ = rebuildCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(_ *cobra.Command, _ []string) error {
	var overrides map[string]string
	if flagRebuildOverrides != "" {
		var err error
		overrides, err = rebuild.LoadOverrides(flagRebuildOverrides)
		if err != nil {
			return err
		}
		printInfo(fmt.Sprintf("loaded %d overrides", len(overrides)))
	}

	var allowed []string
	if flagRebuildLabels != "" {
		allowed = strings.Split(flagRebuildLabels, ",")
	}

	rb, err := rebuild.New(rebuild.Directive{
		IndexPath:     flagRebuildIndex,
		OutputRoot:    flagRebuildOut,
		Mode:          flagRebuildCopyMode,
		Overrides:     overrides,
		AllowedLabels: allowed,
		ForceAll:      flagRebuildAllowAll,
	})
	if err != nil {
		return err
	}
	rb.Log = os.Stderr

	reader, err := recordio.NewReader(flagRebuildIndex)
	if err != nil {
		return err
	}
	defer reader.Close()

	printSection("Rebuild")
	printInfo(fmt.Sprintf("index:  %s", flagRebuildIndex))
	printInfo(fmt.Sprintf("output: %s", flagRebuildOut))

	summary, err := rb.Run(reader)
	if err != nil {
		return err
	}

	printOK("rebuild complete")
	printInfo(fmt.Sprintf("total %d, emitted %d, errors %d, duplicates %d",
		summary.Stats["total"], summary.Stats["emitted"], summary.Stats["errors"], summary.Stats["duplicates"]))
	for _, key := range []string{"overridden", "filtered_to_misc", "missing_source", "copy_errors", "no_label"} {
		if n := summary.Stats[key]; n > 0 {
			printWarn(fmt.Sprintf("%s: %d", key, n))
		}
	}

	classes := make([]string, 0, len(summary.ClassCounts))
	for label := range summary.ClassCounts {
		classes = append(classes, label)
	}
	sort.Strings(classes)
	for _, label := range classes {
		fmt.Printf("     %-20s %d\n", label, summary.ClassCounts[label])
	}
	return nil
}
