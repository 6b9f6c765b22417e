package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"sampsort/internal/audio"
	"sampsort/internal/config"
	"sampsort/internal/features"
	"sampsort/internal/inference"
	"sampsort/internal/labels"
	"sampsort/internal/model"
	"sampsort/internal/recordio"
)

var flagInferConfig string

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Classify an archive and stream results to a JSONL index",
	RunE:  runInfer,
}

func init() {
	inferCmd.Flags().StringVar(&flagInferConfig, "config", "sampsort.yaml", "Config file path")
	rootCmd.AddCommand(inferCmd)
}

// seenHashFile is the cache file name under paths.cache_dir.
const seenHashFile = "seen_hashes.txt"

func runInfer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagInferConfig)
	if err != nil {
		return err
	}
	if cfg.Paths.ArchiveRoot == "" {
		return fmt.Errorf("paths.archive_root is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	predictor, err := model.NewFromConfig(cfg.Model)
	if err != nil {
		return err
	}
	defer predictor.Close()

	names, note, err := labels.Resolve(cfg.Paths.LabelMapping, predictor.OutputDim(), cfg.FallbackLabels)
	if err != nil {
		return err
	}
	printInfo(note)
	printInfo(fmt.Sprintf("model outputs %d classes", len(names)))

	canonical := labels.NewMapping(nil)
	if cfg.Paths.CanonicalMapping != "" {
		canonical, err = labels.LoadCanonical(cfg.Paths.CanonicalMapping)
		if err != nil {
			return err
		}
		if canonical.Len() > 0 {
			printInfo(fmt.Sprintf("canonical mapping covers %d raw labels", canonical.Len()))
		}
	}

	extractor := features.New(cfg.Features, audio.NewFallback())

	files, err := inference.Discover(cfg.Paths.ArchiveRoot, cfg.SupportedFormats, cfg.ExcludePatterns, cfg.MaxFilesPerRun)
	if err != nil {
		return fmt.Errorf("cannot scan %s: %w", cfg.Paths.ArchiveRoot, err)
	}
	printInfo(fmt.Sprintf("found %d audio files under %s", len(files), cfg.Paths.ArchiveRoot))

	engine, err := inference.New(predictor, names, canonical, extractor, inference.Policy{
		BatchSize:         cfg.Inference.BatchSize,
		MiscThreshold:     cfg.Inference.MiscThreshold,
		TargetLabels:      cfg.Inference.TargetLabels,
		TopK:              cfg.Inference.TopK,
		Dedup:             cfg.Inference.Dedup,
		HashAlgorithm:     cfg.Inference.HashAlgorithm,
		IncludeAudioStats: cfg.Inference.IncludeAudioStats,
	})
	if err != nil {
		return err
	}
	engine.Progress = true

	// The cache is owned exclusively by this run; a lock keeps concurrent
	// runs from interleaving their seen sets.
	if cfg.Inference.Dedup {
		unlock, err := acquireCacheLock(cfg.Paths.CacheDir, 10*time.Second)
		if err != nil {
			return err
		}
		defer unlock()
	}

	cachePath := filepath.Join(cfg.Paths.CacheDir, seenHashFile)
	if err := engine.LoadCache(cachePath); err != nil {
		return err
	}
	if cfg.Inference.Dedup {
		printInfo(fmt.Sprintf("loaded %d fingerprints from cache", engine.SeenCount()))
	}

	runDir := filepath.Join(cfg.Paths.RunsRoot, "run_"+time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("cannot create run dir %s: %w", runDir, err)
	}

	writer, err := recordio.NewWriter(filepath.Join(runDir, "index.jsonl"), cfg.CompressIndex)
	if err != nil {
		return err
	}

	summary, err := engine.Run(ctx, files, cfg.Paths.ArchiveRoot, writer)
	if err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	if err := engine.SaveCache(cachePath); err != nil {
		return err
	}
	if cfg.Inference.Dedup {
		printOK(fmt.Sprintf("updated hash cache: %s", cachePath))
	}

	summary.Timestamp = time.Now().Format(time.RFC3339)
	summary.RunDir = runDir
	summary.Config = cfg
	summaryPath := filepath.Join(runDir, "summary.json")
	if err := writeJSON(summaryPath, summary); err != nil {
		return err
	}

	printErrorBreakdown(summary.ErrorBreakdown)
	printOK("inference complete")
	printInfo(fmt.Sprintf("classified %d, errors %d, duplicates %d, misc %d (%.1f files/sec)",
		summary.Successful, summary.Errors, summary.Duplicates, summary.MiscRouted, summary.FilesPerSec))
	printInfo(fmt.Sprintf("index:   %s", writer.Path()))
	printInfo(fmt.Sprintf("summary: %s", summaryPath))
	return nil
}

// acquireCacheLock obtains the cache-directory lock, waiting up to timeout.
func acquireCacheLock(cacheDir string, timeout time.Duration) (func(), error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache dir %s: %w", cacheDir, err)
	}
	lockPath := filepath.Join(cacheDir, "cache.lock")
	l := flock.New(lockPath)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("cannot acquire cache lock: %w", err)
		}
		if locked {
			return func() { _ = l.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("another run holds the cache (lock: %s)", lockPath)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// printErrorBreakdown lists the top error causes, most frequent first.
func printErrorBreakdown(causes map[string]int) {
	if len(causes) == 0 {
		return
	}
	type kv struct {
		cause string
		n     int
	}
	rows := make([]kv, 0, len(causes))
	for c, n := range causes {
		rows = append(rows, kv{c, n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].n != rows[j].n {
			return rows[i].n > rows[j].n
		}
		return rows[i].cause < rows[j].cause
	})
	printWarn("top error causes:")
	for i, row := range rows {
		if i == 10 {
			break
		}
		fmt.Printf("     %-30s %d\n", row.cause, row.n)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
