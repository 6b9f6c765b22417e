// Package inference orchestrates the batch classification pipeline: feature
// extraction, model prediction, the assignment policy, fingerprint
// deduplication and the streamed record output.
package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"sampsort/internal/features"
	"sampsort/internal/hashing"
	"sampsort/internal/labels"
	"sampsort/internal/model"
	"sampsort/internal/recordio"
)

// FeatureExtractor is the slice of the features package the engine needs;
// tests substitute a fake.
type FeatureExtractor interface {
	Extract(ctx context.Context, path string, withStats bool) (*features.Features, *features.Failure)
}

// Policy holds the immutable per-run assignment parameters.
type Policy struct {
	BatchSize         int
	MiscThreshold     float64
	TargetLabels      []string // nil disables the target filter
	TopK              int
	Dedup             bool
	HashAlgorithm     string
	IncludeAudioStats bool
}

// Engine runs batches through the model and applies the assignment policy.
// It owns the seen-hash set and the output stream for the duration of a run.
type Engine struct {
	predictor model.Predictor
	labels    []string
	canonical *labels.Mapping
	extractor FeatureExtractor
	policy    Policy

	seen hashing.Set

	// Progress enables the interactive batch progress bar.
	Progress bool
}

// New wires an engine. The label list must match the model output
// dimensionality; assignment correctness depends on that cardinality, so a
// mismatch stops the run before it starts.
func New(pred model.Predictor, labelNames []string, canonical *labels.Mapping, ex FeatureExtractor, policy Policy) (*Engine, error) {
	if len(labelNames) != pred.OutputDim() {
		return nil, fmt.Errorf("label count mismatch: model outputs %d classes but %d labels given",
			pred.OutputDim(), len(labelNames))
	}
	if policy.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", policy.BatchSize)
	}
	return &Engine{
		predictor: pred,
		labels:    labelNames,
		canonical: canonical,
		extractor: ex,
		policy:    policy,
		seen:      hashing.Set{},
	}, nil
}

// LoadCache seeds the seen-hash set from the cache file. No-op when
// deduplication is disabled.
func (e *Engine) LoadCache(path string) error {
	if !e.policy.Dedup {
		return nil
	}
	set, err := hashing.LoadCache(path)
	if err != nil {
		return err
	}
	e.seen = set
	return nil
}

// SaveCache persists the seen-hash set. No-op when deduplication is
// disabled.
func (e *Engine) SaveCache(path string) error {
	if !e.policy.Dedup {
		return nil
	}
	return hashing.SaveCache(path, e.seen)
}

// SeenCount reports the current size of the seen-hash set.
func (e *Engine) SeenCount() int { return len(e.seen) }

// Run classifies files batch by batch, streaming records to w. Each batch is
// fully processed before the next begins, so the seen set and the output
// stream stay consistent without locking.
func (e *Engine) Run(ctx context.Context, files []string, archiveRoot string, w *recordio.Writer) (*Summary, error) {
	summary := newSummary()
	summary.TotalExamined = len(files)
	start := time.Now()

	var batches [][]string
	for i := 0; i < len(files); i += e.policy.BatchSize {
		end := min(i+e.policy.BatchSize, len(files))
		batches = append(batches, files[i:end])
	}

	var bar *mpb.Bar
	var progress *mpb.Progress
	if e.Progress {
		progress = mpb.New(mpb.WithWidth(64))
		bar = progress.AddBar(int64(len(batches)),
			mpb.PrependDecorators(
				decor.Name("Classifying: "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.processBatch(ctx, batch, archiveRoot, w, summary); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Increment()
		}
	}
	if progress != nil {
		progress.Wait()
	}

	summary.ElapsedSec = time.Since(start).Seconds()
	if summary.ElapsedSec > 0 {
		summary.FilesPerSec = float64(len(files)) / summary.ElapsedSec
	}
	return summary, nil
}

// processBatch extracts features for every item, drops extraction failures
// as error records, stacks the survivors into one tensor and runs a single
// prediction over it.
func (e *Engine) processBatch(ctx context.Context, paths []string, archiveRoot string, w *recordio.Writer, summary *Summary) error {
	var tensors [][][]float64
	var stats []*features.Stats
	var valid []string

	for _, path := range paths {
		feats, failure := e.extractor.Extract(ctx, path, e.policy.IncludeAudioStats)
		if failure != nil {
			rec := &recordio.ErrorRecord{
				File:         path,
				RelativePath: relativeTo(archiveRoot, path),
				Error:        failure.Reason,
			}
			summary.addError(failure.Reason)
			if err := w.Write(rec); err != nil {
				return err
			}
			continue
		}
		tensors = append(tensors, feats.MFCC)
		stats = append(stats, feats.Stats)
		valid = append(valid, path)
	}

	if len(tensors) == 0 {
		return nil
	}

	probs, err := e.predictor.Predict(ctx, tensors)
	if err != nil {
		return fmt.Errorf("batch prediction failed: %w", err)
	}
	if len(probs) != len(valid) {
		return fmt.Errorf("model returned %d probability vectors for %d items", len(probs), len(valid))
	}

	for i, path := range valid {
		rec, err := e.assign(path, archiveRoot, probs[i], stats[i])
		if err != nil {
			return err
		}
		summary.addAssigned(rec)
		if err := w.Write(rec.value()); err != nil {
			return err
		}
	}
	return nil
}

// assigned wraps either a full or a duplicate record for summary
// accounting.
type assigned struct {
	full *recordio.Record
	dup  *recordio.DuplicateRecord
}

func (a assigned) value() any {
	if a.dup != nil {
		return a.dup
	}
	return a.full
}

// assign applies the assignment policy to one predicted item: duplicate
// check, canonical mapping, target-label filter, confidence threshold,
// top-1. The first terminal reason wins.
func (e *Engine) assign(path, archiveRoot string, probs []float64, st *features.Stats) (assigned, error) {
	rel := relativeTo(archiveRoot, path)

	var digest string
	if e.policy.Dedup {
		var err error
		digest, err = hashing.File(path, e.policy.HashAlgorithm)
		if err != nil {
			return assigned{}, fmt.Errorf("fingerprint %s: %w", path, err)
		}
		if e.seen.Contains(digest) {
			return assigned{dup: recordio.NewDuplicateRecord(rel, digest)}, nil
		}
		e.seen.Add(digest)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return assigned{}, fmt.Errorf("stat %s: %w", path, err)
	}

	rec := &recordio.Record{
		RelativePath: rel,
		AbsPath:      path,
		Size:         fi.Size(),
		Mtime:        float64(fi.ModTime().UnixNano()) / 1e9,
		Hash:         digest,
		Probs:        probs,
	}
	if st != nil {
		rec.DurationSec = &st.DurationSec
		rec.RMSDB = &st.RMSDB
		rec.SpectralCentroid = &st.SpectralCentroid
		rec.SpectralRolloff = &st.SpectralRolloff
	}

	// Ranked top-K, ties broken by ascending class index via stable sort.
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })
	k := min(e.policy.TopK, len(order))
	rec.TopK = make([]recordio.TopPair, k)
	for i := 0; i < k; i++ {
		rec.TopK[i] = recordio.TopPair{Label: e.labels[order[i]], Prob: probs[order[i]]}
	}

	top1 := order[0]
	rec.LabelTop1 = e.labels[top1]
	rec.ConfTop1 = probs[top1]

	canonical := e.canonical.Canonical(rec.LabelTop1)

	assignedLabel := canonical
	reason := recordio.ReasonTop1
	miscRouted := false

	if e.policy.TargetLabels != nil && !containsLabel(e.policy.TargetLabels, canonical) {
		assignedLabel = recordio.MiscLabel
		reason = recordio.ReasonOutOfTarget
		miscRouted = true
	}
	if !miscRouted && rec.ConfTop1 < e.policy.MiscThreshold {
		assignedLabel = recordio.MiscLabel
		reason = recordio.ReasonLowConfidence
		miscRouted = true
	}

	rec.AssignedLabel = assignedLabel
	rec.AssignedReason = reason
	rec.MiscRouted = miscRouted
	// Analytics flags are computed independently of which rule decided the
	// outcome.
	rec.BelowMiscThreshold = rec.ConfTop1 < e.policy.MiscThreshold
	rec.OutOfTarget = e.policy.TargetLabels != nil && !containsLabel(e.policy.TargetLabels, canonical)

	return assigned{full: rec}, nil
}

func containsLabel(set []string, label string) bool {
	for _, s := range set {
		if s == label {
			return true
		}
	}
	return false
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}
