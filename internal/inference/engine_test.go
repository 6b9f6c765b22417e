package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sampsort/internal/features"
	"sampsort/internal/hashing"
	"sampsort/internal/labels"
	"sampsort/internal/recordio"
)

// fakePredictor returns a fixed probability vector for every item.
type fakePredictor struct {
	dim   int
	probs []float64
	calls int
}

func (p *fakePredictor) OutputDim() int { return p.dim }

func (p *fakePredictor) Predict(_ context.Context, batch [][][]float64) ([][]float64, error) {
	p.calls++
	out := make([][]float64, len(batch))
	for i := range out {
		out[i] = p.probs
	}
	return out, nil
}

func (p *fakePredictor) Close() error { return nil }

// fakeExtractor succeeds with a tiny constant tensor, except for paths whose
// basename is listed in fail.
type fakeExtractor struct {
	fail map[string]string // basename -> failure reason
}

func (e *fakeExtractor) Extract(_ context.Context, path string, withStats bool) (*features.Features, *features.Failure) {
	if reason, ok := e.fail[filepath.Base(path)]; ok {
		return nil, &features.Failure{Reason: reason}
	}
	out := &features.Features{MFCC: [][]float64{{1, 2}, {3, 4}}}
	if withStats {
		out.Stats = &features.Stats{DurationSec: 0.5, RMSDB: -12}
	}
	return out, nil
}

func writeArchive(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	root := t.TempDir()
	paths := make([]string, 0, len(names))
	for i, name := range names {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		content := fmt.Sprintf("sample-content-%d-%s", i, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}
	return root, paths
}

func runEngine(t *testing.T, e *Engine, files []string, root string) (*Summary, []*recordio.Record) {
	t.Helper()
	index := filepath.Join(t.TempDir(), "index.jsonl")
	w, err := recordio.NewWriter(index, false)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := e.Run(context.Background(), files, root, w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := recordio.NewReader(index)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var recs []*recordio.Record
	if err := r.Each(func(rec *recordio.Record) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return summary, recs
}

func basePolicy() Policy {
	return Policy{
		BatchSize:     4,
		MiscThreshold: 0.5,
		TopK:          3,
		HashAlgorithm: "md5",
	}
}

var threeLabels = []string{"Kick", "Snare", "Hat"}

func newTestEngine(t *testing.T, policy Policy, canonical *labels.Mapping, ex FeatureExtractor) *Engine {
	t.Helper()
	if ex == nil {
		ex = &fakeExtractor{}
	}
	pred := &fakePredictor{dim: 3, probs: []float64{0.2, 0.7, 0.1}}
	e, err := New(pred, threeLabels, canonical, ex, policy)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestAssign_Top1AboveThreshold(t *testing.T) {
	root, files := writeArchive(t, "a.wav")
	e := newTestEngine(t, basePolicy(), nil, nil)

	_, recs := runEngine(t, e, files, root)
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.AssignedLabel != "Snare" || rec.AssignedReason != recordio.ReasonTop1 {
		t.Errorf("want Snare/top1, got %s/%s", rec.AssignedLabel, rec.AssignedReason)
	}
	if rec.LabelTop1 != "Snare" || rec.ConfTop1 != 0.7 {
		t.Errorf("top1: want Snare@0.7, got %s@%g", rec.LabelTop1, rec.ConfTop1)
	}
	if rec.MiscRouted || rec.BelowMiscThreshold || rec.OutOfTarget {
		t.Errorf("flags should all be false: misc=%v below=%v oot=%v",
			rec.MiscRouted, rec.BelowMiscThreshold, rec.OutOfTarget)
	}
	if len(rec.TopK) != 3 {
		t.Fatalf("want 3 topk entries, got %d", len(rec.TopK))
	}
	// Descending probability, class index breaks the 0.2/0.1 gap naturally.
	want := []recordio.TopPair{{"Snare", 0.7}, {"Kick", 0.2}, {"Hat", 0.1}}
	for i, p := range want {
		if rec.TopK[i] != p {
			t.Errorf("topk[%d]: want %v, got %v", i, p, rec.TopK[i])
		}
	}
}

func TestAssign_LowConfidenceRoutesToMisc(t *testing.T) {
	root, files := writeArchive(t, "a.wav")
	policy := basePolicy()
	policy.MiscThreshold = 0.8
	e := newTestEngine(t, policy, nil, nil)

	_, recs := runEngine(t, e, files, root)
	rec := recs[0]
	if rec.AssignedLabel != recordio.MiscLabel || rec.AssignedReason != recordio.ReasonLowConfidence {
		t.Errorf("want misc/low_confidence, got %s/%s", rec.AssignedLabel, rec.AssignedReason)
	}
	if !rec.MiscRouted || !rec.BelowMiscThreshold {
		t.Error("misc_routed and below_misc_threshold should be set")
	}
	if rec.OutOfTarget {
		t.Error("out_of_target should stay false without a target filter")
	}
	// Prediction detail is preserved even when routed to misc.
	if rec.LabelTop1 != "Snare" || rec.ConfTop1 != 0.7 {
		t.Errorf("top1 detail lost: %s@%g", rec.LabelTop1, rec.ConfTop1)
	}
}

func TestAssign_OutOfTargetBeatsThreshold(t *testing.T) {
	root, files := writeArchive(t, "a.wav")
	policy := basePolicy()
	policy.MiscThreshold = 0.8 // would also trip low_confidence
	policy.TargetLabels = []string{"Kick", "Hat"}
	e := newTestEngine(t, policy, nil, nil)

	_, recs := runEngine(t, e, files, root)
	rec := recs[0]
	if rec.AssignedLabel != recordio.MiscLabel || rec.AssignedReason != recordio.ReasonOutOfTarget {
		t.Errorf("want misc/out_of_target, got %s/%s", rec.AssignedLabel, rec.AssignedReason)
	}
	// Both analytics flags are true but out_of_target decided.
	if !rec.OutOfTarget || !rec.BelowMiscThreshold || !rec.MiscRouted {
		t.Errorf("flags: oot=%v below=%v misc=%v", rec.OutOfTarget, rec.BelowMiscThreshold, rec.MiscRouted)
	}
}

func TestAssign_CanonicalMappingSatisfiesTargetFilter(t *testing.T) {
	root, files := writeArchive(t, "a.wav")
	policy := basePolicy()
	policy.TargetLabels = []string{"Drums"}
	canonical := labels.NewMapping(map[string]string{"Snare": "Drums"})
	e := newTestEngine(t, policy, canonical, nil)

	_, recs := runEngine(t, e, files, root)
	rec := recs[0]
	if rec.AssignedLabel != "Drums" || rec.AssignedReason != recordio.ReasonTop1 {
		t.Errorf("want Drums/top1, got %s/%s", rec.AssignedLabel, rec.AssignedReason)
	}
	// The raw model label is preserved alongside the canonical assignment.
	if rec.LabelTop1 != "Snare" {
		t.Errorf("label_top1 should stay raw: got %s", rec.LabelTop1)
	}
}

func TestRun_DedupSecondRunIsAllDuplicates(t *testing.T) {
	root, files := writeArchive(t, "a.wav", "kicks/b.wav")
	policy := basePolicy()
	policy.Dedup = true

	e := newTestEngine(t, policy, nil, nil)
	first, firstRecs := runEngine(t, e, files, root)
	if first.Successful != 2 || first.Duplicates != 0 {
		t.Fatalf("first run: successful=%d duplicates=%d", first.Successful, first.Duplicates)
	}
	for _, rec := range firstRecs {
		if rec.Hash == "" {
			t.Error("dedup runs should record the fingerprint")
		}
	}
	cacheBefore := e.SeenCount()

	second, secondRecs := runEngine(t, e, files, root)
	if second.Duplicates != 2 || second.Emitted != 0 {
		t.Errorf("second run: duplicates=%d emitted=%d", second.Duplicates, second.Emitted)
	}
	for _, rec := range secondRecs {
		if !rec.IsDuplicate() {
			t.Errorf("%s: want duplicate record", rec.RelativePath)
		}
		// Duplicate lines never carry prediction fields.
		if rec.LabelTop1 != "" || rec.Probs != nil || rec.TopK != nil {
			t.Errorf("%s: duplicate carries prediction fields", rec.RelativePath)
		}
		if rec.AssignedReason != recordio.ReasonDuplicate {
			t.Errorf("%s: want duplicate reason, got %s", rec.RelativePath, rec.AssignedReason)
		}
	}
	if e.SeenCount() != cacheBefore {
		t.Errorf("second run grew the seen set: %d -> %d", cacheBefore, e.SeenCount())
	}
}

func TestRun_DedupDisabledSkipsHashing(t *testing.T) {
	root, files := writeArchive(t, "a.wav")
	e := newTestEngine(t, basePolicy(), nil, nil)

	_, recs := runEngine(t, e, files, root)
	if recs[0].Hash != "" {
		t.Errorf("hash should be absent without dedup, got %q", recs[0].Hash)
	}

	// Cache save/load are no-ops too.
	cache := filepath.Join(t.TempDir(), "seen.txt")
	if err := e.SaveCache(cache); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cache); !os.IsNotExist(err) {
		t.Error("cache file should not be written when dedup is off")
	}
}

func TestRun_ExtractionFailuresBecomeErrorRecords(t *testing.T) {
	root, files := writeArchive(t, "good.wav", "short.wav", "broken.wav")
	ex := &fakeExtractor{fail: map[string]string{
		"short.wav":  "too_short",
		"broken.wav": "decode failed: unsupported codec",
	}}
	e := newTestEngine(t, basePolicy(), nil, ex)

	summary, recs := runEngine(t, e, files, root)
	if summary.Errors != 2 || summary.Successful != 1 {
		t.Fatalf("summary: errors=%d successful=%d", summary.Errors, summary.Successful)
	}
	if summary.ErrorBreakdown["too_short"] != 1 {
		t.Errorf("error breakdown missing too_short: %v", summary.ErrorBreakdown)
	}

	var errRecs, fullRecs int
	for _, rec := range recs {
		if rec.IsError() {
			errRecs++
			if rec.File == "" || rec.Error == "" {
				t.Errorf("error record incomplete: %+v", rec)
			}
			if rec.AssignedLabel != "" {
				t.Error("error record should not carry an assignment")
			}
		} else {
			fullRecs++
		}
	}
	if errRecs != 2 || fullRecs != 1 {
		t.Errorf("records: errors=%d full=%d", errRecs, fullRecs)
	}
}

func TestRun_SummaryCountersAndMetadata(t *testing.T) {
	root, files := writeArchive(t, "a.wav", "sub/b.wav", "sub/c.wav")
	policy := basePolicy()
	policy.IncludeAudioStats = true
	e := newTestEngine(t, policy, nil, nil)

	summary, recs := runEngine(t, e, files, root)
	if summary.TotalExamined != 3 || summary.Emitted != 3 {
		t.Errorf("total=%d emitted=%d", summary.TotalExamined, summary.Emitted)
	}
	if summary.ClassDistribution["Snare"] != 3 {
		t.Errorf("class distribution: %v", summary.ClassDistribution)
	}

	for _, rec := range recs {
		if rec.Size <= 0 || rec.Mtime <= 0 {
			t.Errorf("%s: size=%d mtime=%g", rec.RelativePath, rec.Size, rec.Mtime)
		}
		if filepath.IsAbs(rec.RelativePath) {
			t.Errorf("relative_path is absolute: %s", rec.RelativePath)
		}
		if !filepath.IsAbs(rec.AbsPath) {
			t.Errorf("abs_path is relative: %s", rec.AbsPath)
		}
		if rec.DurationSec == nil || rec.RMSDB == nil {
			t.Errorf("%s: audio stats missing", rec.RelativePath)
		}
	}
	if recs[1].RelativePath != filepath.Join("sub", "b.wav") {
		t.Errorf("nested relative path: got %s", recs[1].RelativePath)
	}
}

func TestReplay_ReproducesRunCounters(t *testing.T) {
	root, files := writeArchive(t, "a.wav", "b.wav", "c.wav", "bad.wav")
	policy := basePolicy()
	policy.Dedup = true
	ex := &fakeExtractor{fail: map[string]string{"bad.wav": "too_short"}}
	e := newTestEngine(t, policy, nil, ex)

	// Make b.wav a content duplicate of a.wav.
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(files[1], data, 0o644); err != nil {
		t.Fatal(err)
	}

	index := filepath.Join(t.TempDir(), "index.jsonl")
	w, err := recordio.NewWriter(index, false)
	if err != nil {
		t.Fatal(err)
	}
	want, err := e.Run(context.Background(), files, root, w)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if want.Duplicates != 1 || want.Errors != 1 {
		t.Fatalf("run precondition: duplicates=%d errors=%d", want.Duplicates, want.Errors)
	}

	r, err := recordio.NewReader(index)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := Replay(r)
	if err != nil {
		t.Fatal(err)
	}

	if got.TotalExamined != want.TotalExamined ||
		got.Successful != want.Successful ||
		got.Errors != want.Errors ||
		got.Duplicates != want.Duplicates ||
		got.Emitted != want.Emitted ||
		got.MiscRouted != want.MiscRouted {
		t.Errorf("replay mismatch:\n  run:    %+v\n  replay: %+v", want, got)
	}
	for label, n := range want.ClassDistribution {
		if got.ClassDistribution[label] != n {
			t.Errorf("class %s: run=%d replay=%d", label, n, got.ClassDistribution[label])
		}
	}
}

func TestCacheRoundTripAcrossEngines(t *testing.T) {
	root, files := writeArchive(t, "a.wav")
	policy := basePolicy()
	policy.Dedup = true
	cache := filepath.Join(t.TempDir(), "seen_hashes.txt")

	e1 := newTestEngine(t, policy, nil, nil)
	if err := e1.LoadCache(cache); err != nil {
		t.Fatal(err)
	}
	first, _ := runEngine(t, e1, files, root)
	if first.Duplicates != 0 {
		t.Fatalf("fresh cache should have no duplicates")
	}
	if err := e1.SaveCache(cache); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t, policy, nil, nil)
	if err := e2.LoadCache(cache); err != nil {
		t.Fatal(err)
	}
	if e2.SeenCount() != 1 {
		t.Fatalf("want 1 cached digest, got %d", e2.SeenCount())
	}
	second, _ := runEngine(t, e2, files, root)
	if second.Duplicates != 1 {
		t.Errorf("cached digest should dedup across engines: duplicates=%d", second.Duplicates)
	}

	// The cache file format is one sorted hex digest per line.
	set, err := hashing.LoadCache(cache)
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 {
		t.Errorf("cache file: want 1 digest, got %d", len(set))
	}
}

func TestNew_RejectsLabelCardinalityMismatch(t *testing.T) {
	pred := &fakePredictor{dim: 5}
	_, err := New(pred, threeLabels, nil, &fakeExtractor{}, basePolicy())
	if err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("want cardinality mismatch error, got %v", err)
	}
}

func TestRun_BatchesOfConfiguredSize(t *testing.T) {
	root, files := writeArchive(t, "a.wav", "b.wav", "c.wav", "d.wav", "e.wav")
	policy := basePolicy()
	policy.BatchSize = 2
	pred := &fakePredictor{dim: 3, probs: []float64{0.2, 0.7, 0.1}}
	e, err := New(pred, threeLabels, nil, &fakeExtractor{}, policy)
	if err != nil {
		t.Fatal(err)
	}

	runEngine(t, e, files, root)
	// 5 files in batches of 2 means 3 predictor invocations.
	if pred.calls != 3 {
		t.Errorf("want 3 predictor calls, got %d", pred.calls)
	}
}
