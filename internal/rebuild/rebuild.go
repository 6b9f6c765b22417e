// Package rebuild materializes a labeled directory tree from a
// classification record stream, applying overrides and label filters.
package rebuild

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sampsort/internal/recordio"
)

// Copy strategies.
const (
	ModeCopy     = "copy"
	ModeSymlink  = "symlink"
	ModeHardlink = "hardlink"
)

// ManifestDir is the reserved subdirectory for per-label manifests.
const ManifestDir = "_manifests"

// SummaryFile is the rebuild summary written under the output root.
const SummaryFile = "_rebuild_summary.json"

// Directive holds the per-run rebuild parameters.
type Directive struct {
	IndexPath     string
	OutputRoot    string
	Mode          string
	Overrides     map[string]string // fingerprint -> label, always wins
	AllowedLabels []string          // nil disables the filter
	ForceAll      bool              // ignore AllowedLabels
}

// Summary is the JSON document written after a rebuild pass.
type Summary struct {
	Timestamp   string         `json:"timestamp"`
	IndexPath   string         `json:"index_path"`
	OutputRoot  string         `json:"output_root"`
	CopyMode    string         `json:"copy_mode"`
	Stats       map[string]int `json:"stats"`
	ClassCounts map[string]int `json:"class_counts"`
}

// Rebuilder consumes a record stream and materializes files under per-label
// directories. It opens sources read-only and never mutates the index it
// consumes, so rebuilds are repeatable.
type Rebuilder struct {
	directive   Directive
	stats       map[string]int
	classCounts map[string]int
	manifests   map[string][]string
	allowed     map[string]struct{}

	// Log receives per-item copy failures; nil silences them.
	Log io.Writer
}

// New validates the directive. An unknown copy mode stops the operation
// before any record is consumed.
func New(d Directive) (*Rebuilder, error) {
	switch d.Mode {
	case ModeCopy, ModeSymlink, ModeHardlink:
	case "":
		d.Mode = ModeCopy
	default:
		return nil, fmt.Errorf("unknown copy mode: %s", d.Mode)
	}
	rb := &Rebuilder{
		directive:   d,
		stats:       map[string]int{},
		classCounts: map[string]int{},
		manifests:   map[string][]string{},
	}
	if d.AllowedLabels != nil {
		rb.allowed = make(map[string]struct{}, len(d.AllowedLabels))
		for _, l := range d.AllowedLabels {
			rb.allowed[l] = struct{}{}
		}
	}
	return rb, nil
}

// Run processes every record in stream order, then writes the per-label
// manifests and the summary document.
func (rb *Rebuilder) Run(r *recordio.Reader) (*Summary, error) {
	if err := os.MkdirAll(rb.directive.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create output root: %w", err)
	}

	if err := r.Each(func(rec *recordio.Record) error {
		rb.processRecord(rec)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := rb.writeManifests(); err != nil {
		return nil, err
	}
	summary := rb.summary()
	if err := rb.writeSummary(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (rb *Rebuilder) processRecord(rec *recordio.Record) {
	rb.stats["total"]++

	if rec.IsError() {
		rb.stats["errors"]++
		return
	}
	if rec.IsDuplicate() {
		rb.stats["duplicates"]++
		return
	}

	label := rec.AssignedLabel
	if label == "" {
		rb.stats["no_label"]++
		return
	}

	// Overrides always win over the stream's assignment and the filter.
	overridden := false
	if rec.Hash != "" {
		if l, ok := rb.directive.Overrides[rec.Hash]; ok {
			label = l
			overridden = true
			rb.stats["overridden"]++
		}
	}

	if !overridden && !rb.directive.ForceAll && rb.allowed != nil {
		if _, ok := rb.allowed[label]; !ok && label != recordio.MiscLabel {
			label = recordio.MiscLabel
			rb.stats["filtered_to_misc"]++
		}
	}

	if _, err := os.Stat(rec.AbsPath); err != nil {
		rb.stats["missing_source"]++
		return
	}

	destDir := filepath.Join(rb.directive.OutputRoot, label)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		rb.logf("cannot create %s: %v", destDir, err)
		rb.stats["copy_errors"]++
		return
	}

	rel := rec.RelativePath
	if rel == "" {
		rel = filepath.Base(rec.AbsPath)
	}
	dest := resolveCollision(filepath.Join(destDir, filepath.Base(rel)))

	if err := rb.materialize(rec.AbsPath, dest); err != nil {
		rb.logf("cannot materialize %s: %v", rec.AbsPath, err)
		rb.stats["copy_errors"]++
		return
	}

	rb.stats["emitted"]++
	rb.classCounts[label]++
	rb.manifests[label] = append(rb.manifests[label], rel)
}

// resolveCollision appends _1, _2, ... before the extension until the name
// is free.
func resolveCollision(dest string) string {
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(dest)
	stem := strings.TrimSuffix(dest, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (rb *Rebuilder) materialize(src, dest string) error {
	switch rb.directive.Mode {
	case ModeCopy:
		return copyFile(src, dest)
	case ModeSymlink:
		return os.Symlink(src, dest)
	case ModeHardlink:
		return os.Link(src, dest)
	}
	return fmt.Errorf("unknown copy mode: %s", rb.directive.Mode)
}

// copyFile copies src to dest, preserving permissions.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writeManifests writes one sorted manifest per label under ManifestDir.
func (rb *Rebuilder) writeManifests() error {
	if len(rb.manifests) == 0 {
		return nil
	}
	dir := filepath.Join(rb.directive.OutputRoot, ManifestDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for label, paths := range rb.manifests {
		sorted := make([]string, len(paths))
		copy(sorted, paths)
		sort.Strings(sorted)
		content := strings.Join(sorted, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, label+".txt"), []byte(content), 0o644); err != nil {
			return fmt.Errorf("cannot write manifest for %s: %w", label, err)
		}
	}
	return nil
}

func (rb *Rebuilder) summary() *Summary {
	return &Summary{
		Timestamp:   time.Now().Format(time.RFC3339),
		IndexPath:   rb.directive.IndexPath,
		OutputRoot:  rb.directive.OutputRoot,
		CopyMode:    rb.directive.Mode,
		Stats:       rb.stats,
		ClassCounts: rb.classCounts,
	}
}

func (rb *Rebuilder) writeSummary(s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(rb.directive.OutputRoot, SummaryFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("cannot write rebuild summary: %w", err)
	}
	return nil
}

func (rb *Rebuilder) logf(format string, args ...any) {
	if rb.Log != nil {
		fmt.Fprintf(rb.Log, format+"\n", args...)
	}
}
