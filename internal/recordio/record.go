// Package recordio implements the append-only JSONL record stream shared by
// the inference engine and the archive rebuilder.
package recordio

import (
	"encoding/json"
	"fmt"
)

// Assignment reasons. Every classified item carries exactly one.
const (
	ReasonTop1          = "top1"
	ReasonLowConfidence = "low_confidence"
	ReasonOutOfTarget   = "out_of_target"
	ReasonDuplicate     = "duplicate"
)

// MiscLabel is the catch-all category for low-confidence and out-of-target
// items.
const MiscLabel = "misc"

// TopPair is one (label, probability) entry of the ranked top-K list. It
// serializes as a two-element JSON array, ["Kick", 0.93].
type TopPair struct {
	Label string
	Prob  float64
}

func (p TopPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Label, p.Prob})
}

func (p *TopPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("topk entry must be a [label, prob] pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.Label); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Prob)
}

// Record is a full classification record, and doubles as the superset type
// every stream line decodes into: error and duplicate lines simply leave
// their absent fields zero.
type Record struct {
	RelativePath string  `json:"relative_path"`
	AbsPath      string  `json:"abs_path"`
	Size         int64   `json:"size"`
	Mtime        float64 `json:"mtime"`

	DurationSec      *float64 `json:"duration_sec,omitempty"`
	RMSDB            *float64 `json:"rms_db,omitempty"`
	SpectralCentroid *float64 `json:"spectral_centroid,omitempty"`
	SpectralRolloff  *float64 `json:"spectral_rolloff,omitempty"`

	Hash string `json:"hash,omitempty"`

	LabelTop1 string    `json:"label_top1"`
	ConfTop1  float64   `json:"conf_top1"`
	TopK      []TopPair `json:"topk"`
	Probs     []float64 `json:"probs"`

	AssignedLabel      string `json:"assigned_label"`
	AssignedReason     string `json:"assigned_reason"`
	MiscRouted         bool   `json:"misc_routed"`
	BelowMiscThreshold bool   `json:"below_misc_threshold"`
	OutOfTarget        bool   `json:"out_of_target"`

	Errors *string `json:"errors"`

	// Set only on duplicate-skip and error lines respectively.
	SkippedDuplicate bool   `json:"skipped_duplicate,omitempty"`
	Error            string `json:"error,omitempty"`
	File             string `json:"file,omitempty"`
}

// IsError reports whether the line was an error record.
func (r *Record) IsError() bool { return r.Error != "" }

// IsDuplicate reports whether the line was a duplicate-skip record.
func (r *Record) IsDuplicate() bool { return r.SkippedDuplicate }

// ErrorRecord is written when feature extraction fails: path identifiers and
// the failure reason, nothing else.
type ErrorRecord struct {
	File         string `json:"file"`
	RelativePath string `json:"relative_path"`
	Error        string `json:"error"`
}

// DuplicateRecord is written when a fingerprint was already seen. It never
// carries prediction fields.
type DuplicateRecord struct {
	RelativePath     string  `json:"relative_path"`
	Hash             string  `json:"hash"`
	SkippedDuplicate bool    `json:"skipped_duplicate"`
	AssignedLabel    *string `json:"assigned_label"`
	AssignedReason   string  `json:"assigned_reason"`
}

// NewDuplicateRecord builds the duplicate-skip record for a fingerprint.
func NewDuplicateRecord(relativePath, hash string) *DuplicateRecord {
	return &DuplicateRecord{
		RelativePath:     relativePath,
		Hash:             hash,
		SkippedDuplicate: true,
		AssignedLabel:    nil,
		AssignedReason:   ReasonDuplicate,
	}
}
