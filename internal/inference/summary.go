package inference

import (
	"sampsort/internal/recordio"
)

// Summary aggregates one run's counters in a single pass over the records it
// writes. Replay rebuilds the same aggregates from the stream, so a summary
// is always reproducible from its index.
type Summary struct {
	TotalExamined     int            `json:"total_examined"`
	Successful        int            `json:"successful"`
	Errors            int            `json:"errors"`
	Duplicates        int            `json:"duplicates"`
	Emitted           int            `json:"emitted"`
	MiscRouted        int            `json:"misc_routed"`
	ClassDistribution map[string]int `json:"class_distribution"`
	ErrorBreakdown    map[string]int `json:"error_breakdown"`
	ElapsedSec        float64        `json:"elapsed_sec"`
	FilesPerSec       float64        `json:"files_per_sec"`

	// Echoed back by the CLI for traceability.
	Timestamp string `json:"timestamp,omitempty"`
	RunDir    string `json:"run_dir,omitempty"`
	Config    any    `json:"config,omitempty"`
}

func newSummary() *Summary {
	return &Summary{
		ClassDistribution: map[string]int{},
		ErrorBreakdown:    map[string]int{},
	}
}

func (s *Summary) addError(cause string) {
	s.Errors++
	s.ErrorBreakdown[cause]++
}

func (s *Summary) addAssigned(a assigned) {
	s.Successful++
	if a.dup != nil {
		s.Duplicates++
		return
	}
	rec := a.full
	s.ClassDistribution[rec.AssignedLabel]++
	if rec.AssignedLabel == recordio.MiscLabel {
		s.MiscRouted++
	} else {
		s.Emitted++
	}
}

// Replay reconstructs run counters from a record stream. Elapsed time and
// throughput are not replayable and stay zero.
func Replay(r *recordio.Reader) (*Summary, error) {
	s := newSummary()
	err := r.Each(func(rec *recordio.Record) error {
		s.TotalExamined++
		if rec.IsError() {
			s.addError(rec.Error)
			return nil
		}
		s.Successful++
		if rec.IsDuplicate() {
			s.Duplicates++
			return nil
		}
		if rec.AssignedLabel == "" {
			return nil
		}
		s.ClassDistribution[rec.AssignedLabel]++
		if rec.AssignedLabel == recordio.MiscLabel {
			s.MiscRouted++
		} else {
			s.Emitted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
