package rebuild

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// overrideRow is one line of an overrides stream: a fingerprint and the
// label a human decided it should have.
type overrideRow struct {
	Hash         string `json:"hash"`
	CorrectLabel string `json:"correct_label"`
}

// LoadOverrides reads a JSONL overrides file (optionally gzip-framed by the
// .gz suffix) into a fingerprint-to-label table. Later rows win on
// duplicate fingerprints.
func LoadOverrides(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open overrides %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("cannot open gzip overrides %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	}

	out := map[string]string{}
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row overrideRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("invalid override row in %s: %w", path, err)
		}
		if row.Hash == "" || row.CorrectLabel == "" {
			return nil, fmt.Errorf("override row in %s needs both hash and correct_label", path)
		}
		out[row.Hash] = row.CorrectLabel
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read overrides %s: %w", path, err)
	}
	return out, nil
}
