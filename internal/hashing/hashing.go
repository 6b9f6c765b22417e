// Package hashing computes content fingerprints and manages the persistent
// seen-hash cache that deduplicates items across runs.
package hashing

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xxhash "github.com/OneOfOne/xxhash"
)

// blockSize is the streaming read size. Files are never loaded whole;
// archives can contain arbitrarily large items.
const blockSize = 64 * 1024

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "xxh64":
		return xxhash.New64(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// File returns the hex digest of the file content under the named algorithm.
func File(path, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Set is a seen-fingerprint set. Digests are only ever added.
type Set map[string]struct{}

// Contains reports whether digest is in the set.
func (s Set) Contains(digest string) bool {
	_, ok := s[digest]
	return ok
}

// Add inserts digest into the set.
func (s Set) Add(digest string) { s[digest] = struct{}{} }

// LoadCache reads a seen-hash cache file, one hex digest per line. A missing
// file yields an empty set.
func LoadCache(path string) (Set, error) {
	set := Set{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("cannot open hash cache %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			set.Add(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read hash cache %s: %w", path, err)
	}
	return set, nil
}

// SaveCache writes the set sorted ascending, one digest per line, so
// successive cache versions diff cleanly.
func SaveCache(path string, set Set) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	digests := make([]string, 0, len(set))
	for d := range set {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot write hash cache %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, d := range digests {
		if _, err := w.WriteString(d + "\n"); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
