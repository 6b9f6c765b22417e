package hashing

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFile_KnownDigests(t *testing.T) {
	path := writeFile(t, "hello")
	cases := []struct {
		algorithm string
		want      string
	}{
		{"md5", "5d41402abc4b2a76b9719d911017c592"},
		{"sha1", "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
		{"sha256", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}
	for _, tc := range cases {
		t.Run(tc.algorithm, func(t *testing.T) {
			got, err := File(path, tc.algorithm)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestFile_XXH64IsStable(t *testing.T) {
	path := writeFile(t, "hello")
	first, err := File(path, "xxh64")
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("empty digest")
	}
	second, err := File(path, "xxh64")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("digest not deterministic: %s vs %s", first, second)
	}

	other, err := File(writeFile(t, "goodbye"), "xxh64")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("different content produced the same digest")
	}
}

func TestFile_UnsupportedAlgorithm(t *testing.T) {
	_, err := File(writeFile(t, "x"), "crc32")
	if err == nil || !strings.Contains(err.Error(), "unsupported hash algorithm") {
		t.Fatalf("want unsupported algorithm error, got %v", err)
	}
}

func TestFile_MissingFile(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "nope"), "md5"); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "seen_hashes.txt")

	set := Set{}
	set.Add("beta")
	set.Add("alpha")
	set.Add("gamma")
	if err := SaveCache(path, set); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 3 || !loaded.Contains("alpha") || !loaded.Contains("gamma") {
		t.Errorf("loaded set: %v", loaded)
	}

	// The on-disk format is one digest per line, sorted ascending.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if !sort.StringsAreSorted(lines) {
		t.Errorf("cache lines not sorted: %v", lines)
	}
	if len(lines) != 3 {
		t.Errorf("want 3 lines, got %d", len(lines))
	}
}

func TestLoadCache_MissingFileYieldsEmptySet(t *testing.T) {
	set, err := LoadCache(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 0 {
		t.Errorf("want empty set, got %v", set)
	}
}

func TestLoadCache_SkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.txt")
	if err := os.WriteFile(path, []byte("aaa\n\n  \nbbb\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := LoadCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Errorf("want 2 digests, got %d", len(set))
	}
}
