// Package config defines the sampsort run configuration and its YAML loader.
//
// The whole runtime configuration is one validated struct built once at
// startup and passed by reference into each component.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Features holds the feature-extraction parameters. The MFCC shape derived
// from these values is constant for a run, which is what makes batch tensors
// stackable.
type Features struct {
	TargetSampleRate int     `yaml:"target_sr"`
	TargetSamples    int     `yaml:"target_samples"`
	NumMFCC          int     `yaml:"n_mfcc"`
	FFTSize          int     `yaml:"n_fft"`
	HopSize          int     `yaml:"hop_length"`
	Normalize        bool    `yaml:"normalize"`
	MinDurationSec   float64 `yaml:"min_duration_sec"`
}

// Model selects and configures the prediction backend.
type Model struct {
	Backend   string   `yaml:"backend"`    // "tflite" or "command"
	Path      string   `yaml:"path"`       // model file (tflite)
	Command   []string `yaml:"command"`    // model server argv (command)
	OutputDim int      `yaml:"output_dim"` // required for the command backend
	Threads   int      `yaml:"threads,omitempty"`
}

// Inference holds the per-run assignment policy parameters.
type Inference struct {
	BatchSize         int      `yaml:"batch_size"`
	MiscThreshold     float64  `yaml:"misc_threshold"`
	TargetLabels      []string `yaml:"target_labels,omitempty"`
	TopK              int      `yaml:"top_k"`
	Dedup             bool     `yaml:"dedup_hash"`
	HashAlgorithm     string   `yaml:"hash_algorithm"`
	IncludeAudioStats bool     `yaml:"include_audio_stats"`
}

// Paths names the filesystem locations a run touches.
type Paths struct {
	ArchiveRoot      string `yaml:"archive_root"`
	RunsRoot         string `yaml:"runs_root"`
	CacheDir         string `yaml:"cache_dir"`
	LabelMapping     string `yaml:"label_mapping,omitempty"`
	CanonicalMapping string `yaml:"canonical_mapping,omitempty"`
}

// Config is the in-memory representation of sampsort.yaml.
type Config struct {
	Features  Features  `yaml:"features"`
	Model     Model     `yaml:"model"`
	Inference Inference `yaml:"inference"`
	Paths     Paths     `yaml:"paths"`

	SupportedFormats []string `yaml:"supported_formats,omitempty"`
	ExcludePatterns  []string `yaml:"exclude_patterns,omitempty"`
	MaxFilesPerRun   int      `yaml:"max_files_per_run,omitempty"`
	FallbackLabels   []string `yaml:"fallback_labels,omitempty"`
	CompressIndex    bool     `yaml:"compress_index,omitempty"`
}

// HashAlgorithms lists the supported fingerprint algorithms.
var HashAlgorithms = []string{"md5", "sha1", "sha256", "xxh64"}

// ModelBackends lists the supported prediction backends.
var ModelBackends = []string{"tflite", "command"}

// Default returns the configuration used to fill unset fields.
func Default() *Config {
	return &Config{
		Features: Features{
			TargetSampleRate: 44100,
			TargetSamples:    50000,
			NumMFCC:          40,
			FFTSize:          2048,
			HopSize:          512,
			Normalize:        true,
			MinDurationSec:   0.05,
		},
		Model: Model{
			Backend: "tflite",
		},
		Inference: Inference{
			BatchSize:         32,
			MiscThreshold:     0.50,
			TopK:              3,
			Dedup:             true,
			HashAlgorithm:     "md5",
			IncludeAudioStats: true,
		},
		Paths: Paths{
			CacheDir: filepath.Join(".cache", "sampsort"),
			RunsRoot: "runs",
		},
		SupportedFormats: []string{".wav", ".flac", ".aiff", ".aif"},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save marshals cfg and writes it to path.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations that would break assignment correctness
// downstream rather than letting them silently degrade.
func (c *Config) Validate() error {
	if c.Features.TargetSampleRate <= 0 {
		return fmt.Errorf("features.target_sr must be positive, got %d", c.Features.TargetSampleRate)
	}
	if c.Features.TargetSamples <= 0 {
		return fmt.Errorf("features.target_samples must be positive, got %d", c.Features.TargetSamples)
	}
	if c.Features.NumMFCC <= 0 {
		return fmt.Errorf("features.n_mfcc must be positive, got %d", c.Features.NumMFCC)
	}
	if c.Features.FFTSize <= 0 || c.Features.HopSize <= 0 {
		return fmt.Errorf("features.n_fft and features.hop_length must be positive")
	}
	if c.Inference.BatchSize <= 0 {
		return fmt.Errorf("inference.batch_size must be positive, got %d", c.Inference.BatchSize)
	}
	if c.Inference.TopK <= 0 {
		return fmt.Errorf("inference.top_k must be positive, got %d", c.Inference.TopK)
	}
	if c.Inference.MiscThreshold < 0 || c.Inference.MiscThreshold > 1 {
		return fmt.Errorf("inference.misc_threshold must be within [0,1], got %g", c.Inference.MiscThreshold)
	}
	if !contains(HashAlgorithms, c.Inference.HashAlgorithm) {
		return fmt.Errorf("unknown hash_algorithm %q (supported: %s)",
			c.Inference.HashAlgorithm, strings.Join(HashAlgorithms, ", "))
	}
	if !contains(ModelBackends, c.Model.Backend) {
		return fmt.Errorf("unknown model backend %q (supported: %s)",
			c.Model.Backend, strings.Join(ModelBackends, ", "))
	}
	if c.Model.Backend == "command" {
		if len(c.Model.Command) == 0 {
			return fmt.Errorf("model.command is required for the command backend")
		}
		if c.Model.OutputDim <= 0 {
			return fmt.Errorf("model.output_dim is required for the command backend")
		}
	}
	if c.Model.Backend == "tflite" && c.Model.Path == "" {
		return fmt.Errorf("model.path is required for the tflite backend")
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
