// Package config provides configuration loading and management for tumorseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data locates patients and where results go
	Data struct {
		// Root is the directory holding one sub-directory per patient
		Root string `yaml:"root"`

		// Channels lists the per-channel file suffixes in stacking order
		Channels []string `yaml:"channels"`

		// Labels is the suffix of the ground truth label volume
		Labels string `yaml:"labels"`

		// ModelDir is where trained and adapted models are written
		ModelDir string `yaml:"modelDir"`

		// CacheDir holds per-patient adaptation artifacts
		CacheDir string `yaml:"cacheDir"`

		// ReferenceRoot holds the training cases used as adaptation references
		ReferenceRoot string `yaml:"referenceRoot"`
	} `yaml:"data"`

	// Sampling controls training coordinate selection
	Sampling struct {
		// Balanced draws the same number of coordinates from every class
		Balanced bool `yaml:"balanced"`

		// Downsample keeps roughly 1/Downsample of the candidates
		Downsample int `yaml:"downsample"`

		// Seed makes sampling and fold assignment reproducible
		Seed uint64 `yaml:"seed"`
	} `yaml:"sampling"`

	// Patches controls patch extraction and batch streaming
	Patches struct {
		Width     int  `yaml:"width"`
		BatchSize int  `yaml:"batchSize"`
		Queue     int  `yaml:"queue"`
		Preload   bool `yaml:"preload"`

		// NumCores bounds parallel patch extraction
		NumCores int `yaml:"numCores"`
	} `yaml:"patches"`

	// Training parameters for cross-validation and full training
	Training struct {
		Folds       int     `yaml:"folds"`
		ValFraction float64 `yaml:"valFraction"`
		Epochs      int     `yaml:"epochs"`

		// Patience stops training after this many epochs without a lower
		// validation loss. 0 disables early stopping.
		Patience int `yaml:"patience"`

		// Rounds of Epochs each, checkpointed separately by full training
		Rounds int `yaml:"rounds"`

		ConvBlocks  int     `yaml:"convBlocks"`
		DenseSize   int     `yaml:"denseSize"`
		Classes     int     `yaml:"classes"`

		// LearningRate is used by the reference network only
		LearningRate float64 `yaml:"learningRate"`
	} `yaml:"training"`

	// Adaptation parameters for the domain adaptation sweep
	Adaptation struct {
		// Epochs is the number of outer alternating epochs
		Epochs int `yaml:"epochs"`

		// NetEpochs is the number of classifier epochs per phase
		NetEpochs int `yaml:"netEpochs"`

		// Downsample thins the reference patch centers
		Downsample int `yaml:"downsample"`

		// PrimaryModel and ROIModel are paths of pre-trained models
		PrimaryModel string `yaml:"primaryModel"`
		ROIModel     string `yaml:"roiModel"`
	} `yaml:"adaptation"`

	// Postprocess controls reconstruction and region cleaning
	Postprocess struct {
		// Connectivity is 6 or 26
		Connectivity int `yaml:"connectivity"`

		// Gate is one of "none", "coarse" or "mask"
		Gate string `yaml:"gate"`
	} `yaml:"postprocess"`

	// Output parameters
	Output struct {
		// ExtractSlices writes PNG slices of every segmentation
		ExtractSlices bool `yaml:"extractSlices"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Root = "data"
	cfg.Data.Channels = []string{"_flair.vol.gz", "_t2.vol.gz", "_t1.vol.gz", "_t1ce.vol.gz"}
	cfg.Data.Labels = "_seg.vol.gz"
	cfg.Data.ModelDir = "models"
	cfg.Data.CacheDir = "cache"

	cfg.Sampling.Balanced = true
	cfg.Sampling.Downsample = 500
	cfg.Sampling.Seed = 42

	cfg.Patches.Width = 13
	cfg.Patches.BatchSize = 2048
	cfg.Patches.Queue = 10
	cfg.Patches.Preload = false
	cfg.Patches.NumCores = runtime.NumCPU()

	cfg.Training.Folds = 5
	cfg.Training.ValFraction = 0.25
	cfg.Training.Epochs = 50
	cfg.Training.Patience = 5
	cfg.Training.Rounds = 1
	cfg.Training.ConvBlocks = 5
	cfg.Training.DenseSize = 256
	cfg.Training.Classes = 5
	cfg.Training.LearningRate = 0.05

	cfg.Adaptation.Epochs = 2
	cfg.Adaptation.NetEpochs = 1
	cfg.Adaptation.Downsample = 4

	cfg.Postprocess.Connectivity = 26
	cfg.Postprocess.Gate = "coarse"

	cfg.Output.ExtractSlices = false
	cfg.Output.Verbose = false

	return cfg
}

// Validate reports settings the pipeline cannot run with
func (c *Config) Validate() error {
	if len(c.Data.Channels) == 0 {
		return fmt.Errorf("at least one channel suffix is required")
	}
	if c.Patches.Width <= 0 {
		return fmt.Errorf("patch width must be positive, got %d", c.Patches.Width)
	}
	if c.Patches.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Patches.BatchSize)
	}
	if c.Patches.NumCores < 0 {
		return fmt.Errorf("numCores must not be negative, got %d", c.Patches.NumCores)
	}
	if c.Training.Patience < 0 || c.Training.Rounds < 1 {
		return fmt.Errorf("patience must not be negative and at least one round is required")
	}
	if c.Sampling.Downsample < 1 || c.Adaptation.Downsample < 1 {
		return fmt.Errorf("downsample factors must be at least 1")
	}
	if c.Training.ValFraction < 0 || c.Training.ValFraction >= 1 {
		return fmt.Errorf("validation fraction must be in [0, 1), got %g", c.Training.ValFraction)
	}
	if c.Training.Classes < 3 {
		return fmt.Errorf("at least 3 classes are required for the cascade heads, got %d", c.Training.Classes)
	}
	switch c.Postprocess.Connectivity {
	case 6, 26:
	default:
		return fmt.Errorf("connectivity must be 6 or 26, got %d", c.Postprocess.Connectivity)
	}
	switch c.Postprocess.Gate {
	case "none", "coarse":
	case "mask":
		if c.Adaptation.ROIModel == "" {
			return fmt.Errorf("the mask gate needs adaptation.roiModel")
		}
	default:
		return fmt.Errorf("unknown gate %q", c.Postprocess.Gate)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
