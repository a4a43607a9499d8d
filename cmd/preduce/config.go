package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bradleyjkemp/preduce/internal/orchestrator"
)

// fileConfig is the optional --config YAML document. Any field present
// overrides the corresponding orchestrator.Config default; flags the user
// actually typed on the command line then override the file in turn (see
// the file-then-flags merge in run()).
type fileConfig struct {
	Workers             *int  `yaml:"workers"`
	PredicateTimeout    *int  `yaml:"timeout_seconds"`
	Shuffle             *bool `yaml:"shuffle"`
	MaxReducerInstances *int  `yaml:"max_reducer_instances"`
	FingerprintCapacity *int  `yaml:"fingerprint_capacity"`
	QueueCapacity       *int  `yaml:"queue_capacity"`
	ReVerify            *bool `yaml:"reverify"`
	ShuffleWindow       *int  `yaml:"shuffle_window"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing config file: %w", err)
	}
	return fc, nil
}

// applyFileConfig fills in cfg fields from fc wherever fc specifies them,
// leaving cfg's current contents (the defaults, when called from run)
// untouched otherwise.
func applyFileConfig(cfg *orchestrator.Config, fc fileConfig) {
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	if fc.PredicateTimeout != nil {
		cfg.PredicateTimeout = secondsToDuration(*fc.PredicateTimeout)
	}
	if fc.Shuffle != nil {
		cfg.Shuffle = *fc.Shuffle
	}
	if fc.MaxReducerInstances != nil {
		cfg.MaxReducerInstances = *fc.MaxReducerInstances
	}
	if fc.FingerprintCapacity != nil {
		cfg.FingerprintCapacity = *fc.FingerprintCapacity
	}
	if fc.QueueCapacity != nil {
		cfg.QueueCapacity = *fc.QueueCapacity
	}
	if fc.ReVerify != nil {
		cfg.ReVerify = *fc.ReVerify
	}
	if fc.ShuffleWindow != nil {
		cfg.ShuffleWindow = *fc.ShuffleWindow
	}
}
