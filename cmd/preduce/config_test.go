package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/preduce/internal/orchestrator"
)

func TestApplyFileConfigOverridesOnlySetFields(t *testing.T) {
	cfg := orchestrator.DefaultConfig(t.TempDir())
	original := cfg

	workers := 7
	shuffle := false
	applyFileConfig(&cfg, fileConfig{Workers: &workers, Shuffle: &shuffle})

	require.Equal(t, workers, cfg.Workers)
	require.Equal(t, shuffle, cfg.Shuffle)
	require.Equal(t, original.PredicateTimeout, cfg.PredicateTimeout)
	require.Equal(t, original.MaxReducerInstances, cfg.MaxReducerInstances)
	require.Equal(t, original.ReVerify, cfg.ReVerify)
}

func TestLoadFileConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preduce.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 4\nshuffle: false\nreverify: true\n"), 0o644))

	fc, err := loadFileConfig(path)
	require.NoError(t, err)
	require.NotNil(t, fc.Workers)
	require.Equal(t, 4, *fc.Workers)
	require.NotNil(t, fc.Shuffle)
	require.False(t, *fc.Shuffle)
	require.Nil(t, fc.MaxReducerInstances)
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	_, err := loadFileConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
