package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/infrastructure/config"
)

func TestWatcher_PushesDynamicChanges(t *testing.T) {
	// Arrange
	path := writeConfig(t, "memory:\n  decay_lambda: 0.01\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	w, err := config.NewWatcher(path, cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	got := make(chan config.Dynamic, 1)
	w.OnChange(func(d config.Dynamic) {
		select {
		case got <- d:
		default:
		}
	})

	// Act
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  decay_lambda: 0.2\n"), 0o644))

	// Assert
	select {
	case d := <-got:
		assert.Equal(t, 0.2, d.MemoryDecayLambda)
		assert.Equal(t, 0.2, w.Current().MemoryDecayLambda)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_RejectsBadEdit(t *testing.T) {
	path := writeConfig(t, "memory:\n  decay_lambda: 0.01\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	w, err := config.NewWatcher(path, cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: [\n"), 0o644))

	// the previous state must survive a broken edit
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0.01, w.Current().MemoryDecayLambda)
}
