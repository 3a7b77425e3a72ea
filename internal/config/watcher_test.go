package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	writeConfig(t, path, validYAML)

	loaded := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { loaded <- c })
	require.NoError(t, err)
	defer w.Close()

	writeConfig(t, path, strings.Replace(validYAML, "workers: 2", "workers: 8", 1))

	select {
	case cfg := <-loaded:
		assert.Equal(t, 8, cfg.Pool.Workers)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatch_InvalidEditDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	writeConfig(t, path, validYAML)

	loaded := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { loaded <- c })
	require.NoError(t, err)
	defer w.Close()

	writeConfig(t, path, strings.Replace(validYAML, "workers: 2", "workers: 0", 1))

	select {
	case <-loaded:
		t.Fatal("invalid config must not reach the callback")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatch_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	writeConfig(t, path, validYAML)

	loaded := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { loaded <- c })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	select {
	case <-loaded:
		t.Fatal("sibling file writes must not trigger a reload")
	case <-time.After(600 * time.Millisecond):
	}
}
