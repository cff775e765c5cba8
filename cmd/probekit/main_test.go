// main_test.go tests the probekit command tree.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/probekit/internal/config"
	"github.com/kolkov/probekit/internal/logging"
)

// childEnv makes the test binary act as probekit, so isolated runs can
// use it as their exec child.
const childEnv = "PROBEKIT_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		c := &cli{stdout: os.Stdout, stderr: os.Stderr, logger: logging.Discard()}
		root := newRootCmd(c)
		root.SetArgs(os.Args[1:])
		if err := root.ExecuteContext(context.Background()); err != nil {
			os.Exit(1)
		}
		os.Exit(c.status)
	}
	os.Exit(m.Run())
}

type result struct {
	stdout string
	stderr string
	status int
}

// probekit runs the command tree in process with an empty home directory.
func probekit(t *testing.T, args ...string) (result, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	c := &cli{stdout: &stdout, stderr: &stderr, logger: logging.Discard()}
	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return result{stdout: stdout.String(), stderr: stderr.String(), status: c.status}, err
}

func fixture(name string) string {
	return filepath.Join("..", "..", "analysis", "testdata", name)
}

func TestVersionCommand(t *testing.T) {
	res, err := probekit(t, "version")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 3)
	if lines[0] != "probekit version 0.3.0" {
		t.Errorf("version line = %q, want %q", lines[0], "probekit version 0.3.0")
	}
	assert.Equal(t, "modes: race, symbolic, memsafety, coverage", lines[1])
	assert.Equal(t, "race algorithms: hybrid, lockset", lines[2])
}

func TestSchemaCommand(t *testing.T) {
	res, err := probekit(t, "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &schema))
	assert.Contains(t, res.stdout, `"modes"`)
	assert.Contains(t, res.stdout, `"redzone"`)
}

func TestConfigFlag(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Modes = []string{"coverage"}
		cfg.Isolate = false
		path := filepath.Join(dir, "good.yaml")
		require.NoError(t, cfg.Save(path))

		res, err := probekit(t, "run", "--config", path, "--color", "never", fixture("if.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 4, res.status)
		assert.Contains(t, res.stdout, "33.33")
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("memory:\n  redzone: 0\n"), 0o644))

		_, err := probekit(t, "run", "--config", path, fixture("if.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redzone")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := probekit(t, "run", "--config", filepath.Join(dir, "none.yaml"), fixture("if.yaml"))
		assert.Error(t, err)
	})
}

func TestUseColor(t *testing.T) {
	c := &cli{stdout: &bytes.Buffer{}}
	tests := []struct {
		mode string
		want bool
	}{
		{config.ColorAlways, true},
		{config.ColorNever, false},
		{config.ColorAuto, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			if got := c.useColor(tt.mode); got != tt.want {
				t.Errorf("useColor(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}
