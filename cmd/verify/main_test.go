package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/param"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("run: %w", &domain.ConfigError{Field: "by"})))
	assert.Equal(t, exitNoData, exitCode(domain.ErrNoData))
	assert.Equal(t, exitError, exitCode(os.ErrPermission))
}

func TestPrintChunks(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printChunks(&out, []int{0, 6, 12, 18, 24}, 2))
	assert.Equal(t, "iteration 1: [0 12 24]\niteration 2: [6 18]\n", out.String())

	assert.True(t, domain.IsConfigError(printChunks(&out, []int{6, 6}, 1)))
}

func TestChunksCommand_FromRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lead_times: [0, 3, 6]\nnum_iterations: 3\n"), 0o600))

	a := &app{envFile: filepath.Join(t.TempDir(), "missing.env")}
	cmd := a.rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"chunks", "-c", path, "--iterations", "1"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "iteration 1: [0 3 6]\n", out.String())
}

func TestListParams(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listParams(&out, param.NewCachedResolver(param.NewResolver(), 8)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, len(param.Known())+1)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, out.String(), "2m temperature")
}

func TestResolveParams(t *testing.T) {
	var out bytes.Buffer
	r := param.NewCachedResolver(param.NewResolver(), 8)
	require.NoError(t, resolveParams(&out, r, []string{"Pcp6h"}))
	assert.Contains(t, out.String(), "AccPcp6h")

	assert.True(t, domain.IsConfigError(resolveParams(&out, r, []string{"nonsense"})))
}
