package srvins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	// The shipped defaults file must not drift from the code.
	cfg, err := LoadConfig(DefaultConfigPath)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(DefaultConfig(), cfg, cmpopts.EquateApprox(0, 1e-15)))
}

func TestLoadConfigPartial(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"update": {"sigma_pix": 1.5, "max_iterations": 5}, "state": {"clone_stddev": 1e-5}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Update.SigmaPixel = 1.5
	want.Update.MaxIterations = 5
	want.State.CloneStdDev = 1e-5
	assert.Empty(t, cmp.Diff(want, cfg))
}

func TestLoadConfigErrors(t *testing.T) {
	for name, content := range map[string]string{
		"negative sigma":  `{"update": {"sigma_pix": -1}}`,
		"no iteration":    `{"update": {"max_iterations": 0}}`,
		"depth bounds":    `{"triangulation": {"min_dist": 10, "max_dist": 5}}`,
		"window":          `{"state": {"max_clones": 1}}`,
		"exact clone":     `{"state": {"clone_stddev": 0}}`,
		"zero depth":      `{"triangulation": {"min_dist": 0}}`,
		"camera rotation": `{"camera": {"q_CtoI": [2, 0, 0, 0]}}`,
		"focal":           `{"camera": {"fx": 0}}`,
		"syntax":          `{"update": `,
		"type":            `{"update": {"sigma_pix": "one"}}`,
	} {
		_, err := LoadConfig(writeConfig(t, "bad.json", content))
		assert.Error(t, err, name)
	}

	_, err := LoadConfig(writeConfig(t, "config.yaml", `{}`))
	assert.ErrorContains(t, err, ".json")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTriangulationOptionsValidate(t *testing.T) {
	opts := DefaultTriangulationOptions()
	opts.LambdaMultiplier = 1
	assert.Error(t, opts.Validate())

	// Refinement settings are ignored when it is disabled.
	opts.Refine = false
	assert.NoError(t, opts.Validate())

	opts.MaxConditionNumber = 1
	assert.Error(t, opts.Validate())
}
