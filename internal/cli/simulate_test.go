package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failingScenario = `
name: expects_too_much
description: asks for a receipt that never arrives
products:
  - { sku: coins, type: consumable }
steps:
  - action: start
assertions:
  - type: receipt_count
    count: 1
`

func TestSimulate_Testdata(t *testing.T) {
	out, _, err := execute(t, "simulate", scenariosDir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ consumable_purchase (receipts=2, connection=connected)")
	assert.Contains(t, out, "✓ reconnect_recovers_purchase")
	assert.Contains(t, out, "✓ pending_then_rejected")
	assert.Contains(t, out, "Summary: 3 passed, 0 failed, 3 total")
}

func TestSimulate_Trace(t *testing.T) {
	out, _, err := execute(t, "simulate", filepath.Join(scenariosDir, "consumable_purchase.yaml"), "--trace")
	require.NoError(t, err)

	golden, err := os.ReadFile("../harness/testdata/golden/consumable_purchase.golden")
	require.NoError(t, err)
	assert.Contains(t, out, indent(string(golden), "    "))
}

func TestSimulate_Filter(t *testing.T) {
	out, _, err := execute(t, "simulate", scenariosDir, "--filter", "reconnect_*")
	require.NoError(t, err)
	assert.Contains(t, out, "reconnect_recovers_purchase")
	assert.NotContains(t, out, "consumable_purchase")
	assert.Contains(t, out, "1 total")
}

func TestSimulate_JSON(t *testing.T) {
	out, _, err := execute(t, "simulate", scenariosDir, "--format", "json", "--filter", "consumable_*", "--trace")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	sr := resp.Data.Scenarios[0]
	assert.Equal(t, "consumable_purchase", sr.Name)
	assert.True(t, sr.Pass)
	assert.Equal(t, 2, sr.Receipts)
	require.NotEmpty(t, sr.Trace)
	assert.Equal(t, 1, sr.Trace[0].Seq)
}

func TestSimulate_FailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(failingScenario), 0644))

	out, _, err := execute(t, "simulate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ expects_too_much")
	assert.Contains(t, out, "receipt_count")
}

func TestSimulate_SchemaViolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bad\nproducts: []\n"), 0644))

	out, _, err := execute(t, "simulate", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeScenarioFail, resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	require.NotEmpty(t, resp.Data.Scenarios[0].Errors)
	assert.Contains(t, resp.Data.Scenarios[0].Errors[0], "schema:")
}

func TestSimulate_MissingPath(t *testing.T) {
	_, _, err := execute(t, "simulate", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulate_BadFilter(t *testing.T) {
	_, _, err := execute(t, "simulate", scenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestSimulate_EmptyDir(t *testing.T) {
	out, _, err := execute(t, "simulate", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	for _, name := range []string{"a.yaml", "b.yml", "notes.txt", "nested/c.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	files, err := findScenarioFiles([]string{dir}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "b.yml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, files)

	files, err = findScenarioFiles([]string{dir}, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "nested", "c.yaml")}, files)
}
