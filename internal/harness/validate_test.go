package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateScenarioFile_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			errs, err := ValidateScenarioFile(path)
			require.NoError(t, err)
			assert.Empty(t, errs)
		})
	}
}

func TestValidateScenario_Minimal(t *testing.T) {
	errs, err := ValidateScenario("minimal.yaml", []byte(minimalScenario))
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidateScenario_Violations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top-level field", minimalScenario + "flow_token: abc\n"},
		{"unknown action", replaceSteps(minimalScenario, "\n  - action: explode\n")},
		{"start_order without sku", replaceSteps(minimalScenario, "\n  - action: start_order\n")},
		{"bad duration", replaceSteps(minimalScenario, "\n  - action: advance\n    duration: soon\n")},
		{"bad product type", replaceSteps(minimalScenario, "\n  - action: query_inventory\n    products: { coins: gadget }\n")},
		{"negative count", replaceSteps(minimalScenario, "\n  - action: fail_next_connects\n    count: -1\n")},
		{"empty steps", replaceSteps(minimalScenario, " []\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, err := ValidateScenario("bad.yaml", []byte(tt.doc))
			require.NoError(t, err)
			assert.NotEmpty(t, errs)
		})
	}
}

func TestValidateScenario_NotYAML(t *testing.T) {
	_, err := ValidateScenario("broken.yaml", []byte("name: [unterminated"))
	require.Error(t, err)
}

func TestValidateScenario_ErrorPositions(t *testing.T) {
	doc := replaceSteps(minimalScenario, "\n  - action: start_order\n")
	errs, err := ValidateScenario("bad.yaml", []byte(doc))
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Path, "steps")
}
