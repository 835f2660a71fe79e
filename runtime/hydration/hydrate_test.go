package hydration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHydrateText(t *testing.T) {
	vars := map[string]interface{}{
		"customerName": "ACME Corp",
		"customer": map[string]interface{}{
			"tier": "enterprise",
		},
	}

	testCases := []struct {
		description string
		text        string
		expect      string
	}{
		{
			description: "simple reference",
			text:        "Provision account for {{customerName}}",
			expect:      "Provision account for ACME Corp",
		},
		{
			description: "dotted path",
			text:        "tier: {{customer.tier}}",
			expect:      "tier: enterprise",
		},
		{
			description: "unresolved reference kept verbatim",
			text:        "Notify {{ownerEmail}}",
			expect:      "Notify {{ownerEmail}}",
		},
		{
			description: "whitespace inside braces",
			text:        "{{ customerName }}",
			expect:      "ACME Corp",
		},
	}

	for _, testCase := range testCases {
		actual := HydrateText(testCase.text, vars)
		assert.Equal(t, testCase.expect, actual, testCase.description)
	}
}

func TestHydrate(t *testing.T) {
	vars := map[string]interface{}{"region": "eu-west-1"}
	params := map[string]interface{}{
		"target":  "{{region}}",
		"retries": 3,
		"zones":   []interface{}{"{{region}}a", "{{region}}b"},
	}

	hydrated := Hydrate(params, vars).(map[string]interface{})
	assert.Equal(t, "eu-west-1", hydrated["target"])
	assert.Equal(t, 3, hydrated["retries"])
	assert.Equal(t, []interface{}{"eu-west-1a", "eu-west-1b"}, hydrated["zones"])
}

func TestReferences(t *testing.T) {
	refs := References("Send {{report}} to {{ownerEmail}} cc {{report}}")
	assert.Equal(t, []string{"report", "ownerEmail"}, refs)
}
