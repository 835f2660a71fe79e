package approval

import (
	"bytes"
	"encoding/json"

	"github.com/pmezard/go-difflib/difflib"
)

// Redline renders a unified diff between the draft payload and the
// reviewer's edit. Payloads are re-indented first so the diff tracks
// content rather than whitespace; inputs that are not valid json are
// diffed verbatim.
func Redline(draft, edited json.RawMessage) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(canonical(draft)),
		B:        difflib.SplitLines(canonical(edited)),
		FromFile: "draft",
		ToFile:   "edited",
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func canonical(payload json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload)
	}
	return buf.String()
}
