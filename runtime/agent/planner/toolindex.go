package planner

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/foreman/runtime/agent/tools"
)

// IndexEntry is one row of the tool index rendered into planning prompts and
// recorded in the final audit. The fingerprint pins the input schema the
// model planned against so drift between planning and execution is
// detectable.
type IndexEntry struct {
	Name                   string `json:"name"`
	Category               string `json:"category"`
	Summary                string `json:"summary"`
	Safety                 string `json:"safety"`
	InputSchemaFingerprint string `json:"input_schema_fingerprint"`
}

// Index renders tool specs as a deterministic index sorted by name. The same
// registry always yields the same index, byte for byte.
func Index(specs []tools.Spec) []IndexEntry {
	entries := make([]IndexEntry, 0, len(specs))
	for _, s := range specs {
		entries = append(entries, IndexEntry{
			Name:                   string(s.Name),
			Category:               s.Category,
			Summary:                s.Description,
			Safety:                 renderSafety(s.Safety),
			InputSchemaFingerprint: tools.Fingerprint(s.InputSchema),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// renderSafety flattens a safety profile into one index cell, e.g. "exec" or
// "exec(go,git)".
func renderSafety(s tools.Safety) string {
	if len(s.Allowlist) == 0 {
		return string(s.SideEffects)
	}
	return fmt.Sprintf("%s(%s)", s.SideEffects, strings.Join(s.Allowlist, ","))
}
