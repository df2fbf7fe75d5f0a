package orchestrator

import "strings"

// problemTypeKeywords buckets a task description into a coarse
// problem_type for the ExperienceRepository schema (spec §6) and the
// default feature extractor's similarity lookup. Checked in order; first
// match wins.
var problemTypeKeywords = []struct {
	keyword string
	label   string
}{
	{"security", "security"},
	{"injection", "security"},
	{"timeout", "performance"},
	{"slow", "performance"},
	{"performance", "performance"},
	{"test", "test-fix"},
	{"refactor", "refactor"},
	{"bug", "bugfix"},
	{"fix", "bugfix"},
}

// ClassifyProblemType buckets a free-text task description by the first
// entry of problemTypeKeywords it contains, or "general" when none match.
// This keyword table is separate from reasoning.FallbackGenerator's
// templates, so the two can bucket the same description differently.
func ClassifyProblemType(taskDescription string) string {
	lower := strings.ToLower(taskDescription)
	for _, entry := range problemTypeKeywords {
		if strings.Contains(lower, entry.keyword) {
			return entry.label
		}
	}
	return "general"
}
