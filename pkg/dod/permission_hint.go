package dod

import "strings"

// permissionKeywords are the fixed keywords the heuristic scans output
// and criterion detail text for, evidence of a filesystem permission
// problem worth adding PermissionHint to the retry feedback for.
var permissionKeywords = []string{
	"permission", "permissions", "write access", "read access",
	"file write", "cannot create", "cannot write", "access denied",
	"forbidden",
}

// SuggestsPermissionProblem reports whether report's task output or
// any failing criterion's description/details looks like a filesystem
// permission denial, per the fixed keyword list, or names a missing
// file ("file" in the description plus "does not exist"/"not found" in
// the details).
func SuggestsPermissionProblem(taskOutput string, report Report) bool {
	if containsAnyKeyword(taskOutput) {
		return true
	}
	for _, f := range report.Failures {
		if containsAnyKeyword(f.Details) || containsAnyKeyword(f.Criterion.Description) {
			return true
		}
		if mentionsMissingFile(f.Criterion.Description, f.Details) {
			return true
		}
	}
	return false
}

func containsAnyKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range permissionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func mentionsMissingFile(description, details string) bool {
	lowerDesc := strings.ToLower(description)
	lowerDetails := strings.ToLower(details)
	if !strings.Contains(lowerDesc, "file") {
		return false
	}
	return strings.Contains(lowerDetails, "does not exist") || strings.Contains(lowerDetails, "not found")
}

// PermissionHint is the text appended to retry feedback when
// auto_elevate_permissions is set and SuggestsPermissionProblem fires.
// Appending it does not change the agent's permission mode.
const PermissionHint = "Permission hint: the previous attempt looked like a filesystem permission denial; the executing agent's permission mode has not been changed for this retry."
