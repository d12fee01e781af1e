// Package dod implements Definition-of-Done verification: the seven
// post-execution criteria variants, UNMET CRITERIA retry feedback, and
// the permission-hint heuristic that drives DoD auto-elevation.
package dod

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/smilemakc/agentflow/pkg/models"
)

// OutputLookup resolves another task's output text, for
// output_matches(source=task_output).
type OutputLookup interface {
	TaskOutput(taskID string) (string, bool)
}

// Context is everything one DoD check needs beyond the criteria
// themselves.
type Context struct {
	// TaskOutput is the just-completed task's own produced output,
	// used by output_matches(source=task_output) when SourceTask is
	// empty (referring to the task's own output) and by the
	// permission-hint heuristic.
	TaskOutput string
	Outputs    OutputLookup
}

// Failure is one unmet criterion, carrying the detail text the UNMET
// CRITERIA feedback block (and the next retry's self-correction) needs.
type Failure struct {
	Criterion models.DoDCriterion
	Details   string
}

// Report is the outcome of evaluating a full DoDSpec.
type Report struct {
	Met      bool
	Failures []Failure
}

// Evaluate runs every criterion in spec and reports which, if any, are unmet.
// A nil spec (no Definition of Done declared) always passes.
func Evaluate(spec *models.DoDSpec, ctx Context) Report {
	if spec == nil || len(spec.Criteria) == 0 {
		return Report{Met: true}
	}

	var failures []Failure
	for _, c := range spec.Criteria {
		if ok, details := evaluateOne(c, ctx); !ok {
			failures = append(failures, Failure{Criterion: c, Details: details})
		}
	}
	return Report{Met: len(failures) == 0, Failures: failures}
}

func evaluateOne(c models.DoDCriterion, ctx Context) (bool, string) {
	switch c.Kind {
	case models.DoDFileExists:
		if _, err := os.Stat(c.Path); err != nil {
			return false, fmt.Sprintf("file %s does not exist: %v", c.Path, err)
		}
		return true, ""

	case models.DoDDirectoryExists:
		info, err := os.Stat(c.Path)
		if err != nil {
			return false, fmt.Sprintf("directory %s does not exist: %v", c.Path, err)
		}
		if !info.IsDir() {
			return false, fmt.Sprintf("%s exists but is not a directory", c.Path)
		}
		return true, ""

	case models.DoDFileContains:
		content, err := os.ReadFile(c.Path)
		if err != nil {
			return false, fmt.Sprintf("cannot read %s: %v", c.Path, err)
		}
		if matches(string(content), c.Pattern) {
			return true, ""
		}
		return false, fmt.Sprintf("file %s does not contain pattern %q", c.Path, c.Pattern)

	case models.DoDFileNotContains:
		content, err := os.ReadFile(c.Path)
		if err != nil {
			return false, fmt.Sprintf("cannot read %s: %v", c.Path, err)
		}
		if matches(string(content), c.Pattern) {
			return false, fmt.Sprintf("file %s contains forbidden pattern %q", c.Path, c.Pattern)
		}
		return true, ""

	case models.DoDCommandSucceeds:
		return runCommandCriterion(c)

	case models.DoDTestsPassed:
		return runCommandCriterion(c)

	case models.DoDOutputMatches:
		return evaluateOutputMatches(c, ctx)

	default:
		return false, fmt.Sprintf("unknown criterion kind %q", c.Kind)
	}
}

func evaluateOutputMatches(c models.DoDCriterion, ctx Context) (bool, string) {
	var text string
	switch c.SourceKind {
	case models.OutputMatchFile:
		content, err := os.ReadFile(c.Path)
		if err != nil {
			return false, fmt.Sprintf("cannot read %s: %v", c.Path, err)
		}
		text = string(content)
	case models.OutputMatchTaskOutput:
		if c.SourceTask == "" {
			text = ctx.TaskOutput
		} else if ctx.Outputs != nil {
			out, ok := ctx.Outputs.TaskOutput(c.SourceTask)
			if !ok {
				return false, fmt.Sprintf("no output recorded for task %s", c.SourceTask)
			}
			text = out
		}
	default:
		return false, fmt.Sprintf("unknown output_matches source %q", c.SourceKind)
	}

	if matches(text, c.Pattern) {
		return true, ""
	}
	return false, fmt.Sprintf("output does not match pattern %q: %s", c.Pattern, truncate(text, 500))
}

func runCommandCriterion(c models.DoDCriterion) (bool, string) {
	cmd := exec.Command(c.Command, c.Args...)
	cmd.Dir = c.WorkingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return false, fmt.Sprintf("failed to run %s: %v", c.Command, err)
	}

	if exitCode != 0 {
		return false, fmt.Sprintf("exit code %d\nstdout:\n%s\nstderr:\n%s", exitCode, stdout.String(), stderr.String())
	}
	return true, ""
}

// matches tries pattern as a regular expression first, falling back to
// a literal substring match if it doesn't parse as one (spec §4.6).
func matches(text, pattern string) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString(text)
	}
	return strings.Contains(text, pattern)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FeedbackText renders the "UNMET CRITERIA" block appended to a task's
// description before a DoD retry.
func FeedbackText(report Report) string {
	if report.Met {
		return ""
	}
	var b strings.Builder
	b.WriteString("UNMET CRITERIA:\n")
	for _, f := range report.Failures {
		desc := f.Criterion.Description
		if desc == "" {
			desc = string(f.Criterion.Kind)
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", desc, f.Details))
	}
	return b.String()
}
