package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/smilemakc/agentflow/pkg/executor"
)

// interpreters maps a script language to its interpreter binary and
// the file extension a temp script file needs for that interpreter to
// recognize it.
var interpreters = map[string]struct {
	bin string
	ext string
}{
	"python":     {"python3", ".py"},
	"javascript": {"node", ".js"},
	"bash":       {"bash", ".sh"},
	"ruby":       {"ruby", ".rb"},
	"perl":       {"perl", ".pl"},
}

// ScriptExecutor runs inline or file-sourced script content under a
// language interpreter.
type ScriptExecutor struct {
	*executor.BaseExecutor
}

// NewScriptExecutor builds a script executor.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{BaseExecutor: executor.NewBaseExecutor("script")}
}

// Validate checks that the config names a known language and either
// inline content or a file path.
func (e *ScriptExecutor) Validate(config map[string]any) error {
	if err := e.ValidateRequired(config, "language"); err != nil {
		return err
	}
	lang, _ := e.GetString(config, "language")
	if _, ok := interpreters[lang]; !ok {
		return fmt.Errorf("script executor: unsupported language %q", lang)
	}
	_, hasContent := config["content"]
	_, hasFile := config["file"]
	if !hasContent && !hasFile {
		return fmt.Errorf("script executor: one of content or file is required")
	}
	return nil
}

// Execute writes inline content to a temp file (or uses the given
// file path directly) and runs it under the language's interpreter.
func (e *ScriptExecutor) Execute(ctx context.Context, config map[string]any) (*executor.Result, error) {
	if err := e.Validate(config); err != nil {
		return nil, err
	}

	lang, _ := e.GetString(config, "language")
	interp := interpreters[lang]

	scriptPath := e.GetStringDefault(config, "file", "")
	if scriptPath == "" {
		content := e.GetStringDefault(config, "content", "")
		f, err := os.CreateTemp("", "agentflow-script-*"+interp.ext)
		if err != nil {
			return nil, fmt.Errorf("script executor: create temp file: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return nil, fmt.Errorf("script executor: write temp file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("script executor: close temp file: %w", err)
		}
		scriptPath = f.Name()
	}

	timeoutSecs := e.GetIntDefault(config, "timeout_secs", 0)
	runCtx := ctx
	if timeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, interp.bin, scriptPath)
	cmd.Dir = e.GetStringDefault(config, "working_dir", "")
	if envRaw, ok := config["env"].(map[string]any); ok {
		env := cmd.Env
		for k, v := range envRaw {
			if s, ok := v.(string); ok {
				env = append(env, k+"="+s)
			}
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return nil, fmt.Errorf("script executor: %w", runErr)
	}

	if exitCode != 0 {
		return &executor.Result{Output: stdout.String(), HasOutput: stdout.Len() > 0, Metadata: map[string]any{"exit_code": exitCode}},
			fmt.Errorf("script exited with code %d: %s", exitCode, stderr.String())
	}

	return &executor.Result{
		Output:    stdout.String(),
		HasOutput: stdout.Len() > 0,
		Metadata:  map[string]any{"exit_code": exitCode},
	}, nil
}
