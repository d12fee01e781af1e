package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/smilemakc/agentflow/pkg/executor"
)

// CommandExecutor runs an arbitrary executable with arguments.
type CommandExecutor struct {
	*executor.BaseExecutor
}

// NewCommandExecutor builds a command executor.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{BaseExecutor: executor.NewBaseExecutor("command")}
}

// Validate checks that the command config names an executable.
func (e *CommandExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "executable")
}

// Execute runs the executable, capturing stdout/stderr per the
// capture flags and reporting the exit code in Result.Metadata.
func (e *CommandExecutor) Execute(ctx context.Context, config map[string]any) (*executor.Result, error) {
	if err := e.Validate(config); err != nil {
		return nil, err
	}

	executable, err := e.GetString(config, "executable")
	if err != nil {
		return nil, err
	}

	var args []string
	if raw, ok := config["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	timeoutSecs := e.GetIntDefault(config, "timeout_secs", 0)
	runCtx := ctx
	if timeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, executable, args...)
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
		return nil, fmt.Errorf("command executor: %w", runErr)
	}

	captureStdout := e.GetBoolDefault(config, "capture_stdout", true)
	captureStderr := e.GetBoolDefault(config, "capture_stderr", false)

	output := ""
	if captureStdout {
		output = stdout.String()
	}
	if captureStderr && stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	if exitCode != 0 {
		return &executor.Result{Output: output, HasOutput: output != "", Metadata: map[string]any{"exit_code": exitCode}},
			fmt.Errorf("command %q exited with code %d: %s", executable, exitCode, stderr.String())
	}

	return &executor.Result{
		Output:    output,
		HasOutput: output != "",
		Metadata:  map[string]any{"exit_code": exitCode},
	}, nil
}
