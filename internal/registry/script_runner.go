package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/swarmguard/taskengine/internal/taskerrors"
)

// defaultCommandTimeout bounds a command-shaped task with no
// timeout_seconds of its own.
const defaultCommandTimeout = 3600 * time.Second

// ScriptRunner is the built-in executor for the `{command, timeout_seconds?}`
// config shape. It is grounded on the teacher's ScriptTaskExecutor stub in
// task_executor.go, replaced here with a real implementation: shell-style
// tokenization via google/shlex (the teacher's own ShellPlugin in
// plugins.go used strings.Fields, which breaks on quoted arguments — a gap
// this module closes), streamed stdout/stderr, and a bounded result
// envelope.
type ScriptRunner struct{}

// NewScriptRunner constructs a ScriptRunner.
func NewScriptRunner() *ScriptRunner { return &ScriptRunner{} }

// commandInput is the shape ScriptRunner.Execute accepts, matching
// store.CommandConfig.
type commandInput struct {
	Command        string `json:"command"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
}

// Execute implements Executor for task_action "shell".
func (r *ScriptRunner) Execute(ctx context.Context, configJSON string, progress ProgressFunc) (Result, error) {
	var in commandInput
	if err := json.Unmarshal([]byte(configJSON), &in); err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "invalid shell config", err)
	}
	return r.Run(ctx, in.Command, in.WorkingDir, in.TimeoutSeconds, progress)
}

// Run executes command, the path the Runtime takes directly for the
// `command` task config shape (bypassing the named-action registry). An
// empty workingDir is resolved per the Script Runner's rule: the directory
// of the first token if it names an existing file, otherwise the process's
// own working directory.
func (r *ScriptRunner) Run(ctx context.Context, command, workingDir string, timeoutSeconds *int, progress ProgressFunc) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "empty command", fmt.Errorf("command must not be blank"))
	}
	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "unparsable command", fmt.Errorf("could not tokenize %q", command))
	}

	timeout := defaultCommandTimeout
	if timeoutSeconds != nil && *timeoutSeconds > 0 {
		timeout = time.Duration(*timeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := workingDir
	if workDir == "" {
		workDir = resolveWorkDir(args[0])
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), fmt.Sprintf("TASKENGINE_EXECUTION_ID=%s", executionIDFromContext(ctx)))

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "attach stdout", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "attach stderr", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "start command", err)
	}

	stderr := &stderrCapture{}
	done := make(chan struct{})
	go streamLines(stdoutPipe, slog.LevelInfo, nil, done)
	go streamLines(stderrPipe, slog.LevelWarn, stderr, done)

	waitErr := cmd.Wait()
	<-done
	<-done
	duration := time.Since(start)

	exitCode := 0
	if exitErr, ok := asExitError(waitErr); ok {
		exitCode = exitErr.ExitCode()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, taskerrors.Wrap(taskerrors.ErrTimeout, "command timed out", fmt.Errorf("exceeded %s", timeout))
	}
	if ctx.Err() == context.Canceled {
		return Result{}, taskerrors.Wrap(taskerrors.ErrCancelled, "command cancelled", ctx.Err())
	}

	success := waitErr == nil
	envelope := map[string]any{
		"command":          command,
		"work_dir":         workDir,
		"duration_seconds": duration.Seconds(),
	}
	if !success {
		envelope["error_summary"] = stderr.summary()
	}
	output, _ := json.Marshal(envelope)
	result := Result{
		Success:  success,
		ExitCode: &exitCode,
		Message:  commandMessage(success, exitCode),
		Output:   output,
	}
	if !success {
		return result, taskerrors.Wrap(taskerrors.ErrActionFailed, "command failed", fmt.Errorf("%s", result.Message))
	}
	return result, nil
}

func commandMessage(success bool, exitCode int) string {
	if success {
		return "command completed"
	}
	return fmt.Sprintf("command exited with status %d", exitCode)
}

// resolveWorkDir implements the Script Runner's working-directory rule:
// the directory of the first token if it names an existing file,
// otherwise the process's own working directory.
func resolveWorkDir(firstToken string) string {
	if info, err := os.Stat(firstToken); err == nil && !info.IsDir() {
		return filepath.Dir(firstToken)
	}
	if root, err := os.Getwd(); err == nil {
		return root
	}
	return "."
}

const errorSummaryLimit = 500

// stderrCapture accumulates stderr text, bounded well past errorSummaryLimit,
// so summary() always has enough to truncate from without holding the full
// stream in memory. Safe for concurrent use by the stderr reader goroutine
// and summary() (called only after Wait() has joined that goroutine, but
// guarded regardless since streamLines itself is generic over both pipes).
type stderrCapture struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *stderrCapture) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() < errorSummaryLimit*8 {
		c.buf.WriteString(line)
		c.buf.WriteByte('\n')
	}
}

func (c *stderrCapture) summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.buf.String()
	if len(s) > errorSummaryLimit {
		s = s[:errorSummaryLimit]
	}
	return s
}

// streamLines consumes a pipe line by line, logging it at the inferred
// level. Raw output is never persisted; capture (nil for stdout) only
// retains stderr, and only long enough to build a bounded error_summary on
// failure.
func streamLines(pipe io.Reader, level slog.Level, capture *stderrCapture, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Log(context.Background(), level, "command output", "line", line)
		if capture != nil {
			capture.add(line)
		}
	}
}

type execIDKey struct{}

// WithExecutionID attaches an execution id to ctx so Run can inject it into
// the child process environment.
func WithExecutionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, execIDKey{}, id)
}

func executionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(execIDKey{}).(int64); ok {
		return fmt.Sprintf("%d", id)
	}
	return ""
}

func asExitError(err error) (*exec.ExitError, bool) {
	exitErr, ok := err.(*exec.ExitError)
	return exitErr, ok
}
