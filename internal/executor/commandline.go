package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/model"
)

const (
	DefaultStageTimeout = 2000 * time.Millisecond
	waitDelay           = time.Second
)

// killProcessTree is swapped in tests to observe kills.
var killProcessTree = killTree

// CommandLine runs a job's stages as shell scripts, one process per stage.
type CommandLine struct {
	scriptDir    string
	stageTimeout time.Duration

	mu      sync.Mutex
	running map[string]*execution
}

type execution struct {
	ctx        context.Context
	job        model.Job
	onFinished FinishFunc
	finishOnce sync.Once

	// guarded by CommandLine.mu
	stage    int
	cmd      *exec.Cmd
	reaped   bool // cmd has been waited on; its pid may be reused
	output   *tailBuffer
	timer    *time.Timer
	canceled bool
	mode     model.CancelMode
}

func NewCommandLine(scriptDir string, stageTimeout time.Duration) *CommandLine {
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	if scriptDir == "" {
		scriptDir = os.TempDir()
	}
	return &CommandLine{
		scriptDir:    scriptDir,
		stageTimeout: stageTimeout,
		running:      make(map[string]*execution),
	}
}

func (c *CommandLine) Validate(job model.Job) error {
	stages := job.Payload.Stages
	if len(stages) == 0 {
		return &model.ValidationError{Field: "payload.stages", Reason: "must contain at least one stage"}
	}

	for i, s := range stages {
		field := fmt.Sprintf("payload.stages[%d]", i)
		if strings.TrimSpace(s.Run) == "" {
			return &model.ValidationError{Field: field + ".run", Reason: "is required"}
		}
		if strings.TrimSpace(s.Stop) == "" {
			return &model.ValidationError{Field: field + ".stop", Reason: "is required"}
		}
		if s.Cwd != "" {
			info, err := os.Stat(s.Cwd)
			if err != nil || !info.IsDir() {
				return &model.ValidationError{Field: field + ".cwd", Reason: fmt.Sprintf("%q is not an existing directory", s.Cwd)}
			}
		}
		if s.Timeout < 0 || s.StopTimeout < 0 {
			return &model.ValidationError{Field: field + ".timeout", Reason: "must not be negative"}
		}
		for j, e := range s.Env {
			if e.Key == "" || strings.ContainsAny(e.Key, "=\x00") {
				return &model.ValidationError{Field: fmt.Sprintf("%s.env[%d].key", field, j), Reason: "must be a variable name"}
			}
		}
	}
	return nil
}

// Process starts stage 0 before returning. A failure to start it is returned
// and also reported through onFinished.
func (c *CommandLine) Process(ctx context.Context, job model.Job, onFinished FinishFunc) (model.Result, error) {
	if IsCancelation(job) {
		go func() {
			onFinished(c.Cancel(ctx, job.Payload.JobID, job.CancelModeOr()))
		}()
		return model.Result{State: model.StateRunning, OK: true}, nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     logger.Ptr(job.ID),
		Component: "jobagent.executor.commandline",
	})
	ex := &execution{ctx: ctx, job: job, onFinished: onFinished}

	c.mu.Lock()
	if _, ok := c.running[job.ID]; ok {
		c.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ID)
		ex.finish(model.Result{State: model.StateFinished}, err)
		return model.Result{State: model.StateFinished}, err
	}
	c.running[job.ID] = ex
	err := c.startStage(ex, 0)
	c.mu.Unlock()

	if err != nil {
		res := c.fail(ex, 0, err)
		return res, err
	}
	return model.Result{State: model.StateRunning, OK: true}, nil
}

// startStage must be called with c.mu held.
func (c *CommandLine) startStage(ex *execution, i int) error {
	stage := ex.job.Payload.Stages[i]

	env, err := FormatEnv(stage.Env)
	if err != nil {
		return fmt.Errorf("stage %d: %w", i, err)
	}
	path, err := writeScript(c.scriptDir, stage.Run)
	if err != nil {
		return fmt.Errorf("stage %d: %w", i, err)
	}

	out := &tailBuffer{}
	cmd := shellCommand(path)
	cmd.Dir = stage.Cwd
	cmd.Env = processEnv(env)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("start stage %d: %w", i, err)
	}

	ex.stage = i
	ex.cmd = cmd
	ex.reaped = false
	ex.output = out
	ex.timer = time.AfterFunc(c.timeoutFor(stage), func() { c.onStageTimeout(ex, i) })

	slog.InfoContext(ex.ctx, "stage started",
		"stage", i,
		"pid", cmd.Process.Pid,
		"script", logger.Truncate(stage.Run, 200))

	go c.wait(ex, cmd, path, i)
	return nil
}

func (c *CommandLine) timeoutFor(stage model.Stage) time.Duration {
	if stage.Timeout > 0 {
		return time.Duration(stage.Timeout) * time.Millisecond
	}
	return c.stageTimeout
}

func (c *CommandLine) stopTimeoutFor(stage model.Stage) time.Duration {
	if stage.StopTimeout > 0 {
		return time.Duration(stage.StopTimeout) * time.Millisecond
	}
	return c.timeoutFor(stage)
}

func (c *CommandLine) wait(ex *execution, cmd *exec.Cmd, path string, i int) {
	waitErr := cmd.Wait()
	_ = os.Remove(path)

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	c.mu.Lock()
	ex.reaped = true
	if ex.timer != nil {
		ex.timer.Stop()
	}
	canceled, mode := ex.canceled, ex.mode
	output := ex.output.String()
	last := i == len(ex.job.Payload.Stages)-1

	var startErr error
	if !canceled && code == 0 && !last {
		startErr = c.startStage(ex, i+1)
	}
	c.mu.Unlock()

	slog.DebugContext(ex.ctx, "stage exited",
		"stage", i,
		"exit_code", code,
		"wait_error", waitErr,
		"output", logger.Truncate(output, 500))

	switch {
	case canceled:
		c.finish(ex, model.Result{
			State:      model.StateCanceled,
			ExitCode:   code,
			Stage:      i,
			CancelMode: mode,
			Message:    fmt.Sprintf("canceled during stage %d", i),
		}, nil)
	case code != 0:
		c.finish(ex, model.Result{
			State:    model.StateFinished,
			ExitCode: code,
			Stage:    i,
			Message:  strings.TrimSpace(fmt.Sprintf("stage %d exited with code %d\n%s", i, code, output)),
		}, nil)
	case last:
		c.finish(ex, model.Result{State: model.StateFinished, OK: true, Stage: i}, nil)
	case startErr != nil:
		c.fail(ex, i+1, startErr)
	}
}

func (c *CommandLine) onStageTimeout(ex *execution, i int) {
	c.mu.Lock()
	stale := c.running[ex.job.ID] != ex || ex.stage != i || ex.canceled
	c.mu.Unlock()
	if stale {
		return
	}

	slog.WarnContext(ex.ctx, "stage timed out, canceling", "stage", i)
	if _, err := c.Cancel(context.Background(), ex.job.ID, model.CancelStageTimeout); err != nil {
		slog.ErrorContext(ex.ctx, "stage timeout cancel failed", "error", err, "stage", i)
	}
}

// Cancel runs the current stage's stop script, then kills the run process.
// If the stop script outlives its timeout both processes are killed.
func (c *CommandLine) Cancel(ctx context.Context, jobID string, mode model.CancelMode) (model.Result, error) {
	c.mu.Lock()
	ex, ok := c.running[jobID]
	if !ok {
		c.mu.Unlock()
		return model.Result{State: model.StateFinished, OK: true, Message: fmt.Sprintf("job %s is not running", jobID)}, nil
	}
	if ex.canceled {
		c.mu.Unlock()
		return model.Result{State: model.StateFinished, OK: true, Message: fmt.Sprintf("job %s is already being canceled", jobID)}, nil
	}
	ex.canceled = true
	ex.mode = mode
	if ex.timer != nil {
		ex.timer.Stop()
	}
	stageIdx := ex.stage
	stage := ex.job.Payload.Stages[stageIdx]
	runCmd := ex.cmd
	c.mu.Unlock()

	killRun := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ex.cmd != runCmd || ex.reaped {
			return
		}
		if err := killProcessTree(runCmd); err != nil {
			slog.WarnContext(ex.ctx, "kill run process failed", "error", err)
		}
	}

	slog.InfoContext(ex.ctx, "canceling job", "mode", string(mode), "stage", stageIdx)

	path, err := writeScript(c.scriptDir, stage.Stop)
	if err != nil {
		killRun()
		return model.Result{State: model.StateFinished}, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	defer os.Remove(path)

	env, err := FormatEnv(stage.Env)
	if err != nil {
		env = nil
	}
	stop := shellCommand(path)
	stop.Dir = stage.Cwd
	stop.Env = processEnv(env)
	stop.WaitDelay = waitDelay
	if err := stop.Start(); err != nil {
		killRun()
		return model.Result{State: model.StateFinished}, fmt.Errorf("cancel %s: start stop script: %w", jobID, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- stop.Wait() }()

	timer := time.NewTimer(c.stopTimeoutFor(stage))
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		slog.WarnContext(ex.ctx, "stop script timed out, killing processes")
		_ = killTree(stop)
		killRun()
		<-exited
	case <-ctx.Done():
		_ = killTree(stop)
		killRun()
		<-exited
	}
	killRun()

	return model.Result{State: model.StateFinished, OK: true, Message: fmt.Sprintf("job %s canceled", jobID)}, nil
}

// Running reports whether the job has a live entry.
func (c *CommandLine) Running(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[jobID]
	return ok
}

func (c *CommandLine) fail(ex *execution, stage int, err error) model.Result {
	slog.ErrorContext(ex.ctx, "job execution failed", "error", err, "stage", stage)
	res := model.Result{State: model.StateFinished, Stage: stage, ExitCode: -1, Message: err.Error()}
	c.finish(ex, res, err)
	return res
}

func (c *CommandLine) finish(ex *execution, res model.Result, err error) {
	c.mu.Lock()
	if c.running[ex.job.ID] == ex {
		delete(c.running, ex.job.ID)
	}
	c.mu.Unlock()
	ex.finish(res, err)
}

func (ex *execution) finish(res model.Result, err error) {
	ex.finishOnce.Do(func() { ex.onFinished(res, err) })
}
