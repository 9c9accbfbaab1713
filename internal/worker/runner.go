package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process
// group was killed
const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   *bytes.Buffer
	Stderr   *bytes.Buffer
	TimedOut bool
	Err      error
}

// ExitCode returns the exit code of a process which exited normally, -1 otherwise
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Spawned reports whether the process was started at all
func (r Result) Spawned() bool {
	return r.State != nil
}

// Runner executes one command at a time per call. It is safe for concurrent use.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

// Run executes proto and waits for it. The process is placed in its own
// process group which is killed as a whole when the timeout expires or ctx is
// cancelled. Stdout and stderr are captured, stderr lines are passed to
// stderrFunc as they arrive.
func (r *Runner) Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	res := Result{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	runCtx := ctx
	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, res.Path, res.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = res.Stdout
	cmd.Stderr = &lineWriter{ctx: ctx, buf: res.Stderr, fn: stderrFunc}
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res
	}

	err := cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	res.Err = err
	res.TimedOut = proto.Timeout != 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return res
}

// lineWriter captures stderr and forwards complete lines
type lineWriter struct {
	mx   sync.Mutex
	ctx  context.Context
	buf  *bytes.Buffer
	fn   StderrFunc
	part []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.part = append(w.part, p...)
	for {
		i := bytes.IndexByte(w.part, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.part[:i], "\r")))
		w.part = w.part[i+1:]
	}
	return len(p), nil
}
